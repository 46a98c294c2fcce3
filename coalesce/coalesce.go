// Package coalesce resolves numeric metrics from loosely typed upstream payloads.
// The first candidate that parses as a finite number wins; absent, null and
// unparsable candidates are skipped.
package coalesce

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Number returns the first candidate that resolves to a finite number,
// truncated toward zero. Strings are trimmed and may carry thousands separators.
func Number(candidates ...any) (int64, bool) {
	for _, c := range candidates {
		if n, ok := toInt(c); ok {
			return n, true
		}
	}
	return 0, false
}

// Ptr is Number returning nil when nothing resolved.
func Ptr(candidates ...any) *int64 {
	if n, ok := Number(candidates...); ok {
		return &n
	}
	return nil
}

// First returns the first non-nil pointer among vals.
func First(vals ...*int64) *int64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// Path walks a decoded JSON document (maps and slices) along a dotted path.
// Numeric segments index into arrays. The bool is false when any segment is missing.
func Path(doc any, path string) (any, bool) {
	cur := doc
	if path == "" {
		return cur, cur != nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// Field resolves the first of paths in doc that holds a number.
func Field(doc any, paths ...string) *int64 {
	for _, p := range paths {
		v, ok := Path(doc, p)
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok {
			return &n
		}
	}
	return nil
}

// Decode unmarshals raw JSON with UseNumber so large integers survive intact.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return fromFloat(float64(n))
	case float64:
		return fromFloat(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		return parseString(string(n))
	case string:
		return parseString(n)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return 0, false
		}
		return toInt(rv.Elem().Interface())
	}
	return 0, false
}

func parseString(s string) (int64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return fromFloat(f)
}

func fromFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
