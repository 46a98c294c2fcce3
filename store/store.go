// Package store is the durable document store used for sessions, subscriptions,
// channel settings and history. Documents are JSON objects grouped into named
// collections and matched by top-level field equality.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var (
	// ErrInvalidFilter is returned for filters with unsupported keys or values.
	ErrInvalidFilter = errors.New("store: invalid filter")
	// ErrInvalidDocument is returned when a document does not encode to a JSON object.
	ErrInvalidDocument = errors.New("store: document must encode to a JSON object")
	// ErrDuplicate is returned when an insert violates a unique key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// Filter matches documents whose top-level fields equal every entry.
// Values must be strings, booleans or numbers. An empty filter matches all documents.
type Filter map[string]any

// Store is the generic document store capability.
type Store interface {
	// FindOne decodes the first matching document into out and reports whether one existed.
	FindOne(ctx context.Context, collection string, filter Filter, out any) (bool, error)
	// FindMany decodes every matching document, in insertion order, into out (pointer to slice).
	FindMany(ctx context.Context, collection string, filter Filter, out any) error
	InsertOne(ctx context.Context, collection string, doc any) error
	// UpdateOne replaces the first matching document with doc. With upsert, a
	// missing document is inserted. matched reports whether an existing document was replaced.
	UpdateOne(ctx context.Context, collection string, filter Filter, doc any, upsert bool) (matched bool, err error)
	// DeleteOne removes the first matching document and reports whether one existed.
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

var filterKey = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func validateFilter(f Filter) error {
	for k, v := range f {
		if !filterKey.MatchString(k) {
			return fmt.Errorf("%w: key %q", ErrInvalidFilter, k)
		}
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
		default:
			return fmt.Errorf("%w: key %q has unsupported value type %T", ErrInvalidFilter, k, v)
		}
	}
	return nil
}

func sortedKeys(f Filter) []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeDocument(doc any) ([]byte, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if t := bytes.TrimSpace(b); len(t) == 0 || t[0] != '{' {
		return nil, ErrInvalidDocument
	}
	return b, nil
}

// decodeMany unmarshals a list of JSON objects into out, which must point to a slice.
func decodeMany(bodies [][]byte, out any) error {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range bodies {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("decode documents: %w", err)
	}
	return nil
}
