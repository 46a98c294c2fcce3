// Package platform defines the adapter contract implemented by each streaming platform client,
// together with the pieces the adapters share: roster filtering, flexible ids and fallback cooldowns.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/onnwee/livewatch/backend/live"
)

// Adapter normalizes one platform's API.
type Adapter interface {
	Platform() live.Platform
	// ListLiveRooms returns every roster room currently live.
	ListLiveRooms(ctx context.Context) ([]live.LiveRoom, error)
	// FindMember resolves a name or identifier; nil, nil when nothing matches.
	FindMember(ctx context.Context, query string) (*live.Member, error)
	// FetchHistoryMetrics gathers end-of-stream metrics through the platform's fallback chain.
	// Partial results are normal: unresolved fields are nil.
	FetchHistoryMetrics(ctx context.Context, session live.LiveSession) (live.HistoryMetrics, error)
}

// Roster restricts tracked rooms to identifiers starting with one of its prefixes.
// An empty roster tracks everything.
type Roster []string

// ParseRoster splits a comma separated prefix list.
func ParseRoster(csv string) Roster {
	var r Roster
	for _, p := range strings.Split(csv, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			r = append(r, p)
		}
	}
	return r
}

// Allows reports whether any of ids matches a roster prefix (case-insensitive).
func (r Roster) Allows(ids ...string) bool {
	if len(r) == 0 {
		return true
	}
	for _, id := range ids {
		id = strings.ToLower(id)
		if id == "" {
			continue
		}
		for _, prefix := range r {
			if strings.HasPrefix(id, prefix) {
				return true
			}
		}
	}
	return false
}

// ID decodes identifiers that upstream APIs send either as JSON numbers or strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }
