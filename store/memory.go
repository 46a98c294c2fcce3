package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

type memDoc struct {
	body   []byte
	fields map[string]any
}

// MemoryStore is an in-process Store for development and tests. It enforces no unique keys.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]*memDoc
	closed      bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string][]*memDoc)}
}

func newMemDoc(body []byte) (*memDoc, error) {
	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &memDoc{body: body, fields: fields}, nil
}

// normalize round-trips filter values through JSON so they compare like decoded fields.
func normalize(f Filter) (map[string]any, error) {
	if err := validateFilter(f); err != nil {
		return nil, err
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return out, nil
}

func (d *memDoc) matches(f map[string]any) bool {
	for k, want := range f {
		got, ok := d.fields[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) index(collection string, f map[string]any) int {
	for i, d := range m.collections[collection] {
		if d.matches(f) {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) FindOne(_ context.Context, collection string, filter Filter, out any) (bool, error) {
	f, err := normalize(filter)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := m.index(collection, f)
	if i < 0 {
		return false, nil
	}
	if err := json.Unmarshal(m.collections[collection][i].body, out); err != nil {
		return false, fmt.Errorf("decode %s document: %w", collection, err)
	}
	return true, nil
}

func (m *MemoryStore) FindMany(_ context.Context, collection string, filter Filter, out any) error {
	f, err := normalize(filter)
	if err != nil {
		return err
	}
	m.mu.RLock()
	var bodies [][]byte
	for _, d := range m.collections[collection] {
		if d.matches(f) {
			bodies = append(bodies, d.body)
		}
	}
	m.mu.RUnlock()
	return decodeMany(bodies, out)
}

func (m *MemoryStore) InsertOne(_ context.Context, collection string, doc any) error {
	body, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	d, err := newMemDoc(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = append(m.collections[collection], d)
	return nil
}

func (m *MemoryStore) UpdateOne(_ context.Context, collection string, filter Filter, doc any, upsert bool) (bool, error) {
	f, err := normalize(filter)
	if err != nil {
		return false, err
	}
	body, err := encodeDocument(doc)
	if err != nil {
		return false, err
	}
	d, err := newMemDoc(body)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.index(collection, f); i >= 0 {
		m.collections[collection][i] = d
		return true, nil
	}
	if upsert {
		m.collections[collection] = append(m.collections[collection], d)
	}
	return false, nil
}

func (m *MemoryStore) DeleteOne(_ context.Context, collection string, filter Filter) (bool, error) {
	f, err := normalize(filter)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.index(collection, f)
	if i < 0 {
		return false, nil
	}
	docs := m.collections[collection]
	m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
	return true, nil
}

// Count returns the number of documents in collection.
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
