// Package testutil holds shared fakes for tests: a path-routed mock upstream API,
// a scripted platform adapter, a recording deliverer and store constructors.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockPlatformServer is an httptest server routing by URL path.
type MockPlatformServer struct {
	*httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockPlatformServer starts a server that answers 404 for unregistered paths.
func NewMockPlatformServer(t *testing.T) *MockPlatformServer {
	t.Helper()
	m := &MockPlatformServer{
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path.
func (m *MockPlatformServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = h
}

// JSON registers a handler answering status with body encoded as JSON.
func (m *MockPlatformServer) JSON(path string, status int, body any) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	})
}

// Status registers a handler answering an empty body with status.
func (m *MockPlatformServer) Status(path string, status int) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// Hits returns how many requests reached path.
func (m *MockPlatformServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// WriteJSON encodes body with status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
