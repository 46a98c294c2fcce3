package testutil

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"

	"github.com/onnwee/livewatch/backend/db"
	"github.com/onnwee/livewatch/backend/delivery"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/store"
)

// FakeAdapter is a scripted platform adapter. Fields may be changed between ticks under Lock.
type FakeAdapter struct {
	sync.Mutex
	Name       live.Platform
	Rooms      []live.LiveRoom
	ListErr    error
	Metrics    map[string]live.HistoryMetrics // by live_key
	MetricsErr error
	Members    map[string]*live.Member
	// Block, when set, holds ListLiveRooms until it is closed.
	Block chan struct{}

	ListCalls    int
	HistoryCalls int
}

func NewFakeAdapter(p live.Platform) *FakeAdapter {
	return &FakeAdapter{Name: p, Metrics: map[string]live.HistoryMetrics{}, Members: map[string]*live.Member{}}
}

func (f *FakeAdapter) Platform() live.Platform { return f.Name }

// SetRooms replaces the rooms reported live.
func (f *FakeAdapter) SetRooms(rooms ...live.LiveRoom) {
	f.Lock()
	defer f.Unlock()
	f.Rooms = rooms
	f.ListErr = nil
}

// FailListing makes ListLiveRooms return err.
func (f *FakeAdapter) FailListing(err error) {
	f.Lock()
	defer f.Unlock()
	f.ListErr = err
}

func (f *FakeAdapter) ListLiveRooms(ctx context.Context) ([]live.LiveRoom, error) {
	f.Lock()
	block := f.Block
	f.ListCalls++
	f.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.Lock()
	defer f.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]live.LiveRoom, len(f.Rooms))
	copy(out, f.Rooms)
	return out, nil
}

func (f *FakeAdapter) FindMember(_ context.Context, query string) (*live.Member, error) {
	f.Lock()
	defer f.Unlock()
	return f.Members[query], nil
}

func (f *FakeAdapter) FetchHistoryMetrics(_ context.Context, s live.LiveSession) (live.HistoryMetrics, error) {
	f.Lock()
	defer f.Unlock()
	f.HistoryCalls++
	return f.Metrics[s.LiveKey], f.MetricsErr
}

// Delivery records one delivery attempt.
type Delivery struct {
	Kind      string // channel | direct
	Recipient string
	Message   delivery.Message
}

// RecordingDeliverer records every delivery. Fail, when set, decides per recipient which attempts fail.
type RecordingDeliverer struct {
	mu        sync.Mutex
	delivered []Delivery
	attempts  int
	Fail      func(kind, recipient string) error
}

func (r *RecordingDeliverer) record(kind, recipient string, msg delivery.Message) error {
	r.mu.Lock()
	r.attempts++
	fail := r.Fail
	r.mu.Unlock()
	if fail != nil {
		if err := fail(kind, recipient); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, Delivery{Kind: kind, Recipient: recipient, Message: msg})
	return nil
}

func (r *RecordingDeliverer) DeliverToChannel(_ context.Context, channelID string, msg delivery.Message) error {
	return r.record("channel", channelID, msg)
}

func (r *RecordingDeliverer) DeliverDirect(_ context.Context, userID string, msg delivery.Message) error {
	return r.record("direct", userID, msg)
}

// Delivered returns successful deliveries in arrival order.
func (r *RecordingDeliverer) Delivered() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.delivered))
	copy(out, r.delivered)
	return out
}

// Attempts counts every delivery call, failed or not.
func (r *RecordingDeliverer) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// NewMemoryRepo returns a repository over a fresh in-memory store.
func NewMemoryRepo() (*live.Repository, *store.MemoryStore) {
	ms := store.NewMemoryStore()
	return live.NewRepository(ms), ms
}

// NewSQLiteStore opens a migrated SQLite store in a temp dir.
func NewSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	database, err := db.Connect(db.DriverSQLite, t.TempDir()+"/test.db")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(context.Background(), database, db.DriverSQLite); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	s, err := store.NewSQLStore(database, db.DriverSQLite)
	if err != nil {
		t.Fatalf("sqlite store: %v", err)
	}
	return s
}

// SetupTestDB opens and migrates the Postgres database named by TEST_PG_DSN.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(db.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database, db.DriverPostgres); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
