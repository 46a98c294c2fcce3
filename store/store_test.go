package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/livewatch/backend/db"
	"github.com/onnwee/livewatch/backend/store"
	"github.com/onnwee/livewatch/backend/testutil"
)

type doc struct {
	LiveKey  string `json:"live_key"`
	Platform string `json:"platform"`
	Viewers  int64  `json:"viewers"`
	IsLive   bool   `json:"is_live"`
}

func newSQLite(t *testing.T) store.Store {
	t.Helper()
	database, err := db.Connect(db.DriverSQLite, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), database, db.DriverSQLite))
	s, err := store.NewSQLStore(database, store.DialectSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newSQLiteMemory(t *testing.T) store.Store {
	t.Helper()
	database, err := db.Connect(db.DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background(), database, db.DriverSQLite))
	s, err := store.NewSQLStore(database, store.DialectSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newPostgres(t *testing.T) store.Store {
	t.Helper()
	database := testutil.SetupTestDB(t)
	_, err := database.ExecContext(context.Background(), `DELETE FROM documents WHERE collection LIKE 'test_%'`)
	require.NoError(t, err)
	s, err := store.NewSQLStore(database, store.DialectPostgres)
	require.NoError(t, err)
	return s
}

var backends = map[string]func(t *testing.T) store.Store{
	"memory":        func(*testing.T) store.Store { return store.NewMemoryStore() },
	"sqlite":        newSQLite,
	"sqlite-memory": newSQLiteMemory,
	"postgres":      newPostgres,
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

const coll = "test_docs"

func TestInsertAndFind(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertOne(ctx, coll, doc{LiveKey: "showroom:1", Platform: "showroom", Viewers: 10, IsLive: true}))
		require.NoError(t, s.InsertOne(ctx, coll, doc{LiveKey: "idn:alice", Platform: "idn", Viewers: 3, IsLive: true}))
		require.NoError(t, s.InsertOne(ctx, coll, doc{LiveKey: "showroom:2", Platform: "showroom", Viewers: 0}))

		var got doc
		found, err := s.FindOne(ctx, coll, store.Filter{"live_key": "idn:alice"}, &got)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, int64(3), got.Viewers)

		found, err = s.FindOne(ctx, coll, store.Filter{"live_key": "nope"}, &got)
		require.NoError(t, err)
		assert.False(t, found)

		var all []doc
		require.NoError(t, s.FindMany(ctx, coll, nil, &all))
		require.Len(t, all, 3)
		assert.Equal(t, "showroom:1", all[0].LiveKey, "insertion order")

		var showroom []doc
		require.NoError(t, s.FindMany(ctx, coll, store.Filter{"platform": "showroom", "is_live": true}, &showroom))
		require.Len(t, showroom, 1)
		assert.Equal(t, "showroom:1", showroom[0].LiveKey)

		var byNumber []doc
		require.NoError(t, s.FindMany(ctx, coll, store.Filter{"viewers": 10}, &byNumber))
		assert.Len(t, byNumber, 1)

		var none []doc
		require.NoError(t, s.FindMany(ctx, "test_empty", nil, &none))
		assert.Empty(t, none)
	})
}

func TestUpdateOneAndUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		f := store.Filter{"live_key": "showroom:1"}

		matched, err := s.UpdateOne(ctx, coll, f, doc{LiveKey: "showroom:1", Viewers: 1}, false)
		require.NoError(t, err)
		assert.False(t, matched)
		found, err := s.FindOne(ctx, coll, f, &doc{})
		require.NoError(t, err)
		assert.False(t, found, "update without upsert must not insert")

		matched, err = s.UpdateOne(ctx, coll, f, doc{LiveKey: "showroom:1", Viewers: 1}, true)
		require.NoError(t, err)
		assert.False(t, matched)

		matched, err = s.UpdateOne(ctx, coll, f, doc{LiveKey: "showroom:1", Viewers: 99}, true)
		require.NoError(t, err)
		assert.True(t, matched)

		var all []doc
		require.NoError(t, s.FindMany(ctx, coll, f, &all))
		require.Len(t, all, 1, "upsert must not duplicate")
		assert.Equal(t, int64(99), all[0].Viewers)
	})
}

func TestDeleteOne(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.InsertOne(ctx, coll, doc{LiveKey: "a"}))
		require.NoError(t, s.InsertOne(ctx, coll, doc{LiveKey: "b"}))

		deleted, err := s.DeleteOne(ctx, coll, store.Filter{"live_key": "a"})
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = s.DeleteOne(ctx, coll, store.Filter{"live_key": "a"})
		require.NoError(t, err)
		assert.False(t, deleted)

		var rest []doc
		require.NoError(t, s.FindMany(ctx, coll, nil, &rest))
		require.Len(t, rest, 1)
		assert.Equal(t, "b", rest[0].LiveKey)
	})
}

func TestInvalidInput(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		_, err := s.FindOne(ctx, coll, store.Filter{"bad key'; --": "x"}, &doc{})
		assert.True(t, errors.Is(err, store.ErrInvalidFilter))

		_, err = s.FindOne(ctx, coll, store.Filter{"nested": map[string]any{"a": 1}}, &doc{})
		assert.True(t, errors.Is(err, store.ErrInvalidFilter))

		err = s.InsertOne(ctx, coll, []int{1, 2})
		assert.True(t, errors.Is(err, store.ErrInvalidDocument))

		assert.NoError(t, s.Ping(ctx))
	})
}

func TestConcurrentUpserts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.UpdateOne(ctx, coll, store.Filter{"live_key": "k"}, doc{LiveKey: "k", Viewers: int64(i)}, true)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		var all []doc
		require.NoError(t, s.FindMany(ctx, coll, nil, &all))
		assert.NotEmpty(t, all)
	})
}

func TestUniqueIndexReportsDuplicate(t *testing.T) {
	database, err := db.Connect(db.DriverSQLite, filepath.Join(t.TempDir(), "dup.db"))
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations(database, db.DriverSQLite))
	s, err := store.NewSQLStore(database, store.DialectSQLite)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InsertOne(ctx, "live_sessions", doc{LiveKey: "idn:bob"}))
	err = s.InsertOne(ctx, "live_sessions", doc{LiveKey: "idn:bob"})
	assert.True(t, errors.Is(err, store.ErrDuplicate), "got %v", err)
}

func TestUnsupportedDialect(t *testing.T) {
	_, err := store.NewSQLStore(nil, "mysql")
	assert.Error(t, err)
}
