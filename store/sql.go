package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

// Dialect names accepted by NewSQLStore.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// dialect captures the SQL differences between Postgres (JSONB) and SQLite (JSON1).
type dialect interface {
	placeholder(n int) string
	bodyParam(p string) string
	match(q *query, f Filter) string
	isUniqueViolation(err error) bool
}

type postgresDialect struct{}

func (postgresDialect) placeholder(n int) string  { return "$" + strconv.Itoa(n) }
func (postgresDialect) bodyParam(p string) string { return p + "::jsonb" }

func (postgresDialect) match(q *query, f Filter) string {
	if len(f) == 0 {
		return ""
	}
	// validated before this point, Marshal cannot fail on scalar values
	b, _ := json.Marshal(f)
	return "body @> " + q.arg(string(b)) + "::jsonb"
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string    { return "?" }
func (sqliteDialect) bodyParam(p string) string { return p }

func (sqliteDialect) match(q *query, f Filter) string {
	conds := make([]string, 0, len(f))
	for _, k := range sortedKeys(f) {
		v := f[k]
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			} else {
				v, _ = n.Float64()
			}
		}
		conds = append(conds, "json_extract(body, '$."+k+"') = "+q.arg(v))
	}
	return strings.Join(conds, " AND ")
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) &&
		(sqErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

type query struct {
	d    dialect
	args []any
}

func (q *query) arg(v any) string {
	q.args = append(q.args, v)
	return q.d.placeholder(len(q.args))
}

// SQLStore keeps every collection in a single documents table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database. name is DialectPostgres or DialectSQLite.
// The documents table must already exist (see db.RunMigrations / db.Migrate).
func NewSQLStore(db *sql.DB, name string) (*SQLStore, error) {
	var d dialect
	switch name {
	case DialectPostgres, "pgx":
		d = postgresDialect{}
	case DialectSQLite, "sqlite3":
		d = sqliteDialect{}
	default:
		return nil, fmt.Errorf("store: unsupported dialect %q", name)
	}
	return &SQLStore{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB exposes the underlying handle (migrations, health checks).
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) where(q *query, collection string, f Filter) string {
	clause := "collection = " + q.arg(collection)
	if cond := s.dialect.match(q, f); cond != "" {
		clause += " AND " + cond
	}
	return clause
}

func (s *SQLStore) FindOne(ctx context.Context, collection string, filter Filter, out any) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}
	q := &query{d: s.dialect}
	stmt := "SELECT body FROM documents WHERE " + s.where(q, collection, filter) + " ORDER BY seq LIMIT 1"
	var body []byte
	err := s.db.QueryRowContext(ctx, stmt, q.args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find %s: %w", collection, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s document: %w", collection, err)
	}
	return true, nil
}

func (s *SQLStore) FindMany(ctx context.Context, collection string, filter Filter, out any) error {
	if err := validateFilter(filter); err != nil {
		return err
	}
	q := &query{d: s.dialect}
	stmt := "SELECT body FROM documents WHERE " + s.where(q, collection, filter) + " ORDER BY seq"
	rows, err := s.db.QueryContext(ctx, stmt, q.args...)
	if err != nil {
		return fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()
	var bodies [][]byte
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		bodies = append(bodies, body)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}
	return decodeMany(bodies, out)
}

func (s *SQLStore) InsertOne(ctx context.Context, collection string, doc any) error {
	body, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return s.insert(ctx, collection, body)
}

func (s *SQLStore) insert(ctx context.Context, collection string, body []byte) error {
	q := &query{d: s.dialect}
	now := s.now()
	stmt := fmt.Sprintf("INSERT INTO documents (id, collection, body, created_at, updated_at) VALUES (%s, %s, %s, %s, %s)",
		q.arg(uuid.NewString()), q.arg(collection), s.dialect.bodyParam(q.arg(string(body))), q.arg(now), q.arg(now))
	if _, err := s.db.ExecContext(ctx, stmt, q.args...); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", collection, ErrDuplicate)
		}
		return fmt.Errorf("insert %s: %w", collection, err)
	}
	return nil
}

func (s *SQLStore) UpdateOne(ctx context.Context, collection string, filter Filter, doc any, upsert bool) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}
	body, err := encodeDocument(doc)
	if err != nil {
		return false, err
	}
	matched, err := s.replace(ctx, collection, filter, body)
	if err != nil || matched || !upsert {
		return matched, err
	}
	err = s.insert(ctx, collection, body)
	if errors.Is(err, ErrDuplicate) {
		// a concurrent upsert won the insert; apply ours on top of it
		return s.replace(ctx, collection, filter, body)
	}
	return false, err
}

func (s *SQLStore) replace(ctx context.Context, collection string, filter Filter, body []byte) (bool, error) {
	q := &query{d: s.dialect}
	set := "body = " + s.dialect.bodyParam(q.arg(string(body))) + ", updated_at = " + q.arg(s.now())
	stmt := "UPDATE documents SET " + set + " WHERE seq = (SELECT seq FROM documents WHERE " +
		s.where(q, collection, filter) + " ORDER BY seq LIMIT 1)"
	res, err := s.db.ExecContext(ctx, stmt, q.args...)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return false, fmt.Errorf("update %s: %w", collection, ErrDuplicate)
		}
		return false, fmt.Errorf("update %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update %s: %w", collection, err)
	}
	return n > 0, nil
}

func (s *SQLStore) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	if err := validateFilter(filter); err != nil {
		return false, err
	}
	q := &query{d: s.dialect}
	stmt := "DELETE FROM documents WHERE seq = (SELECT seq FROM documents WHERE " +
		s.where(q, collection, filter) + " ORDER BY seq LIMIT 1)"
	res, err := s.db.ExecContext(ctx, stmt, q.args...)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", collection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", collection, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }
