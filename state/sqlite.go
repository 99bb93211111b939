package state

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// SQLiteStore implements StateStore on a single SQLite table. Every
// connection runs in WAL mode so listings never block writers.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	closed atomic.Bool
}

// SQLiteStoreConfig holds SQLite store configuration.
type SQLiteStoreConfig struct {
	// Path is the database file. The parent directory must exist.
	Path string

	// PoolSize is the number of connections. Default: max(NumCPU, 4).
	PoolSize int
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key      TEXT PRIMARY KEY,
	value    BLOB NOT NULL,
	revision INTEGER NOT NULL DEFAULT 1
);
`

// NewSQLiteStore opens (or creates) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if cfg.Path == ":memory:" {
		// Each in-memory connection is a separate database.
		cfg.PoolSize = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
		if cfg.PoolSize < 4 {
			cfg.PoolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	return &SQLiteStore{pool: pool, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, kvSchema, nil)
}

func (s *SQLiteStore) take(ctx context.Context) (*sqlite.Conn, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite take: %w", err)
	}
	return conn, nil
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn, "SELECT value FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = columnBytes(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite get: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// Put creates or overwrites a key.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = kv.revision + 1`,
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Create inserts a key only if it is absent.
func (s *SQLiteStore) Create(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{key, value}})
	if err != nil {
		return fmt.Errorf("sqlite create: %w", err)
	}
	if conn.Changes() == 0 {
		return ErrExists
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, "DELETE FROM kv WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
	}); err != nil {
		return fmt.Errorf("sqlite delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern.
func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := s.scan(ctx, pattern, "key", func(stmt *sqlite.Stmt) {
		keys = append(keys, stmt.ColumnText(0))
	})
	return keys, err
}

// List returns all entries matching a pattern.
func (s *SQLiteStore) List(ctx context.Context, pattern string) ([]KeyValue, error) {
	var out []KeyValue
	err := s.scan(ctx, pattern, "key, value, revision", func(stmt *sqlite.Stmt) {
		out = append(out, KeyValue{
			Key:      stmt.ColumnText(0),
			Value:    columnBytes(stmt, 1),
			Revision: uint64(stmt.ColumnInt64(2)),
		})
	})
	return out, err
}

func (s *SQLiteStore) scan(ctx context.Context, pattern, columns string, row func(*sqlite.Stmt)) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	opts := &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			row(stmt)
			return nil
		},
	}
	query := "SELECT " + columns + " FROM kv"
	switch prefix, isPrefix := patternPrefix(pattern); {
	case pattern == "*":
	case isPrefix:
		query += " WHERE substr(key, 1, ?) = ?"
		opts.Args = []any{len(prefix), prefix}
	default:
		query += " WHERE key = ?"
		opts.Args = []any{pattern}
	}
	query += " ORDER BY key"

	if err := sqlitex.Execute(conn, query, opts); err != nil {
		return fmt.Errorf("sqlite scan: %w", err)
	}
	return nil
}

// Close closes every pooled connection. Blocks until borrowed
// connections are returned.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, col int) []byte {
	buf := make([]byte, stmt.ColumnLen(col))
	stmt.ColumnBytes(col, buf)
	return buf
}
