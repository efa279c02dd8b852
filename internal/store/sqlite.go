package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is a Cache backed by a single-table SQLite database.
// Thread-safety: all methods are safe for concurrent use via internal
// mutex. Expiry is lazy on read, with a periodic sweep on write so dead
// rows don't accumulate.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex

	lastSweep time.Time
	now       func() time.Time
}

// sweepInterval bounds how often expired rows are purged.
const sweepInterval = 10 * time.Minute

// OpenSQLite creates a SQLite cache at the given path, creating the
// schema if needed. Uses WAL mode for file-based databases.
func OpenSQLite(dbPath string) (*SQLite, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// Shared cache so every pooled connection sees the same database.
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &SQLite{db: db, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at INTEGER  -- unix seconds, NULL = never
	);

	CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Get returns the value for key, treating expired rows as misses.
func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	if expires.Valid && s.now().Unix() >= expires.Int64 {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. A zero ttl stores without expiry.
func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expires interface{}
	if ttl > 0 {
		expires = s.now().Add(ttl).Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	if s.now().Sub(s.lastSweep) > sweepInterval {
		s.lastSweep = s.now()
		// Best-effort: a failed sweep only delays cleanup.
		s.db.ExecContext(ctx, "DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", s.now().Unix())
	}
	return nil
}

// MultiGet returns one slot per key, nil for misses and expired rows.
func (s *SQLite) MultiGet(ctx context.Context, keys []string) ([][]byte, error) {
	result := make([][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, expires_at FROM kv WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("multiget: %w", err)
	}
	defer rows.Close()

	byKey := make(map[string][]byte, len(keys))
	nowUnix := s.now().Unix()
	for rows.Next() {
		var key string
		var value []byte
		var expires sql.NullInt64
		if err := rows.Scan(&key, &value, &expires); err != nil {
			continue
		}
		if expires.Valid && nowUnix >= expires.Int64 {
			continue
		}
		byKey[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("multiget rows: %w", err)
	}

	for i, k := range keys {
		result[i] = byKey[k]
	}
	return result, nil
}
