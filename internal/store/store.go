// Package store provides the SQLite persistence tier for habitsync.
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads. It holds four logical namespaces of serialized JSON text:
// streak cache entries, completion cache entries, the pending-operation queue
// (a single serialized list), and a last-sync timestamp.
//
// Callers in the cache layer treat store failures as best-effort: errors are
// returned so they can be logged, but a store failure must never block the
// primary read/write path.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Namespaces for persisted entries. Keys are unique within a namespace.
const (
	NamespaceStreaks     = "streak"
	NamespaceCompletions = "completion"
	NamespaceAnalytics   = "analytics"
	NamespaceQueue       = "queue"
	NamespaceMeta        = "meta"
)

const (
	queueKey    = "pending"
	lastSyncKey = "last_sync"
)

// Store wraps the SQLite connection for the local persistence tier.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before use.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".habitsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return st, nil
}

// OpenMemory opens an in-memory store, used by tests and ephemeral sessions.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// A single connection keeps every statement on the same in-memory db.
	conn.SetMaxOpenConns(1)
	return &Store{conn: conn, path: ":memory:"}, nil
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if s.path != ":memory:" {
		if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_namespace ON entries(namespace);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Put inserts or replaces an entry in a namespace.
func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO entries (namespace, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		namespace, key, string(value), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get returns the entry value, or ok=false if the key is absent.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE namespace = ? AND key = ?`,
		namespace, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return []byte(value), true, nil
}

// Delete removes an entry. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteMatch removes all entries in a namespace whose key matches the
// pattern. The pattern supports a single '*' wildcard; everything else is
// matched literally.
func (s *Store) DeleteMatch(ctx context.Context, namespace, pattern string) error {
	like := likePattern(pattern)
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ? AND key LIKE ? ESCAPE '\'`,
		namespace, like)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, pattern, err)
	}
	return nil
}

// likePattern converts a single-'*' wildcard pattern into a SQL LIKE pattern,
// escaping LIKE metacharacters in the literal parts.
func likePattern(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteByte('%')
		case '%', '_', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Keys returns all keys in a namespace.
func (s *Store) Keys(ctx context.Context, namespace string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT key FROM entries WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Count returns the number of entries in a namespace.
func (s *Store) Count(ctx context.Context, namespace string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE namespace = ?`, namespace).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", namespace, err)
	}
	return n, nil
}

// SaveQueue persists the serialized pending-operation list atomically.
// The queue is stored as a single value so a partial write can never leave
// half a queue behind.
func (s *Store) SaveQueue(ctx context.Context, data []byte) error {
	return s.Put(ctx, NamespaceQueue, queueKey, data)
}

// LoadQueue returns the serialized pending-operation list, or ok=false if no
// queue has ever been saved.
func (s *Store) LoadQueue(ctx context.Context) ([]byte, bool, error) {
	return s.Get(ctx, NamespaceQueue, queueKey)
}

// SetLastSync records the time of the last successful full sync.
func (s *Store) SetLastSync(ctx context.Context, t time.Time) error {
	return s.Put(ctx, NamespaceMeta, lastSyncKey, []byte(t.UTC().Format(time.RFC3339Nano)))
}

// LastSync returns the recorded last-sync time, or ok=false if none exists.
func (s *Store) LastSync(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.Get(ctx, NamespaceMeta, lastSyncKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last-sync timestamp: %w", err)
	}
	return t, true, nil
}

// Clear wipes every namespace. Used on sign-out.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}
