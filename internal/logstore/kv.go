package logstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// KeyPrefix namespaces day logs inside a shared key-value store.
const KeyPrefix = "sleepData:"

// KV is a string key-value store.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// KVBackend stores each day as one value under KeyPrefix+day. Appends read the
// whole value, concatenate and rewrite it.
type KVBackend struct {
	DirSaver

	kv KV
	mu sync.Mutex
}

func NewKVBackend(kv KV, exportDir string) *KVBackend {
	return &KVBackend{DirSaver: DirSaver{Dir: exportDir}, kv: kv}
}

// Key returns the store key holding day.
func Key(day Day) string {
	return KeyPrefix + string(day)
}

func (b *KVBackend) AppendText(ctx context.Context, day Day, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, _, err := b.kv.Get(ctx, Key(day))
	if err != nil {
		return &WriteError{Day: day, Err: err}
	}
	if err := b.kv.Set(ctx, Key(day), prev+text); err != nil {
		return &WriteError{Day: day, Err: err}
	}
	return nil
}

func (b *KVBackend) ReadContent(ctx context.Context, day Day) (string, error) {
	v, ok, err := b.kv.Get(ctx, Key(day))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", day, err)
	}
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *KVBackend) Clear(ctx context.Context, day Day) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kv.Delete(ctx, Key(day))
}

// SQLiteKV is a KV over a single SQLite table.
type SQLiteKV struct {
	db *sql.DB
}

// OpenSQLiteKV opens (or creates) a SQLite database at path and runs the schema migration.
func OpenSQLiteKV(path string) (*SQLiteKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open kv db: %w", err)
	}
	// One writer keeps read-concat-rewrite appends serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrateKV(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate kv db: %w", err)
	}
	return &SQLiteKV{db: db}, nil
}

func migrateKV(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	return err
}
