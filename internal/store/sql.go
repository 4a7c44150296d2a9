package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT   NOT NULL,
	entry_key  TEXT   NOT NULL,
	value      BYTEA  NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (namespace, entry_key)
)`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	namespace  TEXT    NOT NULL,
	entry_key  TEXT    NOT NULL,
	value      BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, entry_key)
)`

// SQLStore keeps entries in a kv_entries table. The same queries serve
// Postgres and SQLite; sqlx rebinds placeholders per driver.
type SQLStore struct {
	ns string
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn, namespace string) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newSQLStore(ctx, db, postgresSchema, namespace)
}

// NewSQLiteStore opens (or creates) a device-local database file.
func NewSQLiteStore(ctx context.Context, path, namespace string) (*SQLStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent tasks.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return newSQLStore(ctx, db, sqliteSchema, namespace)
}

func newSQLStore(ctx context.Context, db *sqlx.DB, schema, namespace string) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv_entries: %w", err)
	}
	return &SQLStore{ns: namespace, db: db}, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	query := s.db.Rebind(`SELECT value FROM kv_entries WHERE namespace = ? AND entry_key = ?`)
	err := s.db.GetContext(ctx, &value, query, s.ns, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLStore) Set(ctx context.Context, key string, value []byte) error {
	query := s.db.Rebind(`
		INSERT INTO kv_entries (namespace, entry_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, entry_key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, s.ns, key, value, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	query := s.db.Rebind(`DELETE FROM kv_entries WHERE namespace = ? AND entry_key = ?`)
	if _, err := s.db.ExecContext(ctx, query, s.ns, key); err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	query := s.db.Rebind(`SELECT entry_key FROM kv_entries WHERE namespace = ? ORDER BY entry_key`)
	if err := s.db.SelectContext(ctx, &keys, query, s.ns); err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
