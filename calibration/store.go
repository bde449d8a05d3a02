// Package calibration resolves the intrinsics the pipeline undistorts with.
//
// Calibration text comes from the user (API, config, a watched file). Valid
// text is persisted so that a restart with no text falls back to the last
// good value.
package calibration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"example/camflow/intrinsics"
)

const intrinsicsKey = "intrinsics"

// Store is a small SQLite key-value table.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the database at path. ":memory:" works for
// tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("calibration: open %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serialises
	// writers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("calibration: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("calibration: read %s: %w", key, err)
	}
	return v, true, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("calibration: write %s: %w", key, err)
	}
	return nil
}

// LoadIntrinsics returns the persisted intrinsics. A stored value that no
// longer parses is treated as absent.
func (s *Store) LoadIntrinsics(ctx context.Context) (intrinsics.Intrinsics, bool, error) {
	text, ok, err := s.Get(ctx, intrinsicsKey)
	if err != nil || !ok {
		return intrinsics.Intrinsics{}, false, err
	}
	in, ok := intrinsics.Parse(text)
	return in, ok, nil
}

// SaveIntrinsics persists in.
func (s *Store) SaveIntrinsics(ctx context.Context, in intrinsics.Intrinsics) error {
	return s.Put(ctx, intrinsicsKey, in.JSON())
}
