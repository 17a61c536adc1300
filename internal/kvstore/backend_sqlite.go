package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	lookup_id  TEXT PRIMARY KEY,
	enc_key    BLOB NOT NULL,
	enc_value  BLOB NOT NULL,
	nonce      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteBackend stores entries in a SQLite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens or creates the database at path. ":memory:" gives
// a private in-memory database.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create kv directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// A single connection keeps ":memory:" coherent and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if path != ":memory:" {
		_ = os.Chmod(path, 0o600)
	}
	return &SQLiteBackend{db: db}, nil
}

func (b *SQLiteBackend) Get(ctx context.Context, lookupID string) (*Entry, error) {
	var e Entry
	err := b.db.QueryRowContext(ctx,
		`SELECT enc_key, enc_value, nonce FROM entries WHERE lookup_id = ?`, lookupID,
	).Scan(&e.EncKey, &e.EncValue, &e.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}
	return &e, nil
}

func (b *SQLiteBackend) Put(ctx context.Context, lookupID string, entry *Entry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO entries (lookup_id, enc_key, enc_value, nonce, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lookup_id) DO UPDATE SET
			enc_key = excluded.enc_key,
			enc_value = excluded.enc_value,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		lookupID, entry.EncKey, entry.EncValue, entry.Nonce, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, lookupID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM entries WHERE lookup_id = ?`, lookupID)
	if err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete entry: %w", err)
	}
	return n > 0, nil
}

func (b *SQLiteBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT lookup_id FROM entries ORDER BY lookup_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to list entries: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
