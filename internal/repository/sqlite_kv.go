package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type sqliteKV struct {
	db *sql.DB
}

// NewSQLiteKV stores keys in the kv table created by the database migrations.
func NewSQLiteKV(db *sql.DB) KV {
	return &sqliteKV{db: db}
}

func (r *sqliteKV) Get(ctx context.Context, key string) ([]byte, error) {
	query := "SELECT value FROM kv WHERE key = ?"
	var value []byte
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

func (r *sqliteKV) Set(ctx context.Context, key string, value []byte) error {
	query := `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := r.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("could not upsert key: %w", err)
	}
	return nil
}

func (r *sqliteKV) Close() error {
	return r.db.Close()
}
