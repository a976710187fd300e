package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/wallet-monitor/internal/store"
)

// KVRepo is a store.KVStore over the kv_entries table.
type KVRepo struct {
	db *DB
}

func NewKVRepo(db *DB) *KVRepo {
	return &KVRepo{db: db}
}

func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_entries WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kv %s: %w", key, err)
	}
	return value, nil
}

func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

func (r *KVRepo) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}
