package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emperorhan/wallet-monitor/internal/domain/model"
)

// WalletRepo resolves the monitored wallet from the wallets table: the
// oldest active row wins.
type WalletRepo struct {
	db *DB
}

func NewWalletRepo(db *DB) *WalletRepo {
	return &WalletRepo{db: db}
}

func (r *WalletRepo) GetWallet(ctx context.Context) (*model.Wallet, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var w model.Wallet
	err := r.db.QueryRowContext(ctx, `
		SELECT address, label
		FROM wallets
		WHERE is_active = true
		ORDER BY created_at, id
		LIMIT 1
	`).Scan(&w.Address, &w.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active wallet: %w", err)
	}
	return &w, nil
}

// Upsert registers address as the active wallet with the given label.
func (r *WalletRepo) Upsert(ctx context.Context, w model.Wallet) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO wallets (address, label, is_active)
		VALUES ($1, $2, true)
		ON CONFLICT (address) DO UPDATE SET
			label = EXCLUDED.label,
			is_active = true,
			updated_at = now()
	`, w.Address, w.Label)
	if err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}

// Deactivate marks address inactive. Unknown addresses are ignored.
func (r *WalletRepo) Deactivate(ctx context.Context, address string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		UPDATE wallets SET is_active = false, updated_at = now() WHERE address = $1
	`, address)
	if err != nil {
		return fmt.Errorf("deactivate wallet: %w", err)
	}
	return nil
}
