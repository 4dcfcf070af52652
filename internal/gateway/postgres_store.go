package gateway

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresAccountStore persists payout accounts in PostgreSQL.
type PostgresAccountStore struct {
	db *sql.DB
}

// NewPostgresAccountStore creates a new PostgreSQL-backed payout account store.
func NewPostgresAccountStore(db *sql.DB) *PostgresAccountStore {
	return &PostgresAccountStore{db: db}
}

func (p *PostgresAccountStore) Get(ctx context.Context, userID int64) (*PayoutAccount, error) {
	a := &PayoutAccount{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, external_account_id, payouts_enabled, updated_at
		FROM payout_accounts WHERE user_id = $1`, userID,
	).Scan(&a.UserID, &a.ExternalAccountID, &a.PayoutsEnabled, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (p *PostgresAccountStore) Upsert(ctx context.Context, a *PayoutAccount) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO payout_accounts (user_id, external_account_id, payouts_enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			external_account_id = EXCLUDED.external_account_id,
			payouts_enabled = EXCLUDED.payouts_enabled,
			updated_at = NOW()
		RETURNING updated_at`,
		a.UserID, a.ExternalAccountID, a.PayoutsEnabled,
	).Scan(&a.UpdatedAt)
}
