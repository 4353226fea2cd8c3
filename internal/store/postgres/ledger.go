package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zenc-ai/voicegate/internal/store"
)

// Ledger holds learner token balances in learner_profiles.token_balance.
type Ledger struct {
	pool *pgxpool.Pool
}

// Deduct subtracts amount from the balance of userID in a single statement,
// clamping at zero, and returns what is left. Unknown users yield
// [store.ErrNotFound].
func (l *Ledger) Deduct(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("postgres: deduct %d tokens: negative amount", amount)
	}

	const q = `
		UPDATE learner_profiles
		SET    token_balance = GREATEST(token_balance - $2, 0),
		       updated_at    = now()
		WHERE  user_id = $1
		RETURNING token_balance`

	var left int64
	if err := l.pool.QueryRow(ctx, q, userID, amount).Scan(&left); err != nil {
		return 0, notFound(err, "postgres: deduct tokens for "+userID)
	}
	return left, nil
}

// Balance returns the current balance of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := l.pool.QueryRow(ctx, `SELECT token_balance FROM learner_profiles WHERE user_id = $1`, userID).Scan(&bal)
	if err != nil {
		return 0, notFound(err, "postgres: balance for "+userID)
	}
	return bal, nil
}

// notFound maps pgx.ErrNoRows to [store.ErrNotFound] and wraps everything
// else with op.
func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
