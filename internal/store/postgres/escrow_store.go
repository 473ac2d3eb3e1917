package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// EscrowStore implements domain.Ledger as a bond escrow book in PostgreSQL.
// It records holds and release outcomes; fund movement belongs to whatever
// settles the book.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates a new EscrowStore.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

// Escrow records a hold of amount for eventID.
func (s *EscrowStore) Escrow(ctx context.Context, userID string, amount decimal.Decimal, marketID, eventID string) error {
	const query = `
		INSERT INTO bond_escrows (event_id, market_id, user_id, amount)
		VALUES ($1, $2, $3, $4::numeric)`
	_, err := s.pool.Exec(ctx, query, eventID, marketID, userID, amount.String())
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("postgres: escrow %s: %w", eventID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: escrow %s: %w", eventID, err)
	}
	return nil
}

// Release stamps the outcome on an unreleased hold.
func (s *EscrowStore) Release(ctx context.Context, eventID string, outcome domain.BondOutcome) error {
	const query = `
		UPDATE bond_escrows SET outcome = $2, released_at = NOW()
		WHERE event_id = $1 AND released_at IS NULL`
	tag, err := s.pool.Exec(ctx, query, eventID, string(outcome))
	if err != nil {
		return fmt.Errorf("postgres: release %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bond_escrows WHERE event_id = $1)`, eventID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: release %s: %w", eventID, err)
	}
	if !exists {
		return fmt.Errorf("postgres: release %s: %w", eventID, domain.ErrNotFound)
	}
	return fmt.Errorf("postgres: release %s: %w", eventID, domain.ErrAlreadyExists)
}

// Compile-time interface check.
var _ domain.Ledger = (*EscrowStore)(nil)
