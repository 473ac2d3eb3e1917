package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Submissions and
// reviews live in separate insert-only tables.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

const selectEvents = `
	SELECT e.event_id, e.market_id, e.sequence_index, e.kind, e.proposed_result,
	       e.description, e.evidence_url_1, e.evidence_url_2, e.proposer_id,
	       e.bond_amount::text, e.dispute_round, e.created_at,
	       r.status, r.reviewer_id, r.reviewed_at
	FROM resolution_events e
	LEFT JOIN resolution_reviews r ON r.event_id = e.event_id`

// Append inserts ev only if the market's highest sequence index is
// ev.SequenceIndex-1. The unique (market_id, sequence_index) constraint
// catches the remaining race between two guarded inserts.
func (s *EventStore) Append(ctx context.Context, ev domain.ResolutionEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO resolution_events (
			event_id, market_id, sequence_index, kind, proposed_result,
			description, evidence_url_1, evidence_url_2, proposer_id,
			bond_amount, dispute_round, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12
		WHERE (SELECT COALESCE(MAX(sequence_index), 0) FROM resolution_events WHERE market_id = $2) = $3 - 1`
	tag, err := s.pool.Exec(ctx, query,
		ev.ID, ev.MarketID, ev.SequenceIndex, string(ev.Kind), ev.ProposedResult,
		ev.Evidence.Description, ev.Evidence.EvidenceURL1, ev.Evidence.EvidenceURL2, ev.ProposerID,
		ev.BondAmount.String(), ev.DisputeRound, ev.CreatedAt,
	)
	if err != nil {
		if uniqueViolation(err) {
			return "", fmt.Errorf("postgres: append %s: %w", ev.MarketID, domain.ErrConcurrentModification)
		}
		return "", fmt.Errorf("postgres: append %s: %w", ev.MarketID, err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("postgres: append %s: sequence %d is stale: %w",
			ev.MarketID, ev.SequenceIndex, domain.ErrConcurrentModification)
	}
	return ev.ID, nil
}

// RecordReview inserts the review row. The primary key on event_id makes it
// insert-once.
func (s *EventStore) RecordReview(ctx context.Context, r domain.Review) error {
	const query = `
		INSERT INTO resolution_reviews (event_id, market_id, status, reviewer_id, reviewed_at)
		SELECT $1, e.market_id, $2, $3, $4 FROM resolution_events e WHERE e.event_id = $1`
	tag, err := s.pool.Exec(ctx, query, r.EventID, string(r.Status), r.ReviewerID, r.ReviewedAt)
	if err != nil {
		if uniqueViolation(err) {
			return fmt.Errorf("postgres: review %s: %w", r.EventID, domain.ErrConcurrentModification)
		}
		return fmt.Errorf("postgres: review %s: %w", r.EventID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: review %s: %w", r.EventID, domain.ErrNotFound)
	}
	return nil
}

// ListByMarket streams the market's events in sequence order. Each range
// issues a fresh query.
func (s *EventStore) ListByMarket(ctx context.Context, marketID string) iter.Seq2[domain.ResolutionEvent, error] {
	return func(yield func(domain.ResolutionEvent, error) bool) {
		rows, err := s.pool.Query(ctx, selectEvents+` WHERE e.market_id = $1 ORDER BY e.sequence_index`, marketID)
		if err != nil {
			yield(domain.ResolutionEvent{}, fmt.Errorf("postgres: list events %s: %w", marketID, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			ev, err := scanEvent(rows)
			if err != nil {
				yield(domain.ResolutionEvent{}, fmt.Errorf("postgres: scan event: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.ResolutionEvent{}, fmt.Errorf("postgres: list events %s rows: %w", marketID, err))
		}
	}
}

// GetEvent returns a single event with its review.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (domain.ResolutionEvent, error) {
	row := s.pool.QueryRow(ctx, selectEvents+` WHERE e.event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ResolutionEvent{}, fmt.Errorf("postgres: get event %s: %w", eventID, domain.ErrNotFound)
		}
		return domain.ResolutionEvent{}, fmt.Errorf("postgres: get event %s: %w", eventID, err)
	}
	return ev, nil
}

// ListMarkets returns the ids of markets with at least one event.
func (s *EventStore) ListMarkets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT market_id FROM resolution_events ORDER BY market_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return ids, nil
}

func scanEvent(row pgx.Row) (domain.ResolutionEvent, error) {
	var (
		ev         domain.ResolutionEvent
		kind       string
		bond       string
		status     *string
		reviewer   *string
		reviewedAt *time.Time
	)
	err := row.Scan(
		&ev.ID, &ev.MarketID, &ev.SequenceIndex, &kind, &ev.ProposedResult,
		&ev.Evidence.Description, &ev.Evidence.EvidenceURL1, &ev.Evidence.EvidenceURL2, &ev.ProposerID,
		&bond, &ev.DisputeRound, &ev.CreatedAt,
		&status, &reviewer, &reviewedAt,
	)
	if err != nil {
		return domain.ResolutionEvent{}, err
	}
	ev.Kind = domain.EventKind(kind)
	if ev.BondAmount, err = decimal.NewFromString(bond); err != nil {
		return domain.ResolutionEvent{}, fmt.Errorf("parse bond %q: %w", bond, err)
	}
	ev.Status = domain.StatusPending
	if status != nil {
		ev.Status = domain.EventStatus(*status)
		ev.ReviewedAt = reviewedAt
		if reviewer != nil {
			ev.ReviewerID = *reviewer
		}
	}
	return ev, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
