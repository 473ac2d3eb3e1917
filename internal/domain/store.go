package domain

import (
	"context"
	"iter"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EventStore is the append-only resolution ledger. Submissions are never
// updated or deleted; a review is stored once next to the event it decides.
type EventStore interface {
	// Append persists ev with ev.SequenceIndex as the caller's expected next
	// index for the market. It returns ErrConcurrentModification when the
	// ledger already advanced past that index.
	Append(ctx context.Context, ev ResolutionEvent) (string, error)
	// RecordReview stores the decision for a pending event. A second review of
	// the same event returns ErrConcurrentModification.
	RecordReview(ctx context.Context, r Review) error
	// ListByMarket yields the market's events in sequence order with their
	// reviews folded in. Each range over the result re-reads the store.
	ListByMarket(ctx context.Context, marketID string) iter.Seq2[ResolutionEvent, error]
	GetEvent(ctx context.Context, eventID string) (ResolutionEvent, error)
	// ListMarkets returns the ids of every market with at least one event.
	ListMarkets(ctx context.Context) ([]string, error)
}

// CollectHistory drains a ListByMarket sequence into a slice.
func CollectHistory(seq iter.Seq2[ResolutionEvent, error]) ([]ResolutionEvent, error) {
	var out []ResolutionEvent
	for ev, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]AuditEntry, error)
}
