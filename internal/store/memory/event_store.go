// Package memory provides in-process implementations of the resolution ledger
// and bond escrow. They back tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// EventStore implements domain.EventStore in memory.
type EventStore struct {
	mu      sync.RWMutex
	markets map[string][]domain.ResolutionEvent
	index   map[string]string // event id -> market id
	reviews map[string]domain.Review
}

// NewEventStore returns an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		markets: make(map[string][]domain.ResolutionEvent),
		index:   make(map[string]string),
		reviews: make(map[string]domain.Review),
	}
}

// Append stores ev if ev.SequenceIndex is the market's next index. An empty id
// is replaced with a fresh UUID.
func (s *EventStore) Append(ctx context.Context, ev domain.ResolutionEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.markets[ev.MarketID]
	if want := int64(len(events) + 1); ev.SequenceIndex != want {
		return "", fmt.Errorf("memory: append %s: sequence %d, ledger expects %d: %w",
			ev.MarketID, ev.SequenceIndex, want, domain.ErrConcurrentModification)
	}
	if _, dup := s.index[ev.ID]; dup {
		return "", fmt.Errorf("memory: append %s: event %s: %w", ev.MarketID, ev.ID, domain.ErrAlreadyExists)
	}

	ev.Status = domain.StatusPending
	ev.ReviewedAt = nil
	ev.ReviewerID = ""
	s.markets[ev.MarketID] = append(events, ev)
	s.index[ev.ID] = ev.MarketID
	return ev.ID, nil
}

// RecordReview stores r once per event.
func (s *EventStore) RecordReview(ctx context.Context, r domain.Review) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[r.EventID]; !ok {
		return fmt.Errorf("memory: review %s: %w", r.EventID, domain.ErrNotFound)
	}
	if _, done := s.reviews[r.EventID]; done {
		return fmt.Errorf("memory: review %s: %w", r.EventID, domain.ErrConcurrentModification)
	}
	s.reviews[r.EventID] = r
	return nil
}

// ListByMarket yields a snapshot of the market's events taken when iteration
// starts.
func (s *EventStore) ListByMarket(ctx context.Context, marketID string) iter.Seq2[domain.ResolutionEvent, error] {
	return func(yield func(domain.ResolutionEvent, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(domain.ResolutionEvent{}, err)
			return
		}
		for _, ev := range s.snapshot(marketID) {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (s *EventStore) snapshot(marketID string) []domain.ResolutionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.markets[marketID]
	out := make([]domain.ResolutionEvent, len(events))
	for i, ev := range events {
		if r, ok := s.reviews[ev.ID]; ok {
			ev = r.Apply(ev)
		}
		out[i] = ev
	}
	return out
}

// GetEvent returns a single event with its review applied.
func (s *EventStore) GetEvent(ctx context.Context, eventID string) (domain.ResolutionEvent, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResolutionEvent{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	marketID, ok := s.index[eventID]
	if !ok {
		return domain.ResolutionEvent{}, fmt.Errorf("memory: get event %s: %w", eventID, domain.ErrNotFound)
	}
	for _, ev := range s.markets[marketID] {
		if ev.ID != eventID {
			continue
		}
		if r, ok := s.reviews[ev.ID]; ok {
			ev = r.Apply(ev)
		}
		return ev, nil
	}
	return domain.ResolutionEvent{}, fmt.Errorf("memory: get event %s: %w", eventID, domain.ErrNotFound)
}

// ListMarkets returns the sorted ids of markets with events.
func (s *EventStore) ListMarkets(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Compile-time interface check.
var _ domain.EventStore = (*EventStore)(nil)
