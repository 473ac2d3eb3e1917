package memory

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
	now     func() time.Time
}

// NewAuditStore returns an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{now: func() time.Time { return time.Now().UTC() }}
}

// Log appends an entry. The detail map is copied.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    maps.Clone(detail),
		CreatedAt: s.now(),
	})
	return nil
}

// List returns every entry, newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.list(ctx, "", opts)
}

// ListByMarket returns one market's audit trail, newest first.
func (s *AuditStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.list(ctx, marketID, opts)
}

func (s *AuditStore) list(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.AuditEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if marketID != "" {
			if id, _ := e.Detail["market_id"].(string); id != marketID {
				continue
			}
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		e.Detail = maps.Clone(e.Detail)
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
