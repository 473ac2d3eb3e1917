package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/rules"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

const sweepLockKey = "resolution:sweep"

// SweepConfig tunes the Sweeper.
type SweepConfig struct {
	Interval time.Duration
	// ExpiringWarning is how long before a deadline window_expiring fires.
	// Zero disables the warning.
	ExpiringWarning time.Duration
}

// errMarketsFailed marks a sweep whose failing markets were queued for retry.
var errMarketsFailed = errors.New("markets failed")

// Sweeper pushes deadline-driven transitions to observers. State is always
// derived on read, so a missed tick delays a notification but never changes
// an outcome. The market_final audit row is the durable record that a
// market's finalization ran.
type Sweeper struct {
	store     domain.EventStore
	catalog   domain.MarketCatalog
	locker    domain.LockManager
	audit     domain.AuditStore
	finalizer *Finalizer
	observers *Observers
	clock     window.Clock
	cfg       SweepConfig
	logger    *slog.Logger

	mu sync.Mutex
	// retry holds, per failed market, the lower bound of the range it still
	// has to cover. The zero time means the startup catch-up failed.
	retry map[string]time.Time
}

// NewSweeper creates a Sweeper. locker may be nil for single-instance runs;
// audit may be nil, which disables the startup catch-up.
func NewSweeper(
	store domain.EventStore,
	catalog domain.MarketCatalog,
	locker domain.LockManager,
	audit domain.AuditStore,
	finalizer *Finalizer,
	observers *Observers,
	clock window.Clock,
	cfg SweepConfig,
	logger *slog.Logger,
) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if clock == nil {
		clock = window.SystemClock{}
	}
	return &Sweeper{
		store:     store,
		catalog:   catalog,
		locker:    locker,
		audit:     audit,
		finalizer: finalizer,
		observers: observers,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "sweeper")),
		retry:     make(map[string]time.Time),
	}
}

// Run catches up on markets that became final while no sweeper ran, then
// sweeps every interval until ctx is done. Call in a goroutine.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	prev := s.clock.Now().Add(-s.cfg.Interval)
	if err := s.CatchUp(ctx, prev); err != nil {
		s.logger.ErrorContext(ctx, "sweep catch-up failed", slog.String("error", err.Error()))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.clock.Now()
			if err := s.Sweep(ctx, prev, now); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
				if !errors.Is(err, errMarketsFailed) {
					continue
				}
			}
			prev = now
		}
	}
}

// CatchUp finalizes every market that was final at asOf without a
// market_final audit row. Markets that fail are retried by the next Sweep.
func (s *Sweeper) CatchUp(ctx context.Context, asOf time.Time) error {
	if s.audit == nil || s.finalizer == nil {
		return nil
	}
	unlock, skip, err := s.lock(ctx)
	if err != nil || skip {
		return err
	}
	defer unlock()

	ids, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("service: catch-up list markets: %w", err)
	}
	var errs []error
	var finals int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		finalized, err := s.catchUpMarket(ctx, id, asOf)
		if err != nil {
			s.markFailed(id, time.Time{})
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if finalized {
			finals++
		}
	}
	if finals > 0 {
		s.logger.InfoContext(ctx, "sweep catch-up complete",
			slog.Int("markets", len(ids)),
			slog.Int("finalized", finals),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("service: catch-up: %w: %w", errMarketsFailed, errors.Join(errs...))
	}
	return nil
}

func (s *Sweeper) catchUpMarket(ctx context.Context, marketID string, asOf time.Time) (bool, error) {
	m, err := s.catalog.Get(ctx, marketID)
	if err != nil {
		return false, err
	}
	history, err := domain.CollectHistory(s.store.ListByMarket(ctx, marketID))
	if err != nil {
		return false, err
	}
	v, err := rules.Analyze(history)
	if err != nil {
		return false, err
	}
	if v.Pending != nil {
		return false, nil
	}
	final, err := v.Finality(m, asOf)
	if err != nil || !final {
		return false, err
	}
	done, err := s.finalRecorded(ctx, marketID)
	if err != nil || done {
		return false, err
	}
	st, err := v.Project(m, asOf)
	if err != nil {
		return false, err
	}
	if _, err := s.finalizer.Finalize(ctx, m, history, st); err != nil {
		return false, err
	}
	return true, nil
}

// finalRecorded reports whether the audit log holds a market_final row for
// the market.
func (s *Sweeper) finalRecorded(ctx context.Context, marketID string) (bool, error) {
	entries, err := s.audit.ListByMarket(ctx, marketID, domain.ListOpts{})
	if err != nil {
		return false, fmt.Errorf("service: audit lookup %s: %w", marketID, err)
	}
	for _, e := range entries {
		if e.Event == string(domain.TransitionMarketFinal) {
			return true, nil
		}
	}
	return false, nil
}

// Sweep handles every deadline crossing in (prev, now]. A market that failed
// earlier also covers the range it missed. Per-market failures are returned
// joined and wrap errMarketsFailed; those markets are retried on the next
// call.
func (s *Sweeper) Sweep(ctx context.Context, prev, now time.Time) error {
	unlock, skip, err := s.lock(ctx)
	if err != nil || skip {
		return err
	}
	defer unlock()

	ids, err := s.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("service: sweep list markets: %w", err)
	}
	var errs []error
	var finals, warnings int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		from := s.rangeStart(id, prev)
		var warned, finalized bool
		var err error
		if from.IsZero() && s.audit != nil {
			finalized, err = s.catchUpMarket(ctx, id, now)
		} else {
			warned, finalized, err = s.sweepMarket(ctx, id, from, now)
		}
		if err != nil {
			s.logger.WarnContext(ctx, "sweep market failed", slog.String("market_id", id), slog.String("error", err.Error()))
			s.markFailed(id, from)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		s.clearFailed(id)
		if warned {
			warnings++
		}
		if finalized {
			finals++
		}
	}
	if finals > 0 || warnings > 0 {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("markets", len(ids)),
			slog.Int("expiring", warnings),
			slog.Int("finalized", finals),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("service: sweep: %w: %w", errMarketsFailed, errors.Join(errs...))
	}
	return nil
}

// lock takes the distributed sweep lock. skip is true when another instance
// holds it.
func (s *Sweeper) lock(ctx context.Context) (unlock func(), skip bool, err error) {
	if s.locker == nil {
		return func() {}, false, nil
	}
	unlock, err = s.locker.Acquire(ctx, sweepLockKey, s.cfg.Interval)
	if errors.Is(err, domain.ErrLockHeld) {
		s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("service: sweep lock: %w", err)
	}
	return unlock, false, nil
}

func (s *Sweeper) rangeStart(marketID string, prev time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from, ok := s.retry[marketID]; ok && from.Before(prev) {
		return from
	}
	return prev
}

// markFailed keeps the earliest lower bound for the market.
func (s *Sweeper) markFailed(marketID string, from time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.retry[marketID]; ok && !from.Before(cur) {
		return
	}
	s.retry[marketID] = from
}

func (s *Sweeper) clearFailed(marketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retry, marketID)
}

func (s *Sweeper) sweepMarket(ctx context.Context, marketID string, prev, now time.Time) (warned, finalized bool, err error) {
	m, err := s.catalog.Get(ctx, marketID)
	if err != nil {
		return false, false, err
	}
	history, err := domain.CollectHistory(s.store.ListByMarket(ctx, marketID))
	if err != nil {
		return false, false, err
	}
	v, err := rules.Analyze(history)
	if err != nil {
		return false, false, err
	}
	if v.Pending != nil {
		return false, false, nil
	}
	deadline, ok, err := v.Deadline(m)
	if err != nil || !ok {
		return false, false, err
	}

	if s.cfg.ExpiringWarning > 0 {
		warnAt := deadline.Add(-s.cfg.ExpiringWarning)
		if crossed(prev, now, warnAt) {
			st, err := v.Project(m, now)
			if err != nil {
				return false, false, err
			}
			if st.State == domain.StateApproved {
				s.observers.Notify(ctx, domain.Transition{
					Type:     domain.TransitionWindowExpiring,
					MarketID: m.ID,
					EventID:  v.Standing.Event.ID,
					State:    st,
					At:       warnAt,
				})
				warned = true
			}
		}
	}

	if !crossed(prev, now, deadline) {
		return warned, false, nil
	}
	wasFinal, err := v.Finality(m, prev)
	if err != nil || wasFinal {
		return warned, false, err
	}
	st, err := v.Project(m, now)
	if err != nil {
		return warned, false, err
	}
	if !st.IsFinal() || s.finalizer == nil {
		return warned, false, nil
	}
	if _, err := s.finalizer.Finalize(ctx, m, history, st); err != nil {
		return warned, false, err
	}
	return warned, true, nil
}

// crossed reports whether t lies in (prev, now].
func crossed(prev, now, t time.Time) bool {
	return t.After(prev) && !t.After(now)
}
