package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
)

type heldLocker struct{ calls int }

func (l *heldLocker) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.calls++
	return nil, domain.ErrLockHeld
}

// flakyCatalog fails the first fails lookups.
type flakyCatalog struct {
	domain.MarketCatalog
	fails int
}

func (c *flakyCatalog) Get(ctx context.Context, id string) (domain.Market, error) {
	if c.fails > 0 {
		c.fails--
		return domain.Market{}, errors.New("catalog unavailable")
	}
	return c.MarketCatalog.Get(ctx, id)
}

func withAudit(h *harness) *memory.AuditStore {
	audit := memory.NewAuditStore()
	h.observer.Add("audit", NewAuditObserver(audit))
	return audit
}

func countType(types []domain.TransitionType, want domain.TransitionType) int {
	n := 0
	for _, tt := range types {
		if tt == want {
			n++
		}
	}
	return n
}

func approvedMarket(t *testing.T, h *harness) string {
	t.Helper()
	ctx := context.Background()
	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	h.at(1)
	_, err = h.svc.Review(ctx, p, domain.DecisionApprove, "oracle")
	require.NoError(t, err)
	return p
}

func TestSweepEmitsExpiringAndFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	p := approvedMarket(t, h)

	sw := NewSweeper(h.store, h.catalog, nil, nil, h.final, h.observer, h.clock,
		SweepConfig{Interval: time.Hour, ExpiringWarning: 2 * time.Hour}, discardLogger())

	// Nothing happens well before the deadline (49h).
	require.NoError(t, sw.Sweep(ctx, t0.Add(10*time.Hour), t0.Add(11*time.Hour)))
	n := len(h.rec.types())

	require.NoError(t, sw.Sweep(ctx, t0.Add(46*time.Hour), t0.Add(47*time.Hour)))
	assert.Equal(t, domain.TransitionWindowExpiring, h.rec.last().Type)
	assert.Equal(t, t0.Add(47*time.Hour), h.rec.last().At)

	require.NoError(t, sw.Sweep(ctx, t0.Add(48*time.Hour), t0.Add(49*time.Hour)))
	final := h.rec.last()
	assert.Equal(t, domain.TransitionMarketFinal, final.Type)
	assert.Equal(t, "Yes", final.State.FinalResult)
	assert.Equal(t, t0.Add(49*time.Hour), final.At)
	assert.Len(t, h.rec.types(), n+2)

	e, ok := h.ledger.Get(p)
	require.True(t, ok)
	assert.Equal(t, domain.BondUpheld, e.Outcome)

	// The crossing is handled once.
	require.NoError(t, sw.Sweep(ctx, t0.Add(49*time.Hour), t0.Add(50*time.Hour)))
	assert.Len(t, h.rec.types(), n+2)
}

func TestSweepSkipsPendingDispute(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	approvedMarket(t, h)
	h.at(40)
	_, err := h.svc.SubmitDispute(ctx, dispute())
	require.NoError(t, err)
	n := len(h.rec.types())

	sw := NewSweeper(h.store, h.catalog, nil, nil, h.final, h.observer, h.clock, SweepConfig{Interval: time.Hour}, discardLogger())
	require.NoError(t, sw.Sweep(ctx, t0.Add(48*time.Hour), t0.Add(50*time.Hour)))
	assert.Len(t, h.rec.types(), n)
}

func TestSweepHonoursDistributedLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	approvedMarket(t, h)
	n := len(h.rec.types())

	locker := &heldLocker{}
	sw := NewSweeper(h.store, h.catalog, locker, nil, h.final, h.observer, h.clock, SweepConfig{Interval: time.Hour}, discardLogger())
	require.NoError(t, sw.Sweep(ctx, t0.Add(48*time.Hour), t0.Add(50*time.Hour)))
	assert.Equal(t, 1, locker.calls)
	assert.Len(t, h.rec.types(), n)
}

func TestCatchUpFinalizesMarketsExpiredWhileDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	audit := withAudit(h)
	p := approvedMarket(t, h)

	// Deadline is 49h; the process comes back at 60h.
	restart := t0.Add(60 * time.Hour)
	h.clock.Set(restart)
	sw := NewSweeper(h.store, h.catalog, nil, audit, h.final, h.observer, h.clock, SweepConfig{Interval: time.Minute}, discardLogger())
	require.NoError(t, sw.CatchUp(ctx, restart.Add(-time.Minute)))

	final := h.rec.last()
	assert.Equal(t, domain.TransitionMarketFinal, final.Type)
	assert.Equal(t, "Yes", final.State.FinalResult)
	assert.Equal(t, t0.Add(49*time.Hour), final.At)
	e, ok := h.ledger.Get(p)
	require.True(t, ok)
	assert.Equal(t, domain.BondUpheld, e.Outcome)

	require.NoError(t, sw.Sweep(ctx, restart.Add(-time.Minute), restart))
	assert.Equal(t, 1, countType(h.rec.types(), domain.TransitionMarketFinal))

	// A later restart finds the audit row and does nothing.
	again := NewSweeper(h.store, h.catalog, nil, audit, h.final, h.observer, h.clock, SweepConfig{Interval: time.Minute}, discardLogger())
	require.NoError(t, again.CatchUp(ctx, restart))
	assert.Equal(t, 1, countType(h.rec.types(), domain.TransitionMarketFinal))
}

func TestCatchUpLeavesOpenWindowsToSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	audit := withAudit(h)
	approvedMarket(t, h)
	n := len(h.rec.types())

	sw := NewSweeper(h.store, h.catalog, nil, audit, h.final, h.observer, h.clock, SweepConfig{Interval: time.Hour}, discardLogger())
	require.NoError(t, sw.CatchUp(ctx, t0.Add(20*time.Hour)))
	assert.Len(t, h.rec.types(), n)
}

func TestSweepRetriesFailedMarket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	p := approvedMarket(t, h)

	catalog := &flakyCatalog{MarketCatalog: h.catalog, fails: 1}
	sw := NewSweeper(h.store, catalog, nil, nil, h.final, h.observer, h.clock, SweepConfig{Interval: time.Hour}, discardLogger())

	err := sw.Sweep(ctx, t0.Add(48*time.Hour), t0.Add(49*time.Hour))
	require.ErrorIs(t, err, errMarketsFailed)
	assert.Contains(t, err.Error(), "catalog unavailable")
	assert.Zero(t, countType(h.rec.types(), domain.TransitionMarketFinal))

	// The next tick no longer covers 49h, but the failed market still does.
	require.NoError(t, sw.Sweep(ctx, t0.Add(49*time.Hour), t0.Add(50*time.Hour)))
	assert.Equal(t, 1, countType(h.rec.types(), domain.TransitionMarketFinal))
	e, ok := h.ledger.Get(p)
	require.True(t, ok)
	assert.Equal(t, domain.BondUpheld, e.Outcome)

	require.NoError(t, sw.Sweep(ctx, t0.Add(50*time.Hour), t0.Add(51*time.Hour)))
	assert.Equal(t, 1, countType(h.rec.types(), domain.TransitionMarketFinal))
}

func TestSweepRetriesFailedCatchUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	audit := withAudit(h)
	approvedMarket(t, h)

	catalog := &flakyCatalog{MarketCatalog: h.catalog, fails: 1}
	sw := NewSweeper(h.store, catalog, nil, audit, h.final, h.observer, h.clock, SweepConfig{Interval: time.Minute}, discardLogger())
	require.ErrorIs(t, sw.CatchUp(ctx, t0.Add(60*time.Hour)), errMarketsFailed)
	assert.Zero(t, countType(h.rec.types(), domain.TransitionMarketFinal))

	require.NoError(t, sw.Sweep(ctx, t0.Add(60*time.Hour), t0.Add(60*time.Hour+time.Minute)))
	assert.Equal(t, 1, countType(h.rec.types(), domain.TransitionMarketFinal))
}

func TestCrossed(t *testing.T) {
	prev, now := t0, t0.Add(time.Hour)
	assert.False(t, crossed(prev, now, t0))
	assert.True(t, crossed(prev, now, t0.Add(time.Minute)))
	assert.True(t, crossed(prev, now, now))
	assert.False(t, crossed(prev, now, now.Add(time.Nanosecond)))
}
