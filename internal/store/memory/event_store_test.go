package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

func newEvent(marketID string, seq int64) domain.ResolutionEvent {
	return domain.ResolutionEvent{
		MarketID:       marketID,
		SequenceIndex:  seq,
		Kind:           domain.KindProposal,
		ProposedResult: "Yes",
		Status:         domain.StatusPending,
		Evidence:       domain.Evidence{Description: "d"},
		ProposerID:     "alice",
		BondAmount:     decimal.NewFromInt(10),
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAppendAssignsIDAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	id1, err := s.Append(ctx, newEvent("m1", 1))
	require.NoError(t, err)
	require.NotEmpty(t, id1)
	id2, err := s.Append(ctx, newEvent("m1", 2))
	require.NoError(t, err)

	history, err := domain.CollectHistory(s.ListByMarket(ctx, "m1"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, id1, history[0].ID)
	assert.Equal(t, id2, history[1].ID)
	assert.Equal(t, int64(1), history[0].SequenceIndex)
	assert.Equal(t, int64(2), history[1].SequenceIndex)
}

func TestAppendRejectsStaleSequence(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	_, err := s.Append(ctx, newEvent("m1", 1))
	require.NoError(t, err)

	_, err = s.Append(ctx, newEvent("m1", 1))
	require.ErrorIs(t, err, domain.ErrConcurrentModification)
	_, err = s.Append(ctx, newEvent("m1", 3))
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	// Other markets are independent.
	_, err = s.Append(ctx, newEvent("m2", 1))
	require.NoError(t, err)
}

func TestConcurrentAppendsOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, newEvent("m1", 1))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, domain.ErrConcurrentModification)
	}
	assert.Equal(t, 1, ok)
}

func TestRecordReviewOnce(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	id, err := s.Append(ctx, newEvent("m1", 1))
	require.NoError(t, err)

	at := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordReview(ctx, domain.Review{EventID: id, MarketID: "m1", Status: domain.StatusApproved, ReviewerID: "r", ReviewedAt: at}))

	err = s.RecordReview(ctx, domain.Review{EventID: id, MarketID: "m1", Status: domain.StatusRejected, ReviewerID: "r", ReviewedAt: at.Add(time.Hour)})
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	ev, err := s.GetEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, ev.Status)
	require.NotNil(t, ev.ReviewedAt)
	assert.Equal(t, at, *ev.ReviewedAt)
	assert.Equal(t, "r", ev.ReviewerID)

	err = s.RecordReview(ctx, domain.Review{EventID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListByMarketIsRestartable(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	seq := s.ListByMarket(ctx, "m1")
	first, err := domain.CollectHistory(seq)
	require.NoError(t, err)
	assert.Empty(t, first)

	_, err = s.Append(ctx, newEvent("m1", 1))
	require.NoError(t, err)

	second, err := domain.CollectHistory(seq)
	require.NoError(t, err)
	assert.Len(t, second, 1)
}

func TestListMarketsAndGetEvent(t *testing.T) {
	ctx := context.Background()
	s := NewEventStore()

	_, err := s.Append(ctx, newEvent("b", 1))
	require.NoError(t, err)
	_, err = s.Append(ctx, newEvent("a", 1))
	require.NoError(t, err)

	ids, err := s.ListMarkets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, err = s.GetEvent(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerEscrowAndRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	require.NoError(t, l.Escrow(ctx, "alice", decimal.NewFromInt(5), "m1", "e1"))
	require.ErrorIs(t, l.Escrow(ctx, "alice", decimal.NewFromInt(5), "m1", "e1"), domain.ErrAlreadyExists)

	require.NoError(t, l.Release(ctx, "e1", domain.BondUpheld))
	require.ErrorIs(t, l.Release(ctx, "e1", domain.BondUpheld), domain.ErrAlreadyExists)
	require.ErrorIs(t, l.Release(ctx, "e2", domain.BondUpheld), domain.ErrNotFound)

	e, ok := l.Get("e1")
	require.True(t, ok)
	assert.True(t, e.Released)
	assert.Equal(t, domain.BondUpheld, e.Outcome)

	l.SetFailEscrow(assert.AnError)
	require.ErrorIs(t, l.Escrow(ctx, "bob", decimal.NewFromInt(5), "m1", "e3"), assert.AnError)
	assert.Len(t, l.Escrows(), 1)
}
