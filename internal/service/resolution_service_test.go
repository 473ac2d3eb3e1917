package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/store/memory"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

var t0 = time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu          sync.Mutex
	transitions []domain.Transition
}

func (r *recorder) OnTransition(_ context.Context, t domain.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
	return nil
}

func (r *recorder) types() []domain.TransitionType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TransitionType, len(r.transitions))
	for i, t := range r.transitions {
		out[i] = t.Type
	}
	return out
}

func (r *recorder) last() domain.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitions[len(r.transitions)-1]
}

type fakeAttestor struct{}

func (fakeAttestor) Attest(marketID, result string, position int, at time.Time) (domain.Attestation, error) {
	return domain.Attestation{Signer: "0xop", Message: marketID + ":" + result, Signature: "0xsig"}, nil
}

type harness struct {
	svc      *ResolutionService
	store    *memory.EventStore
	ledger   *memory.Ledger
	clock    *window.ManualClock
	rec      *recorder
	catalog  *CatalogService
	observer *Observers
	final    *Finalizer
}

func testMarket() domain.Market {
	return domain.Market{
		ID:                    "will-it-rain",
		Question:              "Will it rain?",
		Side1Label:            "Yes",
		Side2Label:            "No",
		ResolutionWindowHours: 48,
		BondAmount:            decimal.NewFromInt(100),
	}
}

func newHarness(t *testing.T, cfg ResolutionConfig) *harness {
	t.Helper()
	logger := discardLogger()
	h := &harness{
		store:  memory.NewEventStore(),
		ledger: memory.NewLedger(),
		clock:  window.NewManualClock(t0),
		rec:    &recorder{},
	}
	var err error
	h.catalog, err = NewCatalogService([]domain.Market{testMarket()}, nil, nil, logger)
	require.NoError(t, err)
	h.observer = NewObservers(logger)
	h.observer.Add("recorder", h.rec)
	h.final = NewFinalizer(h.ledger, nil, fakeAttestor{}, h.observer, time.Second, logger)
	h.svc = NewResolutionService(h.store, h.catalog, h.ledger, h.clock, NewMarketLocks(nil, 0), h.final, h.observer, cfg, logger)
	return h
}

func (h *harness) at(hours float64) {
	h.clock.Set(t0.Add(time.Duration(hours * float64(time.Hour))))
}

func proposal(side string) ProposalRequest {
	return ProposalRequest{
		MarketID:    "will-it-rain",
		ProposerID:  "alice",
		Side:        side,
		Description: "weather service report",
		URL1:        "https://weather.example/report",
		URL2:        "https://news.example/rain",
	}
}

func dispute() DisputeRequest {
	return DisputeRequest{
		MarketID:    "will-it-rain",
		DisputerID:  "bob",
		Description: "the report was retracted",
		URL1:        "https://weather.example/retraction",
	}
}

func TestScenarioExpiryMakesFinal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	id, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)

	h.at(1)
	st, err := h.svc.Review(ctx, id, domain.DecisionApprove, "oracle")
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, st.State)
	require.NotNil(t, st.DisputeWindowDeadline)
	assert.Equal(t, t0.Add(49*time.Hour), *st.DisputeWindowDeadline)

	st, err = h.svc.GetState(ctx, "will-it-rain", t0.Add(50*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinal, st.State)
	assert.Equal(t, 1, st.OutcomePosition)
	assert.Equal(t, "Yes", st.FinalResult)

	assert.Equal(t, []domain.TransitionType{
		domain.TransitionProposalSubmitted,
		domain.TransitionEventApproved,
		domain.TransitionWindowOpened,
	}, h.rec.types())
}

func TestScenarioTwoDisputesFinalImmediately(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	h.at(1)
	_, err = h.svc.Review(ctx, p, domain.DecisionApprove, "oracle")
	require.NoError(t, err)

	h.at(10)
	d1, err := h.svc.SubmitDispute(ctx, dispute())
	require.NoError(t, err)
	ev, err := h.store.GetEvent(ctx, d1)
	require.NoError(t, err)
	assert.Equal(t, "No", ev.ProposedResult)
	assert.Equal(t, 1, ev.DisputeRound)

	h.at(12)
	st, err := h.svc.Review(ctx, d1, domain.DecisionApprove, "oracle")
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, st.State)
	assert.Equal(t, 2, st.OutcomePosition)
	require.NotNil(t, st.DisputeWindowDeadline)
	assert.Equal(t, t0.Add(60*time.Hour), *st.DisputeWindowDeadline)

	h.at(20)
	d2, err := h.svc.SubmitDispute(ctx, dispute())
	require.NoError(t, err)
	ev, err = h.store.GetEvent(ctx, d2)
	require.NoError(t, err)
	assert.Equal(t, "Yes", ev.ProposedResult)
	assert.Equal(t, 2, ev.DisputeRound)

	h.at(22)
	st, err = h.svc.Review(ctx, d2, domain.DecisionApprove, "oracle")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFinal, st.State)
	assert.Equal(t, 3, st.OutcomePosition)
	assert.Equal(t, 2, st.DisputeCount)
	assert.Nil(t, st.DisputeWindowDeadline)

	final := h.rec.last()
	assert.Equal(t, domain.TransitionMarketFinal, final.Type)
	require.NotNil(t, final.Attestation)
	assert.Equal(t, t0.Add(22*time.Hour), final.At)

	// Bonds: proposal and second dispute asserted Yes, first dispute No.
	for id, want := range map[string]domain.BondOutcome{p: domain.BondUpheld, d1: domain.BondOverturned, d2: domain.BondUpheld} {
		e, ok := h.ledger.Get(id)
		require.True(t, ok)
		assert.True(t, e.Released)
		assert.Equal(t, want, e.Outcome, id)
	}

	// Terminal market.
	h.at(23)
	_, err = h.svc.SubmitDispute(ctx, dispute())
	require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)
	_, err = h.svc.SubmitProposal(ctx, proposal("No"))
	require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)
}

func TestScenarioRejectThenRepropose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	h.at(1)
	st, err := h.svc.Review(ctx, p, domain.DecisionReject, "oracle")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, st.State)

	e, ok := h.ledger.Get(p)
	require.True(t, ok)
	assert.Equal(t, domain.BondRejected, e.Outcome)

	h.at(2)
	p2, err := h.svc.SubmitProposal(ctx, proposal("No"))
	require.NoError(t, err)
	st, err = h.svc.GetState(ctx, "will-it-rain", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateUnderReview, st.State)
	assert.Equal(t, 2, st.OutcomePosition)
	require.NotNil(t, st.CurrentProposal)
	assert.Equal(t, p2, st.CurrentProposal.ID)
}

func TestDisputeAfterWindowClosed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	h.at(1)
	_, err = h.svc.Review(ctx, p, domain.DecisionApprove, "oracle")
	require.NoError(t, err)

	h.at(49)
	_, err = h.svc.SubmitDispute(ctx, dispute())
	require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)
	require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)
	assert.Equal(t, "DisputeNotAllowed", domain.Kind(err))
	assert.Len(t, h.ledger.Escrows(), 1)
}

func TestDisputeWithoutApprovedOutcome(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	_, err := h.svc.SubmitDispute(ctx, dispute())
	require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)

	_, err = h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	_, err = h.svc.SubmitDispute(ctx, dispute())
	require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)
	assert.Len(t, h.ledger.Escrows(), 1)
}

func TestValidationFailureMakesNoEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	req := proposal("Yes")
	req.URL2 = "not-a-url"
	_, err := h.svc.SubmitProposal(ctx, req)
	require.ErrorIs(t, err, domain.ErrValidation)

	req = proposal("Maybe")
	_, err = h.svc.SubmitProposal(ctx, req)
	require.ErrorIs(t, err, domain.ErrValidation)

	assert.Empty(t, h.ledger.Escrows())
	history, err := h.svc.GetHistory(ctx, "will-it-rain")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEscrowFailureLeavesNoEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	h.ledger.SetFailEscrow(assert.AnError)

	_, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.ErrorIs(t, err, domain.ErrEscrowFailed)
	require.ErrorIs(t, err, assert.AnError)

	history, err := h.svc.GetHistory(ctx, "will-it-rain")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, h.rec.types())
}

type racingStore struct {
	*memory.EventStore
	once sync.Once
}

// Append simulates another instance winning the race once.
func (s *racingStore) Append(ctx context.Context, ev domain.ResolutionEvent) (string, error) {
	s.once.Do(func() {
		other := ev
		other.ID = "other-instance"
		_, _ = s.EventStore.Append(ctx, other)
	})
	return s.EventStore.Append(ctx, ev)
}

func TestAppendConflictVoidsEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})
	rs := &racingStore{EventStore: h.store}
	h.svc.store = rs

	_, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.ErrorIs(t, err, domain.ErrConcurrentModification)

	escrows := h.ledger.Escrows()
	require.Len(t, escrows, 1)
	assert.True(t, escrows[0].Released)
	assert.Equal(t, domain.BondVoid, escrows[0].Outcome)

	// Retrying sees the other instance's pending proposal.
	_, err = h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.ErrorIs(t, err, domain.ErrProposalAlreadyPending)
}

func TestConcurrentProposalsOneWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, domain.ErrProposalAlreadyPending)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, h.ledger.Escrows(), 1)
}

func TestReviewRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{Reviewers: []string{"oracle"}})

	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)

	_, err = h.svc.Review(ctx, p, domain.DecisionApprove, "mallory")
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = h.svc.Review(ctx, p, domain.Decision("maybe"), "oracle")
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.Review(ctx, "unknown", domain.DecisionApprove, "oracle")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.Review(ctx, p, domain.DecisionApprove, "oracle")
	require.NoError(t, err)
	_, err = h.svc.Review(ctx, p, domain.DecisionReject, "oracle")
	require.ErrorIs(t, err, domain.ErrEventAlreadyReviewed)
}

func TestUnknownMarket(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	req := proposal("Yes")
	req.MarketID = "nope"
	_, err := h.svc.SubmitProposal(ctx, req)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.GetState(ctx, "nope", t0)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.svc.GetHistory(ctx, "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelledBeforeLock(t *testing.T) {
	h := newHarness(t, ResolutionConfig{})
	unlock, err := h.svc.locks.Lock(context.Background(), "will-it-rain")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.ledger.Escrows())
}

func TestGetStateIdempotentAndHistoryOrdered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ResolutionConfig{})

	p, err := h.svc.SubmitProposal(ctx, proposal("Yes"))
	require.NoError(t, err)
	h.at(1)
	_, err = h.svc.Review(ctx, p, domain.DecisionReject, "oracle")
	require.NoError(t, err)
	h.at(2)
	_, err = h.svc.SubmitProposal(ctx, proposal("No"))
	require.NoError(t, err)

	now := t0.Add(3 * time.Hour)
	a, err := h.svc.GetState(ctx, "will-it-rain", now)
	require.NoError(t, err)
	b, err := h.svc.GetState(ctx, "will-it-rain", now)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	history, err := h.svc.GetHistory(ctx, "will-it-rain")
	require.NoError(t, err)
	for i, ev := range history {
		assert.Equal(t, int64(i+1), ev.SequenceIndex)
	}
}
