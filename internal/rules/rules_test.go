package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func hours(h float64) time.Time { return t0.Add(time.Duration(h * float64(time.Hour))) }

func market() domain.Market {
	return domain.Market{
		ID:                    "m1",
		Side1Label:            "Yes",
		Side2Label:            "No",
		ResolutionWindowHours: 48,
		BondAmount:            decimal.NewFromInt(50),
	}
}

// ledger builds histories the way the coordinator would.
type ledger struct {
	t      *testing.T
	m      domain.Market
	events []domain.ResolutionEvent
}

func newLedger(t *testing.T) *ledger { return &ledger{t: t, m: market()} }

func (l *ledger) proposal(result string, at time.Time) domain.ResolutionEvent {
	return domain.ResolutionEvent{
		ID:             fmt.Sprintf("e%d", len(l.events)+1),
		MarketID:       l.m.ID,
		Kind:           domain.KindProposal,
		ProposedResult: result,
		Status:         domain.StatusPending,
		Evidence: domain.Evidence{
			Description:  "official announcement",
			EvidenceURL1: "https://example.com/a",
			EvidenceURL2: "https://example.com/b",
		},
		ProposerID: "alice",
		BondAmount: l.m.BondAmount,
		CreatedAt:  at,
	}
}

func (l *ledger) dispute(at time.Time) domain.ResolutionEvent {
	v, err := Analyze(l.events)
	require.NoError(l.t, err)
	_, opposite, err := v.DisputeTarget(l.m, at)
	require.NoError(l.t, err)
	return domain.ResolutionEvent{
		ID:             fmt.Sprintf("e%d", len(l.events)+1),
		MarketID:       l.m.ID,
		Kind:           domain.KindDispute,
		ProposedResult: opposite,
		Status:         domain.StatusPending,
		Evidence:       domain.Evidence{Description: "counter evidence"},
		ProposerID:     "bob",
		BondAmount:     l.m.BondAmount,
		DisputeRound:   v.DisputeCount + 1,
		CreatedAt:      at,
	}
}

func (l *ledger) append(ev domain.ResolutionEvent) *ledger {
	require.NoError(l.t, Validate(l.m, l.events, ev, ev.CreatedAt))
	ev.SequenceIndex = int64(len(l.events) + 1)
	l.events = append(l.events, ev)
	return l
}

func (l *ledger) review(status domain.EventStatus, at time.Time) *ledger {
	last := &l.events[len(l.events)-1]
	require.Equal(l.t, domain.StatusPending, last.Status)
	*last = domain.Review{EventID: last.ID, Status: status, ReviewerID: "oracle", ReviewedAt: at}.Apply(*last)
	return l
}

func (l *ledger) state(now time.Time) domain.MarketState {
	st, err := Project(l.m, l.events, now)
	require.NoError(l.t, err)
	return st
}

func TestEmptyLedgerIsOpen(t *testing.T) {
	l := newLedger(t)
	st := l.state(t0)
	assert.Equal(t, domain.StateOpen, st.State)
	assert.Nil(t, st.CurrentProposal)
	assert.True(t, st.CanPropose)
	assert.False(t, st.CanDispute)
}

func TestScenarioWindowExpiry(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0))
	assert.Equal(t, domain.StateUnderReview, l.state(hours(0.5)).State)

	l.review(domain.StatusApproved, hours(1))
	st := l.state(hours(2))
	assert.Equal(t, domain.StateApproved, st.State)
	require.NotNil(t, st.DisputeWindowDeadline)
	assert.Equal(t, hours(49), *st.DisputeWindowDeadline)
	assert.Equal(t, &domain.WindowRemaining{Hours: 47}, st.Remaining)
	assert.True(t, st.CanDispute)

	st = l.state(hours(50))
	assert.Equal(t, domain.StateFinal, st.State)
	assert.Equal(t, 1, st.OutcomePosition)
	assert.Equal(t, "Yes", st.FinalResult)
	assert.False(t, st.CanDispute)
	assert.False(t, st.CanPropose)
}

func TestScenarioTwoDisputesReachFinalPosition(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))

	d1 := l.dispute(hours(10))
	assert.Equal(t, "No", d1.ProposedResult)
	assert.Equal(t, 1, d1.DisputeRound)
	l.append(d1)
	assert.Equal(t, domain.StateDisputed, l.state(hours(11)).State)

	l.review(domain.StatusApproved, hours(12))
	st := l.state(hours(13))
	assert.Equal(t, domain.StateApproved, st.State)
	assert.Equal(t, 2, st.OutcomePosition)
	require.NotNil(t, st.DisputeWindowDeadline)
	assert.Equal(t, hours(60), *st.DisputeWindowDeadline)

	d2 := l.dispute(hours(20))
	assert.Equal(t, "Yes", d2.ProposedResult)
	assert.Equal(t, 2, d2.DisputeRound)
	l.append(d2).review(domain.StatusApproved, hours(22))

	st = l.state(hours(22))
	assert.Equal(t, domain.StateFinal, st.State)
	assert.Equal(t, 3, st.OutcomePosition)
	assert.Equal(t, 2, st.DisputeCount)
	assert.Equal(t, "Yes", st.FinalResult)
	assert.Nil(t, st.DisputeWindowDeadline)

	// Terminal: nothing is legal any more.
	err := Validate(l.m, l.events, l.proposal("No", hours(23)), hours(23))
	require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)

	dispute := l.proposal("No", hours(23))
	dispute.Kind = domain.KindDispute
	dispute.DisputeRound = 3
	err = Validate(l.m, l.events, dispute, hours(23))
	require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)
	assert.NotErrorIs(t, err, domain.ErrDisputeNotAllowed)
}

func TestScenarioRejectedProposalReopens(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusRejected, hours(1))

	st := l.state(hours(2))
	assert.Equal(t, domain.StateRejected, st.State)
	assert.True(t, st.CanPropose)

	l.append(l.proposal("No", hours(3)))
	st = l.state(hours(3))
	assert.Equal(t, domain.StateUnderReview, st.State)
	assert.Equal(t, 2, st.OutcomePosition)
}

func TestProposalRules(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0))

	err := Validate(l.m, l.events, l.proposal("No", hours(1)), hours(1))
	require.ErrorIs(t, err, domain.ErrProposalAlreadyPending)

	l.review(domain.StatusApproved, hours(1))
	err = Validate(l.m, l.events, l.proposal("No", hours(2)), hours(2))
	require.ErrorIs(t, err, domain.ErrProposalAlreadyPending)
}

func TestProposalAfterApprovedDispute(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	l.append(l.dispute(hours(2))).review(domain.StatusApproved, hours(3))

	require.NoError(t, Validate(l.m, l.events, l.proposal("No", hours(4)), hours(4)))
}

func TestProposalFieldRules(t *testing.T) {
	l := newLedger(t)
	tests := []struct {
		name   string
		mutate func(*domain.ResolutionEvent)
	}{
		{"empty description", func(e *domain.ResolutionEvent) { e.Evidence.Description = "  " }},
		{"missing url1", func(e *domain.ResolutionEvent) { e.Evidence.EvidenceURL1 = "" }},
		{"missing url2", func(e *domain.ResolutionEvent) { e.Evidence.EvidenceURL2 = "" }},
		{"relative url", func(e *domain.ResolutionEvent) { e.Evidence.EvidenceURL1 = "/docs/a" }},
		{"bad scheme", func(e *domain.ResolutionEvent) { e.Evidence.EvidenceURL2 = "ftp://example.com/x" }},
		{"unknown side", func(e *domain.ResolutionEvent) { e.ProposedResult = "Maybe" }},
		{"no proposer", func(e *domain.ResolutionEvent) { e.ProposerID = "" }},
		{"wrong bond", func(e *domain.ResolutionEvent) { e.BondAmount = decimal.NewFromInt(1) }},
		{"wrong market", func(e *domain.ResolutionEvent) { e.MarketID = "other" }},
		{"not pending", func(e *domain.ResolutionEvent) { e.Status = domain.StatusApproved }},
		{"dispute round on proposal", func(e *domain.ResolutionEvent) { e.DisputeRound = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := l.proposal("Yes", t0)
			tt.mutate(&ev)
			err := Validate(l.m, l.events, ev, t0)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestStateRulesBeforeFieldRules(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0))

	ev := l.proposal("Yes", hours(1))
	ev.Evidence.Description = ""
	err := Validate(l.m, l.events, ev, hours(1))
	require.ErrorIs(t, err, domain.ErrProposalAlreadyPending)
}

func TestDisputeRules(t *testing.T) {
	t.Run("nothing approved", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0))
		v, err := Analyze(l.events)
		require.NoError(t, err)
		_, _, err = v.DisputeTarget(l.m, hours(1))
		require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)
	})

	t.Run("window closed", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		d := l.dispute(hours(2))
		d.CreatedAt = hours(49)
		err := Validate(l.m, l.events, d, hours(49))
		// At the deadline the market is final and the window is closed.
		require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)
		require.ErrorIs(t, err, domain.ErrMarketAlreadyFinal)
	})

	t.Run("same side", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		d := l.dispute(hours(2))
		d.ProposedResult = "Yes"
		require.ErrorIs(t, Validate(l.m, l.events, d, hours(2)), domain.ErrValidation)
	})

	t.Run("wrong round", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		d := l.dispute(hours(2))
		d.DisputeRound = 2
		require.ErrorIs(t, Validate(l.m, l.events, d, hours(2)), domain.ErrValidation)
	})

	t.Run("invalid optional url", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		d := l.dispute(hours(2))
		d.Evidence.EvidenceURL2 = "not a url"
		require.ErrorIs(t, Validate(l.m, l.events, d, hours(2)), domain.ErrValidation)
	})

	t.Run("pending dispute", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		d := l.dispute(hours(2))
		l.append(d)
		second := d
		second.ID = "e3"
		second.DisputeRound = 2
		require.ErrorIs(t, Validate(l.m, l.events, second, hours(3)), domain.ErrDisputeNotAllowed)
	})

	t.Run("missing review time", func(t *testing.T) {
		l := newLedger(t)
		l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
		l.events[0].ReviewedAt = nil
		v, err := Analyze(l.events)
		require.NoError(t, err)
		err = v.checkDisputeState(l.m, hours(2))
		require.ErrorIs(t, err, domain.ErrDisputeNotAllowed)
		require.ErrorIs(t, err, domain.ErrNoTimingData)
	})
}

func TestRejectedDisputeKeepsWindow(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	l.append(l.dispute(hours(2))).review(domain.StatusRejected, hours(3))

	st := l.state(hours(4))
	assert.Equal(t, domain.StateApproved, st.State)
	assert.Equal(t, 1, st.OutcomePosition)
	assert.Equal(t, 1, st.DisputeCount)
	assert.True(t, st.CanDispute)

	d2 := l.dispute(hours(5))
	assert.Equal(t, 2, d2.DisputeRound)
	l.append(d2).review(domain.StatusRejected, hours(6))

	// The cap is spent, so the standing outcome is final.
	st = l.state(hours(6))
	assert.Equal(t, domain.StateFinal, st.State)
	assert.Equal(t, "Yes", st.FinalResult)
}

func TestDisputeCapNeverExceeded(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	l.append(l.dispute(hours(2))).review(domain.StatusApproved, hours(3))
	l.append(l.dispute(hours(4))).review(domain.StatusRejected, hours(5))

	v, err := Analyze(l.events)
	require.NoError(t, err)
	assert.Equal(t, 2, v.DisputeCount)
	assert.ErrorIs(t, v.checkDisputeState(l.m, hours(6)), domain.ErrDisputeLimitExceeded)
	assert.Equal(t, domain.StateFinal, l.state(hours(6)).State)
}

func TestProjectIsIdempotent(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	now := hours(7.25)
	assert.Equal(t, l.state(now), l.state(now))
}

func TestAnalyzeRejectsGaps(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0))
	l.events[0].SequenceIndex = 2
	_, err := Analyze(l.events)
	require.Error(t, err)
}

func TestReleaseOutcomes(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	l.append(l.dispute(hours(2))).review(domain.StatusApproved, hours(3))
	l.append(l.dispute(hours(4))).review(domain.StatusRejected, hours(5))

	v, err := Analyze(l.events)
	require.NoError(t, err)
	got := v.ReleaseOutcomes("No")
	assert.Equal(t, map[string]domain.BondOutcome{
		"e1": domain.BondOverturned,
		"e2": domain.BondUpheld,
	}, got)
}

func TestFinalizedAt(t *testing.T) {
	l := newLedger(t)
	l.append(l.proposal("Yes", t0)).review(domain.StatusApproved, hours(1))
	v, err := Analyze(l.events)
	require.NoError(t, err)
	at, err := v.FinalizedAt(l.m)
	require.NoError(t, err)
	assert.Equal(t, hours(49), at)

	l.append(l.dispute(hours(2))).review(domain.StatusApproved, hours(3))
	l.append(l.dispute(hours(4))).review(domain.StatusApproved, hours(5))
	v, err = Analyze(l.events)
	require.NoError(t, err)
	at, err = v.FinalizedAt(l.m)
	require.NoError(t, err)
	assert.Equal(t, hours(5), at)
}
