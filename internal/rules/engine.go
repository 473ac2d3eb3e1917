package rules

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

// Finality reports whether the market is terminal at now. A market is final
// once an outcome stands with nothing pending and either it holds the final
// position, the dispute cap is spent, or its window has closed.
func (v View) Finality(m domain.Market, now time.Time) (bool, error) {
	if v.Standing == nil || v.Pending != nil {
		return false, nil
	}
	if v.Standing.Position >= domain.FinalPosition || v.DisputeCount >= domain.MaxDisputes {
		return true, nil
	}
	deadline, ok, err := window.Deadline(m, v.Standing.Event, v.Standing.Position)
	if err != nil {
		return false, err
	}
	return ok && !now.Before(deadline), nil
}

// Project computes the market state at now. It has no side effects, so two
// calls with the same history and instant return equal states.
func Project(m domain.Market, history []domain.ResolutionEvent, now time.Time) (domain.MarketState, error) {
	v, err := Analyze(history)
	if err != nil {
		return domain.MarketState{}, err
	}
	return v.Project(m, now)
}

// Project computes the market state at now from the view.
func (v View) Project(m domain.Market, now time.Time) (domain.MarketState, error) {
	st := domain.MarketState{
		MarketID:     m.ID,
		DisputeCount: v.DisputeCount,
		AsOf:         now,
	}

	final, err := v.Finality(m, now)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("rules: project %s: %w", m.ID, err)
	}

	var current *Entry
	switch {
	case len(v.Entries) == 0:
		st.State = domain.StateOpen
	case final:
		st.State = domain.StateFinal
		current = v.Standing
		st.FinalResult = v.Standing.Event.ProposedResult
	case v.Pending != nil:
		current = v.Pending
		if v.Pending.Event.IsDispute() {
			st.State = domain.StateDisputed
		} else {
			st.State = domain.StateUnderReview
		}
	case v.Standing != nil:
		st.State = domain.StateApproved
		current = v.Standing
	default:
		st.State = domain.StateRejected
		current = v.Last()
	}

	if current != nil {
		ev := current.Event
		st.CurrentProposal = &ev
		st.OutcomePosition = current.Position
	}

	if v.Standing != nil {
		deadline, ok, err := window.Deadline(m, v.Standing.Event, v.Standing.Position)
		if err != nil {
			return domain.MarketState{}, fmt.Errorf("rules: project %s: %w", m.ID, err)
		}
		if ok && (st.State == domain.StateApproved || st.State == domain.StateFinal) {
			st.DisputeWindowDeadline = &deadline
			if st.State == domain.StateApproved {
				r := window.Split(deadline.Sub(now))
				st.Remaining = &r
			}
		}
	}

	if !final {
		st.CanPropose = v.checkProposalState() == nil
		st.CanDispute = v.checkDisputeState(m, now) == nil
	}
	return st, nil
}

// Deadline returns the dispute window deadline of the standing outcome, if it
// has one.
func (v View) Deadline(m domain.Market) (time.Time, bool, error) {
	if v.Standing == nil {
		return time.Time{}, false, nil
	}
	return window.Deadline(m, v.Standing.Event, v.Standing.Position)
}

// FinalizedAt returns the instant the market became final: the window
// deadline when finality came from expiry, otherwise the review that closed the
// ledger. It is only meaningful when Finality reports true.
func (v View) FinalizedAt(m domain.Market) (time.Time, error) {
	if v.Standing == nil {
		return time.Time{}, fmt.Errorf("rules: finalized at %s: no standing outcome", m.ID)
	}
	if v.Standing.Position < domain.FinalPosition && v.DisputeCount < domain.MaxDisputes {
		deadline, ok, err := window.Deadline(m, v.Standing.Event, v.Standing.Position)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return deadline, nil
		}
	}
	last := v.Last()
	if last.Event.ReviewedAt == nil {
		return time.Time{}, fmt.Errorf("rules: finalized at %s: %w", m.ID, domain.ErrNoTimingData)
	}
	return *last.Event.ReviewedAt, nil
}

// ReleaseOutcomes maps every non-rejected event of a final market to the bond
// outcome the ledger should apply. Rejected bonds are released at review time.
func (v View) ReleaseOutcomes(finalResult string) map[string]domain.BondOutcome {
	out := make(map[string]domain.BondOutcome)
	for _, e := range v.Entries {
		if e.Event.Status == domain.StatusRejected {
			continue
		}
		if e.Event.ProposedResult == finalResult {
			out[e.Event.ID] = domain.BondUpheld
		} else {
			out[e.Event.ID] = domain.BondOverturned
		}
	}
	return out
}
