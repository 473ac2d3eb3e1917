package rules

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

// Validate decides whether candidate may be appended to history at now. The
// candidate is fully populated except for its sequence index. State rules are
// checked before field rules and the first violation is returned.
func Validate(m domain.Market, history []domain.ResolutionEvent, candidate domain.ResolutionEvent, now time.Time) error {
	v, err := Analyze(history)
	if err != nil {
		return err
	}
	return v.Validate(m, candidate, now)
}

// Validate checks candidate against the view.
func (v View) Validate(m domain.Market, candidate domain.ResolutionEvent, now time.Time) error {
	if candidate.MarketID != m.ID {
		return fmt.Errorf("%w: event market %q does not match %q", domain.ErrValidation, candidate.MarketID, m.ID)
	}
	if candidate.Status != domain.StatusPending {
		return fmt.Errorf("%w: new events must be pending", domain.ErrValidation)
	}

	if err := v.CheckNotFinal(m, candidate.Kind, now); err != nil {
		return err
	}

	switch candidate.Kind {
	case domain.KindProposal:
		if err := v.checkProposalState(); err != nil {
			return err
		}
		return checkProposalFields(m, candidate)
	case domain.KindDispute:
		if err := v.checkDisputeState(m, now); err != nil {
			return err
		}
		return v.checkDisputeFields(m, candidate)
	default:
		return fmt.Errorf("%w: unknown event kind %q", domain.ErrValidation, candidate.Kind)
	}
}

// CheckNotFinal returns ErrMarketAlreadyFinal when the market is terminal at
// now. A dispute against a market that became final because its window
// closed also matches ErrDisputeNotAllowed.
func (v View) CheckNotFinal(m domain.Market, kind domain.EventKind, now time.Time) error {
	final, err := v.Finality(m, now)
	if err != nil {
		return fmt.Errorf("rules: finality %s: %w", m.ID, err)
	}
	if !final {
		return nil
	}
	if kind == domain.KindDispute && v.expired(m, now) {
		return fmt.Errorf("%w: dispute window for %s is closed: %w", domain.ErrDisputeNotAllowed, v.Standing.Event.ID, domain.ErrMarketAlreadyFinal)
	}
	return fmt.Errorf("%w: market %s", domain.ErrMarketAlreadyFinal, m.ID)
}

// expired reports whether the market is final only because the standing
// outcome's window ran out.
func (v View) expired(m domain.Market, now time.Time) bool {
	if v.Standing == nil || v.Standing.Position >= domain.FinalPosition || v.DisputeCount >= domain.MaxDisputes {
		return false
	}
	deadline, ok, err := window.Deadline(m, v.Standing.Event, v.Standing.Position)
	return err == nil && ok && !now.Before(deadline)
}

// checkProposalState allows a proposal when nothing is pending and the ledger
// is empty, the latest proposal was rejected, or the latest event is an
// approved dispute.
func (v View) checkProposalState() error {
	if v.Pending != nil {
		return fmt.Errorf("%w: event %s awaits review", domain.ErrProposalAlreadyPending, v.Pending.Event.ID)
	}
	last := v.Last()
	switch {
	case last == nil:
		return nil
	case v.LastProposal != nil && v.LastProposal.Event.Status == domain.StatusRejected:
		return nil
	case last.Event.IsDispute() && last.Event.Status == domain.StatusApproved:
		return nil
	}
	if v.Standing != nil {
		return fmt.Errorf("%w: outcome %s is standing", domain.ErrProposalAlreadyPending, v.Standing.Event.ID)
	}
	return fmt.Errorf("%w: latest proposal is not rejected", domain.ErrProposalAlreadyPending)
}

func (v View) checkDisputeState(m domain.Market, now time.Time) error {
	if v.DisputeCount >= domain.MaxDisputes {
		return fmt.Errorf("%w: market %s has %d disputes", domain.ErrDisputeLimitExceeded, m.ID, v.DisputeCount)
	}
	if v.Pending != nil {
		return fmt.Errorf("%w: event %s awaits review", domain.ErrDisputeNotAllowed, v.Pending.Event.ID)
	}
	if !v.disputableTarget() {
		return fmt.Errorf("%w: no approved outcome to dispute", domain.ErrDisputeNotAllowed)
	}
	open, err := window.IsOpen(m, v.Standing.Event, v.Standing.Position, now)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDisputeNotAllowed, err)
	}
	if !open {
		return fmt.Errorf("%w: dispute window for %s is closed", domain.ErrDisputeNotAllowed, v.Standing.Event.ID)
	}
	return nil
}

// DisputeTarget returns the outcome a dispute filed now would contest and the
// result the dispute must assert.
func (v View) DisputeTarget(m domain.Market, now time.Time) (target domain.ResolutionEvent, opposite string, err error) {
	if err := v.checkDisputeState(m, now); err != nil {
		return domain.ResolutionEvent{}, "", err
	}
	opposite, ok := m.Opposite(v.Standing.Event.ProposedResult)
	if !ok {
		return domain.ResolutionEvent{}, "", fmt.Errorf("%w: standing result %q is not a side of %s", domain.ErrValidation, v.Standing.Event.ProposedResult, m.ID)
	}
	return v.Standing.Event, opposite, nil
}

func checkProposalFields(m domain.Market, ev domain.ResolutionEvent) error {
	if err := checkDescription(ev.Evidence); err != nil {
		return err
	}
	if err := checkURL("evidence_url_1", ev.Evidence.EvidenceURL1, true); err != nil {
		return err
	}
	if err := checkURL("evidence_url_2", ev.Evidence.EvidenceURL2, true); err != nil {
		return err
	}
	if !m.HasSide(ev.ProposedResult) {
		return fmt.Errorf("%w: result %q is not a side of market %s", domain.ErrValidation, ev.ProposedResult, m.ID)
	}
	if ev.DisputeRound != 0 {
		return fmt.Errorf("%w: proposals carry no dispute round", domain.ErrValidation)
	}
	return checkCommon(m, ev)
}

func (v View) checkDisputeFields(m domain.Market, ev domain.ResolutionEvent) error {
	if err := checkDescription(ev.Evidence); err != nil {
		return err
	}
	if err := checkURL("evidence_url_1", ev.Evidence.EvidenceURL1, false); err != nil {
		return err
	}
	if err := checkURL("evidence_url_2", ev.Evidence.EvidenceURL2, false); err != nil {
		return err
	}
	if want := v.DisputeCount + 1; ev.DisputeRound != want {
		return fmt.Errorf("%w: dispute_round is %d, want %d", domain.ErrValidation, ev.DisputeRound, want)
	}
	opposite, ok := m.Opposite(v.Standing.Event.ProposedResult)
	if !ok || ev.ProposedResult != opposite {
		return fmt.Errorf("%w: dispute must assert %q", domain.ErrValidation, opposite)
	}
	return checkCommon(m, ev)
}

func checkCommon(m domain.Market, ev domain.ResolutionEvent) error {
	if strings.TrimSpace(ev.ProposerID) == "" {
		return fmt.Errorf("%w: proposer id is required", domain.ErrValidation)
	}
	if !ev.BondAmount.Equal(m.BondAmount) {
		return fmt.Errorf("%w: bond %s does not match market bond %s", domain.ErrValidation, ev.BondAmount, m.BondAmount)
	}
	return nil
}

func checkDescription(e domain.Evidence) error {
	if strings.TrimSpace(e.Description) == "" {
		return fmt.Errorf("%w: description is required", domain.ErrValidation)
	}
	return nil
}

var errBadURL = errors.New("must be an absolute http(s) URL")

func checkURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s %w", domain.ErrValidation, field, errBadURL)
	}
	return nil
}
