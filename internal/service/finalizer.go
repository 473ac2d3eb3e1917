package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/rules"
)

// Attestor signs a market's final result.
type Attestor interface {
	Attest(marketID, result string, position int, finalizedAt time.Time) (domain.Attestation, error)
}

// Finalizer runs the side effects of a market reaching Final: bond release
// signals, the optional archive and attestation, and the market_final
// transition.
type Finalizer struct {
	ledger    domain.Ledger
	archiver  domain.Archiver
	attestor  Attestor
	observers *Observers
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFinalizer creates a Finalizer. archiver and attestor may be nil.
func NewFinalizer(
	ledger domain.Ledger,
	archiver domain.Archiver,
	attestor Attestor,
	observers *Observers,
	timeout time.Duration,
	logger *slog.Logger,
) *Finalizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Finalizer{
		ledger:    ledger,
		archiver:  archiver,
		attestor:  attestor,
		observers: observers,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "finalizer")),
	}
}

// Finalize processes a market whose projected state is Final. Individual
// failures are logged; the returned transition carries whatever succeeded.
func (f *Finalizer) Finalize(ctx context.Context, m domain.Market, history []domain.ResolutionEvent, st domain.MarketState) (domain.Transition, error) {
	if !st.IsFinal() {
		return domain.Transition{}, fmt.Errorf("service: finalize %s: state is %s", m.ID, st.State)
	}
	v, err := rules.Analyze(history)
	if err != nil {
		return domain.Transition{}, fmt.Errorf("service: finalize %s: %w", m.ID, err)
	}
	finalizedAt, err := v.FinalizedAt(m)
	if err != nil {
		return domain.Transition{}, fmt.Errorf("service: finalize %s: %w", m.ID, err)
	}

	t := domain.Transition{
		Type:     domain.TransitionMarketFinal,
		MarketID: m.ID,
		State:    st,
		At:       finalizedAt,
	}
	if st.CurrentProposal != nil {
		t.EventID = st.CurrentProposal.ID
	}

	for eventID, outcome := range v.ReleaseOutcomes(st.FinalResult) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		err := f.ledger.Release(rctx, eventID, outcome)
		cancel()
		if err != nil {
			f.logger.ErrorContext(ctx, "bond release failed",
				slog.String("market_id", m.ID),
				slog.String("event_id", eventID),
				slog.String("outcome", string(outcome)),
				slog.String("error", err.Error()),
			)
		}
	}

	if f.attestor != nil {
		att, err := f.attestor.Attest(m.ID, st.FinalResult, st.OutcomePosition, finalizedAt)
		if err != nil {
			f.logger.ErrorContext(ctx, "attestation failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		} else {
			t.Attestation = &att
		}
	}

	if f.archiver != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		path, err := f.archiver.ArchiveMarket(actx, m.ID, history)
		cancel()
		if err != nil {
			f.logger.ErrorContext(ctx, "archive failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		} else {
			t.ArchivePath = path
		}
	}

	f.logger.InfoContext(ctx, "market final",
		slog.String("market_id", m.ID),
		slog.String("result", st.FinalResult),
		slog.Int("outcome_position", st.OutcomePosition),
		slog.Int("dispute_count", st.DisputeCount),
		slog.Time("finalized_at", finalizedAt),
	)
	f.observers.Notify(ctx, t)
	return t, nil
}
