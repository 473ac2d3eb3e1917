package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyresolve/internal/domain"
	"github.com/alanyoungcy/polyresolve/internal/rules"
	"github.com/alanyoungcy/polyresolve/internal/window"
)

// ProposalRequest is the input of SubmitProposal.
type ProposalRequest struct {
	MarketID    string
	ProposerID  string
	Side        string
	Description string
	URL1        string
	URL2        string
}

// DisputeRequest is the input of SubmitDispute. The disputed side is derived
// from the standing outcome.
type DisputeRequest struct {
	MarketID    string
	DisputerID  string
	Description string
	URL1        string
	URL2        string
}

// ResolutionConfig tunes the coordinator.
type ResolutionConfig struct {
	// EscrowTimeout bounds each ledger call.
	EscrowTimeout time.Duration
	// Reviewers, when non-empty, is the allowlist of reviewer identities.
	Reviewers []string
}

// ResolutionService coordinates proposals, disputes and reviews. Mutations of
// one market are serialized; reads take no lock.
type ResolutionService struct {
	store     domain.EventStore
	catalog   domain.MarketCatalog
	ledger    domain.Ledger
	clock     window.Clock
	locks     *MarketLocks
	finalizer *Finalizer
	observers *Observers
	reviewers map[string]struct{}
	timeout   time.Duration
	logger    *slog.Logger
}

// NewResolutionService creates a ResolutionService with all required
// dependencies.
func NewResolutionService(
	store domain.EventStore,
	catalog domain.MarketCatalog,
	ledger domain.Ledger,
	clock window.Clock,
	locks *MarketLocks,
	finalizer *Finalizer,
	observers *Observers,
	cfg ResolutionConfig,
	logger *slog.Logger,
) *ResolutionService {
	if clock == nil {
		clock = window.SystemClock{}
	}
	if locks == nil {
		locks = NewMarketLocks(nil, 0)
	}
	timeout := cfg.EscrowTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	var reviewers map[string]struct{}
	if len(cfg.Reviewers) > 0 {
		reviewers = make(map[string]struct{}, len(cfg.Reviewers))
		for _, r := range cfg.Reviewers {
			reviewers[strings.TrimSpace(r)] = struct{}{}
		}
	}
	return &ResolutionService{
		store:     store,
		catalog:   catalog,
		ledger:    ledger,
		clock:     clock,
		locks:     locks,
		finalizer: finalizer,
		observers: observers,
		reviewers: reviewers,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "resolution")),
	}
}

// SubmitProposal escrows the market bond and appends a pending proposal.
func (s *ResolutionService) SubmitProposal(ctx context.Context, req ProposalRequest) (string, error) {
	m, err := s.market(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, m.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	history, v, err := s.load(ctx, m.ID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	candidate := domain.ResolutionEvent{
		ID:             uuid.NewString(),
		MarketID:       m.ID,
		Kind:           domain.KindProposal,
		ProposedResult: req.Side,
		Status:         domain.StatusPending,
		Evidence: domain.Evidence{
			Description:  req.Description,
			EvidenceURL1: req.URL1,
			EvidenceURL2: req.URL2,
		},
		ProposerID: req.ProposerID,
		BondAmount: m.BondAmount,
		CreatedAt:  now,
	}
	if err := v.Validate(m, candidate, now); err != nil {
		return "", fmt.Errorf("service: submit proposal %s: %w", m.ID, err)
	}
	return s.commit(ctx, m, history, v, candidate, domain.TransitionProposalSubmitted)
}

// SubmitDispute escrows the market bond and appends a pending dispute
// asserting the side opposite to the standing outcome.
func (s *ResolutionService) SubmitDispute(ctx context.Context, req DisputeRequest) (string, error) {
	m, err := s.market(ctx, req.MarketID)
	if err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, m.ID)
	if err != nil {
		return "", err
	}
	defer unlock()

	history, v, err := s.load(ctx, m.ID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()

	if err := v.CheckNotFinal(m, domain.KindDispute, now); err != nil {
		return "", fmt.Errorf("service: submit dispute %s: %w", m.ID, err)
	}
	_, opposite, err := v.DisputeTarget(m, now)
	if err != nil {
		return "", fmt.Errorf("service: submit dispute %s: %w", m.ID, err)
	}

	candidate := domain.ResolutionEvent{
		ID:             uuid.NewString(),
		MarketID:       m.ID,
		Kind:           domain.KindDispute,
		ProposedResult: opposite,
		Status:         domain.StatusPending,
		Evidence: domain.Evidence{
			Description:  req.Description,
			EvidenceURL1: req.URL1,
			EvidenceURL2: req.URL2,
		},
		ProposerID:   req.DisputerID,
		BondAmount:   m.BondAmount,
		DisputeRound: v.DisputeCount + 1,
		CreatedAt:    now,
	}
	if err := v.Validate(m, candidate, now); err != nil {
		return "", fmt.Errorf("service: submit dispute %s: %w", m.ID, err)
	}
	return s.commit(ctx, m, history, v, candidate, domain.TransitionDisputeSubmitted)
}

// commit escrows then appends. The lock is held by the caller.
func (s *ResolutionService) commit(
	ctx context.Context,
	m domain.Market,
	history []domain.ResolutionEvent,
	v rules.View,
	ev domain.ResolutionEvent,
	tt domain.TransitionType,
) (string, error) {
	ectx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.ledger.Escrow(ectx, ev.ProposerID, ev.BondAmount, m.ID, ev.ID)
	cancel()
	if err != nil {
		s.logger.WarnContext(ctx, "escrow failed",
			slog.String("market_id", m.ID),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("service: escrow %s: %w: %w", ev.ID, domain.ErrEscrowFailed, err)
	}

	ev.SequenceIndex = v.NextSequence()
	id, err := s.store.Append(ctx, ev)
	if err != nil {
		s.voidEscrow(ctx, ev)
		if errors.Is(err, domain.ErrConcurrentModification) {
			return "", err
		}
		return "", fmt.Errorf("service: append %s: %w", m.ID, err)
	}
	ev.ID = id

	s.logger.InfoContext(ctx, "event submitted",
		slog.String("market_id", m.ID),
		slog.String("event_id", id),
		slog.String("kind", string(ev.Kind)),
		slog.String("result", ev.ProposedResult),
		slog.Int64("sequence", ev.SequenceIndex),
	)

	st, err := rules.Project(m, append(history, ev), ev.CreatedAt)
	if err != nil {
		s.logger.ErrorContext(ctx, "project after append failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		return id, nil
	}
	s.observers.Notify(ctx, domain.Transition{Type: tt, MarketID: m.ID, EventID: id, State: st, At: ev.CreatedAt})
	return id, nil
}

func (s *ResolutionService) voidEscrow(ctx context.Context, ev domain.ResolutionEvent) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.ledger.Release(rctx, ev.ID, domain.BondVoid); err != nil {
		s.logger.ErrorContext(ctx, "void escrow failed",
			slog.String("market_id", ev.MarketID),
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Review records a reviewer's decision on a pending event and returns the
// resulting market state.
func (s *ResolutionService) Review(ctx context.Context, eventID string, decision domain.Decision, reviewerID string) (domain.MarketState, error) {
	status, ok := decision.Status()
	if !ok {
		return domain.MarketState{}, fmt.Errorf("%w: unknown decision %q", domain.ErrValidation, decision)
	}
	if strings.TrimSpace(reviewerID) == "" {
		return domain.MarketState{}, fmt.Errorf("%w: reviewer id is required", domain.ErrValidation)
	}
	if s.reviewers != nil {
		if _, ok := s.reviewers[reviewerID]; !ok {
			return domain.MarketState{}, fmt.Errorf("service: review %s: reviewer %s: %w", eventID, reviewerID, domain.ErrUnauthorized)
		}
	}

	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("service: review %s: %w", eventID, err)
	}
	m, err := s.market(ctx, ev.MarketID)
	if err != nil {
		return domain.MarketState{}, err
	}
	unlock, err := s.locks.Lock(ctx, m.ID)
	if err != nil {
		return domain.MarketState{}, err
	}
	defer unlock()

	history, v, err := s.load(ctx, m.ID)
	if err != nil {
		return domain.MarketState{}, err
	}
	entry, ok := v.Find(eventID)
	if !ok {
		return domain.MarketState{}, fmt.Errorf("service: review %s: %w", eventID, domain.ErrNotFound)
	}
	if entry.Event.Status != domain.StatusPending {
		return domain.MarketState{}, fmt.Errorf("service: review %s: %w", eventID, domain.ErrEventAlreadyReviewed)
	}

	now := s.clock.Now()
	review := domain.Review{
		EventID:    eventID,
		MarketID:   m.ID,
		Status:     status,
		ReviewerID: reviewerID,
		ReviewedAt: now,
	}
	if err := s.store.RecordReview(ctx, review); err != nil {
		return domain.MarketState{}, fmt.Errorf("service: review %s: %w", eventID, err)
	}
	history[entry.Position-1] = review.Apply(entry.Event)

	st, err := rules.Project(m, history, now)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("service: review %s: %w", eventID, err)
	}

	s.logger.InfoContext(ctx, "event reviewed",
		slog.String("market_id", m.ID),
		slog.String("event_id", eventID),
		slog.String("decision", string(decision)),
		slog.String("reviewer", reviewerID),
		slog.String("state", string(st.State)),
	)

	if status == domain.StatusRejected {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		if err := s.ledger.Release(rctx, eventID, domain.BondRejected); err != nil {
			s.logger.ErrorContext(ctx, "release rejected bond failed",
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
		s.observers.Notify(ctx, domain.Transition{Type: domain.TransitionEventRejected, MarketID: m.ID, EventID: eventID, State: st, At: now})
	} else {
		s.observers.Notify(ctx, domain.Transition{Type: domain.TransitionEventApproved, MarketID: m.ID, EventID: eventID, State: st, At: now})
		if st.State == domain.StateApproved && st.DisputeWindowDeadline != nil {
			s.observers.Notify(ctx, domain.Transition{Type: domain.TransitionWindowOpened, MarketID: m.ID, EventID: eventID, State: st, At: now})
		}
	}

	if st.IsFinal() && s.finalizer != nil {
		if _, err := s.finalizer.Finalize(ctx, m, history, st); err != nil {
			s.logger.ErrorContext(ctx, "finalize failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
		}
	}
	return st, nil
}

// GetHistory returns the market's ledger in sequence order.
func (s *ResolutionService) GetHistory(ctx context.Context, marketID string) ([]domain.ResolutionEvent, error) {
	if _, err := s.market(ctx, marketID); err != nil {
		return nil, err
	}
	history, err := domain.CollectHistory(s.store.ListByMarket(ctx, marketID))
	if err != nil {
		return nil, fmt.Errorf("service: history %s: %w", marketID, err)
	}
	return history, nil
}

// GetState projects the market's state at now. A zero now means the clock's
// current time.
func (s *ResolutionService) GetState(ctx context.Context, marketID string, now time.Time) (domain.MarketState, error) {
	m, err := s.market(ctx, marketID)
	if err != nil {
		return domain.MarketState{}, err
	}
	if now.IsZero() {
		now = s.clock.Now()
	}
	history, err := domain.CollectHistory(s.store.ListByMarket(ctx, m.ID))
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("service: state %s: %w", m.ID, err)
	}
	st, err := rules.Project(m, history, now)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("service: state %s: %w", m.ID, err)
	}
	return st, nil
}

func (s *ResolutionService) market(ctx context.Context, marketID string) (domain.Market, error) {
	if strings.TrimSpace(marketID) == "" {
		return domain.Market{}, fmt.Errorf("%w: market id is required", domain.ErrValidation)
	}
	m, err := s.catalog.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("service: market %s: %w", marketID, err)
	}
	return m, nil
}

func (s *ResolutionService) load(ctx context.Context, marketID string) ([]domain.ResolutionEvent, rules.View, error) {
	history, err := domain.CollectHistory(s.store.ListByMarket(ctx, marketID))
	if err != nil {
		return nil, rules.View{}, fmt.Errorf("service: load %s: %w", marketID, err)
	}
	v, err := rules.Analyze(history)
	if err != nil {
		return nil, rules.View{}, err
	}
	return history, v, nil
}
