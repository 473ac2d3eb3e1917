package domain

import (
	"context"
	"time"
)

// TransitionType names a resolution state change pushed to observers.
type TransitionType string

const (
	TransitionProposalSubmitted TransitionType = "proposal_submitted"
	TransitionDisputeSubmitted  TransitionType = "dispute_submitted"
	TransitionEventApproved     TransitionType = "event_approved"
	TransitionEventRejected     TransitionType = "event_rejected"
	TransitionWindowOpened      TransitionType = "window_opened"
	TransitionWindowExpiring    TransitionType = "window_expiring"
	TransitionMarketFinal       TransitionType = "market_final"
)

// Attestation is an operator signature over a market's final result.
type Attestation struct {
	Signer    string `json:"signer"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Transition is the payload delivered to observers.
type Transition struct {
	Type        TransitionType `json:"type"`
	MarketID    string         `json:"market_id"`
	EventID     string         `json:"event_id,omitempty"`
	State       MarketState    `json:"state"`
	At          time.Time      `json:"at"`
	Attestation *Attestation   `json:"attestation,omitempty"`
	ArchivePath string         `json:"archive_path,omitempty"`
}

// Observer receives resolution transitions. Implementations must not block
// for long; errors are logged by the caller and never fail the operation.
type Observer interface {
	OnTransition(ctx context.Context, t Transition) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition) error

// OnTransition calls f.
func (f ObserverFunc) OnTransition(ctx context.Context, t Transition) error { return f(ctx, t) }
