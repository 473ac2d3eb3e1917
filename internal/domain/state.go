package domain

import "time"

// ResolutionState is the externally observed state of a market's resolution.
type ResolutionState string

const (
	StateOpen        ResolutionState = "open"
	StateUnderReview ResolutionState = "under_review"
	StateApproved    ResolutionState = "approved"
	StateDisputed    ResolutionState = "disputed"
	StateRejected    ResolutionState = "rejected"
	StateFinal       ResolutionState = "final"
)

// WindowRemaining is the display form of the time left in a dispute window.
// Authoritative checks compare instants; this value is never used for them.
type WindowRemaining struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
}

// MarketState is the projection of a market's ledger at an instant.
type MarketState struct {
	MarketID              string           `json:"market_id"`
	State                 ResolutionState  `json:"state"`
	CurrentProposal       *ResolutionEvent `json:"current_proposal,omitempty"`
	DisputeWindowDeadline *time.Time       `json:"dispute_window_deadline,omitempty"`
	Remaining             *WindowRemaining `json:"remaining,omitempty"`
	OutcomePosition       int              `json:"outcome_position"`
	DisputeCount          int              `json:"dispute_count"`
	FinalResult           string           `json:"final_result,omitempty"`
	CanPropose            bool             `json:"can_propose"`
	CanDispute            bool             `json:"can_dispute"`
	AsOf                  time.Time        `json:"as_of"`
}

// IsFinal reports whether the market reached its terminal state.
func (s MarketState) IsFinal() bool { return s.State == StateFinal }
