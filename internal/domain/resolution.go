package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind distinguishes outcome proposals from disputes.
type EventKind string

const (
	KindProposal EventKind = "proposal"
	KindDispute  EventKind = "dispute"
)

// EventStatus is the review state of a resolution event.
type EventStatus string

const (
	StatusPending  EventStatus = "pending"
	StatusApproved EventStatus = "approved"
	StatusRejected EventStatus = "rejected"
)

// Decision is a reviewer's verdict on a pending event.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status returns the event status a decision produces.
func (d Decision) Status() (EventStatus, bool) {
	switch d {
	case DecisionApprove:
		return StatusApproved, true
	case DecisionReject:
		return StatusRejected, true
	default:
		return "", false
	}
}

// MaxDisputes is the number of disputes a market admits over its lifetime.
const MaxDisputes = 2

// FinalPosition is the outcome position at which an approval is final
// without a dispute window.
const FinalPosition = 3

// Evidence backs a proposal or dispute. URLs are opaque references into the
// external evidence store.
type Evidence struct {
	Description  string `json:"description"`
	EvidenceURL1 string `json:"evidence_url_1,omitempty"`
	EvidenceURL2 string `json:"evidence_url_2,omitempty"`
}

// ResolutionEvent is one entry of a market's resolution ledger.
type ResolutionEvent struct {
	ID             string          `json:"event_id"`
	MarketID       string          `json:"market_id"`
	SequenceIndex  int64           `json:"sequence_index"`
	Kind           EventKind       `json:"kind"`
	ProposedResult string          `json:"proposed_result"`
	Status         EventStatus     `json:"status"`
	Evidence       Evidence        `json:"evidence"`
	ProposerID     string          `json:"proposer_id"`
	BondAmount     decimal.Decimal `json:"bond_amount"`
	DisputeRound   int             `json:"dispute_round,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ReviewedAt     *time.Time      `json:"reviewed_at,omitempty"`
	ReviewerID     string          `json:"reviewer_id,omitempty"`
}

// IsDispute reports whether the event is a dispute.
func (e ResolutionEvent) IsDispute() bool { return e.Kind == KindDispute }

// Review is the insert-once record that moves a pending event to approved or
// rejected. Ledgers store reviews next to submissions instead of mutating
// them.
type Review struct {
	EventID    string      `json:"event_id"`
	MarketID   string      `json:"market_id"`
	Status     EventStatus `json:"status"`
	ReviewerID string      `json:"reviewer_id"`
	ReviewedAt time.Time   `json:"reviewed_at"`
}

// Apply folds the review into ev.
func (r Review) Apply(ev ResolutionEvent) ResolutionEvent {
	at := r.ReviewedAt
	ev.Status = r.Status
	ev.ReviewedAt = &at
	ev.ReviewerID = r.ReviewerID
	return ev
}
