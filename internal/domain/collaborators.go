package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// BondOutcome is the signal passed to the ledger when a bond is released. The
// ledger alone decides how funds move for each outcome.
type BondOutcome string

const (
	// BondRejected marks the bond of an event rejected by review.
	BondRejected BondOutcome = "rejected"
	// BondUpheld marks an event whose result matches the final result.
	BondUpheld BondOutcome = "upheld"
	// BondOverturned marks an approved event whose result lost at finality.
	BondOverturned BondOutcome = "overturned"
	// BondVoid marks an escrow whose event was never appended.
	BondVoid BondOutcome = "void"
)

// Ledger holds and releases bonds.
type Ledger interface {
	Escrow(ctx context.Context, userID string, amount decimal.Decimal, marketID, eventID string) error
	Release(ctx context.Context, eventID string, outcome BondOutcome) error
}

// MarketCatalog is the read-only source of market metadata. Get returns
// ErrNotFound for unknown markets.
type MarketCatalog interface {
	Get(ctx context.Context, marketID string) (Market, error)
}

// Identity resolves an opaque credential to a user id. Unknown or invalid
// credentials yield ErrUnauthorized.
type Identity interface {
	Resolve(ctx context.Context, token string) (string, error)
}
