package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Market is the catalog view of a binary prediction market. It is owned by the
// external catalog and is immutable for the lifetime of a resolution cycle.
type Market struct {
	ID                    string          `json:"market_id"`
	Question              string          `json:"question,omitempty"`
	Side1Label            string          `json:"side1_label"`
	Side2Label            string          `json:"side2_label"`
	ResolutionWindowHours int             `json:"resolution_window_hours"`
	BondAmount            decimal.Decimal `json:"bond_amount"`
}

// ResolutionWindow returns the dispute window length.
func (m Market) ResolutionWindow() time.Duration {
	return time.Duration(m.ResolutionWindowHours) * time.Hour
}

// HasSide reports whether label is one of the market's two side labels.
func (m Market) HasSide(label string) bool {
	return label != "" && (label == m.Side1Label || label == m.Side2Label)
}

// Opposite returns the other side label. ok is false when side is not a side
// of this market.
func (m Market) Opposite(side string) (label string, ok bool) {
	switch side {
	case m.Side1Label:
		return m.Side2Label, true
	case m.Side2Label:
		return m.Side1Label, true
	default:
		return "", false
	}
}

// Validate checks the catalog invariants the resolution engine relies on.
func (m Market) Validate() error {
	var errs []string
	if strings.TrimSpace(m.ID) == "" {
		errs = append(errs, "market id is empty")
	}
	if strings.TrimSpace(m.Side1Label) == "" || strings.TrimSpace(m.Side2Label) == "" {
		errs = append(errs, "side labels must be set")
	} else if m.Side1Label == m.Side2Label {
		errs = append(errs, "side labels must differ")
	}
	if m.ResolutionWindowHours <= 0 {
		errs = append(errs, "resolution_window_hours must be > 0")
	}
	if !m.BondAmount.IsPositive() {
		errs = append(errs, "bond_amount must be > 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: market %q: %s", ErrValidation, m.ID, strings.Join(errs, "; "))
	}
	return nil
}
