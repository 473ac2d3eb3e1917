package polymarket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyresolve/internal/domain"
)

// flexBool unmarshals from a JSON bool or a "true"/"false" string; Gamma
// sends both.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// APIMarket is the subset of a Gamma market the catalog reads.
type APIMarket struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Slug     string   `json:"slug"`
	Active   flexBool `json:"active"`
	Closed   bool     `json:"closed"`
	// Outcomes is JSON encoded, e.g. "[\"Yes\",\"No\"]".
	Outcomes string  `json:"outcomes"`
	Tokens   []Token `json:"tokens"`
}

// Token is a token entry inside a Gamma market.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// outcomeLabels returns the market's outcome labels, preferring the encoded
// outcomes list over the token entries.
func (m *APIMarket) outcomeLabels() []string {
	var labels []string
	if m.Outcomes != "" && json.Unmarshal([]byte(m.Outcomes), &labels) == nil && len(labels) > 0 {
		return labels
	}
	labels = labels[:0]
	for _, tok := range m.Tokens {
		if tok.Outcome != "" {
			labels = append(labels, tok.Outcome)
		}
	}
	return labels
}

// ToDomainMarket converts m into a catalog market. Gamma carries no bond or
// window, so windowHours and bond fill them. Markets that are not binary
// fail with domain.ErrValidation.
func (m *APIMarket) ToDomainMarket(windowHours int, bond decimal.Decimal) (domain.Market, error) {
	labels := m.outcomeLabels()
	if len(labels) != 2 {
		return domain.Market{}, fmt.Errorf("%w: market %s has %d outcomes, want 2", domain.ErrValidation, m.ID, len(labels))
	}
	dm := domain.Market{
		ID:                    m.ID,
		Question:              m.Question,
		Side1Label:            labels[0],
		Side2Label:            labels[1],
		ResolutionWindowHours: windowHours,
		BondAmount:            bond,
	}
	if err := dm.Validate(); err != nil {
		return domain.Market{}, err
	}
	return dm, nil
}
