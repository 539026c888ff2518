package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
)

// ValueKind tells which member of NormalizedValue is meaningful.
type ValueKind string

const (
	KindText       ValueKind = "text"
	KindDate       ValueKind = "date"
	KindMoney      ValueKind = "money"
	KindIdentifier ValueKind = "identifier"
)

// NormalizedValue is the typed form of a field value.
type NormalizedValue struct {
	Kind     ValueKind       `json:"kind"`
	Text     string          `json:"text,omitempty"`
	Date     time.Time       `json:"date,omitempty"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Currency string          `json:"currency,omitempty"`
}

// FieldCandidate is a scored guess at one scalar field.
type FieldCandidate struct {
	Field        constants.SemanticLabel `json:"field"`
	Value        string                  `json:"value"`
	Normalized   *NormalizedValue        `json:"normalized,omitempty"` // nil when normalization failed
	Confidence   float64                 `json:"confidence"`
	SourceTokens []Token                 `json:"source_tokens"`
}

// Money returns the normalized amount when the candidate holds a parsed currency value.
func (c FieldCandidate) Money() (decimal.Decimal, string, bool) {
	if c.Normalized == nil || c.Normalized.Kind != KindMoney {
		return decimal.Decimal{}, "", false
	}
	return c.Normalized.Amount, c.Normalized.Currency, true
}

// TokenIDs lists the IDs of the candidate's source tokens.
func (c FieldCandidate) TokenIDs() []int {
	ids := make([]int, len(c.SourceTokens))
	for i, t := range c.SourceTokens {
		ids[i] = t.ID
	}
	return ids
}
