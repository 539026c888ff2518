// Package validate cross-checks declared totals against the line items and assembles
// the final InvoiceRecord.
package validate

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/tokenindex"
)

// Tolerance is max(Rel*|declared|, Abs).
type Tolerance struct {
	Rel float64
	Abs float64
}

func DefaultTolerance() Tolerance { return Tolerance{Rel: 0.01, Abs: 0.01} }

// Validator is stateless and safe for concurrent use.
type Validator struct {
	rel decimal.Decimal
	abs decimal.Decimal
}

func New(tol Tolerance) *Validator {
	return &Validator{rel: decimal.NewFromFloat(tol.Rel), abs: decimal.NewFromFloat(tol.Abs)}
}

// Validate checks structural invariants, then compares the money fields. Disagreements
// become INCONSISTENT with a warning; only broken invariants return an error.
func (v *Validator) Validate(
	idx *tokenindex.Index,
	fields map[constants.SemanticLabel]entity.FieldCandidate,
	items []entity.LineItem,
) (entity.InvoiceRecord, error) {
	if err := checkInvariants(idx, fields, items); err != nil {
		return entity.InvoiceRecord{}, err
	}

	rec := entity.InvoiceRecord{
		LineItems: items,
		Fields:    make(map[constants.SemanticLabel]entity.FieldCandidate, len(fields)),
	}
	for k, c := range fields {
		rec.Fields[k] = c
	}
	var warnings []string

	rec.InvoiceNumber = textField(fields, constants.LabelInvoiceNumber)
	rec.VendorName = textField(fields, constants.LabelVendorName)
	rec.VendorTaxID = textField(fields, constants.LabelVendorTaxID)
	rec.CustomerName = textField(fields, constants.LabelCustomerName)
	rec.CustomerTaxID = textField(fields, constants.LabelCustomerTaxID)
	if c, ok := fields[constants.LabelDate]; ok {
		if c.Normalized != nil && c.Normalized.Kind == entity.KindDate {
			d := c.Normalized.Date
			rec.Date = &d
		} else {
			warnings = append(warnings, fmt.Sprintf("DATE %q could not be parsed", c.Value))
		}
	}

	currencies := map[string]bool{}
	money := func(label constants.SemanticLabel) decimal.NullDecimal {
		c, ok := fields[label]
		if !ok {
			return decimal.NullDecimal{}
		}
		amt, cur, ok := c.Money()
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s %q could not be parsed as an amount", label, c.Value))
			return decimal.NullDecimal{}
		}
		currencies[cur] = true
		if rec.Currency == "" {
			rec.Currency = cur
		}
		return decimal.NewNullDecimal(amt)
	}
	rec.Total = money(constants.LabelTotal)
	rec.Subtotal = money(constants.LabelSubtotal)
	rec.Tax = money(constants.LabelTax)
	if len(currencies) > 1 {
		codes := make([]string, 0, len(currencies))
		for c := range currencies {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		warnings = append(warnings, fmt.Sprintf("mixed currencies %v", codes))
	}

	computed := decimal.Zero
	amounts := 0
	for _, it := range items {
		if !it.Amount.Valid {
			continue
		}
		computed = computed.Add(it.Amount.Decimal)
		amounts++
		if it.AmountComputed {
			warnings = append(warnings, fmt.Sprintf("line item %d amount computed as quantity x unit price", it.Row))
		}
	}
	rec.ComputedSubtotal = computed

	inconsistent := false
	compare := func(what string, got, declared decimal.Decimal) {
		tol := decimal.Max(v.rel.Mul(declared.Abs()), v.abs)
		if got.Sub(declared).Abs().GreaterThan(tol) {
			inconsistent = true
			warnings = append(warnings, fmt.Sprintf("%s: %s vs %s exceeds tolerance %s",
				what, got.StringFixed(2), declared.StringFixed(2), tol.String()))
		}
	}
	if amounts > 0 && rec.Subtotal.Valid {
		compare("line items vs SUBTOTAL", computed, rec.Subtotal.Decimal)
	}
	if amounts > 0 && rec.Total.Valid && rec.Tax.Valid {
		compare("line items vs TOTAL-TAX", computed, rec.Total.Decimal.Sub(rec.Tax.Decimal))
	}
	if rec.Subtotal.Valid && rec.Tax.Valid && rec.Total.Valid {
		compare("SUBTOTAL vs TOTAL-TAX", rec.Subtotal.Decimal, rec.Total.Decimal.Sub(rec.Tax.Decimal))
	}

	switch {
	case inconsistent:
		rec.Status = constants.StatusInconsistent
	case rec.InvoiceNumber == nil || !rec.Total.Valid:
		rec.Status = constants.StatusPartial
	default:
		rec.Status = constants.StatusOK
	}
	rec.Warnings = warnings
	return rec, nil
}

// textField prefers the normalized text and falls back to the raw span.
func textField(fields map[constants.SemanticLabel]entity.FieldCandidate, label constants.SemanticLabel) *string {
	c, ok := fields[label]
	if !ok {
		return nil
	}
	s := c.Value
	if c.Normalized != nil && c.Normalized.Text != "" {
		s = c.Normalized.Text
	}
	return &s
}

func checkInvariants(
	idx *tokenindex.Index,
	fields map[constants.SemanticLabel]entity.FieldCandidate,
	items []entity.LineItem,
) error {
	for label, c := range fields {
		if c.Field != label {
			return fmt.Errorf("%w: candidate for %s is keyed under %s", common.ErrMalformedInput, c.Field, label)
		}
		if len(c.SourceTokens) == 0 {
			return fmt.Errorf("%w: candidate for %s has no source tokens", common.ErrMalformedInput, label)
		}
		if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			return fmt.Errorf("%w: candidate for %s has confidence %v", common.ErrMalformedInput, label, c.Confidence)
		}
		for _, st := range c.SourceTokens {
			t, ok := idx.Token(st.ID)
			if !ok || t.Text != st.Text {
				return fmt.Errorf("%w: candidate for %s references unknown token %d %q",
					common.ErrMalformedInput, label, st.ID, st.Text)
			}
		}
	}
	owner := map[int]int{}
	for i, it := range items {
		for _, id := range it.TokenIDs {
			if _, ok := idx.Token(id); !ok {
				return fmt.Errorf("%w: line item %d references unknown token %d", common.ErrMalformedInput, i, id)
			}
			if prev, dup := owner[id]; dup {
				return fmt.Errorf("%w: token %d used by line items %d and %d", common.ErrMalformedInput, id, prev, i)
			}
			owner[id] = i
		}
	}
	return nil
}
