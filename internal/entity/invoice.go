package entity

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
)

// LineItem is one reconstructed row of the billed-concepts table.
type LineItem struct {
	Row            int                 `json:"row"`
	Description    string              `json:"description"`
	Quantity       decimal.NullDecimal `json:"quantity"`
	UnitPrice      decimal.NullDecimal `json:"unit_price"`
	Amount         decimal.NullDecimal `json:"amount"`
	AmountComputed bool                `json:"amount_computed,omitempty"` // amount = quantity * unit_price
	TokenIDs       []int               `json:"token_ids"`
}

// InvoiceRecord is the final per-document result. Treat it as read-only once returned.
type InvoiceRecord struct {
	InvoiceNumber *string    `json:"invoice_number"`
	Date          *time.Time `json:"date"`
	VendorName    *string    `json:"vendor_name"`
	VendorTaxID   *string    `json:"vendor_tax_id"`
	CustomerName  *string    `json:"customer_name"`
	CustomerTaxID *string    `json:"customer_tax_id"`

	Subtotal decimal.NullDecimal `json:"subtotal"`
	Tax      decimal.NullDecimal `json:"tax"`
	Total    decimal.NullDecimal `json:"total"`
	Currency string              `json:"currency,omitempty"`

	LineItems        []LineItem      `json:"line_items"`
	ComputedSubtotal decimal.Decimal `json:"computed_subtotal"`

	Status   constants.ValidationStatus `json:"status"`
	Warnings []string                   `json:"warnings,omitempty"`

	Fields map[constants.SemanticLabel]FieldCandidate `json:"fields,omitempty"`
}

// TaxRate returns tax / subtotal as a percentage rounded to two places.
func (r InvoiceRecord) TaxRate() (decimal.Decimal, bool) {
	if !r.Subtotal.Valid || !r.Tax.Valid || r.Subtotal.Decimal.IsZero() {
		return decimal.Decimal{}, false
	}
	return r.Tax.Decimal.Div(r.Subtotal.Decimal).Mul(decimal.NewFromInt(100)).Round(2), true
}
