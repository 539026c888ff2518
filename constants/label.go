package constants

import "strings"

// SemanticLabel is the canonical role of a token on an invoice page.
type SemanticLabel string

const (
	LabelInvoiceNumber     SemanticLabel = "INVOICE_NUMBER"
	LabelDate              SemanticLabel = "DATE"
	LabelVendorName        SemanticLabel = "VENDOR_NAME"
	LabelVendorTaxID       SemanticLabel = "VENDOR_TAX_ID"
	LabelCustomerName      SemanticLabel = "CUSTOMER_NAME"
	LabelCustomerTaxID     SemanticLabel = "CUSTOMER_TAX_ID"
	LabelLineItemDesc      SemanticLabel = "LINE_ITEM_DESC"
	LabelLineItemQty       SemanticLabel = "LINE_ITEM_QTY"
	LabelLineItemUnitPrice SemanticLabel = "LINE_ITEM_UNIT_PRICE"
	LabelLineItemAmount    SemanticLabel = "LINE_ITEM_AMOUNT"
	LabelSubtotal          SemanticLabel = "SUBTOTAL"
	LabelTax               SemanticLabel = "TAX"
	LabelTotal             SemanticLabel = "TOTAL"
	LabelOther             SemanticLabel = "OTHER"
)

var allLabels = []SemanticLabel{
	LabelInvoiceNumber,
	LabelDate,
	LabelVendorName,
	LabelVendorTaxID,
	LabelCustomerName,
	LabelCustomerTaxID,
	LabelLineItemDesc,
	LabelLineItemQty,
	LabelLineItemUnitPrice,
	LabelLineItemAmount,
	LabelSubtotal,
	LabelTax,
	LabelTotal,
	LabelOther,
}

// AllLabels returns every label in declaration order.
func AllLabels() []SemanticLabel {
	out := make([]SemanticLabel, len(allLabels))
	copy(out, allLabels)
	return out
}

// LabelStrings is AllLabels as plain strings, e.g. for JSON schema enums.
func LabelStrings() []string {
	result := make([]string, len(allLabels))
	for i, l := range allLabels {
		result[i] = string(l)
	}
	return result
}

// ScalarLabels are the labels resolved to a single field value.
func ScalarLabels() []SemanticLabel {
	out := make([]SemanticLabel, 0, len(allLabels))
	for _, l := range allLabels {
		if l.IsLineItem() || l == LabelOther {
			continue
		}
		out = append(out, l)
	}
	return out
}

func (l SemanticLabel) IsLineItem() bool {
	switch l {
	case LabelLineItemDesc, LabelLineItemQty, LabelLineItemUnitPrice, LabelLineItemAmount:
		return true
	}
	return false
}

// IsMoney reports whether values under this label are currency amounts.
func (l SemanticLabel) IsMoney() bool {
	switch l {
	case LabelSubtotal, LabelTax, LabelTotal, LabelLineItemUnitPrice, LabelLineItemAmount:
		return true
	}
	return false
}

// IsTotals reports labels that conventionally sit in the bottom-right summary block.
func (l SemanticLabel) IsTotals() bool {
	return l == LabelSubtotal || l == LabelTax || l == LabelTotal
}

// IsMandatory reports fields whose absence downgrades a record to PARTIAL.
func (l SemanticLabel) IsMandatory() bool {
	return l == LabelInvoiceNumber || l == LabelTotal
}

func (l SemanticLabel) Valid() bool {
	for _, x := range allLabels {
		if x == l {
			return true
		}
	}
	return false
}

// ParseSemanticLabel accepts a canonical label name in any case.
func ParseSemanticLabel(s string) (SemanticLabel, bool) {
	l := SemanticLabel(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return LabelOther, false
	}
	return l, true
}
