package resolve

import (
	"math"
	"testing"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// tok builds a classified token on the given line with a 0.02-high box.
func tok(id, line int, text string, x0, x1, y float64, label constants.SemanticLabel, ocr, lab float64) entity.ClassifiedToken {
	return entity.ClassifiedToken{
		Token: entity.Token{
			ID:            id,
			Source:        id,
			Text:          text,
			BBox:          entity.BBox{X0: x0, Y0: y, X1: x1, Y1: y + 0.02},
			OCRConfidence: ocr,
			Line:          line,
		},
		Label:           label,
		LabelConfidence: lab,
	}
}

func TestResolve_JoinsAdjacentTokensIntoOneSpan(t *testing.T) {
	r := New(DefaultOptions())
	tokens := []entity.ClassifiedToken{
		tok(0, 0, "Acme", 0.10, 0.18, 0.05, constants.LabelVendorName, 0.9, 0.8),
		tok(1, 0, "Corp", 0.19, 0.25, 0.05, constants.LabelVendorName, 0.7, 0.6),
		tok(2, 0, "Ltd", 0.60, 0.65, 0.05, constants.LabelVendorName, 0.2, 0.2),
	}
	got, ok := r.Resolve(tokens, constants.LabelVendorName)
	if !ok {
		t.Fatal("expected a candidate")
	}
	if got.Value != "Acme Corp" {
		t.Errorf("Value = %q, want %q", got.Value, "Acme Corp")
	}
	want := 0.8 * 0.7
	if math.Abs(got.Confidence-want) > 1e-12 {
		t.Errorf("Confidence = %v, want %v", got.Confidence, want)
	}
	if ids := got.TokenIDs(); len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("TokenIDs = %v, want [0 1]", ids)
	}
	if got.Normalized == nil || got.Normalized.Text != "Acme Corp" {
		t.Errorf("Normalized = %+v", got.Normalized)
	}
}

func TestResolve_DifferentLinesAreSeparateSpans(t *testing.T) {
	r := New(DefaultOptions())
	tokens := []entity.ClassifiedToken{
		tok(0, 0, "Acme", 0.10, 0.18, 0.05, constants.LabelVendorName, 0.5, 0.5),
		tok(1, 1, "Corp", 0.10, 0.18, 0.08, constants.LabelVendorName, 0.5, 0.5),
	}
	got := r.Candidates(tokens, constants.LabelVendorName)
	if len(got) != 2 {
		t.Fatalf("got %d candidates, want 2", len(got))
	}
}

func TestResolve_NoTokens(t *testing.T) {
	r := New(DefaultOptions())
	tokens := []entity.ClassifiedToken{tok(0, 0, "x", 0.1, 0.2, 0.1, constants.LabelOther, 1, 1)}
	if c, ok := r.Resolve(tokens, constants.LabelTotal); ok || c != nil {
		t.Errorf("Resolve() = %+v, %v; want nil, false", c, ok)
	}
}

func TestResolve_TieBreaks(t *testing.T) {
	r := New(DefaultOptions())

	t.Run("more tokens wins", func(t *testing.T) {
		tokens := []entity.ClassifiedToken{
			tok(0, 0, "Acme", 0.10, 0.15, 0.10, constants.LabelVendorName, 0.8, 0.5),
			tok(1, 1, "Acme", 0.10, 0.15, 0.20, constants.LabelVendorName, 0.8, 0.5),
			tok(2, 1, "Corp", 0.16, 0.20, 0.20, constants.LabelVendorName, 0.8, 0.5),
		}
		got, _ := r.Resolve(tokens, constants.LabelVendorName)
		if got.Value != "Acme Corp" {
			t.Errorf("Value = %q, want the two-token span", got.Value)
		}
	})

	t.Run("totals prefer bottom right", func(t *testing.T) {
		tokens := []entity.ClassifiedToken{
			tok(0, 0, "10.00", 0.80, 0.90, 0.10, constants.LabelTotal, 0.9, 0.9),
			tok(1, 1, "27.50", 0.80, 0.90, 0.90, constants.LabelTotal, 0.9, 0.9),
		}
		got, _ := r.Resolve(tokens, constants.LabelTotal)
		if got.Value != "27.50" {
			t.Errorf("Value = %q, want 27.50", got.Value)
		}
	})

	t.Run("metadata prefers top right", func(t *testing.T) {
		tokens := []entity.ClassifiedToken{
			tok(0, 0, "A-1", 0.80, 0.90, 0.05, constants.LabelInvoiceNumber, 0.9, 0.9),
			tok(1, 1, "B-2", 0.80, 0.90, 0.90, constants.LabelInvoiceNumber, 0.9, 0.9),
		}
		got, _ := r.Resolve(tokens, constants.LabelInvoiceNumber)
		if got.Value != "A-1" {
			t.Errorf("Value = %q, want A-1", got.Value)
		}
	})

	t.Run("lowest id when everything else ties", func(t *testing.T) {
		tokens := []entity.ClassifiedToken{
			tok(0, 0, "X", 0.40, 0.45, 0.50, constants.LabelCustomerName, 0.9, 0.9),
			tok(1, 1, "Y", 0.40, 0.45, 0.50, constants.LabelCustomerName, 0.9, 0.9),
		}
		got, _ := r.Resolve(tokens, constants.LabelCustomerName)
		if got.Value != "X" {
			t.Errorf("Value = %q, want X", got.Value)
		}
	})

	t.Run("higher confidence beats position", func(t *testing.T) {
		tokens := []entity.ClassifiedToken{
			tok(0, 0, "10.00", 0.80, 0.90, 0.10, constants.LabelTotal, 0.95, 0.95),
			tok(1, 1, "27.50", 0.80, 0.90, 0.90, constants.LabelTotal, 0.90, 0.90),
		}
		got, _ := r.Resolve(tokens, constants.LabelTotal)
		if got.Value != "10.00" {
			t.Errorf("Value = %q, want 10.00", got.Value)
		}
	})
}

func TestResolveAll(t *testing.T) {
	r := New(DefaultOptions())
	tokens := []entity.ClassifiedToken{
		tok(0, 0, "15/03/2024", 0.70, 0.85, 0.05, constants.LabelDate, 0.9, 0.9),
		tok(1, 1, "1.234,56", 0.80, 0.90, 0.85, constants.LabelTotal, 0.9, 0.9),
		tok(2, 2, "27,00", 0.80, 0.90, 0.90, constants.LabelTotal, 0.5, 0.5),
		tok(3, 3, "B-1234 5678", 0.10, 0.30, 0.10, constants.LabelVendorTaxID, 0.9, 0.9),
	}
	res := r.ResolveAll(tokens)

	if len(res.Warnings) != 1 || res.Warnings[0] != "missing mandatory field INVOICE_NUMBER" {
		t.Errorf("Warnings = %v", res.Warnings)
	}
	total, ok := res.Fields[constants.LabelTotal]
	if !ok {
		t.Fatal("TOTAL not resolved")
	}
	amt, cur, ok := total.Money()
	if !ok || amt.StringFixed(2) != "1234.56" || cur != "EUR" {
		t.Errorf("TOTAL money = %s %s %v", amt, cur, ok)
	}
	if alts := res.Alternatives[constants.LabelTotal]; len(alts) != 1 || alts[0].Value != "27,00" {
		t.Errorf("Alternatives[TOTAL] = %+v", alts)
	}
	date := res.Fields[constants.LabelDate]
	if date.Normalized == nil || date.Normalized.Text != "2024-03-15" {
		t.Errorf("DATE normalized = %+v", date.Normalized)
	}
	tax := res.Fields[constants.LabelVendorTaxID]
	if tax.Normalized == nil || tax.Normalized.Text != "B12345678" || tax.Normalized.Kind != entity.KindIdentifier {
		t.Errorf("VENDOR_TAX_ID normalized = %+v", tax.Normalized)
	}
	for label, c := range res.Fields {
		if c.Field != label {
			t.Errorf("Fields[%s].Field = %s", label, c.Field)
		}
		if c.Confidence < 0 || c.Confidence > 1 {
			t.Errorf("Fields[%s].Confidence = %v out of range", label, c.Confidence)
		}
	}
}

func TestResolve_NormalizationFailureKeepsCandidate(t *testing.T) {
	r := New(DefaultOptions())
	tokens := []entity.ClassifiedToken{tok(0, 0, "TOTAL", 0.8, 0.9, 0.9, constants.LabelTotal, 0.9, 0.9)}
	got, ok := r.Resolve(tokens, constants.LabelTotal)
	if !ok {
		t.Fatal("expected candidate")
	}
	if got.Normalized != nil {
		t.Errorf("Normalized = %+v, want nil", got.Normalized)
	}
	if got.Value != "TOTAL" {
		t.Errorf("Value = %q", got.Value)
	}
}
