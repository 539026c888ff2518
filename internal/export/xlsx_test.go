package export

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

func dec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func str(s string) *string { return &s }

func testWriter() *Writer {
	fixed := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	return NewWriter(slog.New(slog.NewTextHandler(io.Discard, nil))).WithClock(func() time.Time { return fixed })
}

func sampleDocs() []Document {
	d := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	rec := &entity.InvoiceRecord{
		InvoiceNumber: str("F-2024/017"),
		Date:          &d,
		VendorName:    str("Talleres García S.L."),
		Subtotal:      dec("135.50"),
		Tax:           dec("28.455"),
		Total:         dec("163.96"),
		Currency:      "EUR",
		LineItems: []entity.LineItem{
			{Row: 0, Description: "Revisión general", Quantity: dec("2"), UnitPrice: dec("50"), Amount: dec("100")},
			{Row: 1, Description: "Cambio aceite", Quantity: dec("1"), UnitPrice: dec("35.5"), Amount: dec("35.5")},
			{Row: 2, Description: "Filtro", Amount: dec("0")},
		},
		Status:   constants.StatusOK,
		Warnings: []string{"a", "b"},
	}
	return []Document{
		{SourcePath: "/in/a.pdf", Record: rec},
		{SourcePath: "/in/b.png", ErrorKind: "EMPTY_DOCUMENT", Error: "empty document"},
	}
}

func openWorkbook(t *testing.T, b []byte) *excelize.File {
	t.Helper()
	f, err := excelize.OpenReader(bytes.NewReader(b))
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func cell(t *testing.T, f *excelize.File, sheet, ref string) string {
	t.Helper()
	v, err := f.GetCellValue(sheet, ref)
	if err != nil {
		t.Fatalf("GetCellValue(%s!%s): %v", sheet, ref, err)
	}
	return v
}

func TestWriteXLSX(t *testing.T) {
	b, err := testWriter().WriteXLSX(sampleDocs())
	if err != nil {
		t.Fatalf("WriteXLSX: %v", err)
	}
	f := openWorkbook(t, b)

	if got := f.GetSheetList(); !slices.Equal(got, []string{SheetInvoices, SheetLineItems, SheetFailures}) {
		t.Fatalf("sheets = %v", got)
	}

	checks := []struct {
		sheet, ref, want string
	}{
		{SheetInvoices, "A1", "Invoice No."},
		{SheetInvoices, "O1", "Source File"},
		{SheetInvoices, "A2", "F-2024/017"},
		{SheetInvoices, "B2", "2024-03-15"},
		{SheetInvoices, "C2", "Talleres García S.L."},
		{SheetInvoices, "G2", "Revisión general and 2 more items"},
		{SheetInvoices, "H2", "135.50"},
		{SheetInvoices, "I2", "21.00"},
		{SheetInvoices, "J2", "28.46"},
		{SheetInvoices, "K2", "163.96"},
		{SheetInvoices, "M2", "OK"},
		{SheetInvoices, "N2", "a; b"},
		{SheetInvoices, "A4", "Processed: 2024-04-01 09:30:00 | Invoices: 1"},
		{SheetLineItems, "D2", "Revisión general"},
		{SheetLineItems, "C4", "3"},
		{SheetLineItems, "F4", ""},
		{SheetFailures, "A2", "/in/b.png"},
		{SheetFailures, "B2", "EMPTY_DOCUMENT"},
	}
	for _, c := range checks {
		if got := cell(t, f, c.sheet, c.ref); got != c.want {
			t.Errorf("%s!%s = %q, want %q", c.sheet, c.ref, got, c.want)
		}
	}

	rows, err := f.GetRows(SheetLineItems)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("line item rows = %d, want header + 3", len(rows))
	}
}

func TestWriteXLSX_Empty(t *testing.T) {
	b, err := testWriter().WriteXLSX(nil)
	if err != nil {
		t.Fatal(err)
	}
	f := openWorkbook(t, b)
	if got := cell(t, f, SheetInvoices, "A3"); got != "Processed: 2024-04-01 09:30:00 | Invoices: 0" {
		t.Errorf("footer = %q", got)
	}
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	if err := testWriter().WriteFile(path, sampleDocs()); err != nil {
		t.Fatal(err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got, _ := f.GetCellValue(SheetFailures, "C2"); got != "empty document" {
		t.Errorf("C2 = %q", got)
	}
}

func TestConceptSummary(t *testing.T) {
	tests := []struct {
		items []entity.LineItem
		want  string
	}{
		{nil, ""},
		{[]entity.LineItem{{Description: "Solo"}}, "Solo"},
		{[]entity.LineItem{{Description: "A"}, {Description: "B"}}, "A and 1 more items"},
	}
	for _, tt := range tests {
		if got := ConceptSummary(tt.items); got != tt.want {
			t.Errorf("ConceptSummary = %q, want %q", got, tt.want)
		}
	}
}

func TestFromStored(t *testing.T) {
	invs := []entity.StoredInvoice{{SourcePath: "x.pdf", Record: entity.InvoiceRecord{Currency: "EUR"}}}
	docs := FromStored(invs)
	if len(docs) != 1 || docs[0].SourcePath != "x.pdf" || docs[0].Record.Currency != "EUR" {
		t.Errorf("docs = %+v", docs)
	}
}
