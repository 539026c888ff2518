// Package export renders extraction results as an XLSX workbook.
package export

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

const (
	SheetInvoices  = "Invoices"
	SheetLineItems = "Line Items"
	SheetFailures  = "Failures"
)

var invoiceHeaders = []string{
	"Invoice No.", "Date", "Vendor", "Vendor Tax ID", "Customer", "Customer Tax ID", "Concept",
	"Subtotal", "Tax Rate", "Tax", "Total", "Currency",
	"Status", "Warnings", "Source File",
}

var lineItemHeaders = []string{
	"Source File", "Invoice No.", "Row", "Description", "Quantity", "Unit Price", "Amount", "Computed",
}

var failureHeaders = []string{"Source File", "Error Kind", "Message"}

// Document is one processed file: a record, or the reason there is none.
type Document struct {
	SourcePath string
	Record     *entity.InvoiceRecord
	ErrorKind  string
	Error      string
}

// FromStored converts stored invoices into export documents.
func FromStored(invs []entity.StoredInvoice) []Document {
	out := make([]Document, len(invs))
	for i := range invs {
		out[i] = Document{SourcePath: invs[i].SourcePath, Record: &invs[i].Record}
	}
	return out
}

// Writer builds workbooks. The zero value is not usable; call NewWriter.
type Writer struct {
	now    func() time.Time
	logger *slog.Logger
}

func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{now: time.Now, logger: logger}
}

// WithClock replaces the clock used for the processed-at footer.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

type styles struct {
	header, cell, money, footer int
}

func newStyles(f *excelize.File) (styles, error) {
	border := []excelize.Border{
		{Type: "left", Color: "000000", Style: 1},
		{Type: "right", Color: "000000", Style: 1},
		{Type: "top", Color: "000000", Style: 1},
		{Type: "bottom", Color: "000000", Style: 1},
	}
	var s styles
	var err error
	if s.header, err = f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"D9D9D9"}, Pattern: 1},
		Border: border,
	}); err != nil {
		return s, err
	}
	if s.cell, err = f.NewStyle(&excelize.Style{Border: border}); err != nil {
		return s, err
	}
	if s.money, err = f.NewStyle(&excelize.Style{Border: border, NumFmt: 4}); err != nil { // #,##0.00
		return s, err
	}
	s.footer, err = f.NewStyle(&excelize.Style{Font: &excelize.Font{Italic: true, Size: 8}})
	return s, err
}

// WriteXLSX returns a workbook with an Invoices, a Line Items and a Failures sheet.
func (w *Writer) WriteXLSX(docs []Document) ([]byte, error) {
	start := time.Now()
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			w.logger.Warn("export.xlsx.close_failed", "error", err)
		}
	}()

	if err := f.SetSheetName("Sheet1", SheetInvoices); err != nil {
		return nil, err
	}
	for _, name := range []string{SheetLineItems, SheetFailures} {
		if _, err := f.NewSheet(name); err != nil {
			return nil, err
		}
	}
	st, err := newStyles(f)
	if err != nil {
		return nil, fmt.Errorf("xlsx styles: %w", err)
	}

	var invoices, failures []Document
	for _, d := range docs {
		if d.Record != nil {
			invoices = append(invoices, d)
		} else {
			failures = append(failures, d)
		}
	}

	if err := w.writeInvoices(f, st, invoices); err != nil {
		return nil, err
	}
	if err := w.writeLineItems(f, st, invoices); err != nil {
		return nil, err
	}
	if err := w.writeFailures(f, st, failures); err != nil {
		return nil, err
	}
	f.SetActiveSheet(0)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	w.logger.Info("export.xlsx.ok",
		"invoices", len(invoices),
		"failures", len(failures),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// WriteFile writes the workbook to path.
func (w *Writer) WriteFile(path string, docs []Document) error {
	b, err := w.WriteXLSX(docs)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (w *Writer) writeInvoices(f *excelize.File, st styles, docs []Document) error {
	const sheet = SheetInvoices
	if err := writeHeader(f, sheet, invoiceHeaders, st.header); err != nil {
		return err
	}
	for i, d := range docs {
		r := d.Record
		row := i + 2
		var rate any
		if v, ok := r.TaxRate(); ok {
			rate = v.InexactFloat64()
		}
		values := []any{
			utils.StrOrEmpty(r.InvoiceNumber), formatDate(r.Date),
			utils.StrOrEmpty(r.VendorName), utils.StrOrEmpty(r.VendorTaxID),
			utils.StrOrEmpty(r.CustomerName), utils.StrOrEmpty(r.CustomerTaxID),
			ConceptSummary(r.LineItems),
			money(r.Subtotal), rate, money(r.Tax), money(r.Total), r.Currency,
			string(r.Status), strings.Join(r.Warnings, "; "), d.SourcePath,
		}
		if err := writeRow(f, sheet, row, values, st.cell); err != nil {
			return err
		}
		for _, col := range []int{8, 9, 10, 11} {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			if err := f.SetCellStyle(sheet, cell, cell, st.money); err != nil {
				return err
			}
		}
	}
	if err := finishSheet(f, sheet, len(invoiceHeaders)); err != nil {
		return err
	}

	footerRow := len(docs) + 3
	cell, _ := excelize.CoordinatesToCellName(1, footerRow)
	end, _ := excelize.CoordinatesToCellName(3, footerRow)
	footer := fmt.Sprintf("Processed: %s | Invoices: %d", w.now().Format("2006-01-02 15:04:05"), len(docs))
	if err := f.SetCellValue(sheet, cell, footer); err != nil {
		return err
	}
	if err := f.MergeCell(sheet, cell, end); err != nil {
		return err
	}
	return f.SetCellStyle(sheet, cell, end, st.footer)
}

func (w *Writer) writeLineItems(f *excelize.File, st styles, docs []Document) error {
	const sheet = SheetLineItems
	if err := writeHeader(f, sheet, lineItemHeaders, st.header); err != nil {
		return err
	}
	row := 2
	for _, d := range docs {
		for _, it := range d.Record.LineItems {
			values := []any{
				d.SourcePath, utils.StrOrEmpty(d.Record.InvoiceNumber), it.Row + 1, it.Description,
				quantity(it.Quantity), money(it.UnitPrice), money(it.Amount), it.AmountComputed,
			}
			if err := writeRow(f, sheet, row, values, st.cell); err != nil {
				return err
			}
			from, _ := excelize.CoordinatesToCellName(6, row)
			to, _ := excelize.CoordinatesToCellName(7, row)
			if err := f.SetCellStyle(sheet, from, to, st.money); err != nil {
				return err
			}
			row++
		}
	}
	return finishSheet(f, sheet, len(lineItemHeaders))
}

func (w *Writer) writeFailures(f *excelize.File, st styles, docs []Document) error {
	const sheet = SheetFailures
	if err := writeHeader(f, sheet, failureHeaders, st.header); err != nil {
		return err
	}
	for i, d := range docs {
		if err := writeRow(f, sheet, i+2, []any{d.SourcePath, d.ErrorKind, d.Error}, st.cell); err != nil {
			return err
		}
	}
	return finishSheet(f, sheet, len(failureHeaders))
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	values := make([]any, len(headers))
	for i, h := range headers {
		values[i] = h
	}
	return writeRow(f, sheet, 1, values, style)
}

func writeRow(f *excelize.File, sheet string, row int, values []any, style int) error {
	start, _ := excelize.CoordinatesToCellName(1, row)
	end, _ := excelize.CoordinatesToCellName(len(values), row)
	if err := f.SetSheetRow(sheet, start, &values); err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}

func finishSheet(f *excelize.File, sheet string, cols int) error {
	last, _ := excelize.ColumnNumberToName(cols)
	if err := f.SetColWidth(sheet, "A", last, 18); err != nil {
		return err
	}
	return f.AutoFilter(sheet, "A1:"+last+"1", nil)
}

// ConceptSummary names the first line item and counts the rest.
func ConceptSummary(items []entity.LineItem) string {
	if len(items) == 0 {
		return ""
	}
	first := items[0].Description
	if len(items) == 1 {
		return first
	}
	return fmt.Sprintf("%s and %d more items", first, len(items)-1)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}

func money(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.Round(2).InexactFloat64()
}

func quantity(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.InexactFloat64()
}
