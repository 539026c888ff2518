package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

var invoiceColumns = []string{
	"id", "job_id", "content_hash", "source_path",
	"invoice_number", "invoice_date", "vendor_name", "vendor_tax_id", "customer_name", "customer_tax_id",
	"subtotal", "tax", "total", "currency", "computed_subtotal", "status", "warnings", "created_at",
}

var lineItemColumns = []string{
	"invoice_id", "row_index", "description", "quantity", "unit_price", "amount", "amount_computed",
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ListFilter narrows ListInvoices. Zero values mean no filter and the default limit.
type ListFilter struct {
	Status constants.ValidationStatus
	Limit  int
}

// SaveInvoice stores the record and its line items in one transaction.
func (s *Store) SaveInvoice(ctx context.Context, inv *entity.StoredInvoice) (err error) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	rec := inv.Record
	warnings, err := json.Marshal(nonNil(rec.Warnings))
	if err != nil {
		return err
	}
	var date sql.NullString
	if rec.Date != nil {
		date = sql.NullString{String: rec.Date.Format("2006-01-02"), Valid: true}
	}

	b := s.builder()
	insInvoice := b.Insert(tableInvoice).Columns(invoiceColumns...).Values(
		inv.ID.String(), inv.JobID.String(), inv.ContentHash, inv.SourcePath,
		nullString(rec.InvoiceNumber), date, nullString(rec.VendorName), nullString(rec.VendorTaxID),
		nullString(rec.CustomerName), nullString(rec.CustomerTaxID),
		nullDecimal(rec.Subtotal), nullDecimal(rec.Tax), nullDecimal(rec.Total),
		rec.Currency, rec.ComputedSubtotal.String(), string(rec.Status), string(warnings), formatTime(inv.CreatedAt),
	)

	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logger.Warn("repository.invoice.rollback_failed", "error", rerr)
			}
		}
	}()

	if _, err = exec(ctx, tx, insInvoice); err != nil {
		s.logger.Error("repository.invoice.save_failed", "invoice_id", inv.ID, "error", err)
		return err
	}
	if len(rec.LineItems) > 0 {
		insItems := b.Insert(tableLineItem).Columns(lineItemColumns...)
		for _, it := range rec.LineItems {
			insItems.Values(inv.ID.String(), it.Row, it.Description,
				nullDecimal(it.Quantity), nullDecimal(it.UnitPrice), nullDecimal(it.Amount), it.AmountComputed)
		}
		if _, err = exec(ctx, tx, insItems); err != nil {
			s.logger.Error("repository.invoice.items_failed", "invoice_id", inv.ID, "error", err)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	s.logger.Info("repository.invoice.saved", "invoice_id", inv.ID, "job_id", inv.JobID, "items", len(rec.LineItems), "status", rec.Status)
	return nil
}

// FindCompletedByHash returns the newest invoice stored for a file hash.
func (s *Store) FindCompletedByHash(ctx context.Context, hash string) (*entity.StoredInvoice, error) {
	b := s.builder()
	sel := b.Select(invoiceColumns...).From(b.Table(tableInvoice)).
		Where(entsql.EQ("content_hash", hash)).
		OrderBy(entsql.Desc("created_at")).
		Limit(1)
	list, err := s.loadInvoices(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: invoice with hash %s", common.ErrNotFound, hash)
	}
	return &list[0], nil
}

// GetInvoice loads one invoice with its line items.
func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (*entity.StoredInvoice, error) {
	b := s.builder()
	sel := b.Select(invoiceColumns...).From(b.Table(tableInvoice)).Where(entsql.EQ("id", id.String()))
	list, err := s.loadInvoices(ctx, sel)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: invoice %s", common.ErrNotFound, id)
	}
	return &list[0], nil
}

// ListInvoices returns invoices newest first.
func (s *Store) ListInvoices(ctx context.Context, f ListFilter) ([]entity.StoredInvoice, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	b := s.builder()
	sel := b.Select(invoiceColumns...).From(b.Table(tableInvoice))
	if f.Status != "" {
		sel.Where(entsql.EQ("status", string(f.Status)))
	}
	sel.OrderBy(entsql.Desc("created_at")).Limit(limit)
	return s.loadInvoices(ctx, sel)
}

// CountByStatus returns the number of stored invoices per validation status.
func (s *Store) CountByStatus(ctx context.Context) (map[constants.ValidationStatus]int, error) {
	b := s.builder()
	sel := b.Select("status", entsql.Count("*")).From(b.Table(tableInvoice)).GroupBy("status")
	out := map[constants.ValidationStatus]int{}
	err := query(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return err
		}
		out[constants.ValidationStatus(st)] = n
		return nil
	})
	return out, err
}

func (s *Store) loadInvoices(ctx context.Context, sel *entsql.Selector) ([]entity.StoredInvoice, error) {
	var out []entity.StoredInvoice
	err := query(ctx, s.drv, sel, func(rows *entsql.Rows) error {
		inv, err := scanInvoice(rows)
		if err != nil {
			return err
		}
		out = append(out, *inv)
		return nil
	})
	if err != nil || len(out) == 0 {
		return out, err
	}

	ids := make([]any, len(out))
	pos := make(map[string]int, len(out))
	for i, inv := range out {
		ids[i] = inv.ID.String()
		pos[inv.ID.String()] = i
	}
	b := s.builder()
	items := b.Select(lineItemColumns...).From(b.Table(tableLineItem)).
		Where(entsql.In("invoice_id", ids...)).
		OrderBy("invoice_id", "row_index")
	err = query(ctx, s.drv, items, func(rows *entsql.Rows) error {
		invoiceID, it, err := scanLineItem(rows)
		if err != nil {
			return err
		}
		i := pos[invoiceID]
		out[i].Record.LineItems = append(out[i].Record.LineItems, it)
		return nil
	})
	return out, err
}

func scanInvoice(rows *entsql.Rows) (*entity.StoredInvoice, error) {
	var (
		inv                                   entity.StoredInvoice
		id, jobID, computed, status, warnings string
		created                               string
		number, date, vendor, vendorTax       sql.NullString
		customer, customerTax                 sql.NullString
		subtotal, tax, total                  sql.NullString
	)
	rec := &inv.Record
	if err := rows.Scan(&id, &jobID, &inv.ContentHash, &inv.SourcePath,
		&number, &date, &vendor, &vendorTax, &customer, &customerTax,
		&subtotal, &tax, &total, &rec.Currency, &computed, &status, &warnings, &created); err != nil {
		return nil, err
	}

	var err error
	if inv.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if inv.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, err
	}
	if inv.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if date.Valid {
		d, err := utils.ParseYMD(date.String)
		if err != nil {
			return nil, err
		}
		rec.Date = &d
	}
	rec.InvoiceNumber, rec.VendorName, rec.VendorTaxID = strPtr(number), strPtr(vendor), strPtr(vendorTax)
	rec.CustomerName, rec.CustomerTaxID = strPtr(customer), strPtr(customerTax)
	if rec.Subtotal, err = parseNullDecimal(subtotal); err != nil {
		return nil, err
	}
	if rec.Tax, err = parseNullDecimal(tax); err != nil {
		return nil, err
	}
	if rec.Total, err = parseNullDecimal(total); err != nil {
		return nil, err
	}
	if rec.ComputedSubtotal, err = decimal.NewFromString(computed); err != nil {
		return nil, err
	}
	rec.Status = constants.ValidationStatus(status)
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return nil, err
	}
	if len(rec.Warnings) == 0 {
		rec.Warnings = nil
	}
	return &inv, nil
}

func scanLineItem(rows *entsql.Rows) (string, entity.LineItem, error) {
	var (
		invoiceID          string
		it                 entity.LineItem
		qty, price, amount sql.NullString
	)
	if err := rows.Scan(&invoiceID, &it.Row, &it.Description, &qty, &price, &amount, &it.AmountComputed); err != nil {
		return "", it, err
	}
	var err error
	if it.Quantity, err = parseNullDecimal(qty); err != nil {
		return "", it, err
	}
	if it.UnitPrice, err = parseNullDecimal(price); err != nil {
		return "", it, err
	}
	if it.Amount, err = parseNullDecimal(amount); err != nil {
		return "", it, err
	}
	return invoiceID, it, nil
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (decimal.NullDecimal, error) {
	if !ns.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nonNil(ws []string) []string {
	if ws == nil {
		return []string{}
	}
	return ws
}
