package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
)

const (
	tableJob      = "extract_job"
	tableInvoice  = "invoice"
	tableLineItem = "invoice_line_item"
)

// Long free text; postgres would otherwise get a bounded varchar.
var textType = map[string]string{dialect.Postgres: "text", dialect.SQLite: "text"}

var (
	// ExtractJobColumns holds the columns for the "extract_job" table.
	ExtractJobColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "source_path", Type: field.TypeString, SchemaType: textType},
		{Name: "content_hash", Type: field.TypeString, Size: 64},
		{Name: "status", Type: field.TypeString, Size: 16},
		{Name: "error_kind", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "error_message", Type: field.TypeString, Nullable: true, SchemaType: textType},
		{Name: "ocr_engine", Type: field.TypeString, Size: 32, Default: ""},
		{Name: "model", Type: field.TypeString, Size: 128, Default: ""},
		{Name: "token_count", Type: field.TypeInt, Default: 0},
		{Name: "started_at", Type: field.TypeString, Size: 40},
		{Name: "finished_at", Type: field.TypeString, Size: 40, Nullable: true},
	}
	// ExtractJobTable holds the schema information for the "extract_job" table.
	ExtractJobTable = &schema.Table{
		Name:       tableJob,
		Columns:    ExtractJobColumns,
		PrimaryKey: []*schema.Column{ExtractJobColumns[0]},
		Indexes: []*schema.Index{
			{Name: "extract_job_content_hash", Columns: []*schema.Column{ExtractJobColumns[2]}},
		},
	}

	// InvoiceColumns holds the columns for the "invoice" table.
	InvoiceColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 36},
		{Name: "job_id", Type: field.TypeString, Size: 36},
		{Name: "content_hash", Type: field.TypeString, Size: 64},
		{Name: "source_path", Type: field.TypeString, SchemaType: textType},
		{Name: "invoice_number", Type: field.TypeString, Nullable: true, SchemaType: textType},
		{Name: "invoice_date", Type: field.TypeString, Size: 10, Nullable: true},
		{Name: "vendor_name", Type: field.TypeString, Nullable: true, SchemaType: textType},
		{Name: "vendor_tax_id", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "customer_name", Type: field.TypeString, Nullable: true, SchemaType: textType},
		{Name: "customer_tax_id", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "subtotal", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "tax", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "total", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "currency", Type: field.TypeString, Size: 3, Default: ""},
		{Name: "computed_subtotal", Type: field.TypeString, Size: 32},
		{Name: "status", Type: field.TypeString, Size: 16},
		{Name: "warnings", Type: field.TypeString, Default: "[]", SchemaType: textType},
		{Name: "created_at", Type: field.TypeString, Size: 40},
	}
	// InvoiceTable holds the schema information for the "invoice" table.
	InvoiceTable = &schema.Table{
		Name:       tableInvoice,
		Columns:    InvoiceColumns,
		PrimaryKey: []*schema.Column{InvoiceColumns[0]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "invoice_extract_job_invoices",
				Columns:    []*schema.Column{InvoiceColumns[1]},
				RefColumns: []*schema.Column{ExtractJobColumns[0]},
				OnDelete:   schema.NoAction,
			},
		},
		Indexes: []*schema.Index{
			{Name: "invoice_content_hash", Columns: []*schema.Column{InvoiceColumns[2]}},
			{Name: "invoice_status_created", Columns: []*schema.Column{InvoiceColumns[15], InvoiceColumns[17]}},
		},
	}

	// LineItemColumns holds the columns for the "invoice_line_item" table.
	LineItemColumns = []*schema.Column{
		{Name: "invoice_id", Type: field.TypeString, Size: 36},
		{Name: "row_index", Type: field.TypeInt},
		{Name: "description", Type: field.TypeString, Default: "", SchemaType: textType},
		{Name: "quantity", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "unit_price", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "amount", Type: field.TypeString, Size: 32, Nullable: true},
		{Name: "amount_computed", Type: field.TypeBool, Default: false},
	}
	// LineItemTable holds the schema information for the "invoice_line_item" table.
	LineItemTable = &schema.Table{
		Name:       tableLineItem,
		Columns:    LineItemColumns,
		PrimaryKey: []*schema.Column{LineItemColumns[0], LineItemColumns[1]},
		ForeignKeys: []*schema.ForeignKey{
			{
				Symbol:     "invoice_line_item_invoice_items",
				Columns:    []*schema.Column{LineItemColumns[0]},
				RefColumns: []*schema.Column{InvoiceColumns[0]},
				OnDelete:   schema.Cascade,
			},
		},
	}

	// Tables holds all the tables in the schema, referenced tables first.
	Tables = []*schema.Table{
		ExtractJobTable,
		InvoiceTable,
		LineItemTable,
	}
)

func init() {
	InvoiceTable.ForeignKeys[0].RefTable = ExtractJobTable
	LineItemTable.ForeignKeys[0].RefTable = InvoiceTable
}

// WriteMigration writes the statements Migrate would run to w, without running them.
// Nothing is written when the database is up to date.
func (s *Store) WriteMigration(ctx context.Context, w io.Writer) error {
	m, err := schema.NewMigrate(&schema.WriteDriver{Writer: w, Driver: s.drv}, schema.WithForeignKeys(true))
	if err != nil {
		return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
	}
	if err := m.Create(ctx, Tables...); err != nil {
		return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
	}
	return nil
}

// Migrate creates the missing tables and indexes. ent plans the changes against the live
// schema and the statements are applied in one transaction on the store's own connection,
// so a single-connection sqlite store works too. It is idempotent.
func (s *Store) Migrate(ctx context.Context) (err error) {
	var plan bytes.Buffer
	if err := s.WriteMigration(ctx, &plan); err != nil {
		s.logger.Error("repository.migrate.plan_failed", "dialect", s.dialect, "error", err)
		return err
	}
	stmts := splitStatements(plan.String())
	if len(stmts) == 0 {
		s.logger.Info("repository.migrate.ok", "dialect", s.dialect, "changes", 0)
		return nil
	}

	tx, err := s.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", common.ErrDatabase, err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				s.logger.Warn("repository.migrate.rollback_failed", "error", rerr)
			}
		}
	}()
	for _, stmt := range stmts {
		if err = tx.Exec(ctx, stmt, []any{}, nil); err != nil {
			s.logger.Error("repository.migrate.failed", "dialect", s.dialect, "statement", stmt, "error", err)
			return fmt.Errorf("%w: migrate: %v", common.ErrDatabase, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", common.ErrDatabase, err)
	}
	s.logger.Info("repository.migrate.ok", "dialect", s.dialect, "changes", len(stmts))
	return nil
}

// splitStatements splits WriteDriver output, one ";"-terminated statement per line.
func splitStatements(plan string) []string {
	var out []string
	for _, stmt := range strings.Split(plan, ";\n") {
		if stmt = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(stmt), ";")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
