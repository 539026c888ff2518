package entity

import (
	"time"

	"github.com/google/uuid"
)

// ExtractJob tracks one attempt at turning a source file into an invoice record.
type ExtractJob struct {
	ID           uuid.UUID  `json:"id"`
	SourcePath   string     `json:"source_path"`
	ContentHash  string     `json:"content_hash"`
	Status       string     `json:"status"`
	ErrorKind    *string    `json:"error_kind,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	OCREngine    string     `json:"ocr_engine"`
	Model        string     `json:"model"`
	TokenCount   int        `json:"token_count"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// StoredInvoice is an InvoiceRecord as persisted, with its identifiers.
type StoredInvoice struct {
	ID          uuid.UUID     `json:"id"`
	JobID       uuid.UUID     `json:"job_id"`
	ContentHash string        `json:"content_hash"`
	SourcePath  string        `json:"source_path"`
	CreatedAt   time.Time     `json:"created_at"`
	Record      InvoiceRecord `json:"record"`
}
