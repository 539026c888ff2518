// Package server exposes the fusion engine and the invoice store over HTTP and gRPC.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/invoice-fusion/internal/async"
	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/export"
	"github.com/joseph-ayodele/invoice-fusion/internal/fusion"
	"github.com/joseph-ayodele/invoice-fusion/internal/repository"
)

// Store is the read side of the repository plus its health check.
type Store interface {
	ListInvoices(ctx context.Context, f repository.ListFilter) ([]entity.StoredInvoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*entity.StoredInvoice, error)
	GetJob(ctx context.Context, id uuid.UUID) (*entity.ExtractJob, error)
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// Enqueuer accepts files for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job async.Job) error
}

// ExtractToken is one OCR word, optionally carrying the layout model's label for it.
type ExtractToken struct {
	entity.RawToken
	Label           *string  `json:"label,omitempty"`
	LabelConfidence *float64 `json:"label_confidence,omitempty"`
}

// ExtractRequest is a raw OCR page. When its tokens carry labels the configured layout
// model is bypassed.
type ExtractRequest struct {
	DocumentID string         `json:"document_id,omitempty"`
	Width      float64        `json:"width"`
	Height     float64        `json:"height"`
	PageIndex  int            `json:"page_index"`
	Tokens     []ExtractToken `json:"tokens"`
}

// Page splits the request into the raw page and, if every token is labeled, the labels.
// Labeling only some tokens is malformed.
func (r ExtractRequest) Page() (entity.RawPage, []classify.Prediction, error) {
	page := entity.RawPage{
		Width:     r.Width,
		Height:    r.Height,
		PageIndex: r.PageIndex,
		Source:    "request",
		Tokens:    make([]entity.RawToken, len(r.Tokens)),
	}
	labeled := 0
	for i, t := range r.Tokens {
		page.Tokens[i] = t.RawToken
		if t.Label != nil {
			labeled++
		}
	}
	if labeled == 0 {
		return page, nil, nil
	}
	if labeled != len(r.Tokens) {
		return page, nil, fmt.Errorf("%w: %d of %d tokens carry a label", common.ErrMalformedInput, labeled, len(r.Tokens))
	}
	preds := make([]classify.Prediction, len(r.Tokens))
	for i, t := range r.Tokens {
		conf := 1.0
		if t.LabelConfidence != nil {
			conf = *t.LabelConfidence
		}
		if conf < 0 || conf > 1 {
			return page, nil, fmt.Errorf("%w: token %d label_confidence %v outside [0,1]", common.ErrMalformedInput, i, conf)
		}
		preds[i] = classify.Prediction{Label: *t.Label, Confidence: conf}
	}
	return page, preds, nil
}

// Service holds what both transports need.
type Service struct {
	engine   *fusion.Engine
	store    Store
	queue    Enqueuer
	exporter *export.Writer
	logger   *slog.Logger
}

// NewService wires the handlers. queue may be nil, which disables job submission.
func NewService(engine *fusion.Engine, store Store, queue Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:   engine,
		store:    store,
		queue:    queue,
		exporter: export.NewWriter(logger),
		logger:   logger,
	}
}

// Extract runs the fusion engine on one request page.
func (s *Service) Extract(ctx context.Context, req ExtractRequest) (*entity.InvoiceRecord, error) {
	page, labels, err := req.Page()
	if err != nil {
		return nil, err
	}
	if req.DocumentID != "" {
		ctx = common.WithDocumentID(ctx, req.DocumentID)
	}
	if labels != nil {
		return s.engine.ProcessPrelabeled(ctx, page, labels)
	}
	return s.engine.Process(ctx, page)
}
