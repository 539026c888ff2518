// Package fusion composes the token index, classifier adapter, resolver, line-item
// reconstructor and validator into one per-document pipeline.
package fusion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/lineitems"
	"github.com/joseph-ayodele/invoice-fusion/internal/resolve"
	"github.com/joseph-ayodele/invoice-fusion/internal/tokenindex"
	"github.com/joseph-ayodele/invoice-fusion/internal/validate"
)

// Options configures an Engine.
type Options struct {
	Resolve   resolve.Options
	Tolerance validate.Tolerance
	Labels    *classify.LabelMap // nil uses the built-in vocabulary
}

func DefaultOptions() Options {
	return Options{Resolve: resolve.DefaultOptions(), Tolerance: validate.DefaultTolerance()}
}

// OptionsFromConfig maps the FUSION_* settings onto engine options.
func OptionsFromConfig(cfg common.FusionConfig) Options {
	return Options{
		Resolve: resolve.Options{
			MaxSpanGap:      cfg.MaxSpanGap,
			DayFirst:        cfg.DayFirst,
			DefaultCurrency: cfg.DefaultCurrency,
		},
		Tolerance: validate.Tolerance{Rel: cfg.RelTolerance, Abs: cfg.AbsTolerance},
	}
}

// Engine turns one OCR page into an InvoiceRecord. It keeps no per-document state, so
// one Engine may serve many goroutines as long as its model does.
type Engine struct {
	adapter   *classify.Adapter
	labels    *classify.LabelMap
	resolver  *resolve.Resolver
	lines     *lineitems.Reconstructor
	validator *validate.Validator
	logger    *slog.Logger
}

func NewEngine(model classify.Model, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	labels := opts.Labels
	if labels == nil {
		labels = classify.DefaultLabelMap()
	}
	res := resolve.New(opts.Resolve)
	return &Engine{
		adapter:   classify.NewAdapter(model, labels, logger),
		labels:    labels,
		resolver:  res,
		lines:     lineitems.New(opts.Resolve.DefaultCurrency),
		validator: validate.New(opts.Tolerance),
		logger:    logger,
	}
}

// ModelName reports the layout model behind the engine.
func (e *Engine) ModelName() string { return e.adapter.ModelName() }

// Process runs the full pipeline on page using the engine's layout model.
func (e *Engine) Process(ctx context.Context, page entity.RawPage) (*entity.InvoiceRecord, error) {
	return e.process(ctx, page, e.adapter)
}

// ProcessPrelabeled runs the pipeline with labels that came with the OCR output, one per
// raw token in OCR order.
func (e *Engine) ProcessPrelabeled(ctx context.Context, page entity.RawPage, labels []classify.Prediction) (*entity.InvoiceRecord, error) {
	if len(labels) != len(page.Tokens) {
		e.logger.Warn("fusion.prelabeled.mismatch", "labels", len(labels), "tokens", len(page.Tokens))
		return nil, fmt.Errorf("%w: %d labels for %d tokens",
			common.ErrModelOutputMismatch, len(labels), len(page.Tokens))
	}
	return e.process(ctx, page, classify.NewAdapter(classify.NewPrelabeled(labels), e.labels, e.logger))
}

func (e *Engine) process(ctx context.Context, page entity.RawPage, adapter *classify.Adapter) (*entity.InvoiceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	idx, err := tokenindex.Build(page)
	if err != nil {
		e.logger.Warn("fusion.index.failed", "page", page.PageIndex, "tokens", len(page.Tokens), "error", err)
		return nil, err
	}
	classified, err := adapter.Classify(ctx, idx)
	if err != nil {
		return nil, err
	}
	rec, err := e.Fuse(idx, classified)
	if err != nil {
		return nil, err
	}
	e.logger.Info("fusion.process.ok",
		"model", adapter.ModelName(),
		"tokens", idx.Len(),
		"line_items", len(rec.LineItems),
		"status", rec.Status,
		"warnings", len(rec.Warnings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return rec, nil
}

// Fuse resolves fields and rows from already-classified tokens and validates the result.
func (e *Engine) Fuse(idx *tokenindex.Index, classified []entity.ClassifiedToken) (*entity.InvoiceRecord, error) {
	if len(classified) != idx.Len() {
		return nil, fmt.Errorf("%w: %d classified tokens for %d indexed tokens",
			common.ErrModelOutputMismatch, len(classified), idx.Len())
	}
	resolution := e.resolver.ResolveAll(classified)
	items := e.lines.Reconstruct(classified)
	rec, err := e.validator.Validate(idx, resolution.Fields, items)
	if err != nil {
		e.logger.Error("fusion.validate.failed", "error", err)
		return nil, err
	}
	if len(resolution.Warnings) > 0 {
		rec.Warnings = append(append([]string{}, resolution.Warnings...), rec.Warnings...)
	}
	return &rec, nil
}
