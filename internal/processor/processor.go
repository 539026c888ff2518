// Package processor runs files through OCR and fusion and keeps the job table in step.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/export"
	"github.com/joseph-ayodele/invoice-fusion/internal/fusion"
	"github.com/joseph-ayodele/invoice-fusion/internal/ingest"
	"github.com/joseph-ayodele/invoice-fusion/internal/metrics"
	"github.com/joseph-ayodele/invoice-fusion/internal/ocr"
	"github.com/joseph-ayodele/invoice-fusion/internal/repository"
)

// Store is the slice of the repository the processor writes to.
type Store interface {
	CreateJob(ctx context.Context, job *entity.ExtractJob) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status constants.JobStatus, upd repository.JobUpdate) error
	FindCompletedByHash(ctx context.Context, hash string) (*entity.StoredInvoice, error)
	SaveInvoice(ctx context.Context, inv *entity.StoredInvoice) error
}

// FileResult is what happened to one file.
type FileResult struct {
	Path         string
	ContentHash  string
	JobID        uuid.UUID
	InvoiceID    uuid.UUID
	Deduplicated bool
	Record       *entity.InvoiceRecord
	ErrorKind    string
	Err          error
}

// Documents converts results into spreadsheet rows; failures land on the Failures sheet.
func Documents(results []FileResult) []export.Document {
	out := make([]export.Document, len(results))
	for i, r := range results {
		d := export.Document{SourcePath: r.Path, Record: r.Record, ErrorKind: r.ErrorKind}
		if r.Err != nil {
			d.Record = nil
			d.Error = r.Err.Error()
		}
		out[i] = d
	}
	return out
}

// Options tune a Processor.
type Options struct {
	Workers    int
	DocTimeout time.Duration
	SaveOCRDir string
}

// OptionsFromConfig maps the BATCH_* settings.
func OptionsFromConfig(cfg common.BatchConfig) Options {
	return Options{Workers: cfg.Workers, DocTimeout: cfg.DocTimeout, SaveOCRDir: cfg.SaveOCRDir}
}

type Processor struct {
	ocr    ocr.Engine
	engine *fusion.Engine
	store  Store
	opts   Options
	logger *slog.Logger
}

func New(engine ocr.Engine, fe *fusion.Engine, store Store, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Processor{ocr: engine, engine: fe, store: store, opts: opts, logger: logger}
}

// ProcessFile hashes path, skips it when an invoice with the same content is already
// stored (unless force), and otherwise runs OCR and fusion and persists the record.
// The returned error is also carried in FileResult.Err.
func (p *Processor) ProcessFile(ctx context.Context, path string, force bool) (FileResult, error) {
	res := FileResult{Path: path}
	if p.opts.DocTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.DocTimeout)
		defer cancel()
	}

	hash, _, err := ingest.HashFile(path)
	if err != nil {
		err = common.NewAppError(common.KindInvalidInput, fmt.Sprintf("read %s", filepath.Base(path)),
			fmt.Errorf("%w: %w", common.ErrInvalidInput, err))
		return p.fail(res, err)
	}
	res.ContentHash = hash
	ctx = common.WithDocumentID(ctx, filepath.Base(path))

	if !force {
		prev, err := p.store.FindCompletedByHash(ctx, hash)
		switch {
		case err == nil:
			res.Deduplicated = true
			res.JobID = prev.JobID
			res.InvoiceID = prev.ID
			rec := prev.Record
			res.Record = &rec
			metrics.DocumentsTotal.WithLabelValues(string(constants.JobStatusSkipped)).Inc()
			p.logger.Info("processor.file.deduplicated", "path", path, "hash", hash, "invoice_id", prev.ID)
			return res, nil
		case !errors.Is(err, common.ErrNotFound):
			return p.fail(res, err)
		}
	}

	job := &entity.ExtractJob{
		SourcePath:  path,
		ContentHash: hash,
		Status:      string(constants.JobStatusRunning),
		OCREngine:   p.ocr.Name(),
		Model:       p.engine.ModelName(),
	}
	if err := p.store.CreateJob(ctx, job); err != nil {
		return p.fail(res, err)
	}
	res.JobID = job.ID

	start := time.Now()
	page, err := p.ocr.Recognize(ctx, path)
	metrics.ObserveStage("ocr", start)
	if err != nil {
		return p.failJob(ctx, res, err)
	}
	if p.opts.SaveOCRDir != "" {
		if out, err := ocr.SaveDump(p.opts.SaveOCRDir, path, page); err != nil {
			p.logger.Warn("processor.ocr_dump.failed", "path", path, "error", err)
		} else {
			p.logger.Debug("processor.ocr_dump.saved", "path", out)
		}
	}
	if err := p.store.UpdateJobStatus(ctx, job.ID, constants.JobStatusOCROK, repository.JobUpdate{
		TokenCount: len(page.Tokens),
	}); err != nil {
		return p.failJob(ctx, res, err)
	}

	start = time.Now()
	rec, err := p.engine.Process(ctx, page)
	metrics.ObserveStage("fusion", start)
	if err != nil {
		return p.failJob(ctx, res, err)
	}
	res.Record = rec

	start = time.Now()
	inv := &entity.StoredInvoice{
		JobID:       job.ID,
		ContentHash: hash,
		SourcePath:  path,
		Record:      *rec,
	}
	if err := p.store.SaveInvoice(ctx, inv); err != nil {
		return p.failJob(ctx, res, err)
	}
	res.InvoiceID = inv.ID
	if err := p.store.UpdateJobStatus(ctx, job.ID, constants.JobStatusFused, repository.JobUpdate{Finished: true}); err != nil {
		return p.failJob(ctx, res, err)
	}
	metrics.ObserveStage("persist", start)

	metrics.DocumentsTotal.WithLabelValues(string(rec.Status)).Inc()
	metrics.LineItemsTotal.Add(float64(len(rec.LineItems)))
	p.logger.Info("processor.file.ok",
		"path", path,
		"job_id", job.ID,
		"invoice_id", inv.ID,
		"status", rec.Status,
		"line_items", len(rec.LineItems),
	)
	return res, nil
}

// failJob marks the job FAILED. The update runs detached from ctx so a timed-out
// document still records why it failed.
func (p *Processor) failJob(ctx context.Context, res FileResult, cause error) (FileResult, error) {
	upd := repository.JobUpdate{
		ErrorKind:    common.ErrorKind(cause),
		ErrorMessage: cause.Error(),
		Finished:     true,
	}
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateJobStatus(uctx, res.JobID, constants.JobStatusFailed, upd); err != nil {
		p.logger.Error("processor.job.update_failed", "job_id", res.JobID, "content_hash", res.ContentHash, "error", err)
	}
	return p.fail(res, cause)
}

func (p *Processor) fail(res FileResult, err error) (FileResult, error) {
	res.Err = err
	res.ErrorKind = common.ErrorKind(err)
	metrics.DocumentsTotal.WithLabelValues(string(constants.JobStatusFailed)).Inc()
	metrics.FailuresTotal.WithLabelValues(res.ErrorKind).Inc()
	p.logger.Error("processor.file.failed", "path", res.Path, "job_id", res.JobID,
		"kind", res.ErrorKind, "error", err)
	return res, err
}

// ProcessPaths runs ProcessFile over paths with up to Options.Workers at a time. One
// file failing never stops the others; results come back in input order.
func (p *Processor) ProcessPaths(ctx context.Context, paths []string, force bool) []FileResult {
	start := time.Now()
	out := make([]FileResult, len(paths))

	var g errgroup.Group
	g.SetLimit(p.opts.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i] = FileResult{Path: path, Err: err, ErrorKind: common.ErrorKind(err)}
				return nil
			}
			out[i], _ = p.ProcessFile(ctx, path, force)
			return nil
		})
	}
	_ = g.Wait()

	var failed, deduped int
	for _, r := range out {
		switch {
		case r.Err != nil:
			failed++
		case r.Deduplicated:
			deduped++
		}
	}
	p.logger.Info("processor.batch.done",
		"files", len(paths),
		"failed", failed,
		"deduplicated", deduped,
		"workers", p.opts.Workers,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out
}
