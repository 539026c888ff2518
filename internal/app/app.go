// Package app assembles the store, OCR engine, layout model and processor from configuration.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/fusion"
	"github.com/joseph-ayodele/invoice-fusion/internal/layout"
	"github.com/joseph-ayodele/invoice-fusion/internal/ocr"
	"github.com/joseph-ayodele/invoice-fusion/internal/processor"
	"github.com/joseph-ayodele/invoice-fusion/internal/repository"
)

type App struct {
	Config    *common.Config
	Store     *repository.Store
	OCR       ocr.Engine
	Engine    *fusion.Engine
	Processor *processor.Processor

	closers []func() error
	logger  *slog.Logger
}

// Build opens and migrates the store and wires the pipeline. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := repository.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, common.WrapError(err, "open store")
	}
	a.Store = store
	a.closers = append(a.closers, store.Close)
	if err := store.Migrate(ctx); err != nil {
		return nil, common.WrapError(err, "migrate")
	}

	a.OCR, err = ocr.New(cfg.OCR, logger)
	if err != nil {
		return nil, common.NewAppError("CONFIG_ERROR", "ocr engine", err)
	}

	model, closer, err := layout.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer.Close)

	labels, err := classify.LoadLabelMap(cfg.Layout.LabelMapFile)
	if err != nil {
		return nil, common.NewAppError("CONFIG_ERROR", "label map", err)
	}
	opts := fusion.OptionsFromConfig(cfg.Fusion)
	opts.Labels = labels
	a.Engine = fusion.NewEngine(model, opts, logger)
	a.Processor = processor.New(a.OCR, a.Engine, store, processor.OptionsFromConfig(cfg.Batch), logger)

	logger.Info("app.ready",
		"db", store.Dialect(),
		"ocr", a.OCR.Name(),
		"model", a.Engine.ModelName(),
		"workers", cfg.Batch.Workers,
	)
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
