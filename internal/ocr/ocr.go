// Package ocr produces word-level tokens with pixel boxes for the first page of a document.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// Engine recognizes page 1 of a file. Implementations must fill in the page size.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, path string) (entity.RawPage, error)
}

type Config struct {
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "spa+eng"
	DPI           int    // rasterization DPI for scanned PDFs, default 300
	TessdataDir   string

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default

	Preprocess    bool // grayscale/contrast/sharpen images before tesseract
	MinTextTokens int  // below this, a PDF's text layer is ignored and page 1 is rasterized
}

// ConfigFrom maps the OCR_* settings.
func ConfigFrom(c common.OCRConfig) Config {
	return Config{
		Pdftoppm:      c.Pdftoppm,
		Tesseract:     c.Tesseract,
		TesseractLang: c.Lang,
		DPI:           c.DPI,
		TessdataDir:   c.TessdataDir,
		PSM:           c.PSM,
		OEM:           c.OEM,
		Preprocess:    c.Preprocess,
		MinTextTokens: c.MinTextTokens,
	}
}

// Extractor is the default engine: the PDF text layer when there is one, tesseract otherwise.
type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "spa+eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &Extractor{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
}

func (e *Extractor) Name() string { return "tesseract" }

// Recognize picks a strategy based on file extension.
func (e *Extractor) Recognize(ctx context.Context, path string) (entity.RawPage, error) {
	start := time.Now()
	ext := constants.NormalizeExt(filepath.Ext(path))
	e.logger.Debug("ocr.start", "path", path, "ext", ext)

	var page entity.RawPage
	var err error
	switch constants.MapExtToFormat(ext) {
	case constants.PDF:
		page, err = e.recognizePDF(ctx, path)
	case constants.IMAGE:
		page, err = e.recognizeImage(ctx, path)
	default:
		e.logger.Error("ocr.unsupported_extension", "path", path, "extension", ext)
		return entity.RawPage{}, common.NewAppError(common.KindInvalidInput,
			fmt.Sprintf("unsupported extension %q", ext), common.ErrInvalidInput)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return entity.RawPage{}, fmt.Errorf("ocr %s: %w", filepath.Base(path), ctxErr)
		}
		return entity.RawPage{}, fmt.Errorf("%w: %s: %w", common.ErrOCR, filepath.Base(path), err)
	}
	e.logger.Info("ocr.ok", "path", path, "source", page.Source, "tokens", len(page.Tokens),
		"width", page.Width, "height", page.Height, "elapsed_ms", time.Since(start).Milliseconds())
	return page, nil
}

func (e *Extractor) recognizePDF(ctx context.Context, path string) (entity.RawPage, error) {
	page, err := TextLayer(path)
	switch {
	case err != nil:
		e.logger.Debug("ocr.pdf.no_text_layer", "path", path, "error", err)
	case len(page.Tokens) >= e.cfg.MinTextTokens && len(page.Tokens) > 0:
		return page, nil
	default:
		e.logger.Debug("ocr.pdf.sparse_text_layer", "path", path, "tokens", len(page.Tokens))
	}

	img, cleanup, err := rasterizeFirstPage(ctx, e.runner, e.cfg.Pdftoppm, e.cfg.DPI, path)
	if err != nil {
		return entity.RawPage{}, err
	}
	defer cleanup()
	return e.tesseract(ctx, img)
}

func (e *Extractor) recognizeImage(ctx context.Context, path string) (entity.RawPage, error) {
	if !e.cfg.Preprocess {
		return e.tesseract(ctx, path)
	}
	dir, err := os.MkdirTemp("", "invfusion-prep-*")
	if err != nil {
		return entity.RawPage{}, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			e.logger.Warn("ocr.tempdir.cleanup_failed", "dir", dir, "error", err)
		}
	}()
	prepared, err := Preprocess(path, dir)
	if err != nil {
		e.logger.Warn("ocr.preprocess.failed", "path", path, "error", err)
		return e.tesseract(ctx, path)
	}
	return e.tesseract(ctx, prepared)
}
