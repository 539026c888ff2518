//go:build gosseract

package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// GosseractEngine links libtesseract through cgo instead of shelling out.
type GosseractEngine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func newGosseractEngine(cfg Config, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &GosseractEngine{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}, nil
}

func (g *GosseractEngine) Name() string { return "gosseract" }

func (g *GosseractEngine) Recognize(ctx context.Context, path string) (entity.RawPage, error) {
	img := path
	if constants.MapExtToFormat(constants.NormalizeExt(filepath.Ext(path))) == constants.PDF {
		rendered, cleanup, err := rasterizeFirstPage(ctx, g.runner, g.cfg.Pdftoppm, g.cfg.DPI, path)
		if err != nil {
			return entity.RawPage{}, fmt.Errorf("%w: %w", common.ErrOCR, err)
		}
		defer cleanup()
		img = rendered
	}

	f, err := os.Open(img)
	if err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: %w", common.ErrOCR, err)
	}
	w, h, err := ImageSize(f)
	_ = f.Close()
	if err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: %w", common.ErrOCR, err)
	}

	c := gosseract.NewClient()
	defer c.Close()
	if g.cfg.TessdataDir != "" {
		if err := c.SetTessdataPrefix(g.cfg.TessdataDir); err != nil {
			return entity.RawPage{}, fmt.Errorf("%w: tessdata: %w", common.ErrOCR, err)
		}
	}
	if err := c.SetLanguage(strings.Split(g.cfg.TesseractLang, "+")...); err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: set languages: %w", common.ErrOCR, err)
	}
	if err := c.SetImage(img); err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: set image: %w", common.ErrOCR, err)
	}
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		g.logger.Error("ocr.gosseract.failed", "path", path, "error", err)
		return entity.RawPage{}, fmt.Errorf("%w: bounding boxes: %w", common.ErrOCR, err)
	}

	page := entity.RawPage{Width: float64(w), Height: float64(h), Source: "gosseract"}
	for _, b := range boxes {
		text := CleanWord(b.Word)
		if text == "" || b.Confidence < 0 {
			continue
		}
		page.Tokens = append(page.Tokens, entity.RawToken{
			Text:       text,
			X0:         float64(b.Box.Min.X),
			Y0:         float64(b.Box.Min.Y),
			X1:         float64(b.Box.Max.X),
			Y1:         float64(b.Box.Max.Y),
			Confidence: b.Confidence / 100,
		})
	}
	return page, nil
}
