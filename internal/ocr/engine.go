package ocr

import (
	"fmt"
	"log/slog"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
)

// New builds the engine named by OCR_ENGINE.
func New(cfg common.OCRConfig, logger *slog.Logger) (Engine, error) {
	c := ConfigFrom(cfg)
	switch cfg.Engine {
	case "", "tesseract":
		return NewExtractor(c, logger), nil
	case "azure":
		return NewAzureEngine(cfg.AzureEndpoint, cfg.AzureKey, c, logger), nil
	case "gosseract":
		return newGosseractEngine(c, logger)
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Engine)
	}
}
