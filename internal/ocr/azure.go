package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/Azure/go-autorest/autorest"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// AzureEngine uses the Computer Vision printed-text OCR. PDFs are rasterized locally first.
type AzureEngine struct {
	client   computervision.BaseClient
	language computervision.OcrLanguages
	pdf      Config
	runner   Runner
	logger   *slog.Logger
}

func NewAzureEngine(endpoint, apiKey string, cfg Config, logger *slog.Logger) *AzureEngine {
	if logger == nil {
		logger = slog.Default()
	}
	client := computervision.New(endpoint)
	client.Authorizer = autorest.NewCognitiveServicesAuthorizer(apiKey)
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	return &AzureEngine{
		client:   client,
		language: azureLanguage(cfg.TesseractLang),
		pdf:      cfg,
		runner:   execRunner{logger: logger},
		logger:   logger,
	}
}

func (a *AzureEngine) Name() string { return "azure" }

func (a *AzureEngine) Recognize(ctx context.Context, path string) (entity.RawPage, error) {
	start := time.Now()
	img := path
	if constants.MapExtToFormat(constants.NormalizeExt(filepath.Ext(path))) == constants.PDF {
		rendered, cleanup, err := rasterizeFirstPage(ctx, a.runner, a.pdf.Pdftoppm, a.pdf.DPI, path)
		if err != nil {
			return entity.RawPage{}, fmt.Errorf("%w: %w", common.ErrOCR, err)
		}
		defer cleanup()
		img = rendered
	}
	data, err := os.ReadFile(img)
	if err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: read %s: %w", common.ErrOCR, img, err)
	}
	w, h, err := ImageSize(bytes.NewReader(data))
	if err != nil {
		return entity.RawPage{}, fmt.Errorf("%w: %w", common.ErrOCR, err)
	}

	result, err := a.client.RecognizePrintedTextInStream(ctx, true, io.NopCloser(bytes.NewReader(data)), a.language)
	if err != nil {
		a.logger.Error("ocr.azure.failed", "path", path, "error", err)
		return entity.RawPage{}, fmt.Errorf("%w: azure recognize: %w", common.ErrOCR, err)
	}
	page := entity.RawPage{Width: float64(w), Height: float64(h), Source: "azure", Tokens: azureWords(result)}
	a.logger.Info("ocr.azure.ok", "path", path, "tokens", len(page.Tokens), "elapsed_ms", time.Since(start).Milliseconds())
	return page, nil
}

// azureWords flattens regions/lines/words. The service reports no per-word confidence.
func azureWords(result computervision.OcrResult) []entity.RawToken {
	var out []entity.RawToken
	if result.Regions == nil {
		return nil
	}
	for _, region := range *result.Regions {
		if region.Lines == nil {
			continue
		}
		for _, line := range *region.Lines {
			if line.Words == nil {
				continue
			}
			for _, word := range *line.Words {
				if word.Text == nil || word.BoundingBox == nil {
					continue
				}
				x, y, w, h, ok := parseAzureBox(*word.BoundingBox)
				text := CleanWord(*word.Text)
				if !ok || text == "" {
					continue
				}
				out = append(out, entity.RawToken{Text: text, X0: x, Y0: y, X1: x + w, Y1: y + h, Confidence: 1})
			}
		}
	}
	return out
}

// parseAzureBox reads the service's "left,top,width,height" box string.
func parseAzureBox(s string) (x, y, w, h float64, ok bool) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return 0, 0, 0, 0, false
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return 0, 0, 0, 0, false
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], true
}

// azureLanguage maps the first tesseract language code onto the service's enum.
func azureLanguage(tessLang string) computervision.OcrLanguages {
	first, _, _ := strings.Cut(tessLang, "+")
	switch first {
	case "spa":
		return computervision.OcrLanguagesEs
	case "eng":
		return computervision.OcrLanguagesEn
	case "fra":
		return computervision.OcrLanguagesFr
	case "deu":
		return computervision.OcrLanguagesDe
	case "ita":
		return computervision.OcrLanguagesIt
	case "por":
		return computervision.OcrLanguagesPt
	default:
		return computervision.OcrLanguagesUnk
	}
}
