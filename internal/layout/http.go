// Package layout provides the layout models that label OCR tokens: a remote
// token-classification service, an OpenAI-compatible chat model and an offline
// keyword heuristic.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/llm"
	"github.com/joseph-ayodele/invoice-fusion/internal/metrics"
)

// HTTPModel calls a LayoutLM-style service: POST {base}/predict with words and boxes
// on the 0..1000 grid, answered by parallel label and score arrays.
type HTTPModel struct {
	url    string
	client *http.Client
	schema *jsonschema.Schema
	logger *slog.Logger
}

type predictRequest struct {
	Words  []string `json:"words"`
	Boxes  [][4]int `json:"boxes"`
	Width  int      `json:"width"`
	Height int      `json:"height"`
}

type predictResponse struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

func NewHTTPModel(baseURL string, timeout time.Duration, logger *slog.Logger) (*HTTPModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("layout http: empty url")
	}
	schema, err := llm.CompileSchema(llm.BuildPredictionSchema())
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPModel{
		url:    strings.TrimRight(baseURL, "/") + "/predict",
		client: &http.Client{Timeout: timeout},
		schema: schema,
		logger: logger,
	}, nil
}

func (m *HTTPModel) Name() string { return "http" }

func (m *HTTPModel) Predict(ctx context.Context, tokens []entity.Token) ([]classify.Prediction, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	req := predictRequest{
		Words:  make([]string, len(tokens)),
		Boxes:  make([][4]int, len(tokens)),
		Width:  1000,
		Height: 1000,
	}
	for i, t := range tokens {
		req.Words[i] = t.Text
		req.Boxes[i] = [4]int{llm.Scale1000(t.BBox.X0), llm.Scale1000(t.BBox.Y0), llm.Scale1000(t.BBox.X1), llm.Scale1000(t.BBox.Y1)}
	}

	start := time.Now()
	raw, err := llm.SendJSON(ctx, m.client, m.url, req, nil, m.logger)
	metrics.ObserveStage("model", start)
	if err != nil {
		return nil, fmt.Errorf("layout http predict: %w", err)
	}
	if err := llm.ValidateJSON(m.schema, raw); err != nil {
		m.logger.Error("layout.http.invalid_response", "error", err)
		return nil, fmt.Errorf("layout http response: %w", err)
	}
	var resp predictResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("layout http decode: %w", err)
	}
	if len(resp.Scores) > 0 && len(resp.Scores) != len(resp.Labels) {
		return nil, fmt.Errorf("layout http: %d scores for %d labels", len(resp.Scores), len(resp.Labels))
	}

	out := make([]classify.Prediction, len(resp.Labels))
	for i, l := range resp.Labels {
		score := 1.0
		if len(resp.Scores) > 0 {
			score = resp.Scores[i]
		}
		out[i] = classify.Prediction{Label: l, Confidence: score}
	}
	m.logger.Debug("layout.http.ok", "tokens", len(tokens), "predictions", len(out), "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}
