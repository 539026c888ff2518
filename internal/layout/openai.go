package layout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/llm"
	"github.com/joseph-ayodele/invoice-fusion/internal/metrics"
)

// OpenAIModel asks an OpenAI-compatible chat model to label every token.
type OpenAIModel struct {
	client      *openai.Client
	model       string
	temperature float32
	timeout     time.Duration
	lenient     bool
	labels      []string
	schema      map[string]any
	logger      *slog.Logger
}

func NewOpenAIModel(cfg common.LLMConfig, logger *slog.Logger) *OpenAIModel {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	labels := make([]string, 0, len(constants.AllLabels()))
	for _, l := range constants.AllLabels() {
		labels = append(labels, string(l))
	}
	return &OpenAIModel{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		lenient:     cfg.LenientOptional,
		labels:      labels,
		schema:      llm.BuildLabelSchema(labels),
		logger:      logger,
	}
}

func (m *OpenAIModel) Name() string { return "openai:" + m.model }

type labelEntry struct {
	ID         int      `json:"id"`
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Predict returns predictions ordered by token id. Ids the model skipped are left out, so
// a short answer surfaces as a count mismatch rather than a silent shift.
func (m *OpenAIModel) Predict(ctx context.Context, tokens []entity.Token) ([]classify.Prediction, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:       m.model,
		Temperature: m.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llm.BuildLabelSystemPrompt(m.labels)},
			{Role: openai.ChatMessageRoleUser, Content: llm.BuildLabelUserPrompt(tokens)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	start := time.Now()
	resp, err := m.client.CreateChatCompletion(ctx, req)
	metrics.ObserveStage("model", start)
	if err != nil {
		return nil, parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty completion")
	}
	raw := []byte(resp.Choices[0].Message.Content)

	if err := llm.ValidateJSONAgainstSchema(m.schema, raw); err != nil {
		if !m.lenient {
			m.logger.Error("layout.openai.schema_failed", "error", err)
			return nil, fmt.Errorf("openai labels: %w", err)
		}
		cleaned, _, serr := llm.SanitizeLabelEntries(raw, m.labels, m.logger)
		if serr != nil {
			return nil, fmt.Errorf("openai labels: %w", serr)
		}
		if err := llm.ValidateJSONAgainstSchema(m.schema, cleaned); err != nil {
			return nil, fmt.Errorf("openai labels after sanitize: %w", err)
		}
		raw = cleaned
	}

	var parsed struct {
		Labels []labelEntry `json:"labels"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("openai labels decode: %w", err)
	}
	preds, dropped := orderByID(parsed.Labels, len(tokens))
	if dropped > 0 {
		m.logger.Warn("layout.openai.dropped_entries", "model", m.model, "dropped", dropped, "entries", len(parsed.Labels))
	}

	m.logger.Info("layout.openai.ok",
		"model", m.model,
		"tokens", len(tokens),
		"predictions", len(preds),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return preds, nil
}

// orderByID keeps the first entry per id below n, sorted by id, and reports
// how many duplicate or out-of-range entries it discarded.
func orderByID(entries []labelEntry, n int) ([]classify.Prediction, int) {
	byID := make(map[int]labelEntry, len(entries))
	dropped := 0
	for _, e := range entries {
		if e.ID < 0 || e.ID >= n {
			dropped++
			continue
		}
		if _, dup := byID[e.ID]; dup {
			dropped++
			continue
		}
		byID[e.ID] = e
	}
	ids := make([]int, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]classify.Prediction, len(ids))
	for i, id := range ids {
		e := byID[id]
		conf := 1.0
		if e.Confidence != nil {
			conf = *e.Confidence
		}
		out[i] = classify.Prediction{Label: e.Label, Confidence: conf}
	}
	return out, dropped
}

func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai request error %d: %w", reqErr.HTTPStatusCode, err)
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai api error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	return fmt.Errorf("openai: %w", err)
}
