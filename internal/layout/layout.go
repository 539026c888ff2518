package layout

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/internal/cache"
	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Closer releases resources held by a model stack.
type Closer interface {
	Close() error
}

// New builds the configured layout model, wrapped with the prediction cache when a
// cache file is set and with a concurrency limit.
func New(cfg *common.Config, logger *slog.Logger) (classify.Model, Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		model classify.Model
		err   error
	)
	switch strings.ToLower(cfg.Layout.Provider) {
	case "", "heuristic":
		model = NewHeuristicModel(cfg.Fusion.DayFirst)
	case "http":
		model, err = NewHTTPModel(cfg.Layout.URL, cfg.Layout.Timeout, logger)
	case "openai":
		model = NewOpenAIModel(cfg.LLM, logger)
	default:
		err = fmt.Errorf("unknown layout provider %q", cfg.Layout.Provider)
	}
	if err != nil {
		return nil, nil, common.NewAppError("CONFIG_ERROR", "layout model", err)
	}

	var closer Closer = nopCloser{}
	if cfg.Layout.CacheFile != "" {
		store, err := cache.Open(cfg.Layout.CacheFile)
		if err != nil {
			return nil, nil, err
		}
		model = cache.Model(model, store, logger)
		closer = store
	}

	logger.Info("layout.model.ready", "model", model.Name(), "cache", cfg.Layout.CacheFile != "", "max_concurrency", cfg.Layout.MaxConcurrency)
	return classify.Limit(model, cfg.Layout.MaxConcurrency), closer, nil
}
