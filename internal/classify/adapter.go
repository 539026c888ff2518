// Package classify maps layout-model output onto the canonical label vocabulary.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/tokenindex"
)

// Adapter runs a Model over a token index and translates its predictions.
type Adapter struct {
	model  Model
	labels *LabelMap
	logger *slog.Logger
}

func NewAdapter(model Model, labels *LabelMap, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if labels == nil {
		labels = DefaultLabelMap()
	}
	return &Adapter{model: model, labels: labels, logger: logger}
}

// ModelName is the name of the wrapped model.
func (a *Adapter) ModelName() string { return a.model.Name() }

// Classify labels every token of idx. It fails with ErrModelOutputMismatch when the model
// returns a different number of predictions than there are tokens.
func (a *Adapter) Classify(ctx context.Context, idx *tokenindex.Index) ([]entity.ClassifiedToken, error) {
	preds, err := a.model.Predict(ctx, idx.Tokens())
	if err != nil {
		a.logger.Error("classify.predict.failed", "model", a.model.Name(), "error", err)
		return nil, fmt.Errorf("layout model %s: %w", a.model.Name(), err)
	}
	return a.Apply(idx, preds)
}

// Apply translates already-computed predictions for idx.
func (a *Adapter) Apply(idx *tokenindex.Index, preds []Prediction) ([]entity.ClassifiedToken, error) {
	if len(preds) != idx.Len() {
		a.logger.Error("classify.mismatch", "model", a.model.Name(), "tokens", idx.Len(), "predictions", len(preds))
		return nil, fmt.Errorf("%w: model %s returned %d predictions for %d tokens",
			common.ErrModelOutputMismatch, a.model.Name(), len(preds), idx.Len())
	}

	tokens := idx.Tokens()
	out := make([]entity.ClassifiedToken, len(tokens))
	unknown := map[string]int{}
	for i, t := range tokens {
		label, ok := a.labels.Lookup(preds[i].Label)
		if !ok {
			unknown[preds[i].Label]++
		}
		out[i] = entity.ClassifiedToken{
			Token:           t,
			Label:           label,
			LabelConfidence: ClampConfidence(preds[i].Confidence),
		}
	}
	if len(unknown) > 0 {
		names := make([]string, 0, len(unknown))
		for n := range unknown {
			names = append(names, n)
		}
		sort.Strings(names)
		a.logger.Warn("classify.unknown_labels", "model", a.model.Name(), "labels", names)
	}
	return out, nil
}

// ClampConfidence forces a score into [0,1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
