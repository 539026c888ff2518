package classify

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// Prediction is one native label with its score, as returned by a layout model.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Model is a layout/classification model. It must return exactly one prediction per
// input token, in input order.
type Model interface {
	Name() string
	Predict(ctx context.Context, tokens []entity.Token) ([]Prediction, error)
}

// Prelabeled serves labels that arrived with the OCR output, indexed by the token's
// position in that output.
type Prelabeled struct {
	bySource []Prediction
}

func NewPrelabeled(bySource []Prediction) *Prelabeled {
	return &Prelabeled{bySource: bySource}
}

func (p *Prelabeled) Name() string { return "prelabeled" }

// Predict skips tokens it has no label for, which the adapter reports as a mismatch.
func (p *Prelabeled) Predict(_ context.Context, tokens []entity.Token) ([]Prediction, error) {
	out := make([]Prediction, 0, len(tokens))
	for _, t := range tokens {
		if t.Source < 0 || t.Source >= len(p.bySource) {
			continue
		}
		out = append(out, p.bySource[t.Source])
	}
	return out, nil
}

type limited struct {
	next Model
	sem  *semaphore.Weighted
}

// Limit bounds the number of concurrent Predict calls on m. n <= 1 serializes them.
func Limit(m Model, n int) Model {
	if n < 1 {
		n = 1
	}
	return &limited{next: m, sem: semaphore.NewWeighted(int64(n))}
}

func (l *limited) Name() string { return l.next.Name() }

func (l *limited) Predict(ctx context.Context, tokens []entity.Token) ([]Prediction, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.next.Predict(ctx, tokens)
}
