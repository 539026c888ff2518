package classify

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/tokenindex"
)

type fakeModel struct {
	preds []Prediction
	err   error
	calls int
}

func (f *fakeModel) Name() string { return "fake" }

func (f *fakeModel) Predict(_ context.Context, _ []entity.Token) ([]Prediction, error) {
	f.calls++
	return f.preds, f.err
}

func buildIndex(t *testing.T, words ...string) *tokenindex.Index {
	t.Helper()
	page := entity.RawPage{Width: 1000, Height: 1000}
	for i, w := range words {
		x := float64(10 + i*100)
		page.Tokens = append(page.Tokens, entity.RawToken{Text: w, X0: x, Y0: 10, X1: x + 80, Y1: 30, Confidence: 95})
	}
	idx, err := tokenindex.Build(page)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return idx
}

func TestClassify_MapsLabelsAndClampsConfidence(t *testing.T) {
	idx := buildIndex(t, "INV-1", "Acme", "27,50", "noise")
	model := &fakeModel{preds: []Prediction{
		{Label: "B-INVOICE_NUM", Confidence: 0.9},
		{Label: "seller", Confidence: 1.7},
		{Label: "total.total_price", Confidence: math.NaN()},
		{Label: "something-new", Confidence: -0.2},
	}}
	a := NewAdapter(model, nil, nil)

	got, err := a.Classify(context.Background(), idx)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	want := []struct {
		label constants.SemanticLabel
		conf  float64
	}{
		{constants.LabelInvoiceNumber, 0.9},
		{constants.LabelVendorName, 1},
		{constants.LabelTotal, 0},
		{constants.LabelOther, 0},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Label != w.label || got[i].LabelConfidence != w.conf {
			t.Errorf("token %d = (%s, %v), want (%s, %v)", i, got[i].Label, got[i].LabelConfidence, w.label, w.conf)
		}
		if got[i].ID != i {
			t.Errorf("token %d lost its id: %d", i, got[i].ID)
		}
	}
}

func TestClassify_CountMismatch(t *testing.T) {
	idx := buildIndex(t, "a", "b", "c")
	tests := map[string][]Prediction{
		"too few":  {{Label: "OTHER"}, {Label: "OTHER"}},
		"too many": {{Label: "OTHER"}, {Label: "OTHER"}, {Label: "OTHER"}, {Label: "OTHER"}},
		"none":     nil,
	}
	for name, preds := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewAdapter(&fakeModel{preds: preds}, nil, nil).Classify(context.Background(), idx)
			if !errors.Is(err, common.ErrModelOutputMismatch) {
				t.Fatalf("expected ErrModelOutputMismatch, got %v", err)
			}
		})
	}
}

func TestClassify_ModelErrorIsNotMismatch(t *testing.T) {
	idx := buildIndex(t, "a")
	boom := errors.New("gpu on fire")
	_, err := NewAdapter(&fakeModel{err: boom}, nil, nil).Classify(context.Background(), idx)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped model error, got %v", err)
	}
	if errors.Is(err, common.ErrModelOutputMismatch) {
		t.Fatal("transport errors must not be reported as mismatches")
	}
}

func TestPrelabeled_FollowsSourceOrder(t *testing.T) {
	// Raw order is right-to-left; the index reorders left-to-right.
	page := entity.RawPage{Width: 100, Height: 100, Tokens: []entity.RawToken{
		{Text: "27.50", X0: 80, Y0: 10, X1: 95, Y1: 15, Confidence: 0.9},
		{Text: " ", X0: 60, Y0: 10, X1: 62, Y1: 15, Confidence: 0.9},
		{Text: "Total", X0: 10, Y0: 10, X1: 30, Y1: 15, Confidence: 0.9},
	}}
	idx, err := tokenindex.Build(page)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	model := NewPrelabeled([]Prediction{
		{Label: "TOTAL", Confidence: 0.8},
		{Label: "OTHER", Confidence: 0.1},
		{Label: "OTHER", Confidence: 0.7},
	})
	got, err := NewAdapter(model, nil, nil).Classify(context.Background(), idx)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got[0].Text != "Total" || got[0].Label != constants.LabelOther {
		t.Errorf("first token = %s/%s", got[0].Text, got[0].Label)
	}
	if got[1].Text != "27.50" || got[1].Label != constants.LabelTotal {
		t.Errorf("second token = %s/%s", got[1].Text, got[1].Label)
	}
}

type slowModel struct {
	active, peak int32
}

func (s *slowModel) Name() string { return "slow" }

func (s *slowModel) Predict(_ context.Context, tokens []entity.Token) ([]Prediction, error) {
	n := atomic.AddInt32(&s.active, 1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(&s.active, -1)
	return make([]Prediction, len(tokens)), nil
}

func TestLimit_SerializesCalls(t *testing.T) {
	inner := &slowModel{}
	m := Limit(inner, 1)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Predict(context.Background(), nil); err != nil {
				t.Errorf("Predict: %v", err)
			}
		}()
	}
	wg.Wait()
	if peak := atomic.LoadInt32(&inner.peak); peak != 1 {
		t.Fatalf("peak concurrency = %d, want 1", peak)
	}
}

func TestLimit_RespectsContext(t *testing.T) {
	m := Limit(&slowModel{}, 1).(*limited)
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	defer m.sem.Release(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Predict(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
