package tokenindex

import (
	"errors"
	"math"
	"testing"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

func word(text string, x0, y0, x1, y1, conf float64) entity.RawToken {
	return entity.RawToken{Text: text, X0: x0, Y0: y0, X1: x1, Y1: y1, Confidence: conf}
}

func texts(tokens []entity.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBuild_MissingDimensions(t *testing.T) {
	tests := []struct {
		name string
		w, h float64
	}{
		{"zero width", 0, 1000},
		{"zero height", 1000, 0},
		{"negative", -1, 1000},
		{"nan", math.NaN(), 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(entity.RawPage{Width: tt.w, Height: tt.h, Tokens: []entity.RawToken{word("x", 0, 0, 1, 1, 90)}})
			if !errors.Is(err, common.ErrMissingPageDimensions) {
				t.Fatalf("expected ErrMissingPageDimensions, got %v", err)
			}
		})
	}
}

func TestBuild_EmptyDocument(t *testing.T) {
	pages := map[string]entity.RawPage{
		"no tokens":       {Width: 100, Height: 100},
		"only whitespace": {Width: 100, Height: 100, Tokens: []entity.RawToken{word("  ", 0, 0, 5, 5, 90), word("\t\n", 10, 0, 15, 5, 90)}},
	}
	for name, page := range pages {
		t.Run(name, func(t *testing.T) {
			idx, err := Build(page)
			if !errors.Is(err, common.ErrEmptyDocument) {
				t.Fatalf("expected ErrEmptyDocument, got %v", err)
			}
			if idx != nil {
				t.Fatal("expected no index on failure")
			}
		})
	}
}

func TestBuild_NormalizesBoxesAndConfidence(t *testing.T) {
	idx, err := Build(entity.RawPage{
		Width:  200,
		Height: 400,
		Tokens: []entity.RawToken{
			word(" Total ", 150, 360, 100, 380, 87), // inverted x, percent confidence
			word("edge", -10, 390, 250, 420, 1.5),   // spills off the page
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	tok, _ := idx.Token(0)
	if tok.Text != "Total" {
		t.Fatalf("expected trimmed text, got %q", tok.Text)
	}
	want := entity.BBox{X0: 0.5, Y0: 0.9, X1: 0.75, Y1: 0.95}
	if tok.BBox != want {
		t.Errorf("bbox = %+v, want %+v", tok.BBox, want)
	}
	if math.Abs(tok.OCRConfidence-0.87) > 1e-9 {
		t.Errorf("confidence = %v, want 0.87", tok.OCRConfidence)
	}
	edge, _ := idx.Token(1)
	if edge.BBox.X0 != 0 || edge.BBox.X1 != 1 || edge.BBox.Y1 != 1 {
		t.Errorf("expected clamped bbox, got %+v", edge.BBox)
	}
	if edge.OCRConfidence != 0.015 {
		t.Errorf("confidence = %v, want 0.015", edge.OCRConfidence)
	}
}

func TestBuild_ReadingOrderToleratesSkew(t *testing.T) {
	// Line one drifts down by a few pixels from left to right; line two sits a full line below.
	page := entity.RawPage{
		Width:  1000,
		Height: 1000,
		Tokens: []entity.RawToken{
			word("Widget", 100, 220, 180, 240, 90),
			word("Invoice", 100, 100, 180, 120, 90),
			word("INV-7", 400, 106, 480, 126, 90),
			word("No.", 200, 103, 240, 123, 90),
			word("A", 190, 222, 200, 242, 90),
		},
	}
	idx, err := Build(page)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := texts(idx.Tokens())
	want := []string{"Invoice", "No.", "INV-7", "Widget", "A"}
	if !equalStrings(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	lines := idx.Lines()
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for i, tok := range idx.Tokens() {
		if tok.ID != i {
			t.Errorf("token %q has id %d, want %d", tok.Text, tok.ID, i)
		}
	}
	if tok, _ := idx.Token(3); tok.Line != 1 {
		t.Errorf("Widget on line %d, want 1", tok.Line)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	page := entity.RawPage{Width: 100, Height: 100, Tokens: []entity.RawToken{
		word("b", 10, 10, 20, 20, 90),
		word("a", 10, 10, 20, 20, 90),
		word("c", 50, 10, 60, 20, 90),
	}}
	first, _ := Build(page)
	second, _ := Build(page)
	if !equalStrings(texts(first.Tokens()), texts(second.Tokens())) {
		t.Fatal("reading order is not stable across builds")
	}
	// identical boxes fall back to source order
	if got := texts(first.Tokens()); !equalStrings(got, []string{"b", "a", "c"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestTokensInRegion(t *testing.T) {
	idx, err := Build(entity.RawPage{Width: 100, Height: 100, Tokens: []entity.RawToken{
		word("top-left", 5, 5, 20, 10, 90),
		word("top-right", 70, 5, 95, 10, 90),
		word("bottom-right", 70, 90, 95, 95, 90),
		word("total", 50, 90, 65, 95, 90),
	}})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	got := texts(idx.TokensInRegion(entity.BBox{X0: 0.45, Y0: 0.5, X1: 1, Y1: 1}))
	if want := []string{"total", "bottom-right"}; !equalStrings(got, want) {
		t.Fatalf("region tokens = %v, want %v", got, want)
	}
	if n := len(idx.TokensInRegion(entity.BBox{X0: 0.3, Y0: 0.3, X1: 0.4, Y1: 0.4})); n != 0 {
		t.Fatalf("expected empty region, got %d tokens", n)
	}
}

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{96, 0.96},
		{250, 1},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := NormalizeConfidence(tt.in); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("NormalizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
