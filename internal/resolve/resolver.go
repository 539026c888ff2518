// Package resolve turns labeled tokens into one scored, normalized value per scalar field.
package resolve

import (
	"math"
	"sort"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

const epsilon = 1e-9

// Options tune span grouping and value normalization.
type Options struct {
	MaxSpanGap      float64 // largest horizontal gap, as a fraction of page width, inside one span
	DayFirst        bool
	DefaultCurrency string
}

func DefaultOptions() Options {
	return Options{MaxSpanGap: 0.03, DayFirst: true, DefaultCurrency: "EUR"}
}

// Resolver picks the best candidate for each scalar label. It holds no per-document state.
type Resolver struct {
	opts Options
}

func New(opts Options) *Resolver {
	if opts.MaxSpanGap <= 0 {
		opts.MaxSpanGap = DefaultOptions().MaxSpanGap
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = DefaultOptions().DefaultCurrency
	}
	return &Resolver{opts: opts}
}

// Resolution is the outcome of resolving every scalar label of one document.
type Resolution struct {
	Fields       map[constants.SemanticLabel]entity.FieldCandidate
	Alternatives map[constants.SemanticLabel][]entity.FieldCandidate // ranked, best first
	Warnings     []string
}

// Resolve returns the winning candidate for label, or false when no token carries it.
func (r *Resolver) Resolve(tokens []entity.ClassifiedToken, label constants.SemanticLabel) (*entity.FieldCandidate, bool) {
	ranked := r.Candidates(tokens, label)
	if len(ranked) == 0 {
		return nil, false
	}
	best := ranked[0]
	return &best, true
}

// Candidates returns every span carrying label, best first.
func (r *Resolver) Candidates(tokens []entity.ClassifiedToken, label constants.SemanticLabel) []entity.FieldCandidate {
	spans := r.spans(tokens, label)
	out := make([]entity.FieldCandidate, 0, len(spans))
	for _, span := range spans {
		out = append(out, r.candidate(label, span))
	}
	sort.SliceStable(out, func(i, j int) bool { return better(label, out[i], out[j]) })
	return out
}

// ResolveAll resolves every scalar label in a fixed order.
func (r *Resolver) ResolveAll(tokens []entity.ClassifiedToken) Resolution {
	res := Resolution{
		Fields:       map[constants.SemanticLabel]entity.FieldCandidate{},
		Alternatives: map[constants.SemanticLabel][]entity.FieldCandidate{},
	}
	for _, label := range constants.ScalarLabels() {
		ranked := r.Candidates(tokens, label)
		if len(ranked) == 0 {
			if label.IsMandatory() {
				res.Warnings = append(res.Warnings, "missing mandatory field "+string(label))
			}
			continue
		}
		res.Fields[label] = ranked[0]
		if len(ranked) > 1 {
			res.Alternatives[label] = ranked[1:]
		}
	}
	return res
}

// spans groups consecutive same-label tokens on one line whose horizontal gap is small.
// tokens are expected in reading order.
func (r *Resolver) spans(tokens []entity.ClassifiedToken, label constants.SemanticLabel) [][]entity.ClassifiedToken {
	var out [][]entity.ClassifiedToken
	var cur []entity.ClassifiedToken
	for _, t := range tokens {
		if t.Label != label {
			continue
		}
		if n := len(cur); n > 0 {
			prev := cur[n-1]
			if prev.Line == t.Line && t.BBox.X0-prev.BBox.X1 <= r.opts.MaxSpanGap {
				cur = append(cur, t)
				continue
			}
			out = append(out, cur)
		}
		cur = []entity.ClassifiedToken{t}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (r *Resolver) candidate(label constants.SemanticLabel, span []entity.ClassifiedToken) entity.FieldCandidate {
	words := make([]string, len(span))
	src := make([]entity.Token, len(span))
	var ocr, lab float64
	for i, t := range span {
		words[i] = t.Text
		src[i] = t.Token
		ocr += t.OCRConfidence
		lab += t.LabelConfidence
	}
	n := float64(len(span))
	value := strings.Join(words, " ")
	return entity.FieldCandidate{
		Field:        label,
		Value:        value,
		Normalized:   r.normalize(label, value),
		Confidence:   (ocr / n) * (lab / n),
		SourceTokens: src,
	}
}

func (r *Resolver) normalize(label constants.SemanticLabel, value string) *entity.NormalizedValue {
	switch label {
	case constants.LabelDate:
		d, err := ParseDate(value, r.opts.DayFirst)
		if err != nil {
			return nil
		}
		return &entity.NormalizedValue{Kind: entity.KindDate, Date: d, Text: d.Format("2006-01-02")}
	case constants.LabelSubtotal, constants.LabelTax, constants.LabelTotal:
		amt, cur, err := ParseMoney(value, r.opts.DefaultCurrency)
		if err != nil {
			return nil
		}
		return &entity.NormalizedValue{Kind: entity.KindMoney, Amount: amt, Currency: cur, Text: amt.StringFixed(2)}
	case constants.LabelVendorTaxID, constants.LabelCustomerTaxID:
		id, structured := NormalizeTaxID(value)
		if id == "" {
			return nil
		}
		kind := entity.KindText
		if structured {
			kind = entity.KindIdentifier
		}
		return &entity.NormalizedValue{Kind: kind, Text: id}
	case constants.LabelInvoiceNumber:
		if v := NormalizeInvoiceNumber(value); v != "" {
			return &entity.NormalizedValue{Kind: entity.KindIdentifier, Text: v}
		}
		return nil
	default:
		if v := NormalizeName(value); v != "" {
			return &entity.NormalizedValue{Kind: entity.KindText, Text: v}
		}
		return nil
	}
}

// better orders candidates: confidence, then token count, then distance to where the field
// usually sits, then first token ID.
func better(label constants.SemanticLabel, a, b entity.FieldCandidate) bool {
	if d := a.Confidence - b.Confidence; math.Abs(d) > epsilon {
		return d > 0
	}
	if len(a.SourceTokens) != len(b.SourceTokens) {
		return len(a.SourceTokens) > len(b.SourceTokens)
	}
	da, db := priorDistance(label, a.SourceTokens), priorDistance(label, b.SourceTokens)
	if math.Abs(da-db) > epsilon {
		return da < db
	}
	return a.SourceTokens[0].ID < b.SourceTokens[0].ID
}

// priorDistance measures from the span centroid to the top-right corner for metadata and
// to the bottom-right corner for the totals block.
func priorDistance(label constants.SemanticLabel, tokens []entity.Token) float64 {
	px, py := 1.0, 0.0
	if label.IsTotals() {
		py = 1.0
	}
	var cx, cy float64
	for _, t := range tokens {
		cx += t.BBox.CenterX()
		cy += t.BBox.CenterY()
	}
	n := float64(len(tokens))
	return math.Hypot(cx/n-px, cy/n-py)
}
