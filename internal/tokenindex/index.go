// Package tokenindex turns raw OCR words into page-normalized tokens in reading order.
package tokenindex

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// Index is an immutable, reading-ordered view over one page's tokens.
type Index struct {
	tokens    []entity.Token
	lines     [][]int
	pageIndex int
}

type pending struct {
	src  int
	text string
	box  entity.BBox
	conf float64
}

// Build normalizes raw OCR tokens against the page size and orders them top-to-bottom,
// then left-to-right. Tokens whose vertical centers are within one token height of a
// line's mean center are read as the same line.
func Build(page entity.RawPage) (*Index, error) {
	if !(page.Width > 0) || !(page.Height > 0) || math.IsInf(page.Width, 0) || math.IsInf(page.Height, 0) {
		return nil, fmt.Errorf("%w: page %d has width=%v height=%v",
			common.ErrMissingPageDimensions, page.PageIndex, page.Width, page.Height)
	}

	items := make([]pending, 0, len(page.Tokens))
	for i, rt := range page.Tokens {
		text := strings.TrimSpace(rt.Text)
		if text == "" {
			continue
		}
		items = append(items, pending{
			src:  i,
			text: text,
			box:  normalizeBox(rt, page.Width, page.Height),
			conf: NormalizeConfidence(rt.Confidence),
		})
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: page %d has no text tokens", common.ErrEmptyDocument, page.PageIndex)
	}

	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := items[i].box.CenterY(), items[j].box.CenterY()
		if ci != cj {
			return ci < cj
		}
		if items[i].box.X0 != items[j].box.X0 {
			return items[i].box.X0 < items[j].box.X0
		}
		return items[i].src < items[j].src
	})

	var groups [][]pending
	var sumCY, sumH float64
	for _, it := range items {
		if n := len(groups); n > 0 {
			cur := groups[n-1]
			k := float64(len(cur))
			meanCY, meanH := sumCY/k, sumH/k
			tol := math.Max(meanH, it.box.Height())
			d := math.Abs(it.box.CenterY() - meanCY)
			if d < tol || d == 0 {
				groups[n-1] = append(cur, it)
				sumCY += it.box.CenterY()
				sumH += it.box.Height()
				continue
			}
		}
		groups = append(groups, []pending{it})
		sumCY, sumH = it.box.CenterY(), it.box.Height()
	}

	idx := &Index{
		tokens:    make([]entity.Token, 0, len(items)),
		lines:     make([][]int, 0, len(groups)),
		pageIndex: page.PageIndex,
	}
	for lineNo, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].box.X0 != g[j].box.X0 {
				return g[i].box.X0 < g[j].box.X0
			}
			return g[i].src < g[j].src
		})
		ids := make([]int, 0, len(g))
		for _, it := range g {
			id := len(idx.tokens)
			idx.tokens = append(idx.tokens, entity.Token{
				ID:            id,
				Source:        it.src,
				Text:          it.text,
				BBox:          it.box,
				PageIndex:     page.PageIndex,
				OCRConfidence: it.conf,
				Line:          lineNo,
			})
			ids = append(ids, id)
		}
		idx.lines = append(idx.lines, ids)
	}
	return idx, nil
}

// Len is the number of tokens in the index.
func (x *Index) Len() int { return len(x.tokens) }

// PageIndex is the page the tokens came from.
func (x *Index) PageIndex() int { return x.pageIndex }

// Tokens returns a copy of all tokens in reading order.
func (x *Index) Tokens() []entity.Token {
	out := make([]entity.Token, len(x.tokens))
	copy(out, x.tokens)
	return out
}

// Token looks a token up by ID.
func (x *Index) Token(id int) (entity.Token, bool) {
	if id < 0 || id >= len(x.tokens) {
		return entity.Token{}, false
	}
	return x.tokens[id], true
}

// Lines returns tokens grouped by text line, top to bottom.
func (x *Index) Lines() [][]entity.Token {
	out := make([][]entity.Token, len(x.lines))
	for i, ids := range x.lines {
		line := make([]entity.Token, len(ids))
		for j, id := range ids {
			line[j] = x.tokens[id]
		}
		out[i] = line
	}
	return out
}

// TokensInRegion returns the tokens whose center falls inside region, in reading order.
func (x *Index) TokensInRegion(region entity.BBox) []entity.Token {
	var out []entity.Token
	for _, t := range x.tokens {
		if region.Contains(t.BBox.CenterX(), t.BBox.CenterY()) {
			out = append(out, t)
		}
	}
	return out
}

// NormalizeConfidence maps an engine score into [0,1]. Scores in (1,100] are read as percentages.
func NormalizeConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c) || c <= 0:
		return 0
	case c <= 1:
		return c
	case c <= 100:
		return c / 100
	default:
		return 1
	}
}

func normalizeBox(rt entity.RawToken, w, h float64) entity.BBox {
	x0, x1 := rt.X0, rt.X1
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	y0, y1 := rt.Y0, rt.Y1
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	return entity.BBox{
		X0: clamp01(x0 / w),
		Y0: clamp01(y0 / h),
		X1: clamp01(x1 / w),
		Y1: clamp01(y1 / h),
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
