package ocr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

const (
	rowTolerance        = 3.0 // points
	wordSpaceMultiplier = 0.3 // gap larger than 30% of the font size starts a new word
)

// TextLayer reads the embedded text of page 1 and merges glyphs into words. Coordinates
// are PDF points with the origin moved to the top-left corner.
func TextLayer(path string) (page entity.RawPage, err error) {
	defer func() {
		// the pdf reader panics on some malformed files
		if r := recover(); r != nil {
			page, err = entity.RawPage{}, fmt.Errorf("read pdf text layer: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return entity.RawPage{}, fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	if r.NumPage() < 1 {
		return entity.RawPage{}, errors.New("pdf has no pages")
	}
	p := r.Page(1)
	if p.V.IsNull() {
		return entity.RawPage{}, errors.New("pdf page 1 missing")
	}
	w, h, ok := mediaBox(p.V)
	if !ok {
		return entity.RawPage{}, errors.New("pdf page 1 has no MediaBox")
	}

	page = entity.RawPage{Width: w, Height: h, Source: "pdf-text"}
	for _, word := range glyphsToWords(p.Content().Text) {
		text := CleanWord(word.text)
		if text == "" {
			continue
		}
		page.Tokens = append(page.Tokens, entity.RawToken{
			Text:       text,
			X0:         word.x0,
			Y0:         h - word.baseline - word.size,
			X1:         word.x1,
			Y1:         h - word.baseline,
			Confidence: 1,
		})
	}
	return page, nil
}

func mediaBox(v pdf.Value) (float64, float64, bool) {
	for cur := v; !cur.IsNull(); cur = cur.Key("Parent") {
		mb := cur.Key("MediaBox")
		if mb.Len() == 4 {
			w := mb.Index(2).Float64() - mb.Index(0).Float64()
			h := mb.Index(3).Float64() - mb.Index(1).Float64()
			if w > 0 && h > 0 {
				return w, h, true
			}
		}
	}
	return 0, 0, false
}

type pdfWord struct {
	text     string
	x0, x1   float64
	baseline float64
	size     float64
}

// glyphsToWords groups glyphs into rows by baseline, then merges neighbours whose gap
// is under a fraction of the font size. Spaces always break words.
func glyphsToWords(glyphs []pdf.Text) []pdfWord {
	if len(glyphs) == 0 {
		return nil
	}
	sorted := make([]pdf.Text, len(glyphs))
	copy(sorted, glyphs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if math.Abs(sorted[i].Y-sorted[j].Y) > rowTolerance {
			return sorted[i].Y > sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]pdf.Text
	for _, g := range sorted {
		if n := len(rows); n > 0 && math.Abs(rows[n-1][0].Y-g.Y) <= rowTolerance {
			rows[n-1] = append(rows[n-1], g)
			continue
		}
		rows = append(rows, []pdf.Text{g})
	}

	var words []pdfWord
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
		var cur *pdfWord
		flush := func() {
			if cur != nil && strings.TrimSpace(cur.text) != "" {
				words = append(words, *cur)
			}
			cur = nil
		}
		for _, g := range row {
			if strings.TrimSpace(g.S) == "" {
				flush()
				continue
			}
			size := g.FontSize
			if size <= 0 {
				size = 10
			}
			if cur != nil && g.X-cur.x1 <= wordSpaceMultiplier*cur.size {
				cur.text += g.S
				cur.x1 = math.Max(cur.x1, g.X+g.W)
				continue
			}
			flush()
			cur = &pdfWord{text: g.S, x0: g.X, x1: g.X + g.W, baseline: g.Y, size: size}
		}
		flush()
	}
	return words
}

// rasterizeFirstPage renders page 1 to PNG with pdftoppm. cleanup removes the temp dir.
func rasterizeFirstPage(ctx context.Context, r Runner, pdftoppm string, dpi int, path string) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "invfusion-pp-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(tmpDir) }

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -f 1 -l 1 -r 300 -png <in.pdf> <tmp/page>
	_, errb, err := r.Run(ctx, pdftoppm, "-f", "1", "-l", "1", "-r", strconv.Itoa(dpi), "-png", path, prefix)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}
	matches, _ := filepath.Glob(prefix + "*.png")
	if len(matches) == 0 {
		cleanup()
		return "", nil, errors.New("pdftoppm produced no images")
	}
	sort.Strings(matches)
	return matches[0], cleanup, nil
}
