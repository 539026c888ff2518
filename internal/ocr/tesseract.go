package ocr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

var errNoPageRow = errors.New("tesseract tsv: no page row")

// tesseract runs `tesseract <img> stdout ... tsv` and parses the word rows.
func (e *Extractor) tesseract(ctx context.Context, img string) (entity.RawPage, error) {
	args := []string{img, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		e.logger.Error("ocr.tesseract.failed", "image", img, "error", err, "stderr", truncate(string(errb), 1<<10))
		return entity.RawPage{}, fmt.Errorf("tesseract: %w", err)
	}
	page, err := ParseTSV(out)
	if err != nil {
		return entity.RawPage{}, err
	}
	page.Source = "tesseract"
	return page, nil
}

// ParseTSV reads tesseract's TSV output. The level-1 row carries the page size and
// level-5 rows are words; conf is 0..100 and -1 marks non-word rows.
func ParseTSV(data []byte) (entity.RawPage, error) {
	var page entity.RawPage
	havePage := false
	for i, ln := range strings.Split(string(data), "\n") {
		ln = strings.TrimRight(ln, "\r")
		if i == 0 || ln == "" {
			continue // header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 11 {
			continue
		}
		level, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		left, _ := strconv.ParseFloat(cols[6], 64)
		top, _ := strconv.ParseFloat(cols[7], 64)
		width, _ := strconv.ParseFloat(cols[8], 64)
		height, _ := strconv.ParseFloat(cols[9], 64)

		switch level {
		case 1:
			if !havePage {
				page.Width, page.Height = width, height
				havePage = true
			}
		case 5:
			conf, err := strconv.ParseFloat(cols[10], 64)
			if err != nil || conf < 0 {
				continue
			}
			text := ""
			if len(cols) > 11 {
				text = CleanWord(strings.Join(cols[11:], " "))
			}
			if text == "" {
				continue
			}
			page.Tokens = append(page.Tokens, entity.RawToken{
				Text:       text,
				X0:         left,
				Y0:         top,
				X1:         left + width,
				Y1:         top + height,
				Confidence: conf / 100,
			})
		}
	}
	if !havePage {
		return entity.RawPage{}, errNoPageRow
	}
	return page, nil
}
