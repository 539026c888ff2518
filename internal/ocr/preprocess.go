package ocr

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// Preprocess writes a grayscale, contrast-boosted, sharpened PNG copy of src into dir.
func Preprocess(src, dir string) (string, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	img = Enhance(img)
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(dir, base+".prep.png")
	if err := imaging.Save(img, out); err != nil {
		return "", fmt.Errorf("save preprocessed image: %w", err)
	}
	return out, nil
}

// Enhance applies the grayscale, contrast and sharpen pass used before OCR.
func Enhance(img image.Image) *image.NRGBA {
	out := imaging.Grayscale(img)
	out = imaging.AdjustContrast(out, 30)
	return imaging.Sharpen(out, 1.5)
}

// ImageSize decodes r far enough to report its pixel dimensions.
func ImageSize(r io.Reader) (int, int, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return 0, 0, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}
