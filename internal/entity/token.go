package entity

import "github.com/joseph-ayodele/invoice-fusion/constants"

// BBox is an axis-aligned box. Inside the engine coordinates are page-normalized to [0,1].
type BBox struct {
	X0 float64 `json:"x0"`
	Y0 float64 `json:"y0"`
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
}

func (b BBox) Width() float64   { return b.X1 - b.X0 }
func (b BBox) Height() float64  { return b.Y1 - b.Y0 }
func (b BBox) CenterX() float64 { return (b.X0 + b.X1) / 2 }
func (b BBox) CenterY() float64 { return (b.Y0 + b.Y1) / 2 }

// Contains reports whether (x, y) lies inside b, edges included.
func (b BBox) Contains(x, y float64) bool {
	return x >= b.X0 && x <= b.X1 && y >= b.Y0 && y <= b.Y1
}

// RawToken is one word as reported by an OCR engine, in pixel coordinates.
type RawToken struct {
	Text       string  `json:"text"`
	X0         float64 `json:"x0"`
	Y0         float64 `json:"y0"`
	X1         float64 `json:"x1"`
	Y1         float64 `json:"y1"`
	Confidence float64 `json:"confidence"`
}

// RawPage is the OCR output for one page. Width and Height are required to normalize boxes.
type RawPage struct {
	Width     float64    `json:"width"`
	Height    float64    `json:"height"`
	PageIndex int        `json:"page_index"`
	Source    string     `json:"source,omitempty"` // engine that produced the page
	Tokens    []RawToken `json:"tokens"`
}

// Token is a normalized OCR token owned by a token index.
type Token struct {
	ID            int     `json:"id"`     // position in reading order
	Source        int     `json:"source"` // position in the OCR output
	Text          string  `json:"text"`
	BBox          BBox    `json:"bbox"`
	PageIndex     int     `json:"page_index"`
	OCRConfidence float64 `json:"ocr_confidence"`
	Line          int     `json:"line"` // reading-order text line
}

// ClassifiedToken is a Token plus its canonical layout label.
type ClassifiedToken struct {
	Token
	Label           constants.SemanticLabel `json:"label"`
	LabelConfidence float64                 `json:"label_confidence"`
}
