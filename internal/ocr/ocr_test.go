package ocr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/services/cognitiveservices/v3.0/computervision"
	"github.com/disintegration/imaging"

	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t2480\t3508\t-1\t\n" +
	"2\t1\t1\t0\t0\t0\t100\t100\t800\t60\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t100\t100\t300\t40\t96.5\tFACTURA\n" +
	"5\t1\t1\t1\t1\t2\t420\t100\t200\t40\t91\tF-001\n" +
	"5\t1\t1\t1\t1\t3\t700\t100\t10\t40\t95\t \n" +
	"5\t1\t1\t1\t2\t1\t100\t200\t400\t5\t30\t-----\n" +
	"5\t1\t1\t1\t2\t2\t100\t300\t120\t40\t-1\tghost\n"

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	calls  []call
	stdout map[string][]byte
	fail   map[string]error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, call{name: name, args: args})
	if err := f.fail[name]; err != nil {
		return nil, []byte("boom"), err
	}
	if name == "pdftoppm" {
		prefix := args[len(args)-1]
		if err := os.WriteFile(prefix+"-1.png", []byte("png"), 0o644); err != nil {
			return nil, nil, err
		}
	}
	return f.stdout[name], nil, nil
}

func testExtractor(r Runner, cfg Config) *Extractor {
	e := NewExtractor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.runner = r
	return e
}

func TestParseTSV(t *testing.T) {
	page, err := ParseTSV([]byte(sampleTSV))
	if err != nil {
		t.Fatalf("ParseTSV: %v", err)
	}
	if page.Width != 2480 || page.Height != 3508 {
		t.Errorf("page size = %vx%v", page.Width, page.Height)
	}
	if len(page.Tokens) != 2 {
		t.Fatalf("tokens = %+v, want 2", page.Tokens)
	}
	want := entity.RawToken{Text: "FACTURA", X0: 100, Y0: 100, X1: 400, Y1: 140, Confidence: 0.965}
	if page.Tokens[0] != want {
		t.Errorf("token[0] = %+v, want %+v", page.Tokens[0], want)
	}
	if page.Tokens[1].Text != "F-001" {
		t.Errorf("token[1] = %+v", page.Tokens[1])
	}
}

func TestParseTSV_NoPageRow(t *testing.T) {
	if _, err := ParseTSV([]byte("level\tpage_num\n")); err == nil {
		t.Error("expected error without a page row")
	}
}

func TestRecognize_Image(t *testing.T) {
	r := &fakeRunner{stdout: map[string][]byte{"tesseract": []byte(sampleTSV)}}
	e := testExtractor(r, Config{TesseractLang: "spa", PSM: 6, TessdataDir: "/td"})

	page, err := e.Recognize(context.Background(), "/in/scan.PNG")
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if page.Source != "tesseract" || len(page.Tokens) != 2 {
		t.Errorf("page = %+v", page)
	}
	if len(r.calls) != 1 {
		t.Fatalf("calls = %+v", r.calls)
	}
	got := strings.Join(r.calls[0].args, " ")
	want := "/in/scan.PNG stdout -l spa --psm 6 --tessdata-dir /td tsv"
	if got != want {
		t.Errorf("tesseract args = %q, want %q", got, want)
	}
}

func TestRecognize_ScannedPDFRasterizesFirstPage(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "scan.pdf")
	if err := os.WriteFile(pdfPath, []byte("not really a pdf"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := &fakeRunner{stdout: map[string][]byte{"tesseract": []byte(sampleTSV)}}
	e := testExtractor(r, Config{DPI: 200})

	page, err := e.Recognize(context.Background(), pdfPath)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(page.Tokens) != 2 {
		t.Errorf("tokens = %d", len(page.Tokens))
	}
	if len(r.calls) != 2 || r.calls[0].name != "pdftoppm" || r.calls[1].name != "tesseract" {
		t.Fatalf("calls = %+v", r.calls)
	}
	pp := strings.Join(r.calls[0].args[:8], " ")
	if pp != "-f 1 -l 1 -r 200 -png "+pdfPath {
		t.Errorf("pdftoppm args = %q", pp)
	}
	if !strings.HasSuffix(r.calls[1].args[0], "page-1.png") {
		t.Errorf("tesseract input = %q", r.calls[1].args[0])
	}
}

func TestRecognize_Errors(t *testing.T) {
	e := testExtractor(&fakeRunner{}, Config{})
	_, err := e.Recognize(context.Background(), "notes.docx")
	if common.ErrorKind(err) != common.KindInvalidInput {
		t.Errorf("unsupported extension kind = %q (%v)", common.ErrorKind(err), err)
	}

	failing := &fakeRunner{fail: map[string]error{"tesseract": errors.New("exit status 1")}}
	_, err = testExtractor(failing, Config{}).Recognize(context.Background(), "a.jpg")
	if !errors.Is(err, common.ErrOCR) {
		t.Errorf("err = %v, want ErrOCR", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = testExtractor(failing, Config{}).Recognize(ctx, "a.jpg")
	if common.ErrorKind(err) != common.KindCanceled {
		t.Errorf("canceled kind = %q (%v)", common.ErrorKind(err), err)
	}
}

func TestCleanWord(t *testing.T) {
	tests := map[string]string{
		"  Total\x00 ": "Total",
		"-----":        "",
		"|":            "",
		"a  b":         "a b",
		"27,50":        "27,50",
		"...":          "",
	}
	for in, want := range tests {
		if got := CleanWord(in); got != want {
			t.Errorf("CleanWord(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAzureLanguage(t *testing.T) {
	tests := []struct {
		lang string
		want computervision.OcrLanguages
	}{
		{"spa", computervision.OcrLanguagesEs},
		{"spa+eng", computervision.OcrLanguagesEs},
		{"eng", computervision.OcrLanguagesEn},
		{"fra", computervision.OcrLanguagesFr},
		{"deu", computervision.OcrLanguagesDe},
		{"ita", computervision.OcrLanguagesIt},
		{"por", computervision.OcrLanguagesPt},
		{"cat", computervision.OcrLanguagesUnk},
		{"", computervision.OcrLanguagesUnk},
	}
	for _, tt := range tests {
		t.Run(tt.lang, func(t *testing.T) {
			if got := azureLanguage(tt.lang); got != tt.want {
				t.Errorf("azureLanguage(%q) = %q, want %q", tt.lang, got, tt.want)
			}
		})
	}
}

func TestAzureWords(t *testing.T) {
	str := func(s string) *string { return &s }
	words := []computervision.OcrWord{
		{BoundingBox: str("10,20,30,40"), Text: str("IVA")},
		{BoundingBox: str("bad"), Text: str("skip")},
		{BoundingBox: str("50,20,30,40"), Text: str(" ")},
	}
	lines := []computervision.OcrLine{{Words: &words}}
	regions := []computervision.OcrRegion{{Lines: &lines}}

	got := azureWords(computervision.OcrResult{Regions: &regions})
	want := []entity.RawToken{{Text: "IVA", X0: 10, Y0: 20, X1: 40, Y1: 60, Confidence: 1}}
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("azureWords = %+v, want %+v", got, want)
	}
	if azureWords(computervision.OcrResult{}) != nil {
		t.Error("expected nil for empty result")
	}
}

func TestPreprocessAndImageSize(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "scan.png")
	img := imaging.New(64, 32, color.White)
	if err := imaging.Save(img, src); err != nil {
		t.Fatal(err)
	}
	out, err := Preprocess(src, dir)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w, h, err := ImageSize(f)
	if err != nil {
		t.Fatalf("ImageSize: %v", err)
	}
	if w != 64 || h != 32 {
		t.Errorf("size = %dx%d, want 64x32", w, h)
	}
	if b := Enhance(image.NewGray(image.Rect(0, 0, 4, 4))).Bounds(); b.Dx() != 4 {
		t.Errorf("Enhance bounds = %v", b)
	}
}

func TestDumpTokens(t *testing.T) {
	var buf bytes.Buffer
	page := entity.RawPage{Width: 10, Height: 20, Tokens: []entity.RawToken{{Text: "x", X1: 1, Y1: 1, Confidence: 0.5}}}
	if err := DumpTokens(&buf, page); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"text": "x"`) {
		t.Errorf("dump = %s", buf.String())
	}

	path, err := SaveDump(t.TempDir(), "/docs/inv 1.pdf", page)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "inv 1.ocr.json" {
		t.Errorf("dump path = %s", path)
	}
}

func TestNewEngine(t *testing.T) {
	e, err := New(common.OCRConfig{Engine: "tesseract"}, nil)
	if err != nil || e.Name() != "tesseract" {
		t.Errorf("tesseract engine = %v, %v", e, err)
	}
	e, err = New(common.OCRConfig{Engine: "azure", AzureEndpoint: "https://example.invalid", AzureKey: "k"}, nil)
	if err != nil || e.Name() != "azure" {
		t.Errorf("azure engine = %v, %v", e, err)
	}
	if _, err := New(common.OCRConfig{Engine: "abbyy"}, nil); err == nil {
		t.Error("expected error for unknown engine")
	}
}
