package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/common"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/fusion"
	"github.com/joseph-ayodele/invoice-fusion/internal/tokenindex"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type word struct {
	text           string
	x0, y0, x1, y1 float64
}

// spanishInvoice is a workshop invoice on a 1000x1000 canvas with a two-column header.
func spanishInvoice() entity.RawPage {
	words := []word{
		{"Talleres", 50, 50, 140, 70}, {"García", 145, 50, 230, 70}, {"S.L.", 235, 50, 280, 70},
		{"FACTURA", 700, 50, 820, 70},
		{"NIF:", 50, 90, 90, 110}, {"B12345678", 95, 90, 200, 110},
		{"Nº:", 700, 90, 730, 110}, {"F-2024/017", 735, 90, 860, 110},
		{"Fecha:", 700, 130, 760, 150}, {"15/03/2024", 765, 130, 880, 150},
		{"Cliente:", 600, 200, 670, 220}, {"Comercial", 675, 200, 770, 220}, {"López", 775, 200, 840, 220},
		{"CIF:", 600, 240, 640, 260}, {"A87654321", 645, 240, 760, 260},
		{"Descripción", 50, 300, 170, 320}, {"Cantidad", 480, 300, 560, 320}, {"Precio", 640, 300, 700, 320}, {"Importe", 800, 300, 880, 320},
		{"Revisión", 50, 340, 130, 360}, {"general", 135, 340, 210, 360}, {"2", 500, 340, 515, 360}, {"50,00", 640, 340, 700, 360}, {"100,00", 800, 340, 870, 360},
		{"Cambio", 50, 380, 120, 400}, {"aceite", 125, 380, 190, 400}, {"1", 500, 380, 515, 400}, {"35,50", 640, 380, 700, 400}, {"35,50", 800, 380, 870, 400},
		{"Base", 600, 600, 650, 620}, {"imponible:", 655, 600, 760, 620}, {"135,50", 800, 600, 870, 620},
		{"IVA", 600, 640, 640, 660}, {"21%:", 645, 640, 690, 660}, {"28,46", 800, 640, 870, 660},
		{"TOTAL:", 600, 680, 670, 700}, {"163,96", 800, 680, 870, 700}, {"€", 875, 680, 890, 700},
	}
	page := entity.RawPage{Width: 1000, Height: 1000}
	for _, w := range words {
		page.Tokens = append(page.Tokens, entity.RawToken{Text: w.text, X0: w.x0, Y0: w.y0, X1: w.x1, Y1: w.y1, Confidence: 95})
	}
	return page
}

func TestHeuristicModel_Labels(t *testing.T) {
	idx, err := tokenindex.Build(spanishInvoice())
	if err != nil {
		t.Fatal(err)
	}
	tokens := idx.Tokens()
	preds, err := NewHeuristicModel(true).Predict(context.Background(), tokens)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(preds) != len(tokens) {
		t.Fatalf("%d predictions for %d tokens", len(preds), len(tokens))
	}

	got := map[string][]string{}
	for i, tok := range tokens {
		got[preds[i].Label] = append(got[preds[i].Label], tok.Text)
	}
	want := map[constants.SemanticLabel]string{
		constants.LabelVendorName:        "Talleres García S.L.",
		constants.LabelVendorTaxID:       "B12345678",
		constants.LabelInvoiceNumber:     "F-2024/017",
		constants.LabelDate:              "15/03/2024",
		constants.LabelCustomerName:      "Comercial López",
		constants.LabelCustomerTaxID:     "A87654321",
		constants.LabelLineItemDesc:      "Revisión general Cambio aceite",
		constants.LabelLineItemQty:       "2 1",
		constants.LabelLineItemUnitPrice: "50,00 35,50",
		constants.LabelLineItemAmount:    "100,00 35,50",
		constants.LabelSubtotal:          "135,50",
		constants.LabelTax:               "28,46",
		constants.LabelTotal:             "163,96 €",
	}
	for label, text := range want {
		if g := strings.Join(got[string(label)], " "); g != text {
			t.Errorf("%s = %q, want %q", label, g, text)
		}
	}
	for _, caption := range []string{"FACTURA", "Fecha:", "Descripción", "IVA", "21%:"} {
		if !contains(got[string(constants.LabelOther)], caption) {
			t.Errorf("%q should be OTHER", caption)
		}
	}
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func TestHeuristicModel_EndToEnd(t *testing.T) {
	engine := fusion.NewEngine(NewHeuristicModel(true), fusion.DefaultOptions(), discardLogger())
	rec, err := engine.Process(context.Background(), spanishInvoice())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Status != constants.StatusOK {
		t.Errorf("Status = %s, warnings %v", rec.Status, rec.Warnings)
	}
	if got := utils.StrOrEmpty(rec.InvoiceNumber); got != "F-2024/017" {
		t.Errorf("InvoiceNumber = %q", got)
	}
	if rec.Date == nil || !rec.Date.Equal(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Date = %v", rec.Date)
	}
	if !rec.Total.Valid || !rec.Total.Decimal.Equal(decimal.RequireFromString("163.96")) {
		t.Errorf("Total = %v", rec.Total)
	}
	if rec.Currency != "EUR" {
		t.Errorf("Currency = %q", rec.Currency)
	}
	if len(rec.LineItems) != 2 {
		t.Fatalf("line items = %+v", rec.LineItems)
	}
	if rec.LineItems[0].Description != "Revisión general" {
		t.Errorf("item 0 = %+v", rec.LineItems[0])
	}
}

func TestHeuristicModel_NoTableFallbacks(t *testing.T) {
	page := entity.RawPage{Width: 1000, Height: 1000, Tokens: []entity.RawToken{
		{Text: "Acme", X0: 50, Y0: 50, X1: 120, Y1: 70, Confidence: 90},
		{Text: "Ltd", X0: 125, Y0: 50, X1: 170, Y1: 70, Confidence: 90},
		{Text: "March", X0: 50, Y0: 100, X1: 110, Y1: 120, Confidence: 90},
		{Text: "5,", X0: 115, Y0: 100, X1: 135, Y1: 120, Confidence: 90},
		{Text: "2024", X0: 140, Y0: 100, X1: 190, Y1: 120, Confidence: 90},
		{Text: "12.00", X0: 700, Y0: 500, X1: 780, Y1: 520, Confidence: 90},
		{Text: "99.90", X0: 700, Y0: 540, X1: 780, Y1: 560, Confidence: 90},
		{Text: "Tel", X0: 50, Y0: 900, X1: 80, Y1: 920, Confidence: 90},
		{Text: "912345678", X0: 85, Y0: 900, X1: 190, Y1: 920, Confidence: 90},
	}}
	idx, err := tokenindex.Build(page)
	if err != nil {
		t.Fatal(err)
	}
	preds, err := NewHeuristicModel(false).Predict(context.Background(), idx.Tokens())
	if err != nil {
		t.Fatal(err)
	}
	byText := map[string]classify.Prediction{}
	for i, tok := range idx.Tokens() {
		byText[tok.Text] = preds[i]
	}
	checks := map[string]constants.SemanticLabel{
		"Acme":      constants.LabelVendorName,
		"March":     constants.LabelDate,
		"2024":      constants.LabelDate,
		"99.90":     constants.LabelTotal,
		"12.00":     constants.LabelOther,
		"912345678": constants.LabelOther,
	}
	for text, want := range checks {
		if got := byText[text].Label; got != string(want) {
			t.Errorf("%s labelled %s, want %s", text, got, want)
		}
	}
	if c := byText["99.90"].Confidence; c != confGuess {
		t.Errorf("guessed total confidence = %v", c)
	}
}

func TestHeuristicModel_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHeuristicModel(true).Predict(ctx, nil); err == nil {
		t.Fatal("expected context error")
	}
}

func sampleTokens() []entity.Token {
	return []entity.Token{
		{ID: 0, Text: "Total", BBox: entity.BBox{X0: 0.6, Y0: 0.68, X1: 0.67, Y1: 0.7}},
		{ID: 1, Text: "41,00", BBox: entity.BBox{X0: 0.8, Y0: 0.68, X1: 0.87, Y1: 0.7}},
	}
}

func TestHTTPModel(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    []classify.Prediction
		wantErr bool
	}{
		{"ok", 200, `{"labels":["O","B-TOTAL"],"scores":[0.6,0.95]}`,
			[]classify.Prediction{{Label: "O", Confidence: 0.6}, {Label: "B-TOTAL", Confidence: 0.95}}, false},
		{"scores omitted", 200, `{"labels":["O","TOTAL"]}`,
			[]classify.Prediction{{Label: "O", Confidence: 1}, {Label: "TOTAL", Confidence: 1}}, false},
		{"score count mismatch", 200, `{"labels":["O","TOTAL"],"scores":[0.5]}`, nil, true},
		{"schema violation", 200, `{"predictions":[]}`, nil, true},
		{"server error", 500, `boom`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/predict" {
					t.Errorf("path = %s", r.URL.Path)
				}
				var req predictRequest
				if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
					t.Errorf("decode: %v", err)
				}
				if len(req.Words) != 2 || req.Boxes[1] != [4]int{800, 680, 870, 700} || req.Width != 1000 {
					t.Errorf("request = %+v", req)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			m, err := NewHTTPModel(srv.URL+"/", time.Second, discardLogger())
			if err != nil {
				t.Fatal(err)
			}
			got, err := m.Predict(context.Background(), sampleTokens())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
			ResponseFormat struct {
				Type string `json:"type"`
			} `json:"response_format"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.ResponseFormat.Type != "json_object" || len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "1|41,00|800,680,870,700") {
			t.Errorf("unexpected request %+v", req)
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "test-model",
			"choices": []any{map[string]any{"index": 0, "finish_reason": "stop", "message": map[string]any{"role": "assistant", "content": content}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestOpenAIModel(t *testing.T) {
	tests := []struct {
		name    string
		content string
		lenient bool
		want    []classify.Prediction
		wantErr bool
	}{
		{"ordered by id", `{"labels":[{"id":1,"label":"TOTAL","confidence":0.9},{"id":0,"label":"OTHER"}]}`, false,
			[]classify.Prediction{{Label: "OTHER", Confidence: 1}, {Label: "TOTAL", Confidence: 0.9}}, false},
		{"missing id leaves count short", `{"labels":[{"id":1,"label":"TOTAL","confidence":0.9}]}`, false,
			[]classify.Prediction{{Label: "TOTAL", Confidence: 0.9}}, false},
		{"strict rejects unknown label", `{"labels":[{"id":0,"label":"HEADER"},{"id":1,"label":"TOTAL"}]}`, false, nil, true},
		{"lenient drops unknown label", `{"labels":[{"id":0,"label":"HEADER"},{"id":1,"label":"total"}]}`, true,
			[]classify.Prediction{{Label: "TOTAL", Confidence: 1}}, false},
		{"not json", `labels: none`, true, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.content)
			defer srv.Close()

			m := NewOpenAIModel(common.LLMConfig{
				Model: "test-model", APIKey: "k", BaseURL: srv.URL + "/v1", LenientOptional: tt.lenient, Timeout: time.Second,
			}, discardLogger())
			got, err := m.Predict(context.Background(), sampleTokens())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOrderByID(t *testing.T) {
	conf := 0.5
	tests := []struct {
		name        string
		entries     []labelEntry
		n           int
		want        []classify.Prediction
		wantDropped int
	}{
		{"in order", []labelEntry{{ID: 0, Label: "OTHER"}, {ID: 1, Label: "TOTAL"}}, 2,
			[]classify.Prediction{{Label: "OTHER", Confidence: 1}, {Label: "TOTAL", Confidence: 1}}, 0},
		{"first duplicate wins", []labelEntry{{ID: 1, Label: "TOTAL", Confidence: &conf}, {ID: 1, Label: "OTHER"}, {ID: 0, Label: "OTHER"}}, 2,
			[]classify.Prediction{{Label: "OTHER", Confidence: 1}, {Label: "TOTAL", Confidence: 0.5}}, 1},
		{"out of range", []labelEntry{{ID: -1, Label: "TOTAL"}, {ID: 0, Label: "OTHER"}, {ID: 2, Label: "TOTAL"}}, 2,
			[]classify.Prediction{{Label: "OTHER", Confidence: 1}}, 2},
		{"empty", nil, 2, []classify.Prediction{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dropped := orderByID(tt.entries, tt.n)
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if dropped != tt.wantDropped {
				t.Errorf("dropped = %d, want %d", dropped, tt.wantDropped)
			}
		})
	}
}

func TestOpenAIModel_LogsDroppedEntries(t *testing.T) {
	srv := chatServer(t, `{"labels":[{"id":0,"label":"OTHER"},{"id":0,"label":"TOTAL"},{"id":1,"label":"TOTAL"},{"id":7,"label":"TOTAL"}]}`)
	defer srv.Close()

	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m := NewOpenAIModel(common.LLMConfig{
		Model: "test-model", APIKey: "k", BaseURL: srv.URL + "/v1", Timeout: time.Second,
	}, logger)
	got, err := m.Predict(context.Background(), sampleTokens())
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(got) != 2 || got[0].Label != "OTHER" || got[1].Label != "TOTAL" {
		t.Errorf("got %+v", got)
	}
	out := buf.String()
	if !strings.Contains(out, "layout.openai.dropped_entries") || !strings.Contains(out, "dropped=2") {
		t.Errorf("missing dropped entries warning in %q", out)
	}
}

func TestNew(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Layout.CacheFile = filepath.Join(t.TempDir(), "preds.db")
	m, closer, err := New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()
	if m.Name() != "heuristic" {
		t.Errorf("Name = %q", m.Name())
	}

	cfg = common.DefaultConfig()
	cfg.Layout.Provider = "carrier-pigeon"
	if _, _, err := New(cfg, discardLogger()); err == nil {
		t.Error("unknown provider accepted")
	}
}
