package llm

import (
	"fmt"
	"math"
	"strings"

	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
)

// BuildLabelSystemPrompt tells the model what to return and which labels exist.
func BuildLabelSystemPrompt(allowedLabels []string) string {
	parts := []string{
		"You label the words of an invoice page for field extraction. Return ONLY JSON that matches the provided JSON Schema.",
		"Each input line is id|text|x0,y0,x1,y1 with coordinates scaled to 0..1000, origin top-left.",
		"Return exactly one entry per input id, in id order, with a confidence between 0 and 1.",
		"Allowed labels (enum): " + strings.Join(allowedLabels, ", ") + ".",
		"Invoices may be Spanish or English: FACTURA/INVOICE, FECHA/DATE, NIF/CIF/VAT, BASE IMPONIBLE/SUBTOTAL, IVA/TAX, TOTAL.",
		"Label keyword captions such as 'Total:' or 'Fecha' as OTHER; label only the values.",
		"Words inside the billed-concepts table use the LINE_ITEM_* labels.",
	}
	return strings.Join(parts, " ")
}

// BuildLabelUserPrompt lists tokens one per line in reading order.
func BuildLabelUserPrompt(tokens []entity.Token) string {
	var b strings.Builder
	b.WriteString("Words:\n")
	for _, t := range tokens {
		fmt.Fprintf(&b, "%d|%s|%d,%d,%d,%d\n", t.ID, strings.ReplaceAll(t.Text, "|", "/"),
			Scale1000(t.BBox.X0), Scale1000(t.BBox.Y0), Scale1000(t.BBox.X1), Scale1000(t.BBox.Y1))
	}
	return b.String()
}

// Scale1000 maps a normalized coordinate onto the 0..1000 integer grid layout models use.
func Scale1000(v float64) int {
	n := int(math.Round(v * 1000))
	switch {
	case n < 0:
		return 0
	case n > 1000:
		return 1000
	}
	return n
}
