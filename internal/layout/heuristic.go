package layout

import (
	"context"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/resolve"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

type captionKind int

const (
	capNumber captionKind = iota + 1
	capDate
	capTaxID
	capCustomer
	capSubtotal
	capTax
	capTotal
	capVAT // tax amount or tax id, decided by the value
)

func (k captionKind) isTotals() bool {
	return k == capSubtotal || k == capTax || k == capTotal || k == capVAT
}

// Longer phrases come first so they win over their prefixes.
var captionPhrases = []struct {
	words []string
	kind  captionKind
}{
	{[]string{"FECHA", "DE", "EMISION"}, capDate},
	{[]string{"TOTAL", "A", "PAGAR"}, capTotal},
	{[]string{"BASE", "IMPONIBLE"}, capSubtotal},
	{[]string{"SUB", "TOTAL"}, capSubtotal},
	{[]string{"TOTAL", "IVA"}, capTax},
	{[]string{"TOTAL", "TAX"}, capTax},
	{[]string{"CUOTA", "IVA"}, capTax},
	{[]string{"TOTAL", "FACTURA"}, capTotal},
	{[]string{"IMPORTE", "TOTAL"}, capTotal},
	{[]string{"AMOUNT", "DUE"}, capTotal},
	{[]string{"INVOICE", "DATE"}, capDate},
	{[]string{"TAX", "ID"}, capTaxID},
	{[]string{"VAT", "ID"}, capTaxID},
	{[]string{"VAT", "NO"}, capTaxID},
	{[]string{"VAT", "NUMBER"}, capTaxID},
	{[]string{"BILL", "TO"}, capCustomer},
	{[]string{"FACTURAR", "A"}, capCustomer},
	{[]string{"SUBTOTAL"}, capSubtotal},
	{[]string{"BASE"}, capSubtotal},
	{[]string{"NETO"}, capSubtotal},
	{[]string{"IVA"}, capTax},
	{[]string{"IGIC"}, capTax},
	{[]string{"IMPUESTOS"}, capTax},
	{[]string{"TAX"}, capTax},
	{[]string{"VAT"}, capVAT},
	{[]string{"TOTAL"}, capTotal},
	{[]string{"LIQUIDO"}, capTotal},
	{[]string{"FECHA"}, capDate},
	{[]string{"DATE"}, capDate},
	{[]string{"EMISION"}, capDate},
	{[]string{"NIF/CIF"}, capTaxID},
	{[]string{"CIF/NIF"}, capTaxID},
	{[]string{"NIF"}, capTaxID},
	{[]string{"CIF"}, capTaxID},
	{[]string{"NIE"}, capTaxID},
	{[]string{"DNI"}, capTaxID},
	{[]string{"TAXID"}, capTaxID},
	{[]string{"CLIENTE"}, capCustomer},
	{[]string{"CLIENT"}, capCustomer},
	{[]string{"CUSTOMER"}, capCustomer},
	{[]string{"DESTINATARIO"}, capCustomer},
	{[]string{"COMPRADOR"}, capCustomer},
	{[]string{"FACTURA"}, capNumber},
	{[]string{"INVOICE"}, capNumber},
	{[]string{"FRA"}, capNumber},
	{[]string{"NUMERO"}, capNumber},
	{[]string{"NUMBER"}, capNumber},
	{[]string{"NUM"}, capNumber},
	{[]string{"NO"}, capNumber},
	{[]string{"Nº"}, capNumber},
	{[]string{"N"}, capNumber},
}

var (
	tableDescWords = map[string]bool{
		"DESCRIPCION": true, "CONCEPTO": true, "DESCRIPTION": true, "ITEM": true, "ITEMS": true,
		"ARTICULO": true, "DETALLE": true, "PRODUCTO": true, "SERVICIO": true,
	}
	tableColumnWords = map[string]bool{
		"CANTIDAD": true, "CANT": true, "QTY": true, "QUANTITY": true, "UDS": true, "UNIDADES": true,
		"PRECIO": true, "PRICE": true, "IMPORTE": true, "AMOUNT": true, "TOTAL": true, "UNIT": true,
	}
	currencyWords = map[string]bool{"€": true, "$": true, "£": true, "EUR": true, "USD": true, "EUROS": true}
)

var (
	reAmountShape = regexp.MustCompile(`\d[.,]\d{2}\D{0,4}$`)
	reQtyShape    = regexp.MustCompile(`(?i)^[x×]?\d{1,3}(?:[.,]\d{1,3})?\s*(?:x|uds?|u|pcs|units|unidades)?\.?$`)
)

// Fixed confidences per rule.
const (
	confCaption  = 0.85
	confTable    = 0.8
	confTableTxt = 0.7
	confCustomer = 0.75
	confVendor   = 0.6
	confFallback = 0.5
	confGuess    = 0.4
	confOther    = 0.5
)

const (
	maxDateWindow  = 5
	maxTaxIDWindow = 3
	customerLines  = 4
)

// HeuristicModel labels tokens with keyword captions and value patterns common on
// Spanish and English invoices. It needs no network and is deterministic.
type HeuristicModel struct {
	dayFirst bool
}

func NewHeuristicModel(dayFirst bool) *HeuristicModel {
	return &HeuristicModel{dayFirst: dayFirst}
}

func (h *HeuristicModel) Name() string { return "heuristic" }

func (h *HeuristicModel) Predict(ctx context.Context, tokens []entity.Token) ([]classify.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := newPage(tokens, h.dayFirst)
	p.labelTable()
	p.findCustomerRegions()
	p.labelCaptions()
	p.labelVendor()
	p.fallbacks()
	return p.predictions(), nil
}

type caption struct {
	kind       captionKind
	start, end int // positions within the line
	box        entity.BBox
}

type page struct {
	tokens   []entity.Token
	keys     []string
	lines    [][]int // token indices per reading-order line
	labels   []constants.SemanticLabel
	conf     []float64
	assigned []bool
	dayFirst bool

	inTable   map[int]bool // line index -> inside the item table or its header
	tableEnd  int          // first line after the table, -1 without a table
	customers []customerRegion
}

type customerRegion struct {
	fromLine, toLine int
	cx               float64
}

func newPage(tokens []entity.Token, dayFirst bool) *page {
	p := &page{
		tokens:   tokens,
		keys:     make([]string, len(tokens)),
		labels:   make([]constants.SemanticLabel, len(tokens)),
		conf:     make([]float64, len(tokens)),
		assigned: make([]bool, len(tokens)),
		dayFirst: dayFirst,
		inTable:  map[int]bool{},
		tableEnd: -1,
	}
	prevLine := math.MinInt
	for i, t := range tokens {
		p.keys[i] = strings.ReplaceAll(utils.KeywordForm(t.Text), ".", "")
		p.labels[i] = constants.LabelOther
		p.conf[i] = confOther
		if t.Line != prevLine || len(p.lines) == 0 {
			p.lines = append(p.lines, nil)
			prevLine = t.Line
		}
		p.lines[len(p.lines)-1] = append(p.lines[len(p.lines)-1], i)
	}
	return p
}

func (p *page) set(i int, label constants.SemanticLabel, conf float64) bool {
	if p.assigned[i] {
		return false
	}
	p.labels[i], p.conf[i], p.assigned[i] = label, conf, true
	return true
}

func (p *page) predictions() []classify.Prediction {
	out := make([]classify.Prediction, len(p.tokens))
	for i := range p.tokens {
		out[i] = classify.Prediction{Label: string(p.labels[i]), Confidence: p.conf[i]}
	}
	return out
}

// captionsIn finds the caption phrases of one line, left to right.
func (p *page) captionsIn(line []int) []caption {
	var out []caption
	for pos := 0; pos < len(line); {
		matched := false
		for _, c := range captionPhrases {
			n := len(c.words)
			if pos+n > len(line) {
				continue
			}
			ok := true
			for k, w := range c.words {
				if p.keys[line[pos+k]] != w {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			box := p.tokens[line[pos]].BBox
			box.X1 = p.tokens[line[pos+n-1]].BBox.X1
			out = append(out, caption{kind: c.kind, start: pos, end: pos + n, box: box})
			pos += n
			matched = true
			break
		}
		if !matched {
			pos++
		}
	}
	return out
}

func (p *page) hasTotalsCaption(line []int) bool {
	for _, c := range p.captionsIn(line) {
		if c.kind.isTotals() {
			return true
		}
	}
	return false
}

// labelTable finds the item table between a column header line and the first totals
// line, and labels its cells by column shape.
func (p *page) labelTable() {
	header := -1
	for li, line := range p.lines {
		var desc, col bool
		for _, i := range line {
			desc = desc || tableDescWords[p.keys[i]]
			col = col || tableColumnWords[p.keys[i]]
		}
		if desc && col {
			header = li
			break
		}
	}
	if header < 0 {
		return
	}
	p.inTable[header] = true
	for _, i := range p.lines[header] {
		p.set(i, constants.LabelOther, confTable)
	}
	p.tableEnd = len(p.lines)
	for li := header + 1; li < len(p.lines); li++ {
		if p.hasTotalsCaption(p.lines[li]) {
			p.tableEnd = li
			break
		}
		p.inTable[li] = true
		p.labelRow(p.lines[li])
	}
}

func (p *page) labelRow(line []int) {
	var amounts []int
	for pos, i := range line {
		if p.isAmount(i) {
			amounts = append(amounts, pos)
		}
	}
	if len(amounts) == 0 {
		for _, i := range line {
			if !p.isCurrency(i) {
				p.set(i, constants.LabelLineItemDesc, confVendor)
			}
		}
		return
	}

	bound := amounts[len(amounts)-1]
	p.set(line[bound], constants.LabelLineItemAmount, confTable)
	if len(amounts) >= 2 {
		bound = amounts[len(amounts)-2]
		p.set(line[bound], constants.LabelLineItemUnitPrice, confTable)
	}
	firstNumeric := bound
	for pos := bound - 1; pos >= 0; pos-- {
		i := line[pos]
		if p.isQuantity(i) {
			p.set(i, constants.LabelLineItemQty, confTableTxt)
			firstNumeric = pos
			break
		}
	}
	for pos, i := range line {
		switch {
		case p.assigned[i]:
		case pos < firstNumeric && !p.isCurrency(i):
			p.set(i, constants.LabelLineItemDesc, confTableTxt)
		default:
			p.set(i, constants.LabelOther, confTableTxt)
		}
	}
}

func (p *page) findCustomerRegions() {
	for li, line := range p.lines {
		if p.inTable[li] {
			continue
		}
		for _, c := range p.captionsIn(line) {
			if c.kind == capCustomer {
				p.customers = append(p.customers, customerRegion{
					fromLine: li, toLine: li + customerLines, cx: c.box.CenterX(),
				})
			}
		}
	}
}

// inCustomerRegion reports whether token i sits under a customer caption, in the same
// half of the page when the header is laid out in two columns.
func (p *page) inCustomerRegion(li, i int) bool {
	cx := p.tokens[i].BBox.CenterX()
	for _, r := range p.customers {
		if li < r.fromLine || li > r.toLine {
			continue
		}
		if (r.cx >= 0.5 && cx >= 0.4) || (r.cx < 0.5 && cx < 0.6) {
			return true
		}
	}
	return false
}

func (p *page) labelCaptions() {
	for li, line := range p.lines {
		if p.inTable[li] {
			continue
		}
		caps := p.captionsIn(line)
		for _, c := range caps {
			for pos := c.start; pos < c.end; pos++ {
				p.set(line[pos], constants.LabelOther, confCaption)
			}
		}
		var pending []caption
		for k, c := range caps {
			end := len(line)
			if k+1 < len(caps) {
				end = caps[k+1].start
			}
			values := line[c.end:end]
			if p.labelValue(li, c, values) {
				continue
			}
			if c.kind.isTotals() {
				pending = append(pending, c)
				continue
			}
			if k == len(caps)-1 && p.expectsValueBelow(line, c) && li+1 < len(p.lines) && !p.inTable[li+1] {
				p.labelValue(li+1, c, p.below(c, p.lines[li+1]))
			}
		}
		if len(pending) > 0 && li+1 < len(p.lines) && !p.inTable[li+1] {
			p.labelTotalsBelow(pending, p.lines[li+1])
		}
	}
}

// expectsValueBelow keeps a bare title such as "FACTURA" from claiming the line under it.
func (p *page) expectsValueBelow(line []int, c caption) bool {
	switch c.kind {
	case capCustomer, capDate, capTaxID:
		return true
	}
	last := line[c.end-1]
	switch p.keys[last] {
	case "Nº", "NO", "N", "NUM", "NUMERO", "NUMBER":
		return true
	}
	return strings.HasSuffix(strings.TrimSpace(p.tokens[last].Text), ":")
}

// below returns the unassigned tokens of line that sit in the caption's column.
func (p *page) below(c caption, line []int) []int {
	var out []int
	for _, i := range line {
		cx := p.tokens[i].BBox.CenterX()
		if cx >= c.box.X0-0.1 && cx <= c.box.X1+0.3 && !p.assigned[i] {
			out = append(out, i)
		}
	}
	return out
}

// labelValue labels the value of caption c among values and reports whether one was found.
func (p *page) labelValue(li int, c caption, values []int) bool {
	switch c.kind {
	case capNumber:
		for _, i := range values {
			if p.assigned[i] || !hasDigit(p.tokens[i].Text) || p.windowIsDate([]int{i}) {
				continue
			}
			return p.set(i, constants.LabelInvoiceNumber, confCaption)
		}
	case capDate:
		if from, to, ok := p.minimalWindow(values, maxDateWindow, p.windowIsDate); ok {
			p.setRange(values[from:to], constants.LabelDate, confCaption)
			return true
		}
	case capTaxID:
		return p.labelTaxID(li, values, confCaption)
	case capVAT:
		if p.labelTaxID(li, values, confCaption) {
			return true
		}
		return p.labelAmount(values, constants.LabelTax)
	case capCustomer:
		var found bool
		for _, i := range values {
			if p.assigned[i] || hasDigit(p.tokens[i].Text) {
				continue
			}
			found = p.set(i, constants.LabelCustomerName, confCustomer) || found
		}
		return found
	case capSubtotal:
		return p.labelAmount(values, constants.LabelSubtotal)
	case capTax:
		return p.labelAmount(values, constants.LabelTax)
	case capTotal:
		return p.labelAmount(values, constants.LabelTotal)
	}
	return false
}

func (p *page) labelTaxID(li int, values []int, conf float64) bool {
	from, to, ok := p.minimalWindow(values, maxTaxIDWindow, p.windowIsTaxID)
	if !ok {
		return false
	}
	label := constants.LabelVendorTaxID
	if p.inCustomerRegion(li, values[from]) {
		label = constants.LabelCustomerTaxID
	}
	p.setRange(values[from:to], label, conf)
	return true
}

// labelAmount labels the rightmost amount of values plus any currency word next to it.
func (p *page) labelAmount(values []int, label constants.SemanticLabel) bool {
	for k := len(values) - 1; k >= 0; k-- {
		i := values[k]
		if p.assigned[i] || !p.isAmount(i) {
			continue
		}
		p.set(i, label, confCaption)
		for _, n := range []int{k - 1, k + 1} {
			if n >= 0 && n < len(values) && p.isCurrency(values[n]) {
				p.set(values[n], label, confCaption)
			}
		}
		return true
	}
	return false
}

// labelTotalsBelow pairs captions that had no value with the nearest amount on the next line.
func (p *page) labelTotalsBelow(pending []caption, line []int) {
	for _, c := range pending {
		best, bestDist := -1, math.Inf(1)
		for _, i := range line {
			if p.assigned[i] || !p.isAmount(i) {
				continue
			}
			if d := math.Abs(p.tokens[i].BBox.CenterX() - c.box.CenterX()); d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			continue
		}
		label := constants.LabelTotal
		switch c.kind {
		case capSubtotal:
			label = constants.LabelSubtotal
		case capTax, capVAT:
			label = constants.LabelTax
		}
		p.set(best, label, confCaption)
	}
}

// labelVendor takes the first free line of words above the table as the issuer's name.
func (p *page) labelVendor() {
	for li, line := range p.lines {
		if p.inTable[li] || (p.tableEnd >= 0 && li >= p.tableEnd) {
			return
		}
		caps := p.captionsIn(line)
		end := len(line)
		if len(caps) > 0 {
			end = caps[0].start
		}
		run := line[:end]
		if len(run) == 0 {
			continue
		}
		ok, letters := true, false
		for _, i := range run {
			text := p.tokens[i].Text
			if p.assigned[i] || hasDigit(text) || p.inCustomerRegion(li, i) {
				ok = false
				break
			}
			letters = letters || countLetters(text) >= 2
		}
		if ok && letters {
			p.setRange(run, constants.LabelVendorName, confVendor)
			return
		}
	}
}

func (p *page) fallbacks() {
	var hasDate, hasTotal bool
	for i := range p.tokens {
		hasDate = hasDate || p.labels[i] == constants.LabelDate
		hasTotal = hasTotal || p.labels[i] == constants.LabelTotal
	}

	for li, line := range p.lines {
		if p.inTable[li] {
			continue
		}
		free := p.free(line)
		if !hasDate {
			if from, to, ok := p.minimalWindow(free, maxDateWindow, p.windowIsDate); ok {
				p.setRange(free[from:to], constants.LabelDate, confFallback)
				hasDate = true
				free = p.free(line)
			}
		}
		for {
			if !p.labelTaxID(li, free, confVendor) {
				break
			}
			free = p.free(line)
		}
	}

	if hasTotal {
		return
	}
	// The largest free amount after the table is the best remaining guess for the total.
	best := -1
	var bestVal float64
	for li, line := range p.lines {
		if p.inTable[li] || (p.tableEnd >= 0 && li < p.tableEnd) {
			continue
		}
		for _, i := range line {
			if p.assigned[i] || !p.isAmount(i) {
				continue
			}
			amt, _, _ := resolve.ParseMoney(p.tokens[i].Text, "")
			if v := amt.InexactFloat64(); best < 0 || v > bestVal {
				best, bestVal = i, v
			}
		}
	}
	if best >= 0 {
		p.set(best, constants.LabelTotal, confGuess)
	}
}

func (p *page) free(line []int) []int {
	out := make([]int, 0, len(line))
	for _, i := range line {
		if !p.assigned[i] {
			out = append(out, i)
		}
	}
	return out
}

func (p *page) setRange(idx []int, label constants.SemanticLabel, conf float64) {
	for _, i := range idx {
		p.set(i, label, conf)
	}
}

// minimalWindow finds the shortest run of consecutive values (leftmost on ties) for which
// match holds. Values are token indices; match receives a half-open token index range.
func (p *page) minimalWindow(values []int, maxLen int, match func(idx []int) bool) (int, int, bool) {
	for n := 1; n <= maxLen && n <= len(values); n++ {
		for from := 0; from+n <= len(values); from++ {
			if match(values[from : from+n]) {
				return from, from + n, true
			}
		}
	}
	return 0, 0, false
}

func (p *page) joined(idx []int) string {
	parts := make([]string, len(idx))
	for k, i := range idx {
		if p.assigned[i] {
			return ""
		}
		parts[k] = p.tokens[i].Text
	}
	return strings.Join(parts, " ")
}

func (p *page) windowIsDate(idx []int) bool {
	s := p.joined(idx)
	if s == "" {
		return false
	}
	_, err := resolve.ParseDate(s, p.dayFirst)
	return err == nil
}

func (p *page) windowIsTaxID(idx []int) bool {
	s := p.joined(idx)
	if s == "" || !hasDigit(s) {
		return false
	}
	// Spanish ids always carry a control letter; this keeps phone numbers out.
	id, ok := resolve.NormalizeTaxID(s)
	return ok && strings.IndexFunc(id, unicode.IsLetter) >= 0
}

func (p *page) isAmount(i int) bool {
	text := p.tokens[i].Text
	if !reAmountShape.MatchString(text) && !strings.ContainsAny(text, "€$£") {
		return false
	}
	_, _, err := resolve.ParseMoney(text, "")
	return err == nil
}

func (p *page) isQuantity(i int) bool {
	text := p.tokens[i].Text
	if !reQtyShape.MatchString(text) {
		return false
	}
	_, err := resolve.ParseQuantity(text)
	return err == nil
}

func (p *page) isCurrency(i int) bool {
	return currencyWords[strings.ToUpper(strings.TrimSpace(p.tokens[i].Text))]
}

func hasDigit(s string) bool {
	return strings.IndexFunc(s, unicode.IsDigit) >= 0
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
