// Package lineitems rebuilds the billed-concepts table from tokens labeled LINE_ITEM_*.
package lineitems

import (
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/resolve"
)

// Reconstructor groups line-item tokens into rows. It holds no per-document state.
type Reconstructor struct {
	defaultCurrency string
}

func New(defaultCurrency string) *Reconstructor {
	return &Reconstructor{defaultCurrency: defaultCurrency}
}

type row struct {
	tokens []entity.ClassifiedToken
	sumCY  float64
	sumH   float64
}

func (r *row) meanCY() float64 { return r.sumCY / float64(len(r.tokens)) }
func (r *row) meanH() float64  { return r.sumH / float64(len(r.tokens)) }

func (r *row) add(t entity.ClassifiedToken) {
	r.tokens = append(r.tokens, t)
	r.sumCY += t.BBox.CenterY()
	r.sumH += t.BBox.Height()
}

// Reconstruct returns the table rows top to bottom. Every line-item token lands in
// exactly one row; description-only rows are merged into a neighbour as wrapped text.
func (rc *Reconstructor) Reconstruct(tokens []entity.ClassifiedToken) []entity.LineItem {
	var items []entity.ClassifiedToken
	for _, t := range tokens {
		if t.Label.IsLineItem() {
			items = append(items, t)
		}
	}
	if len(items) == 0 {
		return nil
	}
	sort.SliceStable(items, func(i, j int) bool {
		ci, cj := items[i].BBox.CenterY(), items[j].BBox.CenterY()
		if ci != cj {
			return ci < cj
		}
		return items[i].ID < items[j].ID
	})

	var rows []*row
	for _, t := range items {
		if n := len(rows); n > 0 {
			cur := rows[n-1]
			tol := 0.5 * math.Max(t.BBox.Height(), cur.meanH())
			if math.Abs(t.BBox.CenterY()-cur.meanCY()) <= tol {
				cur.add(t)
				continue
			}
		}
		nr := &row{}
		nr.add(t)
		rows = append(rows, nr)
	}

	var out []entity.LineItem
	var held *entity.LineItem
	for _, rw := range rows {
		item := rc.buildItem(rw)
		if descriptionOnly(rw) {
			switch {
			case len(out) > 0:
				prev := &out[len(out)-1]
				prev.Description = joinText(prev.Description, item.Description)
				prev.TokenIDs = append(prev.TokenIDs, item.TokenIDs...)
			case held != nil:
				held.Description = joinText(held.Description, item.Description)
				held.TokenIDs = append(held.TokenIDs, item.TokenIDs...)
			default:
				held = &item
			}
			continue
		}
		if held != nil {
			item.Description = joinText(held.Description, item.Description)
			item.TokenIDs = append(held.TokenIDs, item.TokenIDs...)
			held = nil
		}
		item.Row = len(out)
		out = append(out, item)
	}
	if held != nil {
		// the table was nothing but description text
		held.Row = len(out)
		out = append(out, *held)
	}
	return out
}

func (rc *Reconstructor) buildItem(rw *row) entity.LineItem {
	cols := map[constants.SemanticLabel][]entity.ClassifiedToken{}
	ids := make([]int, 0, len(rw.tokens))
	for _, t := range rw.tokens {
		cols[t.Label] = append(cols[t.Label], t)
		ids = append(ids, t.ID)
	}
	sort.Ints(ids)

	item := entity.LineItem{
		Description: columnText(cols[constants.LabelLineItemDesc]),
		TokenIDs:    ids,
	}
	if txt := columnText(cols[constants.LabelLineItemQty]); txt != "" {
		if q, err := resolve.ParseQuantity(txt); err == nil {
			item.Quantity = decimal.NewNullDecimal(q)
		}
	}
	if txt := columnText(cols[constants.LabelLineItemUnitPrice]); txt != "" {
		if p, _, err := resolve.ParseMoney(txt, rc.defaultCurrency); err == nil {
			item.UnitPrice = decimal.NewNullDecimal(p)
		}
	}
	if txt := columnText(cols[constants.LabelLineItemAmount]); txt != "" {
		if a, _, err := resolve.ParseMoney(txt, rc.defaultCurrency); err == nil {
			item.Amount = decimal.NewNullDecimal(a)
		}
	}
	if !item.Amount.Valid && item.Quantity.Valid && item.UnitPrice.Valid {
		item.Amount = decimal.NewNullDecimal(item.Quantity.Decimal.Mul(item.UnitPrice.Decimal).Round(2))
		item.AmountComputed = true
	}
	return item
}

func descriptionOnly(rw *row) bool {
	for _, t := range rw.tokens {
		if t.Label != constants.LabelLineItemDesc {
			return false
		}
	}
	return true
}

// columnText joins a column's tokens left to right.
func columnText(ts []entity.ClassifiedToken) string {
	if len(ts) == 0 {
		return ""
	}
	sorted := make([]entity.ClassifiedToken, len(ts))
	copy(sorted, ts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].BBox.X0 != sorted[j].BBox.X0 {
			return sorted[i].BBox.X0 < sorted[j].BBox.X0
		}
		return sorted[i].ID < sorted[j].ID
	})
	words := make([]string, len(sorted))
	for i, t := range sorted {
		words[i] = t.Text
	}
	return strings.Join(words, " ")
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
