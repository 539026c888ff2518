package classify

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/invoice-fusion/constants"
	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

// LabelMap translates a model's native label vocabulary into SemanticLabel.
type LabelMap struct {
	m map[string]constants.SemanticLabel
}

var defaultSynonyms = map[constants.SemanticLabel][]string{
	constants.LabelInvoiceNumber: {"INVOICE_NUM", "INVOICE_NO", "INVOICE_ID", "INV_NO", "DOCUMENT_NUMBER",
		"NUM_FACTURA", "NUMERO_FACTURA", "FACTURA_NUM"},
	constants.LabelDate:          {"INVOICE_DATE", "ISSUE_DATE", "FECHA", "FECHA_FACTURA"},
	constants.LabelVendorName:    {"VENDOR", "SELLER", "SELLER_NAME", "SUPPLIER", "SUPPLIER_NAME", "COMPANY", "PROVEEDOR", "EMISOR"},
	constants.LabelVendorTaxID:   {"VENDOR_VAT", "SELLER_TAX_ID", "SELLER_VAT", "SUPPLIER_TAX_ID", "NIF_PROVEEDOR", "CIF_PROVEEDOR"},
	constants.LabelCustomerName:  {"CUSTOMER", "BUYER", "BUYER_NAME", "CLIENT", "BILL_TO", "CLIENTE", "RECEPTOR"},
	constants.LabelCustomerTaxID: {"CUSTOMER_VAT", "BUYER_TAX_ID", "CLIENT_TAX_ID", "NIF_CLIENTE", "CIF_CLIENTE"},
	constants.LabelLineItemDesc: {"ITEM_DESC", "ITEM", "ITEM_NAME", "DESCRIPTION", "MENU_NM", "CONCEPTO",
		"DESCRIPCION"},
	constants.LabelLineItemQty:       {"QTY", "QUANTITY", "ITEM_QTY", "MENU_CNT", "CANTIDAD", "UNIDADES"},
	constants.LabelLineItemUnitPrice: {"UNIT_PRICE", "PRICE_UNIT", "ITEM_UNIT_PRICE", "MENU_UNITPRICE", "PRECIO", "PRECIO_UNITARIO"},
	constants.LabelLineItemAmount:    {"ITEM_AMOUNT", "ITEM_TOTAL", "LINE_TOTAL", "AMOUNT", "MENU_PRICE", "IMPORTE"},
	constants.LabelSubtotal:          {"SUB_TOTAL", "SUB_TOTAL_SUBTOTAL_PRICE", "NET_AMOUNT", "BASE_IMPONIBLE", "BASE"},
	constants.LabelTax:               {"VAT", "TAX_AMOUNT", "SUB_TOTAL_TAX_PRICE", "IVA", "IMPORTE_IVA", "IGIC"},
	constants.LabelTotal:             {"GRAND_TOTAL", "TOTAL_AMOUNT", "AMOUNT_DUE", "TOTAL_TOTAL_PRICE", "TOTAL_FACTURA"},
	constants.LabelOther:             {"O", "QUESTION", "ANSWER", "HEADER", "ADDRESS"},
}

// DefaultLabelMap knows the canonical names plus common CORD, SROIE, FUNSD and Spanish
// invoice label names.
func DefaultLabelMap() *LabelMap {
	lm := &LabelMap{m: make(map[string]constants.SemanticLabel)}
	for _, l := range constants.AllLabels() {
		lm.m[string(l)] = l
	}
	for label, names := range defaultSynonyms {
		for _, n := range names {
			lm.m[NormalizeNative(n)] = label
		}
	}
	return lm
}

// Merge adds native -> canonical entries. Canonical names must be valid labels.
func (lm *LabelMap) Merge(entries map[string]string) error {
	for native, canonical := range entries {
		l, ok := constants.ParseSemanticLabel(canonical)
		if !ok {
			return fmt.Errorf("label map: %q maps to unknown label %q", native, canonical)
		}
		lm.m[NormalizeNative(native)] = l
	}
	return nil
}

// Lookup returns the canonical label for a native label; unknown labels map to OTHER.
func (lm *LabelMap) Lookup(native string) (constants.SemanticLabel, bool) {
	l, ok := lm.m[NormalizeNative(native)]
	if !ok {
		return constants.LabelOther, false
	}
	return l, true
}

type labelMapFile struct {
	Labels map[string]string `yaml:"labels"`
}

// LoadLabelMap reads a YAML file of the form `labels: {native: CANONICAL}` on top of the defaults.
func LoadLabelMap(path string) (*LabelMap, error) {
	lm := DefaultLabelMap()
	if path == "" {
		return lm, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label map: %w", err)
	}
	var f labelMapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse label map: %w", err)
	}
	if err := lm.Merge(f.Labels); err != nil {
		return nil, err
	}
	return lm, nil
}

// NormalizeNative upper-cases a native label, strips a BIO/BIOES tag prefix and
// joins separators with underscores: "B-menu.nm" -> "MENU_NM".
func NormalizeNative(s string) string {
	s = strings.ToUpper(utils.FoldAccents(strings.TrimSpace(s)))
	if len(s) > 2 && s[1] == '-' && strings.ContainsRune("BIESLU", rune(s[0])) {
		s = s[2:]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '-', ' ', '/':
			return '_'
		}
		return r
	}, s)
}
