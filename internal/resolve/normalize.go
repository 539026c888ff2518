package resolve

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/joseph-ayodele/invoice-fusion/internal/utils"
)

var (
	ErrNoNumber = errors.New("no number found")
	ErrNoDate   = errors.New("no date found")
)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"US$", "USD"},
	{"€", "EUR"},
	{"$", "USD"},
	{"£", "GBP"},
	{"¥", "JPY"},
}

var (
	reCurrencyCode = regexp.MustCompile(`(?i)(EUROS?|EUR|USD|GBP|JPY|CHF|CAD|AUD|MXN)`)
	reNumberBody   = regexp.MustCompile(`^\d+(\.\d+)?$`)
	reGrouping     = regexp.MustCompile(`[\s\x{00A0}\x{202F}']`)
)

// ParseMoney parses an amount such as "1.234,56 €", "$1,234.56", "27.50" or "(12,00)".
// The currency is taken from a symbol or ISO code in the text, else defaultCurrency.
func ParseMoney(text, defaultCurrency string) (decimal.Decimal, string, error) {
	s := strings.TrimSpace(text)
	currency := ""
	for _, cs := range currencySymbols {
		if strings.Contains(s, cs.symbol) {
			currency = cs.code
			s = strings.ReplaceAll(s, cs.symbol, " ")
			break
		}
	}
	if m := reCurrencyCode.FindString(s); m != "" {
		if currency == "" {
			currency = strings.ToUpper(m)
			if strings.HasPrefix(currency, "EURO") {
				currency = "EUR"
			}
		}
		s = reCurrencyCode.ReplaceAllString(s, " ")
	}
	if currency == "" {
		currency = defaultCurrency
	}
	// "Total: 27,50" when the key was labeled together with the value
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	d, err := parseNumber(s)
	if err != nil {
		return decimal.Decimal{}, "", err
	}
	return d, currency, nil
}

// ParseQuantity parses a count such as "2", "x3", "1,5" or "2 uds".
func ParseQuantity(text string) (decimal.Decimal, error) {
	s := strings.TrimSpace(strings.ToLower(text))
	s = strings.TrimPrefix(s, "x")
	s = strings.TrimPrefix(s, "×")
	s = strings.TrimSuffix(s, "x")
	for _, unit := range []string{"uds", "ud", "pcs", "units", "unidades", "u"} {
		if strings.HasSuffix(s, unit) {
			s = strings.TrimSuffix(s, unit)
			break
		}
	}
	return parseNumber(s)
}

// parseNumber decides which of '.' and ',' is the decimal separator and parses the rest.
func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimPrefix(s, "-")
	} else if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSuffix(s, "-")
	}
	s = strings.TrimPrefix(s, "+")
	s = reGrouping.ReplaceAllString(s, "")
	s = strings.TrimRight(s, ".,")
	if s == "" {
		return decimal.Decimal{}, ErrNoNumber
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return decimal.Decimal{}, fmt.Errorf("%w: unexpected %q", ErrNoNumber, r)
		}
	}

	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		s = resolveSingleSeparator(s, ",")
	case lastDot >= 0:
		s = resolveSingleSeparator(s, ".")
	}
	if !reNumberBody.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrNoNumber, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrNoNumber, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// resolveSingleSeparator handles strings using only one kind of separator. Repeated
// separators, or a single one followed by exactly three digits after a non-zero
// integer part, are thousands grouping; otherwise it is the decimal point.
func resolveSingleSeparator(s, sep string) string {
	if strings.Count(s, sep) > 1 {
		return strings.ReplaceAll(s, sep, "")
	}
	i := strings.Index(s, sep)
	intPart, frac := s[:i], s[i+1:]
	if len(frac) == 3 && strings.TrimLeft(intPart, "0") != "" {
		return intPart + frac
	}
	return intPart + "." + frac
}

var monthNames = map[string]time.Month{
	"january": 1, "february": 2, "march": 3, "april": 4, "may": 5, "june": 6, "july": 7,
	"august": 8, "september": 9, "october": 10, "november": 11, "december": 12,
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "jun": 6, "jul": 7, "aug": 8, "sep": 9, "sept": 9,
	"oct": 10, "nov": 11, "dec": 12,
	"enero": 1, "febrero": 2, "marzo": 3, "abril": 4, "mayo": 5, "junio": 6, "julio": 7,
	"agosto": 8, "septiembre": 9, "setiembre": 9, "octubre": 10, "noviembre": 11, "diciembre": 12,
	"ene": 1, "abr": 4, "ago": 8, "dic": 12,
}

var (
	reISODate     = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})\b`)
	reNumericDate = regexp.MustCompile(`\b(\d{1,2})[-/.](\d{1,2})[-/.](\d{2,4})\b`)
	reDayMonth    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th|º)?\s*(?:de\s+)?([a-z]+)\.?,?\s*(?:de\s+|del\s+)?(\d{4})\b`)
	reMonthDay    = regexp.MustCompile(`\b([a-z]+)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
)

// ParseDate finds a calendar date in text. Ambiguous numeric dates such as 03/04/2024
// are read day-first when dayFirst is set.
func ParseDate(text string, dayFirst bool) (time.Time, error) {
	s := strings.ToLower(utils.FoldAccents(strings.TrimSpace(text)))

	if m := reISODate.FindStringSubmatch(s); m != nil {
		return makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}
	if m := reNumericDate.FindStringSubmatch(s); m != nil {
		a, b, y := atoi(m[1]), atoi(m[2]), expandYear(m[3])
		day, month := a, b
		switch {
		case a > 12:
		case b > 12:
			day, month = b, a
		case !dayFirst:
			day, month = b, a
		}
		return makeDate(y, month, day)
	}
	if m := reDayMonth.FindStringSubmatch(s); m != nil {
		if mon, ok := monthNames[m[2]]; ok {
			return makeDate(atoi(m[3]), int(mon), atoi(m[1]))
		}
	}
	if m := reMonthDay.FindStringSubmatch(s); m != nil {
		if mon, ok := monthNames[m[1]]; ok {
			return makeDate(atoi(m[3]), int(mon), atoi(m[2]))
		}
	}
	return time.Time{}, fmt.Errorf("%w in %q", ErrNoDate, text)
}

func makeDate(y, m, d int) (time.Time, error) {
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d out of range", ErrNoDate, y, m, d)
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d does not exist", ErrNoDate, y, m, d)
	}
	return t, nil
}

func expandYear(s string) int {
	y := atoi(s)
	if len(s) == 2 {
		if y < 70 {
			return 2000 + y
		}
		return 1900 + y
	}
	return y
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

var (
	reTaxIDPrefix = regexp.MustCompile(`^(NIF|CIF|NIE|VAT|TAXID|DNI)`)
	reSpanishID   = regexp.MustCompile(`^(ES)?[A-Z0-9]\d{7}[A-Z0-9]$`)
)

// NormalizeTaxID strips separators and label prefixes from a tax id. The bool reports
// whether the result has the shape of a Spanish NIF/CIF/NIE.
func NormalizeTaxID(text string) (string, bool) {
	var b strings.Builder
	for _, r := range strings.ToUpper(utils.FoldAccents(text)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if loc := reTaxIDPrefix.FindStringIndex(s); loc != nil && len(s)-loc[1] >= 8 {
		s = s[loc[1]:]
	}
	return s, reSpanishID.MatchString(s)
}

var reInvoicePrefix = regexp.MustCompile(`(?i)^(?:(?:n[º°]|(?:no|num|n[uú]mero|number|factura|invoice|fra)[.:#\s])[\s.:#]*|#\s*)+`)

// NormalizeInvoiceNumber drops a leading label remnant ("Nº", "No.", "#", "Factura")
// and trailing punctuation.
func NormalizeInvoiceNumber(text string) string {
	s := strings.TrimSpace(text)
	if stripped := reInvoicePrefix.ReplaceAllString(s, ""); strings.TrimSpace(stripped) != "" {
		s = stripped
	}
	return strings.TrimRight(strings.TrimSpace(s), ".,;:")
}

// NormalizeName collapses whitespace and trims trailing separators.
func NormalizeName(text string) string {
	return strings.TrimRight(utils.CollapseSpaces(text), ",;:")
}
