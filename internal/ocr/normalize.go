package ocr

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	reBoxNoise = regexp.MustCompile(`^[_\-|=~.]{3,}$`)
	reSpaces   = regexp.MustCompile(`\s+`)
)

// CleanWord trims an OCR word, drops control characters and rejects table-rule noise
// such as "-----" or "|||". It returns "" for words that should be discarded.
func CleanWord(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(reSpaces.ReplaceAllString(s, " "))
	if s == "|" || reBoxNoise.MatchString(s) {
		return ""
	}
	return s
}
