package entity

import (
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// SequenceName derives the default sequence name for a table: the singular
// snake_case table name followed by _seq ("OrderLines" -> "order_line_seq").
func SequenceName(table string) string {
	if table == "" {
		return ""
	}
	return toSnake(inflection.Singular(toSnake(table))) + "_seq"
}

// TypeName derives a registry name from a Go type name, dropping package
// qualifiers and pointer markers ("*models.User" -> "user").
func TypeName(goName string) string {
	goName = strings.TrimLeft(goName, "*")
	if i := strings.LastIndexByte(goName, '.'); i >= 0 {
		goName = goName[i+1:]
	}
	if i := strings.IndexByte(goName, '['); i >= 0 {
		goName = goName[:i]
	}
	return toSnake(goName)
}

// toSnake converts s to snake_case using ASCII-aware rules. Punctuation
// collapses into a single underscore.
func toSnake(s string) string {
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	lastUnderscore := false
	sep := func() {
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if b.Len() > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
					sep()
				}
			}
			b.WriteRune(unicode.ToLower(r))
			lastUnderscore = false

		case unicode.IsLower(r):
			b.WriteRune(r)
			lastUnderscore = false

		case unicode.IsDigit(r):
			if b.Len() > 0 && !unicode.IsDigit(runes[i-1]) {
				sep()
			}
			b.WriteRune(r)
			lastUnderscore = false

		default:
			sep()
		}
	}

	return strings.Trim(b.String(), "_")
}
