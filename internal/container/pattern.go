package container

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// unbracketable cannot stand alone inside a bracket expression.
const unbracketable = `\^]-[`

// ExclusivePattern quotes literal as a regular expression and brackets its
// first character, so pgrep -f and pkill -f never match the shell command
// line that carries the pattern.
func ExclusivePattern(literal string) string {
	r, size := utf8.DecodeRuneInString(literal)
	if size == 0 {
		return ""
	}
	rest := regexp.QuoteMeta(literal[size:])
	if strings.ContainsRune(unbracketable, r) {
		return regexp.QuoteMeta(string(r)) + rest
	}
	return "[" + string(r) + "]" + rest
}

// ValidProcessPattern reports whether literal can be embedded in a
// single-quoted shell argument and made exclusive.
func ValidProcessPattern(literal string) bool {
	r, size := utf8.DecodeRuneInString(literal)
	if size == 0 || r == utf8.RuneError {
		return false
	}
	return !strings.ContainsRune(unbracketable, r) && !strings.ContainsRune(literal, '\'')
}
