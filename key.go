package nanotube

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// invalidKey[c] is true if the ASCII character c cannot appear in metric keys.
var invalidKey = [utf8.RuneSelf]bool{
	0: true, '\t': true, '\n': true, '\v': true, '\f': true, '\r': true, ' ': true,
	'!': true, ';': true, ':': true, '/': true, '\\': true,
	'#': true, '%': true, '$': true, '^': true, '*': true,
}

// invalidPrefix[c] is true if the ASCII character c cannot appear in the key
// prefix of a configuration.
var invalidPrefix = [utf8.RuneSelf]bool{
	'\t': true, '\n': true, '\v': true, '\f': true, '\r': true, ' ': true,
	'!': true, ';': true, ':': true, '/': true, '\\': true,
	'#': true, '%': true, '$': true, '^': true,
	'.': true, '(': true, ')': true,
}

func validRune(table *[utf8.RuneSelf]bool, r rune) bool {
	if r < utf8.RuneSelf {
		return !table[r]
	}
	return !unicode.IsSpace(r)
}

func valid(table *[utf8.RuneSelf]bool, s string) bool {
	for _, r := range s {
		if !validRune(table, r) {
			return false
		}
	}
	return true
}

// ValidKey reports whether key can be used as a metric key as is. The empty
// string is a valid key.
func ValidKey(key string) bool {
	return valid(&invalidKey, key)
}

// ValidPrefix reports whether prefix can be used as the key prefix of a
// client. Prefixes follow the rules of keys, but cannot contain dots or
// parentheses.
func ValidPrefix(prefix string) bool {
	return valid(&invalidPrefix, prefix)
}

// Sanitize returns key with every character that is not allowed in metric
// keys replaced by an underscore.
func Sanitize(key string) string {
	if ValidKey(key) {
		return key
	}

	return strings.Map(func(r rune) rune {
		if !validRune(&invalidKey, r) {
			return '_'
		}
		return r
	}, key)
}
