package textutil

import (
	"html"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// SanitizeText strips markup and control characters from free text supplied by clients and
// truncates the result to limit runes. A non-positive limit disables truncation.
func SanitizeText(value string, limit int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := html.UnescapeString(strictPolicy.Sanitize(value))
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, cleaned)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if limit > 0 && utf8.RuneCountInString(cleaned) > limit {
		runes := []rune(cleaned)
		cleaned = strings.TrimSpace(string(runes[:limit]))
	}
	return cleaned
}

const maxAttributeKeyLength = 64

// SanitizeAttributes cleans line-item attributes such as engravings or sizes. Keys and values
// pass through SanitizeText, empty keys are dropped and at most maxEntries keys are kept in
// sorted order. Returns nil when nothing survives.
func SanitizeAttributes(values map[string]string, maxEntries, limit int) map[string]string {
	if len(values) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(values))
	for key, value := range values {
		key = SanitizeText(key, maxAttributeKeyLength)
		if key == "" {
			continue
		}
		cleaned[key] = SanitizeText(value, limit)
	}
	if maxEntries > 0 && len(cleaned) > maxEntries {
		for _, key := range slices.Sorted(maps.Keys(cleaned))[maxEntries:] {
			delete(cleaned, key)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}
