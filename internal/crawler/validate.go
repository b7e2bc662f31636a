package crawler

import (
	"net/url"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TitleValidator rejects titles shorter than minRunes or equal to a placeholder label.
func TitleValidator(minRunes int, placeholders []string) Validator {
	return func(v string) bool {
		v = CleanText(v)
		if utf8.RuneCountInString(v) < minRunes {
			return false
		}
		for _, p := range placeholders {
			if strings.EqualFold(v, strings.TrimSpace(p)) {
				return false
			}
		}
		return true
	}
}

// PriceValidator rejects text without a digit.
func PriceValidator(v string) bool {
	return strings.IndexFunc(v, unicode.IsDigit) >= 0
}

// ImageValidator rejects data URIs and URLs whose path names a placeholder. A placeholder
// matches whole words of a path segment, so "icon" rejects icon_cart.png but not
// silicone-spatula.jpg.
func ImageValidator(placeholders []string) Validator {
	patterns := make([][]string, 0, len(placeholders))
	for _, p := range placeholders {
		if words := pathWords(p); len(words) > 0 {
			patterns = append(patterns, words)
		}
	}
	return func(v string) bool {
		v = strings.TrimSpace(v)
		if v == "" || strings.HasPrefix(strings.ToLower(v), "data:") {
			return false
		}
		path := v
		if u, err := url.Parse(v); err == nil {
			path = u.Path
		}
		for _, segment := range strings.Split(path, "/") {
			words := pathWords(segment)
			for _, p := range patterns {
				if containsRun(words, p) {
					return false
				}
			}
		}
		return true
	}
}

// pathWords splits s into lower-case runs of letters and digits.
func pathWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// containsRun reports whether sub appears in words as a contiguous run.
func containsRun(words, sub []string) bool {
	for i := 0; i+len(sub) <= len(words); i++ {
		if slices.Equal(words[i:i+len(sub)], sub) {
			return true
		}
	}
	return false
}

// LinkValidator rejects empty, fragment-only and javascript: links.
func LinkValidator(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || strings.HasPrefix(v, "#") {
		return false
	}
	return !strings.HasPrefix(strings.ToLower(v), "javascript:")
}

// NonEmpty accepts any value with visible text.
func NonEmpty(v string) bool {
	return CleanText(v) != ""
}

// validators returns the validator per field for a target.
func validators(t *Target) map[string]Validator {
	return map[string]Validator{
		FieldLink:          LinkValidator,
		FieldTitle:         TitleValidator(t.Validation.TitleMinLength, t.Validation.TitlePlaceholders),
		FieldPrice:         PriceValidator,
		FieldOriginalPrice: PriceValidator,
		FieldImage:         ImageValidator(t.Validation.ImagePlaceholders),
		FieldDescription:   NonEmpty,
		FieldAvailability:  NonEmpty,
	}
}
