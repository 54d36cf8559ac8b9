package feed

import "strings"

// Staging text columns are sized in characters. Short fields hold scalars
// (labels, numbers-as-text, URLs); long fields hold free text and joined
// multi-value lists.
const (
	ShortText = 255
	LongText  = 4000
)

// Clean collapses runs of whitespace into single spaces and trims the result.
// Scraped text carries BOM characters (U+FEFF), which do not count as Unicode
// whitespace, so they are replaced up front; NBSP (U+00A0) does count and is
// collapsed with the rest. The literal placeholder "N/A" written by earlier
// loaders means absent and becomes "".
func Clean(s string) string {
	if s == "" {
		return ""
	}
	if strings.Contains(s, "\uFEFF") {
		s = strings.ReplaceAll(s, "\uFEFF", " ")
	}
	s = strings.Join(strings.Fields(s), " ")
	if s == "N/A" {
		return ""
	}
	return s
}

// Truncate shortens s to at most max characters. The cut counts runes, not
// bytes, so it never lands inside a multibyte character.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// CleanTruncate applies Clean and then Truncate.
func CleanTruncate(s string, max int) string {
	return Truncate(Clean(s), max)
}

// Split breaks a delimiter-joined multi-value field (equipment lists, image
// URL lists) into cleaned parts, dropping parts that clean to empty.
func Split(s, delimiter string) []string {
	if Clean(s) == "" {
		return nil
	}
	parts := strings.Split(s, delimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if c := Clean(p); c != "" {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
