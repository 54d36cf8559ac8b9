package warehouse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"carsync/internal/feed"
)

// TransformFunc converts one staging value before it is used to build fact
// or child rows. nil passes through untouched: absent stays absent.
type TransformFunc func(v any) (any, error)

// Above this magnitude an epoch number is taken as milliseconds. Seconds
// epochs stay below 10^11 until the year 5138; the feeds publish both.
const epochMillisThreshold = int64(100_000_000_000)

// The named transforms a sync plan can reference per field. Plans carry
// names, not funcs, so they stay declarative and serializable.
var transforms = map[string]TransformFunc{
	"clean":      transformClean,
	"lower":      transformLower,
	"strip_html": transformStripHTML,
	"epoch_time": transformEpochTime,
	"int":        transformInt,
	"float":      transformFloat,
	"year":       transformYear,
}

// Transform returns the named transform, ok=false for unknown names.
func Transform(name string) (TransformFunc, bool) {
	f, ok := transforms[name]
	return f, ok
}

// asString renders a staging value as trimmed text. Staging columns are
// text, but SQLite hands back typed values for numeric-looking cells.
func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func transformClean(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := feed.Clean(asString(v))
	if s == "" {
		return nil, nil
	}
	return s, nil
}

func transformLower(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := strings.ToLower(feed.Clean(asString(v)))
	if s == "" {
		return nil, nil
	}
	return s, nil
}

// transformStripHTML extracts the plain text of a markup-bearing field.
// Scraped descriptions arrive with inline HTML; the child row stores prose.
func transformStripHTML(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw := asString(v)
	if raw == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("strip_html: %w", err)
	}
	s := feed.Clean(doc.Text())
	if s == "" {
		return nil, nil
	}
	return s, nil
}

// transformEpochTime converts an epoch number to a UTC time. Values above
// epochMillisThreshold are milliseconds, the rest seconds.
func transformEpochTime(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := asString(v)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("epoch_time: %q is not an epoch number", s)
	}
	if n <= 0 {
		return nil, nil
	}
	if n > epochMillisThreshold {
		return time.UnixMilli(n).UTC(), nil
	}
	return time.Unix(n, 0).UTC(), nil
}

// transformInt parses an integer, tolerating the decoration the feeds put on
// numbers ("150.000 km", "9.000,-"): digits are kept, the first non-digit
// run after a digit ends the number, units are dropped.
func transformInt(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := asString(v)
	if s == "" {
		return nil, nil
	}
	digits := extractDigits(s)
	if digits == "" {
		return nil, fmt.Errorf("int: no digits in %q", s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("int: parse %q: %w", s, err)
	}
	return n, nil
}

func transformFloat(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := asString(v)
	if s == "" {
		return nil, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	// Feed style: "." groups thousands, "," marks decimals.
	s2 := strings.ReplaceAll(strings.ReplaceAll(s, ".", ""), ",", ".")
	f, err := strconv.ParseFloat(s2, 64)
	if err != nil {
		return nil, fmt.Errorf("float: parse %q", s)
	}
	return f, nil
}

// transformYear extracts a four-digit model year ("2015", "EZ 06/2015").
func transformYear(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	s := asString(v)
	if s == "" {
		return nil, nil
	}
	for i := 0; i+4 <= len(s); i++ {
		if !isDigit(s[i]) {
			continue
		}
		if i+4 < len(s) && isDigit(s[i+4]) {
			// Longer digit run; skip past it.
			for i+4 < len(s) && isDigit(s[i]) {
				i++
			}
			continue
		}
		if isDigit(s[i+1]) && isDigit(s[i+2]) && isDigit(s[i+3]) {
			n, err := strconv.ParseInt(s[i:i+4], 10, 64)
			if err == nil && n >= 1900 && n <= 2100 {
				return n, nil
			}
		}
	}
	return nil, fmt.Errorf("year: no model year in %q", s)
}

func extractDigits(s string) string {
	var b strings.Builder
	started := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isDigit(c):
			b.WriteByte(c)
			started = true
		case !started && (c == ' ' || c == '-' || c == '+'):
			if c == '-' {
				b.WriteByte(c)
			}
		case started && (c == '.' || c == ','):
			// Grouping separator inside the number: "150.000". A separator
			// followed by a non-digit ends the number instead.
			if i+1 >= len(s) || !isDigit(s[i+1]) {
				return b.String()
			}
		case started:
			return b.String()
		}
	}
	return b.String()
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// splitCoordinates breaks a composite "lat,lon" field into its parts.
// A missing or malformed part comes back nil, never an error: coordinates
// are best-effort data and "value unavailable" is an ordinary state.
func splitCoordinates(v any) (lat, lon any) {
	s := asString(v)
	if s == "" {
		return nil, nil
	}
	first, second, _ := strings.Cut(s, ",")
	if f, err := strconv.ParseFloat(strings.TrimSpace(first), 64); err == nil {
		lat = f
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(second), 64); err == nil {
		lon = f
	}
	return lat, lon
}
