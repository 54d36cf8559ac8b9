// Package mapping holds the dictionaries that translate source-vocabulary
// labels (marketplace category strings, mostly German) into canonical
// warehouse slugs. A Set is built once at startup and is passed explicitly
// into the dimension resolver, so resolution is a pure function of (set,
// input) with no package-level state.
package mapping

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Table translates the labels of one attribute domain (fuel, car type, ...).
// Matching is fold-insensitive: "Klein-/ Kompaktwagen" and
// "klein-/ kompaktwagen" hit the same entry.
type Table struct {
	entries map[string]string
}

// NewTable builds a Table from label→canonical pairs. The keys are folded on
// the way in; the input map is not retained.
func NewTable(entries map[string]string) Table {
	t := Table{entries: make(map[string]string, len(entries))}
	for label, canonical := range entries {
		t.entries[Fold(label)] = canonical
	}
	return t
}

// Apply translates raw into canonical form. A label without an entry passes
// through unchanged; the bool reports whether an entry matched.
func (t Table) Apply(raw string) (string, bool) {
	if canonical, ok := t.entries[Fold(raw)]; ok {
		return canonical, true
	}
	return raw, false
}

// Len reports the number of entries.
func (t Table) Len() int { return len(t.entries) }

// Canonicals returns the table's distinct canonical values, sorted. Closed
// dimension tables are seeded from this list.
func (t Table) Canonicals() []string {
	seen := make(map[string]struct{}, len(t.entries))
	out := make([]string, 0, len(t.entries))
	for _, canonical := range t.entries {
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	sort.Strings(out)
	return out
}

// Set groups Tables by attribute domain ("make", "fuel", "car_type", ...).
type Set struct {
	tables map[string]Table
}

// NewSet builds a Set. The input map is not retained.
func NewSet(tables map[string]Table) Set {
	s := Set{tables: make(map[string]Table, len(tables))}
	for domain, t := range tables {
		s.tables[domain] = t
	}
	return s
}

// Table returns the table for domain.
func (s Set) Table(domain string) (Table, bool) {
	t, ok := s.tables[domain]
	return t, ok
}

// Apply translates raw through the domain's table. Domains without a table
// pass every value through unchanged.
func (s Set) Apply(domain, raw string) string {
	t, ok := s.tables[domain]
	if !ok {
		return raw
	}
	out, _ := t.Apply(raw)
	return out
}

// Fold canonicalizes a label for matching: whitespace runs (including NBSP)
// collapse to single spaces, then Unicode case folding (ß → ss) and NFC
// normalization. Both table keys and lookups go through Fold, so matching is
// insensitive to case, spacing and composition differences.
func Fold(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	// cases.Caser values are stateful, one per call.
	return norm.NFC.String(cases.Fold().String(s))
}
