package feed

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// GebrauchtwagenColumns is the stg_gebrauchtwagen column order produced by
// GebrauchtwagenListing.Row. The loader appends sync_ts itself.
var GebrauchtwagenColumns = []string{
	"external_id", "make", "model", "mileage", "engine_effect",
	"engine_fuel", "year_model", "location", "price",
}

// Some exports keep the raw API field names in the header row.
var gebrauchtwagenHeaderAliases = map[string]string{
	"id":                      "external_id",
	"power_in_kw":             "engine_effect",
	"powerinkw":               "engine_effect",
	"fuel":                    "engine_fuel",
	"first_registration_year": "year_model",
}

// GebrauchtwagenListing is one row from a CSV export, flattened to cleaned
// staging values. Absent fields are "".
type GebrauchtwagenListing struct {
	ExternalID   string
	Make         string
	Model        string
	Mileage      string
	EngineEffect string
	EngineFuel   string
	YearModel    string
	Location     string
	Price        string
}

// DecodeGebrauchtwagen reads one CSV export with a header row and returns
// its rows as staging listings. Header cells are matched to staging columns
// after lowercasing, space-to-underscore folding, and alias resolution; rows
// without an id are dropped.
func DecodeGebrauchtwagen(r io.Reader) ([]GebrauchtwagenListing, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	hdr, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("feed: gebrauchtwagen export is empty")
		}
		return nil, fmt.Errorf("feed: read gebrauchtwagen header: %w", err)
	}

	colIx := make([]int, len(GebrauchtwagenColumns))
	for i := range colIx {
		colIx[i] = -1
	}
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		h = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
		if alias, ok := gebrauchtwagenHeaderAliases[h]; ok {
			h = alias
		}
		for t, want := range GebrauchtwagenColumns {
			if h == want {
				colIx[t] = i
			}
		}
	}
	if colIx[0] < 0 {
		return nil, fmt.Errorf("feed: gebrauchtwagen header has no external_id column (header %v)", hdr)
	}

	var out []GebrauchtwagenListing
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("feed: gebrauchtwagen line %d: %w", line, err)
		}

		vals := make([]string, len(GebrauchtwagenColumns))
		for t, si := range colIx {
			if si < 0 || si >= len(rec) {
				continue
			}
			vals[t] = CleanTruncate(rec[si], ShortText)
		}
		if vals[0] == "" {
			continue
		}
		out = append(out, GebrauchtwagenListing{
			ExternalID:   vals[0],
			Make:         vals[1],
			Model:        vals[2],
			Mileage:      vals[3],
			EngineEffect: vals[4],
			EngineFuel:   vals[5],
			YearModel:    vals[6],
			Location:     vals[7],
			Price:        vals[8],
		})
	}
	return out, nil
}

// Row returns values aligned with GebrauchtwagenColumns, empty strings as
// NULLs.
func (l GebrauchtwagenListing) Row() []any {
	return nullify([]string{
		l.ExternalID, l.Make, l.Model, l.Mileage, l.EngineEffect,
		l.EngineFuel, l.YearModel, l.Location, l.Price,
	})
}
