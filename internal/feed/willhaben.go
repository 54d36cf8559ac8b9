// Package feed decodes scraped marketplace exports into staging rows.
//
// Two feeds are supported: willhaben search responses, which are JSON
// envelopes with per-advert attribute lists, and gebrauchtwagen exports,
// which are CSV files with a header row. Both pass through the same text
// hygiene before reaching a staging table.
package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// WillhabenColumns is the stg_willhaben column order produced by
// WillhabenListing.Row. The loader appends sync_ts itself.
var WillhabenColumns = []string{
	"external_id", "make", "model", "specification", "description_head",
	"description", "heading", "year_model", "transmission", "mileage",
	"no_of_seats", "engine_effect", "engine_fuel", "car_type", "no_of_owners",
	"color", "condition", "equipment", "address", "location", "postcode",
	"district", "state", "country", "coordinates", "price", "warranty",
	"published", "seo_url", "main_image_url", "all_image_urls",
}

// WillhabenListing is one advert from a search response, flattened to
// cleaned staging values. Absent fields are "".
type WillhabenListing struct {
	ExternalID      string
	Make            string
	Model           string
	Specification   string
	DescriptionHead string
	Description     string
	Heading         string
	YearModel       string
	Transmission    string
	Mileage         string
	NoOfSeats       string
	EngineEffect    string
	EngineFuel      string
	CarType         string
	NoOfOwners      string
	Color           string
	Condition       string
	Equipment       string
	Address         string
	Location        string
	Postcode        string
	District        string
	State           string
	Country         string
	Coordinates     string
	Price           string
	Warranty        string
	Published       string
	SEOURL          string
	MainImageURL    string
	AllImageURLs    string
}

// The marketplace envelope: a root object carrying an advert summary list,
// each advert carrying a name/values attribute list and an image list.
type willhabenEnvelope struct {
	AdvertSummaryList struct {
		AdvertSummary []willhabenAdvert `json:"advertSummary"`
	} `json:"advertSummaryList"`
}

type willhabenAdvert struct {
	ID          flexString `json:"id"`
	Description string     `json:"description"`
	Attributes  struct {
		Attribute []willhabenAttribute `json:"attribute"`
	} `json:"attributes"`
	AdvertImageList struct {
		AdvertImage []struct {
			MainImageURL string `json:"mainImageUrl"`
		} `json:"advertImage"`
	} `json:"advertImageList"`
}

type willhabenAttribute struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// flexString accepts JSON strings and numbers. Advert ids arrive as numbers
// in some exports and as strings in others.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// DecodeWillhaben reads one search-response envelope and returns its adverts
// as staging listings. Adverts without an id are dropped: staging keys rows
// by external_id and an unkeyed advert cannot be synchronized.
func DecodeWillhaben(r io.Reader) ([]WillhabenListing, error) {
	var env willhabenEnvelope
	dec := json.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("feed: decode willhaben envelope: %w", err)
	}

	adverts := env.AdvertSummaryList.AdvertSummary
	out := make([]WillhabenListing, 0, len(adverts))
	for _, ad := range adverts {
		id := Clean(string(ad.ID))
		if id == "" {
			continue
		}
		out = append(out, ad.listing(id))
	}
	return out, nil
}

// attributeMap folds the attribute list into name -> value. Multi-value
// attributes (equipment, image URLs) are ";"-joined, matching the delimiter
// Split expects.
func (a willhabenAdvert) attributeMap() map[string]string {
	m := make(map[string]string, len(a.Attributes.Attribute))
	for _, attr := range a.Attributes.Attribute {
		if attr.Name == "" || len(attr.Values) == 0 {
			continue
		}
		m[attr.Name] = strings.Join(attr.Values, ";")
	}
	return m
}

func (a willhabenAdvert) mainImageURL() string {
	if len(a.AdvertImageList.AdvertImage) == 0 {
		return ""
	}
	return a.AdvertImageList.AdvertImage[0].MainImageURL
}

func (a willhabenAdvert) listing(id string) WillhabenListing {
	attrs := a.attributeMap()

	short := func(name string) string {
		return CleanTruncate(attrs[name], ShortText)
	}
	// Multi-value fields are cleaned per part and re-joined so one polluted
	// part cannot corrupt the whole list.
	list := func(name string) string {
		return Truncate(strings.Join(Split(attrs[name], ";"), ";"), LongText)
	}

	return WillhabenListing{
		ExternalID:      id,
		Make:            short("CAR_MODEL/MAKE"),
		Model:           short("CAR_MODEL/MODEL"),
		Specification:   short("CAR_MODEL/MODEL_SPECIFICATION"),
		DescriptionHead: CleanTruncate(a.Description, ShortText),
		Description:     CleanTruncate(attrs["BODY_DYN"], LongText),
		Heading:         short("HEADING"),
		YearModel:       short("YEAR_MODEL"),
		Transmission:    short("TRANSMISSION"),
		Mileage:         short("MILEAGE"),
		NoOfSeats:       short("NOOFSEATS"),
		EngineEffect:    short("ENGINE/EFFECT"),
		EngineFuel:      short("ENGINE/FUEL"),
		CarType:         short("CAR_TYPE"),
		NoOfOwners:      short("NO_OF_OWNERS"),
		Color:           short("EXTERIORCOLOURMAIN"),
		Condition:       short("CONDITION"),
		Equipment:       list("EQUIPMENT"),
		Address:         short("ADDRESS"),
		Location:        short("LOCATION"),
		Postcode:        short("POSTCODE"),
		District:        short("DISTRICT"),
		State:           short("STATE"),
		Country:         short("COUNTRY"),
		Coordinates:     short("COORDINATES"),
		Price:           short("PRICE/AMOUNT"),
		Warranty:        short("WARRANTY"),
		Published:       short("PUBLISHED"),
		SEOURL:          short("SEO_URL"),
		MainImageURL:    CleanTruncate(a.mainImageURL(), ShortText),
		AllImageURLs:    list("ALL_IMAGE_URLS"),
	}
}

// Row returns values aligned with WillhabenColumns. Empty strings become
// NULLs so downstream transforms see absent values rather than "".
func (l WillhabenListing) Row() []any {
	vals := []string{
		l.ExternalID, l.Make, l.Model, l.Specification, l.DescriptionHead,
		l.Description, l.Heading, l.YearModel, l.Transmission, l.Mileage,
		l.NoOfSeats, l.EngineEffect, l.EngineFuel, l.CarType, l.NoOfOwners,
		l.Color, l.Condition, l.Equipment, l.Address, l.Location, l.Postcode,
		l.District, l.State, l.Country, l.Coordinates, l.Price, l.Warranty,
		l.Published, l.SEOURL, l.MainImageURL, l.AllImageURLs,
	}
	return nullify(vals)
}

func nullify(vals []string) []any {
	row := make([]any, len(vals))
	for i, v := range vals {
		if v == "" {
			row[i] = nil
		} else {
			row[i] = v
		}
	}
	return row
}
