package mapping

import (
	"encoding/json"
	"fmt"
	"os"
)

type mappingFile struct {
	Tables map[string]map[string]string `json:"tables"`
}

// LoadFile loads and validates a JSON mapping file of the form
//
//	{"tables": {"car_type": {"Klein-/ Kompaktwagen": "compact_car", ...}, ...}}
func LoadFile(path string) (Set, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Set{}, fmt.Errorf("read mapping file: %w", err)
	}

	var mf mappingFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return Set{}, fmt.Errorf("parse mapping json: %w", err)
	}

	if len(mf.Tables) == 0 {
		return Set{}, fmt.Errorf("mapping file %s has no tables", path)
	}

	tables := make(map[string]Table, len(mf.Tables))
	for domain, entries := range mf.Tables {
		if domain == "" {
			return Set{}, fmt.Errorf("mapping file %s has a table with an empty domain name", path)
		}
		tables[domain] = NewTable(entries)
	}
	return NewSet(tables), nil
}
