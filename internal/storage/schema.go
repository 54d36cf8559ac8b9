// The schema spec types live here so the warehouse engine and the backend
// packages can share them without circular imports.
package storage

// TableSpec declares one warehouse or staging table in backend-neutral terms.
// Column types use generic tokens translated by each backend:
//
//	text         unbounded text
//	text(n)      bounded text, n characters
//	int          32-bit integer
//	bigint       64-bit integer
//	float        double precision
//	decimal(p,s) exact numeric
//	timestamp    point in time (SQLite stores these as fixed-width UTC text)
type TableSpec struct {
	Name        string           `json:"name"`
	PrimaryKey  *PrimaryKeySpec  `json:"primary_key,omitempty"`
	Columns     []ColumnSpec     `json:"columns"`
	Uniques     [][]string       `json:"uniques,omitempty"`
	ForeignKeys []ForeignKeySpec `json:"foreign_keys,omitempty"`
}

// PrimaryKeySpec names the primary key columns.
//
// When Identity is true the key must be a single column, it must not appear
// in Columns, and the backend emits its generated-bigint form (IDENTITY,
// GENERATED AS IDENTITY, INTEGER PRIMARY KEY). When Identity is false every
// named column must appear in Columns.
type PrimaryKeySpec struct {
	Columns  []string `json:"columns"`
	Identity bool     `json:"identity,omitempty"`
}

// ColumnSpec declares one column. Nullable defaults to false (NOT NULL).
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable,omitempty"`
}

// ForeignKeySpec declares a table-level foreign key. The Postgres backend
// emits these as DEFERRABLE so constraint enforcement can be suspended
// inside a unit of work.
type ForeignKeySpec struct {
	Columns    []string `json:"columns"`
	RefTable   string   `json:"ref_table"`
	RefColumns []string `json:"ref_columns"`
}
