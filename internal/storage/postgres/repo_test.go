package postgres

import (
	"strings"
	"testing"

	"carsync/internal/storage"
)

func TestBuildInsertSQL_NoDedupe_NoOnConflict(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL(
		"stg_willhaben",
		[]string{"external_id", "make", "price"},
		[][]any{
			{"A1", "Mercedes-Benz", int64(9000)},
			{"B7", "Audi", nil},
		},
		nil,
	)

	if strings.Contains(sql, "ON CONFLICT") {
		t.Fatalf("expected no ON CONFLICT clause, got: %q", sql)
	}
	// 2 rows * 3 columns = 6 args
	if len(args) != 6 {
		t.Fatalf("expected 6 args, got %d", len(args))
	}
	// Placeholder numbering must be stable for Exec().
	if !strings.Contains(sql, "VALUES ($1, $2, $3), ($4, $5, $6)") {
		t.Fatalf("unexpected VALUES placeholders: %q", sql)
	}
}

func TestBuildInsertSQL_WithDedupe_AddsOnConflictDoNothing(t *testing.T) {
	t.Parallel()

	sql, _ := buildInsertSQL(
		"stg_willhaben",
		[]string{"external_id", "sync_ts", "price"},
		[][]any{
			{"A1", "2026-01-01", int64(9000)},
			// Intentional duplicate key to simulate input duplicates.
			{"A1", "2026-01-01", int64(9000)},
		},
		[]string{"external_id", "sync_ts"},
	)

	if !strings.Contains(sql, `ON CONFLICT ("external_id", "sync_ts") DO NOTHING`) {
		t.Fatalf("expected ON CONFLICT DO NOTHING, got: %q", sql)
	}
}

func TestBuildUpsertSQL_UpdatesNonKeyColumns(t *testing.T) {
	t.Parallel()

	sql, args, err := buildUpsertSQL(
		"etl_sync_log",
		[]string{"table_name", "last_synced"},
		[][]any{{"stg_willhaben", "2026-01-01"}},
		[]string{"table_name"},
	)
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}
	if !strings.Contains(sql, `ON CONFLICT ("table_name") DO UPDATE SET "last_synced" = EXCLUDED."last_synced"`) {
		t.Fatalf("unexpected conflict clause: %q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}
}

func TestBuildUpsertSQL_AllKeyColumnsFallBackToDoNothing(t *testing.T) {
	t.Parallel()

	sql, _, err := buildUpsertSQL(
		"dim_equipment",
		[]string{"equipment_name"},
		[][]any{{"abs"}},
		[]string{"equipment_name"},
	)
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}
	if !strings.Contains(sql, "DO NOTHING") || strings.Contains(sql, "DO UPDATE") {
		t.Fatalf("pure key table must fall back to DO NOTHING: %q", sql)
	}
}

func TestBuildUpsertSQL_RejectsUnknownKeyColumn(t *testing.T) {
	t.Parallel()

	_, _, err := buildUpsertSQL("dim_make", []string{"make_name"}, [][]any{{"audi"}}, []string{"missing"})
	if err == nil {
		t.Fatalf("expected error for key column not present in columns")
	}
}

func TestBuildInsertReturningSQL(t *testing.T) {
	t.Parallel()

	sql := buildInsertReturningSQL("fact_listing", []string{"source_id", "external_id"}, "listing_key")
	want := `INSERT INTO "fact_listing" ("source_id", "external_id") VALUES ($1, $2) RETURNING "listing_key"`
	if sql != want {
		t.Fatalf("unexpected SQL:\n got %q\nwant %q", sql, want)
	}
}

func TestBuildSelectSinceSQL_BoundedAndUnbounded(t *testing.T) {
	t.Parallel()

	bounded := buildSelectSinceSQL("stg_willhaben", []string{"external_id", "price"}, "sync_ts", true)
	if !strings.Contains(bounded, `WHERE "sync_ts" > $1`) {
		t.Fatalf("bounded select missing watermark clause: %q", bounded)
	}
	if !strings.HasSuffix(bounded, `ORDER BY "sync_ts" ASC`) {
		t.Fatalf("bounded select missing ordering: %q", bounded)
	}

	full := buildSelectSinceSQL("stg_willhaben", []string{"external_id"}, "sync_ts", false)
	if strings.Contains(full, "WHERE") {
		t.Fatalf("unbounded select must not filter: %q", full)
	}
}

func TestBuildCreateSQL_IdentityKeyAndDeferrableForeignKeys(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "public.fact_listing",
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}, Identity: true},
		Columns: []storage.ColumnSpec{
			{Name: "source_id", Type: "int"},
			{Name: "external_id", Type: "text(64)"},
			{Name: "make_key", Type: "bigint"},
			{Name: "color_key", Type: "bigint", Nullable: true},
		},
		Uniques: [][]string{{"source_id", "external_id"}},
		ForeignKeys: []storage.ForeignKeySpec{
			{Columns: []string{"make_key"}, RefTable: "public.dim_make", RefColumns: []string{"make_key"}},
		},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != `CREATE SCHEMA IF NOT EXISTS "public";` {
		t.Fatalf("unexpected schema DDL: %q", schemaSQL)
	}
	if !strings.Contains(tableSQL, `CREATE TABLE IF NOT EXISTS "public"."fact_listing"`) {
		t.Fatalf("missing CREATE TABLE: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `"listing_key" BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY`) {
		t.Fatalf("missing identity key: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `"external_id" VARCHAR(64) NOT NULL`) {
		t.Fatalf("missing bounded text column: %q", tableSQL)
	}
	if strings.Contains(tableSQL, `"color_key" BIGINT NOT NULL`) {
		t.Fatalf("nullable column must omit NOT NULL: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `UNIQUE ("source_id", "external_id")`) {
		t.Fatalf("missing unique constraint: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `FOREIGN KEY ("make_key") REFERENCES "public"."dim_make" ("make_key") DEFERRABLE INITIALLY IMMEDIATE`) {
		t.Fatalf("missing deferrable foreign key: %q", tableSQL)
	}
}

func TestBuildCreateSQL_UnqualifiedNameSkipsSchema(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:    "etl_sync_log",
		Columns: []storage.ColumnSpec{{Name: "table_name", Type: "text(128)"}, {Name: "last_synced", Type: "timestamp"}},
		PrimaryKey: &storage.PrimaryKeySpec{
			Columns: []string{"table_name"},
		},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Fatalf("expected no schema DDL for unqualified name, got %q", schemaSQL)
	}
	if !strings.Contains(tableSQL, `PRIMARY KEY ("table_name")`) {
		t.Fatalf("missing plain primary key: %q", tableSQL)
	}
	if !strings.Contains(tableSQL, `"last_synced" TIMESTAMPTZ NOT NULL`) {
		t.Fatalf("missing timestamp column: %q", tableSQL)
	}
}

func TestMaxRowsPerStatement_NeverZero(t *testing.T) {
	t.Parallel()

	if got := maxRowsPerStatement(3); got != 3333 {
		t.Fatalf("expected 3333 rows for 3 columns, got %d", got)
	}
	if got := maxRowsPerStatement(20000); got != 1 {
		t.Fatalf("expected floor of 1 row, got %d", got)
	}
}
