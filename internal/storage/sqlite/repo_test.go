package sqlite

import (
	"sort"
	"strings"
	"testing"
	"time"

	"carsync/internal/storage"
)

func TestBuildCreateSQL_DimensionTable(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "dim_make",
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"make_key"}, Identity: true},
		Columns: []storage.ColumnSpec{
			{Name: "make_name", Type: "text(255)"},
		},
		Uniques: [][]string{{"make_name"}},
	}

	q, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(q, `CREATE TABLE IF NOT EXISTS "dim_make"`) {
		t.Fatalf("missing CREATE TABLE guard: %q", q)
	}
	if !strings.Contains(q, `"make_key" INTEGER PRIMARY KEY AUTOINCREMENT`) {
		t.Fatalf("missing identity key: %q", q)
	}
	if !strings.Contains(q, `"make_name" TEXT NOT NULL`) {
		t.Fatalf("missing natural key column: %q", q)
	}
	if !strings.Contains(q, `UNIQUE ("make_name")`) {
		t.Fatalf("missing unique constraint: %q", q)
	}
}

func TestBuildCreateSQL_FactTableConstraints(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "fact_listing",
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"listing_key"}, Identity: true},
		Columns: []storage.ColumnSpec{
			{Name: "source_id", Type: "int"},
			{Name: "external_id", Type: "text(64)"},
			{Name: "make_key", Type: "bigint"},
			{Name: "color_key", Type: "bigint", Nullable: true},
			{Name: "price", Type: "decimal(12,2)", Nullable: true},
			{Name: "first_seen", Type: "timestamp"},
		},
		Uniques: [][]string{{"source_id", "external_id"}},
		ForeignKeys: []storage.ForeignKeySpec{
			{Columns: []string{"make_key"}, RefTable: "dim_make", RefColumns: []string{"make_key"}},
		},
	}

	q, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(q, `UNIQUE ("source_id", "external_id")`) {
		t.Fatalf("missing composite unique: %q", q)
	}
	if !strings.Contains(q, `FOREIGN KEY ("make_key") REFERENCES "dim_make" ("make_key")`) {
		t.Fatalf("missing foreign key: %q", q)
	}
	if strings.Contains(q, `"color_key" INTEGER NOT NULL`) {
		t.Fatalf("nullable column must not be NOT NULL: %q", q)
	}
	if !strings.Contains(q, `"price" NUMERIC`) {
		t.Fatalf("decimal should map to NUMERIC: %q", q)
	}
	if !strings.Contains(q, `"first_seen" TEXT NOT NULL`) {
		t.Fatalf("timestamp should be stored as TEXT: %q", q)
	}
}

func TestBuildCreateSQL_PlainCompositePrimaryKey(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:       "listing_image",
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"source_id", "external_id", "position"}},
		Columns: []storage.ColumnSpec{
			{Name: "source_id", Type: "int"},
			{Name: "external_id", Type: "text(64)"},
			{Name: "position", Type: "int"},
			{Name: "url", Type: "text"},
		},
	}

	q, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(q, `PRIMARY KEY ("source_id", "external_id", "position")`) {
		t.Fatalf("missing composite primary key: %q", q)
	}
	if strings.Contains(q, "AUTOINCREMENT") {
		t.Fatalf("plain key must not autoincrement: %q", q)
	}
}

func TestBuildCreateSQL_RejectsUnknownType(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "bad",
		Columns: []storage.ColumnSpec{
			{Name: "x", Type: "uuid"},
		},
	}
	if _, err := buildCreateSQL(spec); err == nil {
		t.Fatal("expected error for unsupported column type")
	}
}

func TestBuildInsertSQL_MultiRow(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("INSERT INTO ", "stg_willhaben", []string{"external_id", "heading"}, [][]any{
		{"a1", "BMW 320d"},
		{"a2", "Audi A4"},
	})

	want := `INSERT INTO "stg_willhaben" ("external_id", "heading") VALUES (?,?), (?,?)`
	if q != want {
		t.Fatalf("got:\n%s\nwant:\n%s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args=%d want 4", len(args))
	}
	if args[2] != "a2" {
		t.Fatalf("args[2]=%v want a2", args[2])
	}
}

func TestBuildInsertSQL_ConvertsTimeArgs(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	_, args := buildInsertSQL("INSERT INTO ", "etl_sync_log", []string{"table_name", "last_synced"}, [][]any{
		{"fact_listing", ts},
	})

	s, ok := args[1].(string)
	if !ok {
		t.Fatalf("time arg not converted to string: %T", args[1])
	}
	if s != "2026-03-01T08:30:00.000000000Z" {
		t.Fatalf("time arg=%q", s)
	}
}

func TestBuildConflictNothingSQL_ScopedToDedupeColumns(t *testing.T) {
	t.Parallel()

	got := buildConflictNothingSQL([]string{"external_id", "sync_ts"})
	want := ` ON CONFLICT ("external_id", "sync_ts") DO NOTHING`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	// Naming the conflict target keeps other constraint violations
	// (NOT NULL, CHECK) loud; a blanket INSERT OR IGNORE would eat them.
	if strings.Contains(got, "OR IGNORE") {
		t.Fatalf("must not fall back to OR IGNORE: %q", got)
	}
	if buildConflictNothingSQL(nil) != "" {
		t.Fatalf("no dedupe columns must mean a plain insert")
	}
}

func TestBuildUpsertSQL_UpdatesNonKeyColumns(t *testing.T) {
	t.Parallel()

	q, args, err := buildUpsertSQL("ref_fuel_mapping",
		[]string{"raw_label", "canonical"},
		[][]any{{"Diesel", "diesel"}},
		[]string{"raw_label"},
	)
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}
	if !strings.Contains(q, `ON CONFLICT ("raw_label") DO UPDATE SET "canonical" = excluded."canonical"`) {
		t.Fatalf("missing upsert clause: %q", q)
	}
	if len(args) != 2 {
		t.Fatalf("args=%d want 2", len(args))
	}
}

func TestBuildUpsertSQL_AllKeyColumnsFallsBackToDoNothing(t *testing.T) {
	t.Parallel()

	q, _, err := buildUpsertSQL("seen", []string{"source_id", "external_id"}, [][]any{{1, "a"}},
		[]string{"source_id", "external_id"})
	if err != nil {
		t.Fatalf("buildUpsertSQL: %v", err)
	}
	if !strings.HasSuffix(q, "DO NOTHING") {
		t.Fatalf("expected DO NOTHING suffix: %q", q)
	}
}

func TestBuildUpsertSQL_RejectsUnknownKeyColumn(t *testing.T) {
	t.Parallel()

	_, _, err := buildUpsertSQL("t", []string{"a"}, [][]any{{1}}, []string{"missing"})
	if err == nil {
		t.Fatal("expected error for key column not in columns")
	}
}

func TestBuildSelectSinceSQL(t *testing.T) {
	t.Parallel()

	bounded := buildSelectSinceSQL("stg_willhaben", []string{"external_id", "sync_ts"}, "sync_ts", true)
	if !strings.Contains(bounded, `WHERE "sync_ts" > ?`) {
		t.Fatalf("bounded select missing watermark predicate: %q", bounded)
	}
	if !strings.HasSuffix(bounded, `ORDER BY "sync_ts" ASC`) {
		t.Fatalf("bounded select missing order: %q", bounded)
	}

	full := buildSelectSinceSQL("stg_willhaben", []string{"external_id"}, "sync_ts", false)
	if strings.Contains(full, "WHERE") {
		t.Fatalf("unbounded select must not filter: %q", full)
	}
	if !strings.HasSuffix(full, `ORDER BY "sync_ts" ASC`) {
		t.Fatalf("unbounded select missing order: %q", full)
	}
}

func TestMaxRowsPerStatement(t *testing.T) {
	t.Parallel()

	if got := maxRowsPerStatement(2); got != 450 {
		t.Fatalf("maxRowsPerStatement(2)=%d want 450", got)
	}
	if got := maxRowsPerStatement(31); got != 29 {
		t.Fatalf("maxRowsPerStatement(31)=%d want 29", got)
	}
	if got := maxRowsPerStatement(1500); got != 1 {
		t.Fatalf("maxRowsPerStatement(1500)=%d want 1", got)
	}
}

func TestParseTime_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantUTC string
		wantErr bool
	}{
		{
			name:    "fixed_width_nanos",
			in:      "2026-01-27T12:17:08.123456789Z",
			wantUTC: "2026-01-27T12:17:08.123456789Z",
		},
		{
			name:    "fixed_width_zero_nanos",
			in:      "2026-01-27T12:17:08.000000000Z",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "rfc3339",
			in:      "2026-01-27T12:17:08Z",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "space_separator_tz",
			in:      "2026-01-27 12:17:08+00:00",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "space_separator_no_tz_assumes_utc",
			in:      "2026-01-27 12:17:08",
			wantUTC: "2026-01-27T12:17:08Z",
		},
		{
			name:    "invalid",
			in:      "not-a-time",
			wantErr: true,
		},
		{
			name:    "empty",
			in:      "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTime(%q) err=%v wantErr=%v", tt.in, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			want, err := time.Parse(time.RFC3339Nano, tt.wantUTC)
			if err != nil {
				t.Fatalf("bad wantUTC fixture %q: %v", tt.wantUTC, err)
			}
			if !got.Equal(want) {
				t.Fatalf("got=%s want=%s", got.UTC().Format(time.RFC3339Nano), tt.wantUTC)
			}
		})
	}
}

func TestFormatTime_RoundTrip(t *testing.T) {
	t.Parallel()

	in := time.Date(2026, 1, 27, 12, 17, 8, 123, time.FixedZone("X", 3600))
	s := formatTime(in)
	got, err := parseTime(s)
	if err != nil {
		t.Fatalf("parseTime(formatTime()) err=%v", err)
	}
	if !got.Equal(in) {
		t.Fatalf("round trip mismatch: got=%s want=%s", got.UTC(), in.UTC())
	}
}

// Watermark selects compare stored text with ">", so encoded order must
// match chronological order even when nanoseconds end in zeros.
func TestFormatTime_LexicographicOrderMatchesChronological(t *testing.T) {
	t.Parallel()

	times := []time.Time{
		time.Date(2026, 1, 27, 12, 17, 8, 500000000, time.UTC),
		time.Date(2026, 1, 27, 12, 17, 8, 123456789, time.UTC),
		time.Date(2026, 1, 27, 12, 17, 9, 0, time.UTC),
		time.Date(2026, 1, 27, 12, 17, 8, 0, time.UTC),
	}

	encoded := make([]string, len(times))
	for i, ts := range times {
		encoded[i] = formatTime(ts)
	}

	byTime := append([]time.Time(nil), times...)
	sort.Slice(byTime, func(i, j int) bool { return byTime[i].Before(byTime[j]) })

	byText := append([]string(nil), encoded...)
	sort.Strings(byText)

	for i := range byTime {
		if formatTime(byTime[i]) != byText[i] {
			t.Fatalf("order mismatch at %d: time-sorted=%s text-sorted=%s", i, formatTime(byTime[i]), byText[i])
		}
	}
}

func TestBuildKeyWhere(t *testing.T) {
	t.Parallel()

	where, args := buildKeyWhere([]string{"source_id", "external_id"}, []any{int64(1), "abc"})
	if where != `"source_id" = ? AND "external_id" = ?` {
		t.Fatalf("where=%q", where)
	}
	if len(args) != 2 || args[0] != int64(1) || args[1] != "abc" {
		t.Fatalf("args=%v", args)
	}
}

func TestSQLIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := sqlIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("sqlIdent=%q", got)
	}
}
