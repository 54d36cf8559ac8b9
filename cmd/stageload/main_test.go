package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"carsync/internal/feed"
	"carsync/internal/warehouse"
)

const willhabenEnvelope = `{
  "advertSummaryList": {
    "advertSummary": [
      {
        "id": 8429529,
        "description": "Erstbesitz",
        "attributes": {
          "attribute": [
            {"name": "CAR_MODEL/MAKE", "values": ["Mercedes-Benz"]},
            {"name": "PRICE/AMOUNT", "values": ["9000"]}
          ]
        }
      }
    ]
  }
}`

func TestDecodeFeed_Willhaben(t *testing.T) {
	t.Parallel()

	table, columns, rows, err := decodeFeed("willhaben", strings.NewReader(willhabenEnvelope))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table != warehouse.TableStagingWillhaben {
		t.Fatalf("wrong table: %s", table)
	}
	if len(columns) != len(feed.WillhabenColumns) {
		t.Fatalf("column mismatch: %d vs %d", len(columns), len(feed.WillhabenColumns))
	}
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}
	if rows[0][0] != "8429529" {
		t.Fatalf("external id not decoded: %v", rows[0][0])
	}
}

func TestDecodeFeed_Gebrauchtwagen(t *testing.T) {
	t.Parallel()

	csv := "id,make,model,price\n111,VW,Golf,9000\n"
	table, _, rows, err := decodeFeed("gebrauchtwagen", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if table != warehouse.TableStagingGebrauchtwagen {
		t.Fatalf("wrong table: %s", table)
	}
	if len(rows) != 1 || rows[0][0] != "111" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestResolveLoadTS_SameFileSameTimestamp(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "export.csv")
	if err := os.WriteFile(path, []byte("id,make\n1,VW\n"), 0o644); err != nil {
		t.Fatalf("write export: %v", err)
	}
	mtime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	clock := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	first, err := resolveLoadTS("", path, now)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	clock = clock.Add(5 * time.Minute)
	second, err := resolveLoadTS("", path, now)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	// Two loads of the same file stamp the same sync_ts, so the staging
	// dedupe on (external_id, sync_ts) holds across invocations.
	if !first.Equal(second) {
		t.Fatalf("re-load changed the timestamp: %v vs %v", first, second)
	}
	if !first.Equal(mtime) {
		t.Fatalf("timestamp not derived from the export: %v", first)
	}
}

func TestResolveLoadTS_FlagAndStdin(t *testing.T) {
	t.Parallel()

	now := func() time.Time { return time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC) }

	ts, err := resolveLoadTS("2026-08-02T07:30:00+02:00", "ignored.csv", now)
	if err != nil {
		t.Fatalf("explicit flag: %v", err)
	}
	if want := time.Date(2026, 8, 2, 5, 30, 0, 0, time.UTC); !ts.Equal(want) {
		t.Fatalf("flag timestamp: got %v, want %v", ts, want)
	}

	if _, err := resolveLoadTS("yesterday", "-", now); err == nil {
		t.Fatalf("malformed -load-ts must error")
	}

	ts, err = resolveLoadTS("", "-", now)
	if err != nil {
		t.Fatalf("stdin fallback: %v", err)
	}
	if !ts.Equal(now()) {
		t.Fatalf("stdin fallback timestamp: %v", ts)
	}

	if _, err := resolveLoadTS("", filepath.Join(t.TempDir(), "missing.csv"), now); err == nil {
		t.Fatalf("missing export must error")
	}
}

func TestDecodeFeed_Errors(t *testing.T) {
	t.Parallel()

	if _, _, _, err := decodeFeed("", strings.NewReader("")); err == nil {
		t.Fatalf("missing feed name must error")
	}
	if _, _, _, err := decodeFeed("ebay", strings.NewReader("")); err == nil {
		t.Fatalf("unknown feed must error")
	}
	if _, _, _, err := decodeFeed("willhaben", strings.NewReader("{not json")); err == nil {
		t.Fatalf("bad envelope must error")
	}
}
