// Command stageload loads scraped feed export files into the staging
// tables: willhaben JSON envelopes and gebrauchtwagen CSV exports. It is
// the landing edge of the pipeline; carsync picks the rows up from there.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"carsync/internal/config"
	"carsync/internal/feed"
	"carsync/internal/storage"
	"carsync/internal/warehouse"

	_ "carsync/internal/storage/all"
)

func main() {
	_ = godotenv.Load()

	var (
		cfgPath  string
		feedName string
		inPath   string
		loadTS   string
	)
	flag.StringVar(&cfgPath, "config", "configs/carsync.json", "config JSON path")
	flag.StringVar(&feedName, "feed", "", "feed to load: willhaben or gebrauchtwagen")
	flag.StringVar(&inPath, "in", "-", "export file path, - for stdin")
	flag.StringVar(&loadTS, "load-ts", "", "sync_ts for this load (RFC 3339); defaults to the export file's mtime")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatalf("%v", err)
	}
	if cfg.Storage.Kind == "" || cfg.Storage.DSN == "" {
		fatalf("config %s: storage.kind and storage.dsn are required", cfgPath)
	}

	in := os.Stdin
	if inPath != "-" {
		f, err := os.Open(inPath)
		if err != nil {
			fatalf("open export: %v", err)
		}
		defer f.Close()
		in = f
	}

	table, columns, rows, err := decodeFeed(feedName, in)
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	repo, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		fatalf("open warehouse: %v", err)
	}
	defer repo.Close()

	if err := repo.EnsureTables(ctx, warehouse.StagingTables()); err != nil {
		fatalf("ensure staging tables: %v", err)
	}

	// One load shares one sync_ts, so re-running the same export dedupes on
	// (external_id, sync_ts) instead of doubling the staging table. The
	// timestamp therefore has to identify the export, not the invocation.
	loadedAt, err := resolveLoadTS(loadTS, inPath, time.Now)
	if err != nil {
		fatalf("%v", err)
	}
	withTS := make([][]any, len(rows))
	for i, r := range rows {
		withTS[i] = append(append([]any{}, r...), loadedAt)
	}
	columns = append(append([]string{}, columns...), "sync_ts")

	inserted, err := repo.InsertRows(ctx, table, columns, withTS, []string{"external_id", "sync_ts"})
	if err != nil {
		fatalf("stage %s: %v", table, err)
	}
	log.Printf("stage=load table=%s decoded=%d inserted=%d", table, len(rows), inserted)
}

// resolveLoadTS picks the sync_ts stamped on every row of one load. An
// explicit -load-ts wins; otherwise a file export uses its mtime, so loading
// the same file twice produces the same timestamps and the staging dedupe
// holds. Stdin has no stable identity and falls back to now; idempotent
// re-loads through stdin need -load-ts.
func resolveLoadTS(loadTS, inPath string, now func() time.Time) (time.Time, error) {
	if loadTS != "" {
		ts, err := time.Parse(time.RFC3339, loadTS)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse -load-ts: %w", err)
		}
		return ts.UTC(), nil
	}
	if inPath != "-" {
		fi, err := os.Stat(inPath)
		if err != nil {
			return time.Time{}, fmt.Errorf("stat export: %w", err)
		}
		return fi.ModTime().UTC(), nil
	}
	return now().UTC(), nil
}

// decodeFeed parses one export into staging-shaped rows.
func decodeFeed(feedName string, in io.Reader) (table string, columns []string, rows [][]any, err error) {
	switch feedName {
	case "willhaben":
		listings, err := feed.DecodeWillhaben(in)
		if err != nil {
			return "", nil, nil, err
		}
		rows = make([][]any, len(listings))
		for i, l := range listings {
			rows[i] = l.Row()
		}
		return warehouse.TableStagingWillhaben, feed.WillhabenColumns, rows, nil

	case "gebrauchtwagen":
		listings, err := feed.DecodeGebrauchtwagen(in)
		if err != nil {
			return "", nil, nil, err
		}
		rows = make([][]any, len(listings))
		for i, l := range listings {
			rows[i] = l.Row()
		}
		return warehouse.TableStagingGebrauchtwagen, feed.GebrauchtwagenColumns, rows, nil

	case "":
		return "", nil, nil, fmt.Errorf("-feed is required (willhaben or gebrauchtwagen)")
	default:
		return "", nil, nil, fmt.Errorf("unknown feed %q", feedName)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
