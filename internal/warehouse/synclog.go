package warehouse

import (
	"context"
	"fmt"
	"time"

	"carsync/internal/storage"
)

// DefaultSyncLogTable is the watermark table name used by the shipped
// schema: one row per synchronized table, keyed by name.
const DefaultSyncLogTable = "etl_sync_log"

// SyncLog is the persistent per-table watermark store. Fact jobs key their
// watermark by staging table, reference jobs by target dimension table, so
// several reference jobs can read the same staging table without sharing a
// watermark.
//
// A crash between "data committed" and "watermark advanced" is safe: the
// next run reselects the same delta and the duplicate/upsert checks absorb
// the replay. Reprocessing a row is always preferred over skipping one.
type SyncLog struct {
	repo  storage.Repository
	table string
}

func NewSyncLog(repo storage.Repository) *SyncLog {
	return &SyncLog{repo: repo, table: DefaultSyncLogTable}
}

// Get returns the last successful sync time for name, ok=false when the
// table has never been synchronized (callers select everything).
func (s *SyncLog) Get(ctx context.Context, name string) (time.Time, bool, error) {
	ts, ok, err := s.repo.Watermark(ctx, s.table, name)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sync log: get %s: %w", name, err)
	}
	return ts, ok, nil
}

// Set upserts the watermark row for name.
func (s *SyncLog) Set(ctx context.Context, name string, ts time.Time) error {
	if err := s.repo.SetWatermark(ctx, s.table, name, ts); err != nil {
		return fmt.Errorf("sync log: set %s: %w", name, err)
	}
	return nil
}

// SyncLogSpec is the DDL description of the watermark table.
func SyncLogSpec() storage.TableSpec {
	return storage.TableSpec{
		Name:       DefaultSyncLogTable,
		PrimaryKey: &storage.PrimaryKeySpec{Columns: []string{"table_name"}},
		Columns: []storage.ColumnSpec{
			{Name: "table_name", Type: "text(128)"},
			{Name: "last_synced", Type: "timestamp"},
		},
	}
}
