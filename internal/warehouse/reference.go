package warehouse

import (
	"context"
	"fmt"
	"time"

	"carsync/internal/feed"
	"carsync/internal/mapping"
	"carsync/internal/metrics"
	"carsync/internal/storage"
)

// ColumnMap routes one staging column into one target column.
type ColumnMap struct {
	From string
	To   string
}

// ReferenceJob configures one staging-to-dimension movement.
//
// The watermark is keyed by Name (default: Target), not by Source: several
// reference jobs may read the same staging table and each needs its own
// delta boundary.
type ReferenceJob struct {
	Name    string
	Source  string
	Target  string
	Columns []ColumnMap

	// KeyColumns are the target-side natural key, a subset of the mapped
	// To columns. The upsert matches on these.
	KeyColumns []string

	// TrackColumn is the staging update-tracking column; default "sync_ts".
	TrackColumn string

	// Domain canonicalizes the first key column's values through the
	// mapping set. "" skips mapping.
	Domain string

	// SplitOn explodes a multi-value column into one target row per part.
	// Only valid for single-column jobs (the equipment list).
	SplitOn string

	// Distinct drops rows that repeat a key tuple within the batch.
	Distinct bool
}

// ReferenceMover synchronizes pure dimension tables from staging into the
// warehouse: watermark-bounded delta select, upsert by natural key, advance
// the watermark to the time captured at run start.
type ReferenceMover struct {
	Repo   storage.Repository
	Maps   mapping.Set
	Log    *SyncLog
	Logger Logger

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

func (m *ReferenceMover) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func (m *ReferenceMover) logf(format string, v ...any) {
	if m.Logger != nil {
		m.Logger.Printf(format, v...)
	}
}

func validateReferenceJob(job ReferenceJob) error {
	if job.Source == "" || job.Target == "" {
		return fmt.Errorf("reference: source and target are required")
	}
	if len(job.Columns) == 0 {
		return fmt.Errorf("reference: %s: column map is empty", job.Target)
	}
	if len(job.KeyColumns) == 0 {
		return fmt.Errorf("reference: %s: key columns are required", job.Target)
	}
	if job.SplitOn != "" && len(job.Columns) != 1 {
		return fmt.Errorf("reference: %s: split_on needs a single-column job", job.Target)
	}
	targets := make(map[string]struct{}, len(job.Columns))
	for _, c := range job.Columns {
		if c.From == "" || c.To == "" {
			return fmt.Errorf("reference: %s: column map entries need from and to", job.Target)
		}
		targets[c.To] = struct{}{}
	}
	for _, k := range job.KeyColumns {
		if _, ok := targets[k]; !ok {
			return fmt.Errorf("reference: %s: key column %s is not mapped", job.Target, k)
		}
	}
	return nil
}

// Sync moves the job's delta from staging into the target table and returns
// the number of rows written.
//
// Edge cases:
//   - No watermark means full initial load.
//   - Zero selected rows still advances the watermark; absence of new data
//     is not an error and is logged as informational.
//   - The watermark advances to the time captured at the start of the run,
//     so rows modified mid-run are picked up by the next pass.
//
// Errors:
//   - Watermark store failures abort before any row moves (the delta bounds
//     cannot be established safely).
func (m *ReferenceMover) Sync(ctx context.Context, job ReferenceJob) (int64, error) {
	if m.Repo == nil || m.Log == nil {
		return 0, fmt.Errorf("reference: Repo and Log are required")
	}
	if err := validateReferenceJob(job); err != nil {
		return 0, err
	}

	name := job.Name
	if name == "" {
		name = job.Target
	}
	track := job.TrackColumn
	if track == "" {
		track = "sync_ts"
	}

	start := m.now()
	startWall := time.Now()

	since, _, err := m.Log.Get(ctx, name)
	if err != nil {
		return 0, err
	}

	srcCols := make([]string, len(job.Columns))
	tgtCols := make([]string, len(job.Columns))
	for i, c := range job.Columns {
		srcCols[i] = c.From
		tgtCols[i] = c.To
	}

	rows, err := m.Repo.SelectRowsSince(ctx, job.Source, srcCols, track, since)
	if err != nil {
		return 0, fmt.Errorf("reference: select %s delta: %w", job.Source, err)
	}

	out := m.buildTargetRows(job, tgtCols, rows)

	var moved int64
	if len(out) > 0 {
		moved, err = m.Repo.UpsertRows(ctx, job.Target, tgtCols, out, job.KeyColumns)
		if err != nil {
			return 0, fmt.Errorf("reference: upsert %s: %w", job.Target, err)
		}
	} else {
		m.logf("stage=reference table=%s rows=0 (nothing new, watermark advances)", job.Target)
	}

	if err := m.Log.Set(ctx, name, start); err != nil {
		return moved, err
	}

	m.logf("stage=reference table=%s selected=%d moved=%d duration=%s",
		job.Target, len(rows), moved, time.Since(startWall).Truncate(time.Millisecond))
	metrics.RecordReferenceRows(job.Target, int(moved))
	return moved, nil
}

// buildTargetRows shapes selected staging rows for the upsert: split
// multi-value fields, canonicalize key values, drop empty keys, dedupe.
func (m *ReferenceMover) buildTargetRows(job ReferenceJob, tgtCols []string, rows [][]any) [][]any {
	keyIdx := 0
	for i, c := range tgtCols {
		if c == job.KeyColumns[0] {
			keyIdx = i
			break
		}
	}

	canon := func(v any) string {
		s := storage.NormalizeKey(v)
		if s == "" {
			return ""
		}
		if job.Domain != "" {
			s = m.Maps.Apply(job.Domain, s)
		}
		return s
	}

	seen := make(map[string]struct{})
	var out [][]any
	appendRow := func(vals []any) {
		key := vals[keyIdx]
		s := canon(key)
		if s == "" {
			return
		}
		vals[keyIdx] = s
		if job.Distinct {
			tuple := ""
			for _, k := range job.KeyColumns {
				for i, c := range tgtCols {
					if c == k {
						tuple += storage.NormalizeKey(vals[i]) + "\x00"
					}
				}
			}
			if _, dup := seen[tuple]; dup {
				return
			}
			seen[tuple] = struct{}{}
		}
		out = append(out, vals)
	}

	for _, r := range rows {
		if job.SplitOn != "" {
			for _, part := range feed.Split(storage.NormalizeKey(r[0]), job.SplitOn) {
				appendRow([]any{part})
			}
			continue
		}
		vals := make([]any, len(r))
		copy(vals, r)
		appendRow(vals)
	}
	return out
}

// Seed upserts a closed dimension's canonical vocabulary into its table.
// Seeding is config-sourced, so it carries no watermark; it runs before the
// fact synchronizer needs lookup-only resolution against the dimension.
func (m *ReferenceMover) Seed(ctx context.Context, target, keyColumn string, canonicals []string) (int64, error) {
	if m.Repo == nil {
		return 0, fmt.Errorf("reference: Repo is required")
	}
	if target == "" || keyColumn == "" {
		return 0, fmt.Errorf("reference: seed needs target and key column")
	}
	if len(canonicals) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(canonicals))
	for _, c := range canonicals {
		if c == "" {
			continue
		}
		rows = append(rows, []any{c})
	}

	moved, err := m.Repo.UpsertRows(ctx, target, []string{keyColumn}, rows, []string{keyColumn})
	if err != nil {
		return 0, fmt.Errorf("reference: seed %s: %w", target, err)
	}
	m.logf("stage=seed table=%s values=%d moved=%d", target, len(rows), moved)
	metrics.RecordReferenceRows(target, int(moved))
	return moved, nil
}
