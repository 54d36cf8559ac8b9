package warehouse

import (
	"context"
	"fmt"
	"time"

	"carsync/internal/metrics"
	"carsync/internal/storage"
)

// Row is one staging row keyed by column name, after per-field transforms.
// Absent values are nil, never "".
type Row map[string]any

// DimensionBinding ties one staging column to one fact foreign key.
type DimensionBinding struct {
	Column     string // staging column carrying the raw label
	FactColumn string // fact table FK column receiving the surrogate
	Dimension  Dimension

	// Required marks dimensions a fact row cannot exist without. A required
	// value that does not resolve skips the row; an optional one leaves the
	// foreign key NULL.
	Required bool
}

// ChildSet flags which child tables a feed populates. Feeds differ: the
// gebrauchtwagen export carries only a city name, the willhaben feed the
// full set.
type ChildSet struct {
	Location      bool
	Description   bool
	Specification bool
	Image         bool
	SEO           bool
}

// Plan is the per-feed synchronization plan: which staging columns to pull,
// the per-field transformation table (spec'd by the caller, not hard-coded
// in the engine), the dimension bindings, and the child tables to build.
type Plan struct {
	Staging     string
	Fact        string
	TrackColumn string // default "sync_ts"

	// Columns is the staging select list. Must include "external_id".
	Columns []string

	// Transforms maps staging columns to named transforms ("int", "year",
	// "epoch_time", "strip_html", ...). Unlisted columns pass through.
	Transforms map[string]string

	Dimensions []DimensionBinding
	Children   ChildSet
}

func validatePlan(p Plan) error {
	if p.Staging == "" || p.Fact == "" {
		return fmt.Errorf("facts: plan needs staging and fact tables")
	}
	cols := make(map[string]struct{}, len(p.Columns))
	for _, c := range p.Columns {
		cols[c] = struct{}{}
	}
	if _, ok := cols["external_id"]; !ok {
		return fmt.Errorf("facts: plan for %s does not select external_id", p.Staging)
	}
	for col, name := range p.Transforms {
		if _, ok := cols[col]; !ok {
			return fmt.Errorf("facts: plan for %s transforms unselected column %s", p.Staging, col)
		}
		if _, ok := Transform(name); !ok {
			return fmt.Errorf("facts: plan for %s: unknown transform %q", p.Staging, name)
		}
	}
	for _, b := range p.Dimensions {
		if _, ok := cols[b.Column]; !ok {
			return fmt.Errorf("facts: plan for %s binds unselected column %s", p.Staging, b.Column)
		}
		if b.FactColumn == "" || b.Dimension.Table == "" {
			return fmt.Errorf("facts: plan for %s: incomplete binding for %s", p.Staging, b.Column)
		}
	}
	return nil
}

func (p Plan) trackColumn() string {
	if p.TrackColumn == "" {
		return "sync_ts"
	}
	return p.TrackColumn
}

// buildRow zips selected values with the plan's columns and applies the
// transformation table. A transform error poisons the whole row (category:
// malformed data), reported by the caller as failed.
func (p Plan) buildRow(vals []any) (Row, error) {
	if len(vals) != len(p.Columns) {
		return nil, fmt.Errorf("facts: %s: got %d values for %d columns", p.Staging, len(vals), len(p.Columns))
	}
	row := make(Row, len(vals))
	for i, c := range p.Columns {
		row[c] = vals[i]
	}
	for col, name := range p.Transforms {
		f, _ := Transform(name)
		v, err := f(row[col])
		if err != nil {
			return nil, fmt.Errorf("facts: %s.%s: %w", p.Staging, col, err)
		}
		row[col] = v
	}
	return row, nil
}

// FactSynchronizer runs the staging-to-fact delta load: one transaction per
// staging row, so a malformed row never costs the progress of its batch.
type FactSynchronizer struct {
	Repo     storage.Repository
	Resolver *Resolver
	Log      *SyncLog
	Logger   Logger

	// Now is a test seam; nil means time.Now.
	Now func() time.Time
}

func (s *FactSynchronizer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *FactSynchronizer) logf(format string, v ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, v...)
	}
}

// Sync loads plan.Staging's delta into plan.Fact and returns the per-row
// outcome counts.
//
// Ordering within one row: dimensions resolve first, the fact row is written
// and its surrogate captured, then the child rows, all inside one unit of
// work. Child inserts run with constraints relaxed; restoration is paired on
// every exit path (explicitly on success, via rollback on failure).
//
// Errors:
//   - Watermark store failures abort before any row is touched.
//   - A row whose failure indicates the connection is unusable aborts the
//     run; everything committed so far stays committed and the watermark
//     stays at its pre-run value, so the next run reprocesses safely.
//   - All other per-row problems are recorded in the Result, never raised.
func (s *FactSynchronizer) Sync(ctx context.Context, plan Plan, sourceID int, deleteAfter bool) (Result, error) {
	var res Result
	if s.Repo == nil || s.Resolver == nil || s.Log == nil {
		return res, fmt.Errorf("facts: Repo, Resolver and Log are required")
	}
	if err := validatePlan(plan); err != nil {
		return res, err
	}

	start := s.now()
	startWall := time.Now()

	since, _, err := s.Log.Get(ctx, plan.Staging)
	if err != nil {
		return res, err
	}

	rows, err := s.Repo.SelectRowsSince(ctx, plan.Staging, plan.Columns, plan.trackColumn(), since)
	if err != nil {
		return res, fmt.Errorf("facts: select %s delta: %w", plan.Staging, err)
	}
	if len(rows) == 0 {
		s.logf("stage=facts table=%s rows=0 (no new rows, watermark unchanged)", plan.Staging)
		metrics.RecordRun(plan.Staging, "ok", time.Since(startWall))
		return res, nil
	}

	var processed []any
	for _, vals := range rows {
		o := s.syncRow(ctx, plan, sourceID, vals, start)
		res.record(o)

		if o.Status == RowFailed && storage.IsConnLost(o.Err) {
			s.recordRun(plan.Staging, "aborted", startWall, &res)
			return res, fmt.Errorf("facts: %s: connection lost after %d rows: %w",
				plan.Staging, res.Seen(), o.Err)
		}
		if deleteAfter && o.ExternalID != "" &&
			(o.Status == RowSucceeded || (o.Status == RowSkipped && o.Reason == reasonDuplicate)) {
			processed = append(processed, o.ExternalID)
		}
	}

	// Destructive and explicit: only rows that are provably in the
	// warehouse leave staging. Skipped-unresolved and failed rows stay for
	// a later run, once the dimension arrives or the data is fixed. The
	// delete is bounded at the run-start watermark so a same-id row that
	// lands mid-run survives until the next delta picks it up.
	if deleteAfter && len(processed) > 0 {
		if _, err := s.Repo.DeleteRowsByKey(ctx, plan.Staging, "external_id", processed, plan.trackColumn(), start); err != nil {
			s.recordRun(plan.Staging, "aborted", startWall, &res)
			return res, fmt.Errorf("facts: delete processed rows from %s: %w", plan.Staging, err)
		}
	}

	if err := s.Log.Set(ctx, plan.Staging, start); err != nil {
		s.recordRun(plan.Staging, "aborted", startWall, &res)
		return res, err
	}

	status := "ok"
	if res.Failed > 0 {
		status = "partial"
	}
	s.logf("stage=facts table=%s seen=%d succeeded=%d skipped=%d failed=%d duration=%s",
		plan.Staging, res.Seen(), res.Succeeded, res.Skipped, res.Failed,
		time.Since(startWall).Truncate(time.Millisecond))
	s.recordRun(plan.Staging, status, startWall, &res)
	return res, nil
}

func (s *FactSynchronizer) recordRun(table, status string, startWall time.Time, res *Result) {
	metrics.RecordRows(table, "succeeded", res.Succeeded)
	metrics.RecordRows(table, "skipped", res.Skipped)
	metrics.RecordRows(table, "failed", res.Failed)
	metrics.RecordRun(table, status, time.Since(startWall))
}

const reasonDuplicate = "duplicate"

// syncRow processes one staging row to a terminal outcome. It never returns
// an error; failures are carried in the outcome and classified by the caller.
func (s *FactSynchronizer) syncRow(ctx context.Context, plan Plan, sourceID int, vals []any, loadedAt time.Time) RowOutcome {
	// The id is pulled from the raw values first so even a row that fails
	// its transforms is diagnosable.
	extID := ""
	for i, c := range plan.Columns {
		if c == "external_id" {
			extID = asString(vals[i])
			break
		}
	}
	if extID == "" {
		return failedRow("", fmt.Errorf("facts: %s: row has no external_id", plan.Staging))
	}

	row, err := plan.buildRow(vals)
	if err != nil {
		return failedRow(extID, err)
	}

	keys := make(map[string]any, len(plan.Dimensions))
	for _, b := range plan.Dimensions {
		id, err := s.Resolver.Resolve(ctx, b.Dimension, asString(row[b.Column]))
		switch {
		case err == nil:
			keys[b.FactColumn] = id
		case IsNotFound(err):
			if b.Required {
				return skippedRow(extID, fmt.Sprintf("unresolved %s: %v", b.Dimension.Table, err))
			}
			keys[b.FactColumn] = nil
		default:
			return failedRow(extID, err)
		}
	}

	u, err := s.Repo.Begin(ctx)
	if err != nil {
		return failedRow(extID, fmt.Errorf("facts: begin unit for %s: %w", extID, err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = u.Rollback()
		}
	}()

	exists, err := u.Exists(ctx, plan.Fact, []string{"source_id", "external_id"}, []any{sourceID, extID})
	if err != nil {
		return failedRow(extID, fmt.Errorf("facts: duplicate check %s: %w", extID, err))
	}
	if exists {
		return skippedRow(extID, reasonDuplicate)
	}

	factCols, factVals := buildFactRow(plan, row, keys, sourceID, extID, loadedAt)
	listingKey, err := u.InsertReturningKey(ctx, plan.Fact, factCols, factVals, "listing_key")
	if err != nil {
		return failedRow(extID, fmt.Errorf("facts: insert fact %s: %w", extID, err))
	}

	children := buildChildRows(plan, row, listingKey, sourceID, extID)
	if len(children) > 0 {
		restore, err := u.RelaxConstraints(ctx, childTables(plan))
		if err != nil {
			return failedRow(extID, fmt.Errorf("facts: relax constraints for %s: %w", extID, err))
		}
		for _, c := range children {
			if err := u.Insert(ctx, c.table, c.columns, c.values); err != nil {
				return failedRow(extID, fmt.Errorf("facts: insert %s for %s: %w", c.table, extID, err))
			}
		}
		if err := restore(ctx); err != nil {
			return failedRow(extID, fmt.Errorf("facts: restore constraints for %s: %w", extID, err))
		}
	}

	if err := u.Commit(); err != nil {
		return failedRow(extID, fmt.Errorf("facts: commit %s: %w", extID, err))
	}
	committed = true
	return succeededRow(extID)
}

// measureColumns are the fact table's scalar measures, read from same-named
// row fields. Feeds that lack a field insert NULL.
var measureColumns = []string{"year_model", "mileage", "price", "engine_effect"}

func buildFactRow(plan Plan, row Row, keys map[string]any, sourceID int, extID string, loadedAt time.Time) ([]string, []any) {
	cols := []string{"source_id", "external_id"}
	vals := []any{int64(sourceID), extID}

	for _, b := range plan.Dimensions {
		cols = append(cols, b.FactColumn)
		vals = append(vals, keys[b.FactColumn])
	}
	for _, c := range measureColumns {
		cols = append(cols, c)
		vals = append(vals, row[c])
	}
	cols = append(cols, "published_at", "loaded_at")
	vals = append(vals, row["published"], loadedAt)
	return cols, vals
}

type childRow struct {
	table   string
	columns []string
	values  []any
}

// buildChildRows assembles the 0-or-1 child rows a feed carries. A child
// whose payload is entirely NULL is not written at all; absent data is
// absence of the row, not a row of NULLs.
func buildChildRows(plan Plan, row Row, listingKey int64, sourceID int, extID string) []childRow {
	var out []childRow

	add := func(table string, keyCols []string, keyVals []any, dataCols []string, dataVals []any) {
		for _, v := range dataVals {
			if v != nil {
				out = append(out, childRow{
					table:   table,
					columns: append(keyCols, dataCols...),
					values:  append(keyVals, dataVals...),
				})
				return
			}
		}
	}

	if plan.Children.Location {
		lat, lon := splitCoordinates(row["coordinates"])
		add(TableListingLocation,
			[]string{"listing_key"}, []any{listingKey},
			[]string{"address", "city", "postcode", "district", "state", "country", "latitude", "longitude"},
			[]any{row["address"], row["location"], row["postcode"], row["district"], row["state"], row["country"], lat, lon})
	}
	if plan.Children.Description {
		add(TableListingDescription,
			[]string{"listing_key"}, []any{listingKey},
			[]string{"heading", "summary", "body"},
			[]any{row["heading"], row["description_head"], row["description"]})
	}
	if plan.Children.Specification {
		add(TableListingSpecification,
			[]string{"listing_key"}, []any{listingKey},
			[]string{"specification", "transmission", "seats", "owners", "warranty"},
			[]any{row["specification"], row["transmission"], row["no_of_seats"], row["no_of_owners"], row["warranty"]})
	}
	if plan.Children.Image {
		add(TableListingImage,
			[]string{"source_id", "external_id"}, []any{int64(sourceID), extID},
			[]string{"main_url", "all_urls"},
			[]any{row["main_image_url"], row["all_image_urls"]})
	}
	if plan.Children.SEO {
		add(TableListingSEO,
			[]string{"source_id", "external_id"}, []any{int64(sourceID), extID},
			[]string{"seo_url"},
			[]any{row["seo_url"]})
	}
	return out
}

func childTables(plan Plan) []string {
	var out []string
	if plan.Children.Location {
		out = append(out, TableListingLocation)
	}
	if plan.Children.Description {
		out = append(out, TableListingDescription)
	}
	if plan.Children.Specification {
		out = append(out, TableListingSpecification)
	}
	if plan.Children.Image {
		out = append(out, TableListingImage)
	}
	if plan.Children.SEO {
		out = append(out, TableListingSEO)
	}
	return out
}
