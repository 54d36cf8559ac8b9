package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carsync/internal/storage"
)

// fakeRepo is an in-memory storage.Repository with per-call failure
// injection. Tables hold rows as column->value maps; every inserted row also
// gets an auto "_id" so dimension lookups work without per-table schemas.
type fakeRepo struct {
	mu         sync.Mutex
	tables     map[string][]map[string]any
	watermarks map[string]time.Time
	nextID     int64

	// failure injection
	watermarkErr    error
	setWatermarkErr error
	selectErr       error
	lookupErr       error
	beginErr        error
	existsErr       error
	deleteErr       error
	upsertErr       error

	// insertErrs fails unit inserts: key is table name or "table/externalID".
	insertErrs map[string]error
	commitErr  error
	relaxErr   error
	restoreErr error

	// counters
	lookupCalls  int
	ensureCalls  int
	relaxCalls   int
	restoreCalls int
	commitCalls  int
	rollbacks    int
	selectCalls  int

	selectedSince []time.Time
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tables:     make(map[string][]map[string]any),
		watermarks: make(map[string]time.Time),
		insertErrs: make(map[string]error),
	}
}

func (f *fakeRepo) Close()                                                            {}
func (f *fakeRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error { return nil }

// seed appends one row to a table, bypassing all checks.
func (f *fakeRepo) seed(table string, row map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := map[string]any{"_id": f.nextID}
	for k, v := range row {
		cp[k] = v
	}
	f.tables[table] = append(f.tables[table], cp)
}

func (f *fakeRepo) rows(table string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.tables[table]...)
}

func (f *fakeRepo) LookupKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.lookupErr != nil {
		return 0, false, f.lookupErr
	}
	want := storage.NormalizeKey(key)
	for _, r := range f.tables[table] {
		if storage.NormalizeKey(r[keyColumn]) == want {
			if id, ok := r[idColumn].(int64); ok {
				return id, true, nil
			}
			return r["_id"].(int64), true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeRepo) EnsureKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, error) {
	f.mu.Lock()
	f.ensureCalls++
	want := storage.NormalizeKey(key)
	for _, r := range f.tables[table] {
		if storage.NormalizeKey(r[keyColumn]) == want {
			f.mu.Unlock()
			if id, ok := r[idColumn].(int64); ok {
				return id, nil
			}
			return r["_id"].(int64), nil
		}
	}
	f.nextID++
	id := f.nextID
	f.tables[table] = append(f.tables[table], map[string]any{"_id": id, keyColumn: key, idColumn: id})
	f.mu.Unlock()
	return id, nil
}

func (f *fakeRepo) SelectRowsSince(ctx context.Context, table string, columns []string, trackColumn string, since time.Time) ([][]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectCalls++
	f.selectedSince = append(f.selectedSince, since)
	if f.selectErr != nil {
		return nil, f.selectErr
	}

	var matched []map[string]any
	for _, r := range f.tables[table] {
		ts, _ := r[trackColumn].(time.Time)
		if since.IsZero() || ts.After(since) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		ti, _ := matched[i][trackColumn].(time.Time)
		tj, _ := matched[j][trackColumn].(time.Time)
		return ti.Before(tj)
	})

	out := make([][]any, 0, len(matched))
	for _, r := range matched {
		vals := make([]any, len(columns))
		for i, c := range columns {
			vals[i] = r[c]
		}
		out = append(out, vals)
	}
	return out, nil
}

func (f *fakeRepo) UpsertRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}

	var moved int64
	for _, vals := range rows {
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = vals[i]
		}
		matched := false
	existing:
		for _, ex := range f.tables[table] {
			for _, k := range keyColumns {
				if storage.NormalizeKey(ex[k]) != storage.NormalizeKey(row[k]) {
					continue existing
				}
			}
			for k, v := range row {
				ex[k] = v
			}
			matched = true
			break
		}
		if !matched {
			f.nextID++
			row["_id"] = f.nextID
			f.tables[table] = append(f.tables[table], row)
		}
		moved++
	}
	return moved, nil
}

func (f *fakeRepo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var inserted int64
rows:
	for _, vals := range rows {
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = vals[i]
		}
		if len(dedupeColumns) > 0 {
			for _, existing := range f.tables[table] {
				same := true
				for _, k := range dedupeColumns {
					if storage.NormalizeKey(existing[k]) != storage.NormalizeKey(row[k]) {
						same = false
						break
					}
				}
				if same {
					continue rows
				}
			}
		}
		f.nextID++
		row["_id"] = f.nextID
		f.tables[table] = append(f.tables[table], row)
		inserted++
	}
	return inserted, nil
}

func (f *fakeRepo) DeleteRowsByKey(ctx context.Context, table, keyColumn string, keys []any, trackColumn string, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}

	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[storage.NormalizeKey(k)] = struct{}{}
	}
	var kept []map[string]any
	var deleted int64
	for _, r := range f.tables[table] {
		_, hit := want[storage.NormalizeKey(r[keyColumn])]
		if hit && !cutoff.IsZero() {
			ts, _ := r[trackColumn].(time.Time)
			hit = !ts.After(cutoff)
		}
		if hit {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	f.tables[table] = kept
	return deleted, nil
}

func (f *fakeRepo) Watermark(ctx context.Context, logTable, name string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermarkErr != nil {
		return time.Time{}, false, f.watermarkErr
	}
	ts, ok := f.watermarks[name]
	return ts, ok, nil
}

func (f *fakeRepo) SetWatermark(ctx context.Context, logTable, name string, ts time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setWatermarkErr != nil {
		return f.setWatermarkErr
	}
	f.watermarks[name] = ts
	return nil
}

func (f *fakeRepo) Begin(ctx context.Context) (storage.Unit, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &fakeUnit{repo: f}, nil
}

var _ storage.Repository = (*fakeRepo)(nil)

// fakeUnit buffers writes until Commit so Rollback leaves the repo clean,
// mirroring the per-row transaction the real backends provide.
type fakeUnit struct {
	repo    *fakeRepo
	pending []pendingInsert
	relaxed bool
	done    bool
}

type pendingInsert struct {
	table string
	row   map[string]any
}

func (u *fakeUnit) Exists(ctx context.Context, table string, columns []string, values []any) (bool, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	if u.repo.existsErr != nil {
		return false, u.repo.existsErr
	}
	for _, r := range u.repo.tables[table] {
		same := true
		for i, c := range columns {
			if storage.NormalizeKey(r[c]) != storage.NormalizeKey(values[i]) {
				same = false
				break
			}
		}
		if same {
			return true, nil
		}
	}
	return false, nil
}

func (u *fakeUnit) insertErrFor(table string, row map[string]any) error {
	if err := u.repo.insertErrs[table]; err != nil {
		return err
	}
	if ext, ok := row["external_id"].(string); ok {
		if err := u.repo.insertErrs[table+"/"+ext]; err != nil {
			return err
		}
	}
	return nil
}

func (u *fakeUnit) InsertReturningKey(ctx context.Context, table string, columns []string, values []any, idColumn string) (int64, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()

	row := make(map[string]any, len(columns))
	for i, c := range columns {
		row[c] = values[i]
	}
	if err := u.insertErrFor(table, row); err != nil {
		return 0, err
	}
	u.repo.nextID++
	row[idColumn] = u.repo.nextID
	row["_id"] = u.repo.nextID
	u.pending = append(u.pending, pendingInsert{table: table, row: row})
	return u.repo.nextID, nil
}

func (u *fakeUnit) Insert(ctx context.Context, table string, columns []string, values []any) error {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()

	row := make(map[string]any, len(columns))
	for i, c := range columns {
		row[c] = values[i]
	}
	if err := u.insertErrFor(table, row); err != nil {
		return err
	}
	u.pending = append(u.pending, pendingInsert{table: table, row: row})
	return nil
}

func (u *fakeUnit) RelaxConstraints(ctx context.Context, tables []string) (func(context.Context) error, error) {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	if u.repo.relaxErr != nil {
		return nil, u.repo.relaxErr
	}
	u.repo.relaxCalls++
	u.relaxed = true
	return func(context.Context) error {
		u.repo.mu.Lock()
		defer u.repo.mu.Unlock()
		if u.repo.restoreErr != nil {
			return u.repo.restoreErr
		}
		u.repo.restoreCalls++
		u.relaxed = false
		return nil
	}, nil
}

func (u *fakeUnit) Commit() error {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	if u.done {
		return nil
	}
	if u.repo.commitErr != nil {
		return u.repo.commitErr
	}
	u.done = true
	u.repo.commitCalls++
	for _, p := range u.pending {
		if _, ok := p.row["_id"]; !ok {
			u.repo.nextID++
			p.row["_id"] = u.repo.nextID
		}
		u.repo.tables[p.table] = append(u.repo.tables[p.table], p.row)
	}
	u.pending = nil
	return nil
}

func (u *fakeUnit) Rollback() error {
	u.repo.mu.Lock()
	defer u.repo.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	u.repo.rollbacks++
	u.pending = nil
	// Transaction-scoped relax modes restore on rollback in all backends.
	u.relaxed = false
	return nil
}

var _ storage.Unit = (*fakeUnit)(nil)

// recordingLogger captures engine log lines for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
