package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"carsync/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// This implementation supports:
//   - Idempotent table creation guarded by OBJECT_ID checks.
//   - Dimension lookups and idempotent key inserts (anti-join over VALUES,
//     no MERGE on the dimension path).
//   - Watermark-bounded delta selects.
//   - Reference upserts via MERGE WITH (HOLDLOCK).
//   - Bulk inserts with optional NOT EXISTS dedupe for reprocessing.
//   - Per-row units of work with scoped NOCHECK/CHECK constraint toggling.
//
// All multi-row statements are chunked to stay well below SQL Server's hard
// limit of 2100 parameters per statement.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Repo using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates every table that does not exist yet.
//
// This method is idempotent and safe to run on every sync invocation.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// LookupKey returns the surrogate id stored in idColumn for the row whose
// keyColumn equals key, or ok=false when no such row exists.
func (r *Repo) LookupKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, bool, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, false, fmt.Errorf("LookupKey: table, keyColumn, idColumn required")
	}

	q := buildLookupKeySQL(table, keyColumn, idColumn)
	rows, err := r.db.QueryContext(ctx, q, key)
	if err != nil {
		return 0, false, fmt.Errorf("LookupKey: query %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return 0, false, rows.Err()
	}
	var id int64
	if err := rows.Scan(&id); err != nil {
		return 0, false, fmt.Errorf("LookupKey: scan %s: %w", table, err)
	}
	return id, true, rows.Err()
}

// EnsureKey inserts key into keyColumn when missing and returns the surrogate
// id. The insert uses a VALUES anti-join so reruns are no-ops; a unique
// violation from a concurrent writer is treated as "already present".
func (r *Repo) EnsureKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("EnsureKey: table, keyColumn, idColumn required")
	}

	q, args := buildEnsureKeySQL(table, keyColumn, key)
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil && !isUniqueViolation(err) {
		return 0, fmt.Errorf("EnsureKey: insert %s: %w", table, err)
	}

	id, ok, err := r.LookupKey(ctx, table, keyColumn, idColumn, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("EnsureKey: %s row for key %q missing after insert", table, storage.NormalizeKey(key))
	}
	return id, nil
}

// SelectRowsSince returns rows whose trackColumn is strictly greater than
// since, ordered by trackColumn. A zero since selects the whole table.
func (r *Repo) SelectRowsSince(ctx context.Context, table string, columns []string, trackColumn string, since time.Time) ([][]any, error) {
	if table == "" || len(columns) == 0 || trackColumn == "" {
		return nil, fmt.Errorf("SelectRowsSince: table, columns, trackColumn required")
	}

	q := buildSelectSinceSQL(table, columns, trackColumn, !since.IsZero())
	var args []any
	if !since.IsZero() {
		args = append(args, since)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("SelectRowsSince: query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		// Scan destinations must be pointers; build a parallel slice of &vals[i].
		vals := make([]any, len(columns))
		dests := make([]any, len(columns))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("SelectRowsSince: scan %s: %w", table, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectRowsSince: rows %s: %w", table, err)
	}
	return out, nil
}

// UpsertRows merges rows into table keyed by keyColumns using MERGE WITH
// (HOLDLOCK), so the match-or-insert decision is atomic per statement.
// The statement is chunked to respect the parameter limit.
func (r *Repo) UpsertRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 || len(keyColumns) == 0 {
		return 0, fmt.Errorf("UpsertRows: table, columns, keyColumns required")
	}

	maxRows := 2000 / max(1, len(columns))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		q, args, err := buildMergeSQL(table, columns, part, keyColumns)
		if err != nil {
			return total, err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("UpsertRows: merge %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// InsertRows bulk-inserts rows, chunked to respect the parameter limit.
//
// If dedupeColumns is set, it inserts only rows that do not already exist,
// using NOT EXISTS. Unlike Postgres ON CONFLICT, a NOT EXISTS statement does
// not collapse duplicates inside its own VALUES source, so the batch is
// additionally deduped in memory (first occurrence wins).
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: table and columns required")
	}

	if len(dedupeColumns) > 0 {
		deduped, err := dedupeRowsByColumns(rows, columns, dedupeColumns)
		if err != nil {
			return 0, err
		}
		rows = deduped
	}

	maxRows := 2000 / max(1, len(columns))
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		var q string
		var args []any
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, part)
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("InsertRows: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteRowsByKey deletes rows whose keyColumn matches any of keys, chunked.
// A non-zero cutoff bounds the delete to rows at or before it on trackColumn.
func (r *Repo) DeleteRowsByKey(ctx context.Context, table, keyColumn string, keys []any, trackColumn string, cutoff time.Time) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if table == "" || keyColumn == "" {
		return 0, fmt.Errorf("DeleteRowsByKey: table and keyColumn required")
	}
	if !cutoff.IsZero() && trackColumn == "" {
		return 0, fmt.Errorf("DeleteRowsByKey: cutoff requires trackColumn")
	}

	const chunk = 1000
	var total int64
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		q, args := buildDeleteByKeySQL(table, keyColumn, part, trackColumn, cutoff)
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("DeleteRowsByKey: delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Watermark reads the last sync time recorded for name, or ok=false when the
// sync log has no entry yet.
func (r *Repo) Watermark(ctx context.Context, logTable, name string) (time.Time, bool, error) {
	q := "SELECT " + mssqlIdent("last_synced") + " FROM " + mssqlTableIdent(logTable) +
		" WHERE " + mssqlIdent("table_name") + " = @p1"

	rows, err := r.db.QueryContext(ctx, q, name)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("Watermark: query %s: %w", logTable, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return time.Time{}, false, rows.Err()
	}
	var ts time.Time
	if err := rows.Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("Watermark: scan %s: %w", logTable, err)
	}
	return ts.UTC(), true, rows.Err()
}

// SetWatermark upserts the sync-log entry for name.
func (r *Repo) SetWatermark(ctx context.Context, logTable, name string, ts time.Time) error {
	_, err := r.UpsertRows(ctx, logTable,
		[]string{"table_name", "last_synced"},
		[][]any{{name, ts.UTC()}},
		[]string{"table_name"},
	)
	if err != nil {
		return fmt.Errorf("SetWatermark: %s: %w", logTable, err)
	}
	return nil
}

// Begin opens a per-row unit of work.
func (r *Repo) Begin(ctx context.Context) (storage.Unit, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &unit{tx: tx}, nil
}

// unit is one transaction. SQL Server runs DDL transactionally, so a rollback
// also undoes any NOCHECK left behind by an interrupted RelaxConstraints.
type unit struct {
	tx   txConn
	done bool
}

func (u *unit) Exists(ctx context.Context, table string, columns []string, values []any) (bool, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return false, fmt.Errorf("Exists: columns/values mismatch")
	}

	q, args := buildExistsSQL(table, columns, values)
	var one int
	if err := u.tx.QueryRowContext(ctx, q, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("Exists: %s: %w", table, err)
	}
	return true, nil
}

func (u *unit) InsertReturningKey(ctx context.Context, table string, columns []string, values []any, idColumn string) (int64, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return 0, fmt.Errorf("InsertReturningKey: columns/values mismatch")
	}

	q, args := buildInsertOutputSQL(table, columns, values, idColumn)
	var id int64
	if err := u.tx.QueryRowContext(ctx, q, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("InsertReturningKey: %s: %w", table, err)
	}
	return id, nil
}

func (u *unit) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if len(columns) == 0 || len(columns) != len(values) {
		return fmt.Errorf("Insert: columns/values mismatch")
	}

	q, args := buildBulkInsertSQL(table, columns, [][]any{values})
	if _, err := u.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("Insert: %s: %w", table, err)
	}
	return nil
}

// RelaxConstraints disables constraint checking on the given tables for the
// remainder of this transaction. The returned restore re-enables checking
// without revalidating existing rows (CHECK rather than WITH CHECK CHECK);
// revalidation of a large fact table on every row would be prohibitive.
func (u *unit) RelaxConstraints(ctx context.Context, tables []string) (func(context.Context) error, error) {
	for _, t := range tables {
		q := "ALTER TABLE " + mssqlTableIdent(t) + " NOCHECK CONSTRAINT ALL"
		if _, err := u.tx.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("RelaxConstraints: %s: %w", t, err)
		}
	}

	restore := func(ctx context.Context) error {
		for _, t := range tables {
			q := "ALTER TABLE " + mssqlTableIdent(t) + " CHECK CONSTRAINT ALL"
			if _, err := u.tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("RelaxConstraints: restore %s: %w", t, err)
			}
		}
		return nil
	}
	return restore, nil
}

func (u *unit) Commit() error {
	u.done = true
	return u.tx.Commit()
}

func (u *unit) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback()
}

/* ---------- SQL builders (pure, unit-testable without a database) ---------- */

func buildLookupKeySQL(table, keyColumn, idColumn string) string {
	return "SELECT " + mssqlIdent(idColumn) + " FROM " + mssqlTableIdent(table) +
		" WHERE " + mssqlIdent(keyColumn) + " = @p1"
}

// buildEnsureKeySQL returns an insert-if-missing statement for one key using
// the VALUES anti-join form, which stays idempotent without MERGE.
func buildEnsureKeySQL(table, keyColumn string, key any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(") SELECT v.[key] FROM (VALUES (@p1)) AS v([key]) LEFT JOIN ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t ON t.")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" = v.[key] WHERE t.")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IS NULL")
	return b.String(), []any{key}
}

func buildSelectSinceSQL(table string, columns []string, trackColumn string, bounded bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	if bounded {
		b.WriteString(" WHERE ")
		b.WriteString(mssqlIdent(trackColumn))
		b.WriteString(" > @p1")
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(mssqlIdent(trackColumn))
	b.WriteString(" ASC")
	return b.String()
}

// buildMergeSQL constructs a MERGE statement for a chunk of rows.
//
// Rows must not repeat keyColumns within one chunk; MERGE refuses to update
// the same target row twice in one statement.
func buildMergeSQL(table string, columns []string, rows [][]any, keyColumns []string) (string, []any, error) {
	colPos := indexColumns(columns)
	for _, kc := range keyColumns {
		if _, ok := colPos[kc]; !ok {
			return "", nil, fmt.Errorf("buildMergeSQL: key column %q not present in columns", kc)
		}
	}
	keySet := make(map[string]bool, len(keyColumns))
	for _, kc := range keyColumns {
		keySet[kc] = true
	}

	var b strings.Builder
	b.WriteString("MERGE ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS s (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") ON ")
	for i, kc := range keyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(kc))
		b.WriteString(" = s.")
		b.WriteString(mssqlIdent(kc))
	}

	// Non-key columns drive the UPDATE branch; a pure key table gets insert-only.
	var updatable []string
	for _, c := range columns {
		if !keySet[c] {
			updatable = append(updatable, c)
		}
	}
	if len(updatable) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updatable {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("t.")
			b.WriteString(mssqlIdent(c))
			b.WriteString(" = s.")
			b.WriteString(mssqlIdent(c))
		}
	}

	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("s.")
		b.WriteString(mssqlIdent(c))
	}
	// MERGE requires a terminating semicolon.
	b.WriteString(");")

	return b.String(), args, nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	return b.String(), args
}

// buildInsertNotExistsSQL constructs INSERT...SELECT...WHERE NOT EXISTS for a
// chunk of rows: incoming rows become a derived table v via VALUES, and only
// rows without a match on dedupeColumns are inserted.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}

	b.WriteString(" FROM (VALUES ")
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	b.WriteString(") AS v(")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func buildDeleteByKeySQL(table, keyColumn string, keys []any, trackColumn string, cutoff time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys)+1)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, k)
	}
	b.WriteString(")")

	if !cutoff.IsZero() {
		b.WriteString(" AND ")
		b.WriteString(mssqlIdent(trackColumn))
		b.WriteString(" <= @p")
		b.WriteString(strconv.Itoa(len(keys) + 1))
		args = append(args, cutoff.UTC())
	}

	return b.String(), args
}

func buildExistsSQL(table string, columns []string, values []any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(values))
	for i, c := range columns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlIdent(c))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, values[i])
	}

	return b.String(), args
}

// buildInsertOutputSQL inserts one row and returns the generated key via
// OUTPUT INSERTED, which works inside a transaction without a second query.
func buildInsertOutputSQL(table string, columns []string, values []any, idColumn string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(") OUTPUT INSERTED.")
	b.WriteString(mssqlIdent(idColumn))
	b.WriteString(" VALUES (")

	args := make([]any, 0, len(values))
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("@p")
		b.WriteString(strconv.Itoa(i + 1))
		args = append(args, values[i])
	}
	b.WriteString(")")

	return b.String(), args
}

/* ---------- DDL ---------- */

// buildCreateSQL builds an idempotent CREATE TABLE statement guarded by
// OBJECT_ID, mirroring the generic column type tokens onto SQL Server types.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil && t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) != 1 {
			return "", fmt.Errorf("mssql: table %s: identity key must be a single column", t.Name)
		}
		parts = append(parts, mssqlIdent(t.PrimaryKey.Columns[0])+" BIGINT IDENTITY(1,1) PRIMARY KEY")
	}

	for _, c := range t.Columns {
		def, err := columnDef(c)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	if t.PrimaryKey != nil && !t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) == 0 {
			return "", fmt.Errorf("mssql: table %s: primary key has no columns", t.Name)
		}
		var cols []string
		for _, c := range t.PrimaryKey.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}

	for _, u := range t.Uniques {
		if len(u) == 0 {
			return "", fmt.Errorf("mssql: table %s: unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range u {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	for _, fk := range t.ForeignKeys {
		def, err := foreignKeyDef(fk)
		if err != nil {
			return "", fmt.Errorf("mssql: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		t.Name,
		mssqlTableIdent(t.Name),
		strings.Join(parts, ", "),
	), nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	typ, err := columnType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	def := mssqlIdent(c.Name) + " " + typ
	if c.Nullable {
		def += " NULL"
	} else {
		def += " NOT NULL"
	}
	return def, nil
}

func foreignKeyDef(fk storage.ForeignKeySpec) (string, error) {
	if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) || fk.RefTable == "" {
		return "", fmt.Errorf("malformed foreign key %v", fk.Columns)
	}
	var cols, refCols []string
	for _, c := range fk.Columns {
		cols = append(cols, mssqlIdent(c))
	}
	for _, c := range fk.RefColumns {
		refCols = append(refCols, mssqlIdent(c))
	}
	return "FOREIGN KEY (" + strings.Join(cols, ", ") + ") REFERENCES " +
		mssqlTableIdent(fk.RefTable) + " (" + strings.Join(refCols, ", ") + ")", nil
}

// columnType maps generic type tokens onto SQL Server types.
func columnType(token string) (string, error) {
	tok := strings.ToLower(strings.TrimSpace(token))
	switch {
	case tok == "text":
		return "NVARCHAR(MAX)", nil
	case strings.HasPrefix(tok, "text(") && strings.HasSuffix(tok, ")"):
		return "NVARCHAR(" + tok[len("text(") : len(tok)-1] + ")", nil
	case tok == "int":
		return "INT", nil
	case tok == "bigint":
		return "BIGINT", nil
	case tok == "float":
		return "FLOAT", nil
	case strings.HasPrefix(tok, "decimal(") && strings.HasSuffix(tok, ")"):
		return "DECIMAL(" + tok[len("decimal(") : len(tok)-1] + ")", nil
	case tok == "timestamp":
		return "DATETIME2", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", token)
	}
}

/* ---------- helpers ---------- */

// dedupeRowsByColumns keeps the first row for each distinct value combination
// of dedupeCols, preserving input order.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeCols []string) ([][]any, error) {
	colPos := indexColumns(columns)
	idx := make([]int, len(dedupeCols))
	for i, dc := range dedupeCols {
		pos, ok := colPos[dc]
		if !ok {
			return nil, fmt.Errorf("dedupe column %q not present in columns", dc)
		}
		idx[i] = pos
	}

	seen := make(map[string]bool, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		var kb strings.Builder
		for _, i := range idx {
			kb.WriteString(storage.NormalizeKey(row[i]))
			kb.WriteByte('\x00')
		}
		k := kb.String()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, row)
	}
	return out, nil
}

// indexColumns returns a mapping of column name -> index.
func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

// isUniqueViolation reports whether err is a SQL Server unique constraint
// (2627) or unique index (2601) violation.
func isUniqueViolation(err error) bool {
	var se mssql.Error
	if errors.As(err, &se) {
		return se.Number == 2627 || se.Number == 2601
	}
	return false
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.fact_listing" -> [dbo].[fact_listing]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

/* ---------- database/sql seam types ---------- */

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Commit() error
	Rollback() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &sqlTx{tx: tx}, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// sqlTx wraps *sql.Tx to implement txConn.
type sqlTx struct {
	tx *sql.Tx
}

func (s *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.tx.ExecContext(ctx, query, args...)
}

func (s *sqlTx) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.tx.QueryRowContext(ctx, query, args...)
}

func (s *sqlTx) Commit() error   { return s.tx.Commit() }
func (s *sqlTx) Rollback() error { return s.tx.Rollback() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sqlTx)(nil)

	_ storage.Repository = (*Repo)(nil)
	_ storage.Unit       = (*unit)(nil)
)
