package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"carsync/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs the server backends:
//   - SQLite has no native timestamp type. Timestamps are stored as
//     fixed-width UTC text (timeLayout) so lexicographic comparison in SQL
//     matches chronological order, which the watermark-bounded delta select
//     relies on.
//   - The pool is capped at a single connection: SQLite allows one writer,
//     and PRAGMA state set on the connection stays stable.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// REFERENCES clauses are inert until foreign-key enforcement is on.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates missing tables. Idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) LookupKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, bool, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, false, fmt.Errorf("LookupKey: table, keyColumn, idColumn required")
	}

	q := "SELECT " + sqlIdent(idColumn) + " FROM " + sqlIdent(table) +
		" WHERE " + sqlIdent(keyColumn) + " = ?"

	var id int64
	err := r.db.QueryRowContext(ctx, q, bindValue(key)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("LookupKey: query %s: %w", table, err)
	}
	return id, true, nil
}

// EnsureKey inserts key when missing using INSERT OR IGNORE, which relies on
// the natural key's UNIQUE constraint, then reads the surrogate back.
func (r *Repo) EnsureKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("EnsureKey: table, keyColumn, idColumn required")
	}

	q := "INSERT OR IGNORE INTO " + sqlIdent(table) + " (" + sqlIdent(keyColumn) + ") VALUES (?)"
	if _, err := r.db.ExecContext(ctx, q, bindValue(key)); err != nil {
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

func (r *Repo) SelectRowsSince(ctx context.Context, table string, columns []string, trackColumn string, since time.Time) ([][]any, error) {
	if table == "" || len(columns) == 0 || trackColumn == "" {
		return nil, fmt.Errorf("SelectRowsSince: table, columns, trackColumn required")
	}

	q := buildSelectSinceSQL(table, columns, trackColumn, !since.IsZero())
	var args []any
	if !since.IsZero() {
		args = append(args, formatTime(since))
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("SelectRowsSince: query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
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

func (r *Repo) UpsertRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 || len(keyColumns) == 0 {
		return 0, fmt.Errorf("UpsertRows: table, columns, keyColumns required")
	}

	maxRows := maxRowsPerStatement(len(columns))

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		q, args, err := buildUpsertSQL(table, columns, part, keyColumns)
		if err != nil {
			return total, err
		}
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("UpsertRows: upsert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// InsertRows bulk-inserts rows. With dedupeColumns set it appends
// ON CONFLICT (cols) DO NOTHING, which requires a UNIQUE constraint matching
// those columns on the destination. The conflict target is explicit so only
// the dedupe unique is tolerated; NOT NULL or CHECK violations still fail
// the statement (INSERT OR IGNORE would swallow those too).
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: table and columns required")
	}

	conflictSuffix := buildConflictNothingSQL(dedupeColumns)

	maxRows := maxRowsPerStatement(len(columns))

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		q, args := buildInsertSQL("INSERT INTO ", table, columns, part)
		q += conflictSuffix
		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("InsertRows: insert %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// DeleteRowsByKey deletes rows whose keyColumn matches any of keys. A
// non-zero cutoff bounds the delete to rows at or before it on trackColumn.
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

	// Older SQLite builds cap bound variables at 999.
	const chunk = 900
	var total int64
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		ph := strings.TrimRight(strings.Repeat("?,", len(part)), ",")
		q := "DELETE FROM " + sqlIdent(table) + " WHERE " + sqlIdent(keyColumn) + " IN (" + ph + ")"

		args := make([]any, 0, len(part)+1)
		for _, k := range part {
			args = append(args, bindValue(k))
		}
		if !cutoff.IsZero() {
			q += " AND " + sqlIdent(trackColumn) + " <= ?"
			args = append(args, bindValue(cutoff))
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("DeleteRowsByKey: delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) Watermark(ctx context.Context, logTable, name string) (time.Time, bool, error) {
	q := "SELECT " + sqlIdent("last_synced") + " FROM " + sqlIdent(logTable) +
		" WHERE " + sqlIdent("table_name") + " = ?"

	var raw string
	err := r.db.QueryRowContext(ctx, q, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("Watermark: query %s: %w", logTable, err)
	}

	ts, err := parseTime(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("Watermark: parse %s.last_synced=%q: %w", logTable, raw, err)
	}
	return ts, true, nil
}

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

type unit struct {
	tx   *sql.Tx
	done bool
}

func (u *unit) Exists(ctx context.Context, table string, columns []string, values []any) (bool, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return false, fmt.Errorf("Exists: columns/values mismatch")
	}

	where, args := buildKeyWhere(columns, values)
	q := "SELECT 1 FROM " + sqlIdent(table) + " WHERE " + where

	var one int
	err := u.tx.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("Exists: %s: %w", table, err)
	}
	return true, nil
}

func (u *unit) InsertReturningKey(ctx context.Context, table string, columns []string, values []any, idColumn string) (int64, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return 0, fmt.Errorf("InsertReturningKey: columns/values mismatch")
	}

	q, args := buildInsertSQL("INSERT INTO ", table, columns, [][]any{values})
	res, err := u.tx.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("InsertReturningKey: %s: %w", table, err)
	}
	// idColumn aliases the rowid for INTEGER PRIMARY KEY tables.
	_ = idColumn
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("InsertReturningKey: %s: %w", table, err)
	}
	return id, nil
}

func (u *unit) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if len(columns) == 0 || len(columns) != len(values) {
		return fmt.Errorf("Insert: columns/values mismatch")
	}

	q, args := buildInsertSQL("INSERT INTO ", table, columns, [][]any{values})
	if _, err := u.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("Insert: %s: %w", table, err)
	}
	return nil
}

// RelaxConstraints defers foreign-key checks until commit for the rest of
// this transaction. The pragma resets itself at commit or rollback, so the
// restore only switches immediate enforcement back on for later statements.
func (u *unit) RelaxConstraints(ctx context.Context, tables []string) (func(context.Context) error, error) {
	_ = tables
	if _, err := u.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("RelaxConstraints: %w", err)
	}
	restore := func(ctx context.Context) error {
		if _, err := u.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = OFF"); err != nil {
			return fmt.Errorf("RelaxConstraints: restore: %w", err)
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

/* ---------- SQL builders ---------- */

// maxRowsPerStatement keeps multi-row statements under the historic bound
// variable limit of 999.
func maxRowsPerStatement(columns int) int {
	n := 900 / columns
	if n < 1 {
		return 1
	}
	return n
}

func buildInsertSQL(insertPrefix, table string, columns []string, rows [][]any) (string, []any) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString(insertPrefix)
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}

	return b.String(), args
}

// buildConflictNothingSQL constructs the ON CONFLICT (cols) DO NOTHING
// suffix for dedupe inserts. Empty input means a plain insert.
func buildConflictNothingSQL(dedupeColumns []string) string {
	if len(dedupeColumns) == 0 {
		return ""
	}
	targets := make([]string, 0, len(dedupeColumns))
	for _, c := range dedupeColumns {
		targets = append(targets, sqlIdent(c))
	}
	return " ON CONFLICT (" + strings.Join(targets, ", ") + ") DO NOTHING"
}

// buildUpsertSQL constructs INSERT ... ON CONFLICT (keys) DO UPDATE.
// SQLite processes VALUES rows sequentially, so repeated keys within one
// statement are tolerated (last occurrence wins).
func buildUpsertSQL(table string, columns []string, rows [][]any, keyColumns []string) (string, []any, error) {
	keySet := make(map[string]bool, len(keyColumns))
	colSet := make(map[string]bool, len(columns))
	for _, c := range columns {
		colSet[c] = true
	}
	for _, kc := range keyColumns {
		if !colSet[kc] {
			return "", nil, fmt.Errorf("buildUpsertSQL: key column %q not present in columns", kc)
		}
		keySet[kc] = true
	}

	base, args := buildInsertSQL("INSERT INTO ", table, columns, rows)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" ON CONFLICT (")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
	}
	b.WriteString(")")

	var updatable []string
	for _, c := range columns {
		if !keySet[c] {
			updatable = append(updatable, c)
		}
	}
	if len(updatable) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String(), args, nil
	}

	b.WriteString(" DO UPDATE SET ")
	for i, c := range updatable {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(sqlIdent(c))
		b.WriteString(" = excluded.")
		b.WriteString(sqlIdent(c))
	}
	return b.String(), args, nil
}

func buildSelectSinceSQL(table string, columns []string, trackColumn string, bounded bool) string {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}

	q := "SELECT " + strings.Join(colList, ", ") + " FROM " + sqlIdent(table)
	if bounded {
		q += " WHERE " + sqlIdent(trackColumn) + " > ?"
	}
	q += " ORDER BY " + sqlIdent(trackColumn) + " ASC"
	return q
}

// buildKeyWhere builds a "k1 = ? AND k2 = ? ..." clause and args.
func buildKeyWhere(keyCols []string, keyVals []any) (string, []any) {
	parts := make([]string, 0, len(keyCols))
	args := make([]any, 0, len(keyCols))
	for i, k := range keyCols {
		parts = append(parts, sqlIdent(k)+" = ?")
		args = append(args, bindValue(keyVals[i]))
	}
	return strings.Join(parts, " AND "), args
}

/* ---------- DDL ---------- */

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("sqlite: table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil && t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) != 1 {
			return "", fmt.Errorf("sqlite: table %s: identity key must be a single column", t.Name)
		}
		// INTEGER PRIMARY KEY aliases the rowid and auto-generates values.
		parts = append(parts, sqlIdent(t.PrimaryKey.Columns[0])+" INTEGER PRIMARY KEY AUTOINCREMENT")
	}

	for _, c := range t.Columns {
		def, err := columnDef(c)
		if err != nil {
			return "", fmt.Errorf("sqlite: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	if t.PrimaryKey != nil && !t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) == 0 {
			return "", fmt.Errorf("sqlite: table %s: primary key has no columns", t.Name)
		}
		var cols []string
		for _, c := range t.PrimaryKey.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}

	for _, u := range t.Uniques {
		if len(u) == 0 {
			return "", fmt.Errorf("sqlite: table %s: unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range u {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	for _, fk := range t.ForeignKeys {
		if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) || fk.RefTable == "" {
			return "", fmt.Errorf("sqlite: table %s: malformed foreign key %v", t.Name, fk.Columns)
		}
		var cols, refCols []string
		for _, c := range fk.Columns {
			cols = append(cols, sqlIdent(c))
		}
		for _, c := range fk.RefColumns {
			refCols = append(refCols, sqlIdent(c))
		}
		parts = append(parts, "FOREIGN KEY ("+strings.Join(cols, ", ")+") REFERENCES "+
			sqlIdent(fk.RefTable)+" ("+strings.Join(refCols, ", ")+")")
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("sqlite: table %s: no columns", t.Name)
	}

	return "CREATE TABLE IF NOT EXISTS " + sqlIdent(t.Name) + " (\n  " +
		strings.Join(parts, ",\n  ") + "\n);", nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	typ, err := columnType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	def := sqlIdent(c.Name) + " " + typ
	if !c.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

// columnType maps generic type tokens onto SQLite storage classes.
// Timestamps become TEXT; see timeLayout.
func columnType(token string) (string, error) {
	tok := strings.ToLower(strings.TrimSpace(token))
	switch {
	case tok == "text":
		return "TEXT", nil
	case strings.HasPrefix(tok, "text(") && strings.HasSuffix(tok, ")"):
		return "TEXT", nil
	case tok == "int", tok == "bigint":
		return "INTEGER", nil
	case tok == "float":
		return "REAL", nil
	case strings.HasPrefix(tok, "decimal(") && strings.HasSuffix(tok, ")"):
		return "NUMERIC", nil
	case tok == "timestamp":
		return "TEXT", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", token)
	}
}

/* ---------- helpers ---------- */

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// timeLayout is RFC3339 with fixed nanosecond width. Unlike RFC3339Nano it
// never drops trailing zeros, so encoded UTC timestamps sort correctly as
// text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// bindValue converts Go values into SQLite-storable forms. Timestamps become
// fixed-width UTC text.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatTime(t)
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - timeLayout / RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Unit       = (*unit)(nil)
)
