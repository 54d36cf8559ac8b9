package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carsync/internal/storage"
)

// Repo implements storage.Repository for Postgres.
//
// Key points vs the SQL Server backend:
//   - Upserts use INSERT ... ON CONFLICT instead of MERGE.
//   - Foreign keys are created DEFERRABLE, so a unit of work can suspend
//     enforcement with SET CONSTRAINTS ALL DEFERRED; the relaxed mode is
//     transaction-scoped and vanishes on commit or rollback.
//   - The wire protocol caps bind parameters at 65535 per statement, so
//     multi-row statements are still chunked.
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates missing tables, and missing schemas for
// schema-qualified names. Idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) LookupKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, bool, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, false, fmt.Errorf("LookupKey: table, keyColumn, idColumn required")
	}

	q := "SELECT " + pgIdent(idColumn) + " FROM " + pgTableIdent(table) +
		" WHERE " + pgIdent(keyColumn) + " = $1"

	var id int64
	err := r.pool.QueryRow(ctx, q, key).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("LookupKey: query %s: %w", table, err)
	}
	return id, true, nil
}

// EnsureKey inserts key when missing via ON CONFLICT DO NOTHING, then reads
// the surrogate back. Safe under concurrent callers.
func (r *Repo) EnsureKey(ctx context.Context, table, keyColumn, idColumn string, key any) (int64, error) {
	if table == "" || keyColumn == "" || idColumn == "" {
		return 0, fmt.Errorf("EnsureKey: table, keyColumn, idColumn required")
	}

	q := "INSERT INTO " + pgTableIdent(table) + " (" + pgIdent(keyColumn) +
		") VALUES ($1) ON CONFLICT (" + pgIdent(keyColumn) + ") DO NOTHING"
	if _, err := r.pool.Exec(ctx, q, key); err != nil {
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
		args = append(args, since)
	}

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("SelectRowsSince: query %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
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
		cmd, err := r.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("UpsertRows: upsert %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// InsertRows bulk-inserts rows. ON CONFLICT DO NOTHING also collapses
// duplicates that appear within the same statement, so no in-memory dedupe
// pass is needed here.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if table == "" || len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: table and columns required")
	}

	maxRows := maxRowsPerStatement(len(columns))

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		q, args := buildInsertSQL(table, columns, part, dedupeColumns)
		cmd, err := r.pool.Exec(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("InsertRows: insert %s: %w", table, err)
		}
		total += cmd.RowsAffected()
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

	const chunk = 2000
	var total int64
	for start := 0; start < len(keys); start += chunk {
		end := start + chunk
		if end > len(keys) {
			end = len(keys)
		}
		part := keys[start:end]

		var b strings.Builder
		b.WriteString("DELETE FROM ")
		b.WriteString(pgTableIdent(table))
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(keyColumn))
		b.WriteString(" IN (")

		args := make([]any, 0, len(part)+1)
		for i, k := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i+1)
			args = append(args, k)
		}
		b.WriteString(")")

		if !cutoff.IsZero() {
			fmt.Fprintf(&b, " AND %s <= $%d", pgIdent(trackColumn), len(part)+1)
			args = append(args, cutoff.UTC())
		}

		cmd, err := r.pool.Exec(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("DeleteRowsByKey: delete %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

func (r *Repo) Watermark(ctx context.Context, logTable, name string) (time.Time, bool, error) {
	q := "SELECT " + pgIdent("last_synced") + " FROM " + pgTableIdent(logTable) +
		" WHERE " + pgIdent("table_name") + " = $1"

	var ts time.Time
	err := r.pool.QueryRow(ctx, q, name).Scan(&ts)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("Watermark: query %s: %w", logTable, err)
	}
	return ts.UTC(), true, nil
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
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &unit{ctx: ctx, tx: tx}, nil
}

// unit is one pgx transaction. The begin context also scopes Commit and
// Rollback, which pgx requires a context for.
type unit struct {
	ctx  context.Context
	tx   pgx.Tx
	done bool
}

func (u *unit) Exists(ctx context.Context, table string, columns []string, values []any) (bool, error) {
	if len(columns) == 0 || len(columns) != len(values) {
		return false, fmt.Errorf("Exists: columns/values mismatch")
	}

	var b strings.Builder
	b.WriteString("SELECT 1 FROM ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" WHERE ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(pgIdent(c))
		fmt.Fprintf(&b, " = $%d", i+1)
	}

	var one int
	err := u.tx.QueryRow(ctx, b.String(), values...).Scan(&one)
	if err == pgx.ErrNoRows {
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

	q := buildInsertReturningSQL(table, columns, idColumn)
	var id int64
	if err := u.tx.QueryRow(ctx, q, values...).Scan(&id); err != nil {
		return 0, fmt.Errorf("InsertReturningKey: %s: %w", table, err)
	}
	return id, nil
}

func (u *unit) Insert(ctx context.Context, table string, columns []string, values []any) error {
	if len(columns) == 0 || len(columns) != len(values) {
		return fmt.Errorf("Insert: columns/values mismatch")
	}

	q, args := buildInsertSQL(table, columns, [][]any{values}, nil)
	if _, err := u.tx.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("Insert: %s: %w", table, err)
	}
	return nil
}

// RelaxConstraints defers all deferrable constraints for the rest of this
// transaction; Postgres re-checks them at SET CONSTRAINTS ALL IMMEDIATE (or
// at commit). The table list is unused because the deferred mode is
// transaction-wide.
func (u *unit) RelaxConstraints(ctx context.Context, tables []string) (func(context.Context) error, error) {
	_ = tables
	if _, err := u.tx.Exec(ctx, "SET CONSTRAINTS ALL DEFERRED"); err != nil {
		return nil, fmt.Errorf("RelaxConstraints: %w", err)
	}
	restore := func(ctx context.Context) error {
		if _, err := u.tx.Exec(ctx, "SET CONSTRAINTS ALL IMMEDIATE"); err != nil {
			return fmt.Errorf("RelaxConstraints: restore: %w", err)
		}
		return nil
	}
	return restore, nil
}

func (u *unit) Commit() error {
	u.done = true
	return u.tx.Commit(u.ctx)
}

func (u *unit) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	return u.tx.Rollback(u.ctx)
}

/* ---------- SQL builders (pure, unit-testable without a database) ---------- */

// maxRowsPerStatement keeps multi-row statements under the pgwire limit of
// 65535 bind parameters, with ample headroom.
func maxRowsPerStatement(columns int) int {
	n := 10000 / columns
	if n < 1 {
		return 1
	}
	return n
}

// buildInsertSQL constructs a single INSERT statement and its args.
//
// If dedupeColumns is non-empty the INSERT is made idempotent using
// ON CONFLICT (<dedupeColumns...>) DO NOTHING, which requires a matching
// unique constraint on the target.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	return b.String(), args
}

// buildUpsertSQL constructs INSERT ... ON CONFLICT (keys) DO UPDATE.
//
// Rows must not repeat keyColumns within one statement; Postgres refuses to
// update the same target row twice in a single INSERT.
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

	base, args := buildInsertSQL(table, columns, rows, nil)

	var b strings.Builder
	b.WriteString(base)
	b.WriteString(" ON CONFLICT (")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
		b.WriteString(pgIdent(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(pgIdent(c))
	}
	return b.String(), args, nil
}

func buildInsertReturningSQL(table string, columns []string, idColumn string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(") RETURNING ")
	b.WriteString(pgIdent(idColumn))
	return b.String()
}

func buildSelectSinceSQL(table string, columns []string, trackColumn string, bounded bool) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(table))
	if bounded {
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(trackColumn))
		b.WriteString(" > $1")
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(pgIdent(trackColumn))
	b.WriteString(" ASC")
	return b.String()
}

/* ---------- DDL ---------- */

// buildCreateSQL generates CREATE TABLE IF NOT EXISTS DDL, plus an optional
// CREATE SCHEMA statement when the table name is schema-qualified.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("postgres: table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema) + ";"
	}

	var parts []string

	if t.PrimaryKey != nil && t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) != 1 {
			return "", "", fmt.Errorf("postgres: table %s: identity key must be a single column", t.Name)
		}
		parts = append(parts, pgIdent(t.PrimaryKey.Columns[0])+" BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY")
	}

	for _, c := range t.Columns {
		def, err := columnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	if t.PrimaryKey != nil && !t.PrimaryKey.Identity {
		if len(t.PrimaryKey.Columns) == 0 {
			return "", "", fmt.Errorf("postgres: table %s: primary key has no columns", t.Name)
		}
		var cols []string
		for _, c := range t.PrimaryKey.Columns {
			cols = append(cols, pgIdent(c))
		}
		parts = append(parts, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}

	for _, u := range t.Uniques {
		if len(u) == 0 {
			return "", "", fmt.Errorf("postgres: table %s: unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range u {
			cols = append(cols, pgIdent(c))
		}
		parts = append(parts, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	for _, fk := range t.ForeignKeys {
		def, err := foreignKeyDef(fk)
		if err != nil {
			return "", "", fmt.Errorf("postgres: table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}

	if len(parts) == 0 {
		return "", "", fmt.Errorf("postgres: table %s: no columns", t.Name)
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);",
		pgTableIdent(t.Name), strings.Join(parts, ", "))
	return schemaSQL, tableSQL, nil
}

func columnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("column name is empty")
	}
	typ, err := columnType(c.Type)
	if err != nil {
		return "", fmt.Errorf("column %s: %w", c.Name, err)
	}

	def := pgIdent(c.Name) + " " + typ
	if !c.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

// foreignKeyDef emits a DEFERRABLE foreign key so units of work can suspend
// enforcement with SET CONSTRAINTS.
func foreignKeyDef(fk storage.ForeignKeySpec) (string, error) {
	if len(fk.Columns) == 0 || len(fk.Columns) != len(fk.RefColumns) || fk.RefTable == "" {
		return "", fmt.Errorf("malformed foreign key %v", fk.Columns)
	}
	var cols, refCols []string
	for _, c := range fk.Columns {
		cols = append(cols, pgIdent(c))
	}
	for _, c := range fk.RefColumns {
		refCols = append(refCols, pgIdent(c))
	}
	return "FOREIGN KEY (" + strings.Join(cols, ", ") + ") REFERENCES " +
		pgTableIdent(fk.RefTable) + " (" + strings.Join(refCols, ", ") +
		") DEFERRABLE INITIALLY IMMEDIATE", nil
}

// columnType maps generic type tokens onto Postgres types.
func columnType(token string) (string, error) {
	tok := strings.ToLower(strings.TrimSpace(token))
	switch {
	case tok == "text":
		return "TEXT", nil
	case strings.HasPrefix(tok, "text(") && strings.HasSuffix(tok, ")"):
		return "VARCHAR(" + tok[len("text(") : len(tok)-1] + ")", nil
	case tok == "int":
		return "INTEGER", nil
	case tok == "bigint":
		return "BIGINT", nil
	case tok == "float":
		return "DOUBLE PRECISION", nil
	case strings.HasPrefix(tok, "decimal(") && strings.HasSuffix(tok, ")"):
		return "NUMERIC(" + tok[len("decimal(") : len(tok)-1] + ")", nil
	case tok == "timestamp":
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("unsupported column type %q", token)
	}
}

/* ---------- helpers ---------- */

// pgIdent returns a double-quoted identifier, escaping '"' as '""'.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes schema-qualified names part by part.
//
// Example:
//
//	"public.fact_listing" -> "public"."fact_listing"
func pgTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = pgIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
// Names without exactly one dot are treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

var (
	_ storage.Repository = (*Repo)(nil)
	_ storage.Unit       = (*unit)(nil)
)
