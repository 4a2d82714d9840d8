package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertSpec describes a keyed bulk upsert.
type UpsertSpec struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// UpdateCols defaults to every column that is not a conflict key.
	UpdateCols []string
	// SkipUnchanged leaves rows whose update columns already hold the
	// incoming values untouched. The returned count then only covers rows
	// that were inserted or actually changed.
	SkipUnchanged bool
}

func (s UpsertSpec) validate() error {
	if len(s.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(s.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	for _, k := range s.ConflictKeys {
		if !slices.Contains(s.Columns, k) {
			return eris.Errorf("db: upsert: conflict key %q is not an inserted column", k)
		}
	}
	return nil
}

func (s UpsertSpec) updateColumns() []string {
	if s.UpdateCols != nil {
		return s.UpdateCols
	}
	var cols []string
	for _, c := range s.Columns {
		if !slices.Contains(s.ConflictKeys, c) {
			cols = append(cols, c)
		}
	}
	return cols
}

func (s UpsertSpec) stagingTable() pgx.Identifier {
	return pgx.Identifier{"_tmp_upsert_" + strings.ReplaceAll(s.Table, ".", "_")}
}

// statements returns the staging-table DDL and the merge statement.
func (s UpsertSpec) statements() (stage, merge string) {
	staging := s.stagingTable().Sanitize()
	stage = fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		staging, sanitizeTable(s.Table))

	update := s.updateColumns()
	sets := make([]string, len(update))
	targets := make([]string, len(update))
	incoming := make([]string, len(update))
	for i, c := range update {
		col := pgx.Identifier{c}.Sanitize()
		sets[i] = col + " = EXCLUDED." + col
		targets[i] = "target." + col
		incoming[i] = "EXCLUDED." + col
	}

	var b strings.Builder
	cols := quoteAndJoin(s.Columns)
	fmt.Fprintf(&b, "INSERT INTO %s AS target (%s) SELECT %s FROM %s ON CONFLICT (%s) DO UPDATE SET %s",
		sanitizeTable(s.Table), cols, cols, staging, quoteAndJoin(s.ConflictKeys), strings.Join(sets, ", "))
	if s.SkipUnchanged {
		fmt.Fprintf(&b, " WHERE (%s) IS DISTINCT FROM (%s)",
			strings.Join(targets, ", "), strings.Join(incoming, ", "))
	}
	return stage, b.String()
}

// BulkUpsert stages rows in a temp table with COPY and merges them into the
// target with one INSERT ... ON CONFLICT, all inside a single transaction.
// rows must not repeat a conflict key.
func BulkUpsert(ctx context.Context, pool Pool, spec UpsertSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := spec.validate(); err != nil {
		return 0, err
	}
	stage, merge := spec.statements()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, stage); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: stage %s", spec.Table)
	}
	if _, err := tx.CopyFrom(ctx, spec.stagingTable(), spec.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: copy staged rows for %s", spec.Table)
	}
	tag, err := tx.Exec(ctx, merge)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: merge into %s", spec.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}

// identifier splits schema-qualified names like "public.leezenbox".
func identifier(table string) pgx.Identifier {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{table}
}

func sanitizeTable(table string) string {
	return identifier(table).Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
