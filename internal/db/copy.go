package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// CopyRows streams items into table over the COPY protocol, converting each
// one with row. COPY is all-or-nothing: when the copy or any conversion
// fails, no row of the batch becomes visible.
func CopyRows[T any](ctx context.Context, pool Pool, table string, columns []string, items []T, row func(T) ([]any, error)) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	src := pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		return row(items[i])
	})
	n, err := pool.CopyFrom(ctx, identifier(table), columns, src)
	if err != nil {
		return 0, eris.Wrapf(err, "db: copy %d rows into %s", len(items), table)
	}
	return n, nil
}
