package storage

import (
	sq "github.com/Masterminds/squirrel"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Live starts a SELECT that never returns soft-deleted rows of table.
// Every read of a soft-deletable table goes through Live or JoinLive.
func Live(table string, columns ...string) sq.SelectBuilder {
	return psql.Select(columns...).From(table).Where(notDeleted(table))
}

// JoinLive joins table and filters its soft-deleted rows.
func JoinLive(b sq.SelectBuilder, table, on string) sq.SelectBuilder {
	return b.Join(table + " ON " + on).Where(notDeleted(table))
}

func notDeleted(table string) sq.Eq {
	return sq.Eq{table + ".deleted_at": nil}
}
