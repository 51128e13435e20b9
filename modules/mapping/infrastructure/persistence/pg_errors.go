package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lahari-sy/finmap/modules/mapping/services"
)

const (
	pgUndefinedColumn = "42703"
	pgUndefinedTable  = "42P01"
)

// mapPgError wraps err into a services.StoreError, carrying the SQLSTATE
// when the driver reports one.
func mapPgError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se *services.StoreError
	if errors.As(err, &se) {
		return err
	}
	out := &services.StoreError{Op: op, Table: table, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		out.Code = pgErr.Code
		switch pgErr.Code {
		case "23505": // unique_violation
			out.Code += " unique_violation"
		case "23502": // not_null_violation
			out.Code += " not_null_violation"
		case "22P02", "22003": // invalid_text_representation, numeric_value_out_of_range
			out.Code += " invalid_value"
		case pgUndefinedTable:
			out.Code += " undefined_table"
		case pgUndefinedColumn:
			out.Code += " undefined_column"
		}
	}
	return out
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
