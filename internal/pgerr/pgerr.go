// Package pgerr maps PostgreSQL errors onto service errors.
package pgerr

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/openkcm/identity-provider/internal/serviceerr"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Handle translates err into a service error. The second return value
// reports whether a translation took place.
func Handle(err error) (error, bool) {
	if errors.Is(err, pgx.ErrNoRows) {
		return serviceerr.ErrNotFound, true
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err, false
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return serviceerr.ErrConflict, true
	case codeForeignKeyViolation:
		return serviceerr.ErrNotFound, true
	}

	return err, false
}
