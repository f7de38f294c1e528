// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// InsertReturningID executes an INSERT and returns the generated row id.
// Queries are written with `?` placeholders and rebound for the driver.
// PostgreSQL has no LastInsertId, so the statement gets a RETURNING clause
// and runs through QueryRow instead.
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...interface{}) (int64, error) {
	bound := db.Rebind(query)
	if IsPostgres(db.DriverName()) {
		var id int64
		if err := db.QueryRowxContext(ctx, bound+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	res, err := db.ExecContext(ctx, bound, args...)
	if err != nil {
		return 0, fmt.Errorf("insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}
