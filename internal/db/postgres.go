package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
	postgresPingTimeout      = 5 * time.Second
)

// OpenPostgres opens the timeline database on PostgreSQL through the pgx
// stdlib driver and verifies the connection before returning. Zero or
// negative pool sizes fall back to the defaults.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	handle, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresIdleConns
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(minConns)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return handle, nil
}
