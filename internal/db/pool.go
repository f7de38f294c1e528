package db

import (
	"errors"

	"github.com/jmoiron/sqlx"
)

// Pool pairs the write handle with the read handle for the timeline
// database. SQLite deployments open two real pools: a single-connection
// writer (WAL serializes writes anyway, and one connection avoids
// SQLITE_BUSY churn) and a multi-connection read-only pool that serves
// timeline queries from WAL snapshots. Postgres deployments pass the
// same handle twice; pgx multiplexes internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the given handles. writer and reader may be the same
// *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer is the handle for INSERT/UPDATE/DELETE and schema statements.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader is the handle for SELECTs. Never issue writes through it: the
// SQLite reader is opened in read-only mode and will reject them.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, tolerating the shared-handle case.
func (p *Pool) Close() error {
	if p.reader == p.writer {
		return p.writer.Close()
	}
	return errors.Join(p.writer.Close(), p.reader.Close())
}
