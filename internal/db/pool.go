// Package db opens and pools the queue-store database connections.
package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/conveyorhq/conveyor/internal/db/dialect"
)

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. The writer pool uses MaxOpenConns(1) to
// avoid SQLITE_BUSY on write contention, while the reader pool allows multiple
// concurrent connections for SELECT queries.
//
// For PostgreSQL, both Writer and Reader return the same *sqlx.DB since pgx
// handles connection pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open builds a Pool for the configured driver. For sqlite3 it opens a
// single-connection writer plus a read-only reader pool on path; for pgx it
// opens one shared pool on dsn.
func Open(driver, path, dsn string, busyTimeoutMS int) (*Pool, error) {
	switch driver {
	case dialect.SQLite3:
		writerDB, err := OpenSQLite(path, busyTimeoutMS)
		if err != nil {
			return nil, err
		}
		readerDB, err := OpenSQLiteReader(path, busyTimeoutMS)
		if err != nil {
			_ = writerDB.Close()
			return nil, err
		}
		return NewPool(
			sqlx.NewDb(writerDB, dialect.SQLite3),
			sqlx.NewDb(readerDB, dialect.SQLite3),
		), nil
	case dialect.PGX:
		pgDB, err := OpenPostgres(dsn, 0, 0)
		if err != nil {
			return nil, err
		}
		shared := sqlx.NewDb(pgDB, dialect.PGX)
		return NewPool(shared, shared), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries. For SQLite
// this opens multiple read-only connections that can operate concurrently
// with the writer via WAL snapshots.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	// Avoid double-close when both pools share the same *sqlx.DB (Postgres).
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
