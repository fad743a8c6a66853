package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizing defaults for the long-running daemon. Idle connections are
// recycled so a quiet pipeline doesn't pin server slots overnight.
const (
	defaultMaxConns = 25
	defaultMinConns = 5
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = time.Hour
)

// OpenPostgres opens a PostgreSQL pool via the pgx stdlib driver and
// verifies it with a ping. Zero maxConns or minConns fall back to the
// defaults above.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns <= 0 {
		minConns = defaultMinConns
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}

	return db, nil
}
