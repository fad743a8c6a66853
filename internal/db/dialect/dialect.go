// Package dialect smooths over the SQL differences between the two
// drivers the queue store supports, sqlite3 and pgx.
package dialect

// Driver names as registered with database/sql. Placeholder rebinding,
// RETURNING support, and DDL column types all key off these.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether driver is the pgx (PostgreSQL) driver.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt maps a bool onto the 0/1 integers both dialects store.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
