package dialect

import "fmt"

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// SecondsBetween returns the SQL expression for the whole-second difference
// end - start, where end and start are timestamp columns or placeholders.
//
//	SQLite:   CAST(strftime('%s', end) - strftime('%s', start) AS INTEGER)
//	Postgres: CAST(EXTRACT(EPOCH FROM (end::timestamp - start::timestamp)) AS BIGINT)
func SecondsBetween(driver, end, start string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("CAST(EXTRACT(EPOCH FROM (%s::timestamp - %s::timestamp)) AS BIGINT)", end, start)
	}
	return fmt.Sprintf("CAST(strftime('%%s', %s) - strftime('%%s', %s) AS INTEGER)", end, start)
}
