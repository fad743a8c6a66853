package dialect

// AutoIncrementPK returns the column definition for an auto-incrementing
// integer primary key.
func AutoIncrementPK(driverName string) string {
	if IsPostgres(driverName) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}
