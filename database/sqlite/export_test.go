package sqlite

import "database/sql"

// RawDB exposes the connection so tests can age rows.
func RawDB(d *database) *sql.DB {
	return d.db
}
