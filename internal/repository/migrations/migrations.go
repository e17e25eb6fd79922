// Package migrations embeds the repository's goose migrations and runs
// them against an already-open *sql.DB, grounded on the teacher's
// internal/db/migrations package (referenced, not present, in the
// example pack — authored fresh here following goose's embed.FS idiom).
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var embedded embed.FS

// Run applies every pending migration to db.
func Run(db *sql.DB) error {
	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, ".")
}
