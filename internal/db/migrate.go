package db

import (
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var schema string

// Migrate applies the bootstrap schema. It is idempotent (every statement
// is IF NOT EXISTS) so it is safe to call on every process start, matching
// the teacher's lack of a separate migration step for local/test runs.
func Migrate(database *sql.DB) error {
	if _, err := database.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
