// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must be applied.
var Files = []string{
	"001_create_scheduler_entries.sql",
	"002_create_entry_attempts.sql",
}
