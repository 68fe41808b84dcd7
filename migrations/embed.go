// Package migrations embeds the PostgreSQL schema migrations applied at
// startup by internal/database.
package migrations

import "embed"

// FS holds the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
