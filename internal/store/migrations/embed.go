// Package migrations embeds the goose-managed schema for internal/store,
// the way internal/db/migrate.go embeds the teacher's own migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
