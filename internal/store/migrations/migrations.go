// Package migrations embeds the goose SQL migrations for the local library database.
package migrations

import "embed"

// FS holds the ordered migration files.
//
//go:embed *.sql
var FS embed.FS
