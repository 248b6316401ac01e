// Package migrations embeds the goose migrations shared by SQLite and Postgres.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
