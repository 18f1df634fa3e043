// Package migrations embeds the goose SQL migrations for the server
// database's meta tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
