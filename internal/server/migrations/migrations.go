// Package migrations embeds the goose SQL migrations for the transit queues.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
