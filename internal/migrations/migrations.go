// Package migrations embeds the application schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
