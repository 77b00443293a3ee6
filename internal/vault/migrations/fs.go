// Package migrations embeds the vault schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
