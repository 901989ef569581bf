// Package migrations embeds the schema applied at startup when MIGRATE=true.
package migrations

import "embed"

// FS holds the numbered SQL files, applied in name order.
//
//go:embed *.sql
var FS embed.FS
