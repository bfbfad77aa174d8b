// Package migrations embeds the SQLite schema files.
package migrations

import "embed"

// FS holds the *.up.sql files applied in lexical order
//
//go:embed *.sql
var FS embed.FS
