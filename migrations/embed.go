// Package migrations embeds the SQL schema files for use at runtime.
// Embedding keeps migrations working regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem, all .sql files in this directory.
//
//go:embed *.sql
var FS embed.FS
