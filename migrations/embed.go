// Package migrations holds the SQL schema applied by internal/migrate.
package migrations

import "embed"

// FS contains every NNN_name.sql file of this directory.
//
//go:embed *.sql
var FS embed.FS
