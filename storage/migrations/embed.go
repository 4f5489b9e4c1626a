package migrations

import "embed"

// FS contains the audit archive's SQLite migrations.
//
//go:embed *.sql
var FS embed.FS
