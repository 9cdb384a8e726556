// Package migrations embeds the SQL schema migrations applied by postgres.Migrate at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
