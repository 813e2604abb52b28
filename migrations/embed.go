package migrations

import "embed"

// FS holds the goose migrations of the dev server database.
//
//go:embed *.sql
var FS embed.FS
