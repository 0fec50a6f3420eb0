package migrations

import "embed"

// FS contains the embedded SQLite schema for the depot partitions.
//
//go:embed *.sql
var FS embed.FS
