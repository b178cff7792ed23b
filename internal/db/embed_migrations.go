package db

import "embed"

// MigrationFS holds the relational schema (api_keys, sessions) applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
