// Package migrations embeds the PostgreSQL schema of the fulfillment service.
package migrations

import "embed"

// FS holds the versioned up/down migration files
//
//go:embed *.sql
var FS embed.FS
