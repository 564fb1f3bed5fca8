// Package sql embeds the Postgres schema shipped with the service.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
