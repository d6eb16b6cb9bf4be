// Package migrations embeds the goose SQL migrations for the device-local
// store (local/) and the endpoint store (server/).
package migrations

import "embed"

//go:embed local/*.sql server/*.sql
var FS embed.FS

// Migration directories within FS.
const (
	LocalDir  = "local"
	ServerDir = "server"
)
