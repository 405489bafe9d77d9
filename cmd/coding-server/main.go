// Command coding-server exposes the coding worker tool set over MCP.
// swarmd spawns one per coding worker; it is not meant to be run by hand.
package main

import (
	"github.com/zjrosen/swarmd/internal/store"
	"github.com/zjrosen/swarmd/internal/toolserver"
)

// Build information injected via ldflags at build time.
var version = "dev"

func main() {
	toolserver.Main(store.KindCoding, version)
}
