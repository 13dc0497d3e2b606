// Command tracex discovers, scans and classifies the devices on a local
// network.
package main

import "github.com/anstrom/tracex/cmd/cli"

// Build information, set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
