// Package main is the entry point for the feedme WebSocket server.
package main

import (
	"fmt"
	"os"

	"github.com/feedme-io/feedme-ws/cmd/feedme-server/cmd"
)

// Version information (set by ldflags during build).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(Version, BuildTime, GitCommit)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
