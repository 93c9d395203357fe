// Package main is the entry point for buildctl, the developer terminal tool
// for the buildplane API.
package main

import (
	"os"

	"buildplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
