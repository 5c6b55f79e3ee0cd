package main

import (
	"os"

	"github.com/3leaps/evalwatch/internal/cmd"
)

// Set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
