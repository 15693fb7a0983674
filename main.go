package main

import (
	"fmt"
	"os"

	"github.com/trialvault/trialvault/cmd"
	"github.com/trialvault/trialvault/internal/buildinfo"
	"github.com/trialvault/trialvault/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=... -X main.commit=..."
var (
	version   string
	buildDate string
	commit    string
)

func main() {
	settings := &conf.Settings{}
	build := buildinfo.NewContext(version, buildDate, commit)

	rootCmd := cmd.RootCommand(settings, build)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
