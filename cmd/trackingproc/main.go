// Command trackingproc runs the tracking event processor CLI.
//
// Grounded on cmd/queue/main.go: build-time version injection, a
// top-level panic recovery guard, and a single Execute()/os.Exit(1) on
// error.
package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/trackingproc/internal/cli"
)

var (
	version = "1.0.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
