// Package main provides the CLI entry point for the proxy core daemon.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "proxycored",
		Short:   "proxycored - transparent TLS-intercepting proxy core",
		Version: version,
		Long: `proxycored runs the threaded, readiness-polled proxy core described
in this module: a receiver fans accepted connections and UDP flows out
to a fixed pool of worker proxies, each a master proxy with its own
poller, optionally intercepting TLS with certificates spoofed by the
local certificate factory.`,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "status", Title: "Status:"})

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	runC := runCmd()
	runC.GroupID = "start"
	rootCmd.AddCommand(runC)

	statusC := statusCmd()
	statusC.GroupID = "status"
	rootCmd.AddCommand(statusC)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
