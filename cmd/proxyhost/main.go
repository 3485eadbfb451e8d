// Package main provides the CLI entry point for the proxyhost demo
// server, exercising the socks5 and httpproxy drivers over TCP and
// WebSocket transports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "proxyhost",
		Short:   "proxyhost - SOCKS5 and HTTP proxy server",
		Long:    "proxyhost runs a SOCKS5 and/or HTTP CONNECT proxy server over TCP or WebSocket transports.",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "admin", Title: "Administration:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	hash := hashPasswordCmd()
	hash.GroupID = "admin"
	rootCmd.AddCommand(hash)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
