// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command langproxy sits between an editor and a C# language server.
//
// The editor speaks LSP to langproxy on stdin/stdout. langproxy starts the
// backend server, forwards traffic both ways, answers the backend's
// configuration queries, reloads the workspace when project files change and
// resolves source-generated documents to files under obj/.
//
// Usage:
//
//	langproxy                       # serve the editor on stdio
//	langproxy serve --root ~/src/app
//	langproxy scan ~/src/app        # print the generated-file index
//	langproxy version
//
// Settings are read from $XDG_CONFIG_HOME/langproxy/langproxy.yaml unless
// --config is given. Logs go to stderr; stdout carries the protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var (
	settingsPath string
	workspaceDir string
	logLevel     string
	diagAddr     string
	diskWatch    bool
	autoOpen     bool
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "langproxy",
		Short:         "LSP proxy for a C# language server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentFlags().StringVar(&settingsPath, "config", "", "settings file (default $XDG_CONFIG_HOME/langproxy/langproxy.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level: debug, info, warn, error")
	addServeFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the editor on stdin/stdout (default)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	addServeFlags(serveCmd)

	scanCmd := &cobra.Command{
		Use:   "scan [dir]",
		Short: "Scan a workspace and print its generated-file index",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runScan,
	}
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "print the index as JSON")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "langproxy %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, scanCmd, versionCmd)
	return rootCmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&workspaceDir, "root", "", "workspace root (default: current directory)")
	cmd.Flags().StringVar(&diagAddr, "diagnostics-addr", "", "override the diagnostics HTTP address, e.g. 127.0.0.1:7070")
	cmd.Flags().BoolVar(&diskWatch, "watch-disk", false, "watch the workspace on disk instead of relying on the editor")
	cmd.Flags().BoolVar(&autoOpen, "auto-open", false, "open the solution or projects found under the root on initialization")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "langproxy: %v\n", err)
		os.Exit(1)
	}
}
