// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

var scanJSON bool

func runScan(cmd *cobra.Command, args []string) error {
	settings, logger := loadSettings()
	defer logger.Close()

	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if info, err := os.Stat(root); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	index := generated.NewIndex(generated.Options{
		Root:           root,
		ValidationTTL:  settings.Index.ValidationTTL,
		StaleThreshold: settings.Index.StaleThreshold,
		Logger:         logger,
	})
	defer index.Close()

	if err := index.Rescan(cmd.Context()); err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}

	snapshot := index.Snapshot()
	if scanJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}
	printIndex(cmd.OutOrStdout(), snapshot)
	return nil
}

func printIndex(w io.Writer, snapshot map[string][]generated.Entry) {
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintln(w, k)
		for _, e := range snapshot[k] {
			fmt.Fprintf(w, "  %s [%s]\n", e.Path, e.Configuration)
		}
	}
	fmt.Fprintf(w, "%d generated documents\n", len(keys))
}
