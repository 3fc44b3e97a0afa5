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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	missing := filepath.Join(t.TempDir(), "none.yaml")
	cmd.SetArgs(append([]string{"--config", missing, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func generatedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "App", "obj", "Debug", "net8.0", "generated", "Gen", "Gen.Source")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Model.g.cs"), []byte("// generated"), 0o644))
	return root
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "langproxy "+version+"\n", out)
}

func TestScanCommand(t *testing.T) {
	root := generatedTree(t)

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "scan", root)
		require.NoError(t, err)
		assert.Contains(t, out, "Model.g.cs")
		assert.Contains(t, out, "[Debug]")
		assert.Contains(t, out, "1 generated documents")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, "scan", "--json", root)
		require.NoError(t, err)

		var snapshot map[string][]generated.Entry
		require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
		require.Len(t, snapshot, 1)
		for _, entries := range snapshot {
			require.Len(t, entries, 1)
			assert.Equal(t, "Debug", entries[0].Configuration)
			assert.True(t, entries[0].Debug)
		}
	})

	t.Run("not a directory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f.txt")
		require.NoError(t, os.WriteFile(file, nil, 0o644))
		_, err := execute(t, "scan", file)
		assert.Error(t, err)
	})

	t.Run("too many args", func(t *testing.T) {
		_, err := execute(t, "scan", root, root)
		assert.Error(t, err)
	})
}

func TestLoadSettingsFlagOverrides(t *testing.T) {
	t.Cleanup(func() {
		settingsPath, logLevel, diagAddr, diskWatch = "", "", "", false
	})
	settingsPath = filepath.Join(t.TempDir(), "none.yaml")
	logLevel = "debug"
	diagAddr = "127.0.0.1:7070"
	diskWatch = true

	settings, logger := loadSettings()
	defer logger.Close()
	assert.Equal(t, "debug", settings.Log.Level)
	assert.Equal(t, "127.0.0.1:7070", settings.Diagnostics.Addr)
	assert.True(t, settings.Watch.Disk)
}
