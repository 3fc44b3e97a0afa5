// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) (*Local, string, string) {
	t.Helper()
	root := t.TempDir()
	global := filepath.Join(t.TempDir(), "langproxy", GlobalFileName)
	return NewLocal(LocalOptions{Root: root, GlobalPath: global}), root, global
}

func TestLocal_Resolution(t *testing.T) {
	t.Run("nothing on disk", func(t *testing.T) {
		l, root, global := newTestLocal(t)
		assert.Equal(t, filepath.Join(root, LocalFileName), l.LocalPath())
		assert.Equal(t, global, l.GlobalPath())
		assert.Empty(t, l.ActivePath())
		assert.Empty(t, l.Snapshot())
		_, ok := l.Get("anything")
		assert.False(t, ok)
	})

	t.Run("global only", func(t *testing.T) {
		l, _, global := newTestLocal(t)
		writeFile(t, global, `{"dotnet.server.path": "/g"}`)
		require.NoError(t, l.Reload())

		assert.Equal(t, global, l.ActivePath())
		v, ok := l.Get("dotnet.server.path")
		require.True(t, ok)
		assert.Equal(t, "/g", v)
	})

	t.Run("local wins over global", func(t *testing.T) {
		l, _, global := newTestLocal(t)
		writeFile(t, global, `{"dotnet.server.path": "/g", "only.global": 1}`)
		writeFile(t, l.LocalPath(), `{"dotnet.server.path": "/l"}`)
		require.NoError(t, l.Reload())

		assert.Equal(t, l.LocalPath(), l.ActivePath())
		v, _ := l.Get("dotnet.server.path")
		assert.Equal(t, "/l", v)
		_, ok := l.Get("only.global")
		assert.False(t, ok, "files are not merged")
	})

	t.Run("reload picks up deletion", func(t *testing.T) {
		l, _, _ := newTestLocal(t)
		writeFile(t, l.LocalPath(), `{"a": true}`)
		require.NoError(t, l.Reload())
		require.NoError(t, os.Remove(l.LocalPath()))
		require.NoError(t, l.Reload())
		assert.Empty(t, l.Snapshot())
	})
}

func TestLocal_InvalidJSON(t *testing.T) {
	l, _, _ := newTestLocal(t)
	writeFile(t, l.LocalPath(), `{"a": true}`)
	require.NoError(t, l.Reload())

	writeFile(t, l.LocalPath(), `{"a": tru`)
	err := l.Reload()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Empty(t, l.Snapshot())

	writeFile(t, l.LocalPath(), `   `)
	assert.NoError(t, l.Reload())
	assert.Empty(t, l.Snapshot())
}

func TestLocal_Get(t *testing.T) {
	l, _, _ := newTestLocal(t)
	writeFile(t, l.LocalPath(), `{
		"csharp|code_lens.dotnet_enable_references_code_lens": false,
		"dotnet": {"server": {"path": "/nested", "trace": "verbose"}},
		"omnisharp": {"enable.roslyn.analyzers": true},
		"plain": 3
	}`)
	require.NoError(t, l.Reload())

	tests := []struct {
		section string
		want    any
		found   bool
	}{
		{"csharp|code_lens.dotnet_enable_references_code_lens", false, true},
		{"dotnet.server.path", "/nested", true},
		{"dotnet.server", map[string]any{"path": "/nested", "trace": "verbose"}, true},
		{"omnisharp.enable.roslyn.analyzers", true, true},
		{"plain", float64(3), true},
		{"plain.deeper", nil, false},
		{"dotnet.client", nil, false},
		{"", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.section, func(t *testing.T) {
			got, ok := l.Get(tt.section)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocal_SnapshotIsCopy(t *testing.T) {
	l, _, _ := newTestLocal(t)
	writeFile(t, l.LocalPath(), `{"a": 1}`)
	require.NoError(t, l.Reload())

	snap := l.Snapshot()
	snap["b"] = 2
	_, ok := l.Get("b")
	assert.False(t, ok)
}
