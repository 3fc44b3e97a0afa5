// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

func abs(p string) string {
	if filepath.Separator == '\\' {
		return filepath.FromSlash("C:" + p)
	}
	return p
}

func TestClassify(t *testing.T) {
	ctx := Context{
		LocalConfigPath:  abs("/work/.langproxy.json"),
		GlobalConfigPath: abs("/home/u/.config/langproxy/config.json"),
	}

	tests := []struct {
		name   string
		paths  []string
		want   Verdict
		wantGn int
	}{
		{
			name:  "local config",
			paths: []string{"/work/.langproxy.json"},
			want:  Verdict{ReloadConfig: true},
		},
		{
			name:  "global config",
			paths: []string{"/home/u/.config/langproxy/config.json"},
			want:  Verdict{ReloadConfig: true},
		},
		{
			name:   "generated output",
			paths:  []string{"/work/App/obj/Debug/net8.0/generated/Gen/Gen.Source/Model.g.cs"},
			want:   Verdict{RefreshIndex: true},
			wantGn: 1,
		},
		{
			name:   "generated directory",
			paths:  []string{"/work/App/obj/Release/net8.0/generated"},
			want:   Verdict{RefreshIndex: true},
			wantGn: 1,
		},
		{
			name:  "project files",
			paths: []string{"/work/App/App.csproj", "/work/Lib/Lib.FSPROJ", "/work/All.slnx"},
			want:  Verdict{ScheduleReload: true},
		},
		{
			name:  "msbuild props",
			paths: []string{"/work/Directory.Build.props", "/work/directory.packages.props"},
			want:  Verdict{ScheduleReload: true},
		},
		{
			name:  "global.json",
			paths: []string{"/work/global.json"},
			want:  Verdict{ScheduleReload: true},
		},
		{
			name:  "source file triggers nothing",
			paths: []string{"/work/App/Program.cs", "/work/App/obj/Debug/net8.0/App.dll"},
			want:  Verdict{},
		},
		{
			name: "mixed batch",
			paths: []string{
				"/work/.langproxy.json",
				"/work/App/obj/Debug/net8.0/generated/A/T/one.cs",
				"/work/App/obj/Debug/net8.0/generated/A/T/two.cs",
				"/work/App/App.csproj",
				"/work/App/Program.cs",
			},
			want:   Verdict{ReloadConfig: true, RefreshIndex: true, ScheduleReload: true},
			wantGn: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []Event
			for _, p := range tt.paths {
				events = append(events, NewEvent(abs(p), KindChanged))
			}
			got := Classify(events, ctx)

			assert.Equal(t, tt.want.ReloadConfig, got.ReloadConfig, "ReloadConfig")
			assert.Equal(t, tt.want.RefreshIndex, got.RefreshIndex, "RefreshIndex")
			assert.Equal(t, tt.want.ScheduleReload, got.ScheduleReload, "ScheduleReload")
			assert.Len(t, got.GeneratedChanges, tt.wantGn)
			assert.Equal(t, tt.want.ReloadConfig || tt.want.RefreshIndex || tt.want.ScheduleReload, got.Any())
		})
	}
}

func TestClassify_ContextHooks(t *testing.T) {
	t.Run("normalizer is applied to both sides", func(t *testing.T) {
		ctx := Context{
			LocalConfigPath: abs("/Work/.LangProxy.json"),
			Normalize:       func(p string) string { return strings.ToLower(filepath.Clean(p)) },
		}
		v := Classify([]Event{NewEvent(abs("/work/.langproxy.json"), KindChanged)}, ctx)
		assert.True(t, v.ReloadConfig)
	})

	t.Run("extra project predicate", func(t *testing.T) {
		ctx := Context{IsProjectFile: func(p string) bool { return filepath.Ext(p) == ".props" }}
		v := Classify([]Event{NewEvent(abs("/work/Custom.props"), KindCreated)}, ctx)
		assert.True(t, v.ScheduleReload)
	})

	t.Run("one path can trigger several actions", func(t *testing.T) {
		ctx := Context{LocalConfigPath: abs("/work/global.json")}
		v := Classify([]Event{NewEvent(abs("/work/global.json"), KindChanged)}, ctx)
		assert.True(t, v.ReloadConfig)
		assert.True(t, v.ScheduleReload)
		assert.False(t, v.RefreshIndex)
	})

	t.Run("project file under generated output", func(t *testing.T) {
		p := abs("/work/App/obj/Debug/net8.0/generated/Gen/Gen.Source/Directory.Build.props")
		v := Classify([]Event{NewEvent(p, KindCreated)}, Context{})
		assert.True(t, v.RefreshIndex)
		assert.True(t, v.ScheduleReload)
		assert.Len(t, v.GeneratedChanges, 1)
	})

	t.Run("empty config paths never match", func(t *testing.T) {
		v := Classify([]Event{NewEvent(abs("/work/.langproxy.json"), KindChanged)}, Context{})
		assert.False(t, v.ReloadConfig)
	})

	t.Run("non-file uris are ignored", func(t *testing.T) {
		v := Classify([]Event{{URI: uri.URI("untitled:App.csproj"), Kind: KindCreated}}, Context{})
		assert.False(t, v.Any())
	})
}

func TestIsProjectFile(t *testing.T) {
	assert.True(t, IsProjectFile("App.csproj"))
	assert.True(t, IsProjectFile(filepath.Join("a", "b", "X.vbproj")))
	assert.True(t, IsProjectFile("Solution.SLN"))
	assert.True(t, IsProjectFile("Directory.Build.targets"))
	assert.False(t, IsProjectFile("App.csproj.user"))
	assert.False(t, IsProjectFile("Program.cs"))
}

func TestEventConversions(t *testing.T) {
	events := []Event{
		NewEvent(abs("/work/a.cs"), KindCreated),
		NewEvent(abs("/work/b.cs"), KindChanged),
		NewEvent(abs("/work/c.cs"), KindDeleted),
	}

	changes := ToProtocol(events)
	assert.Equal(t, protocol.FileChangeTypeCreated, changes[0].Type)
	assert.Equal(t, protocol.FileChangeTypeChanged, changes[1].Type)
	assert.Equal(t, protocol.FileChangeTypeDeleted, changes[2].Type)

	back := FromProtocol(append(changes, nil))
	assert.Equal(t, events, back)
	assert.Equal(t, abs("/work/a.cs"), back[0].Path())
	assert.Equal(t, "", Event{URI: uri.URI("untitled:x")}.Path())

	assert.Equal(t, "created", KindCreated.String())
	assert.Equal(t, "deleted", KindDeleted.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
