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

	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

// ProjectPatterns are base-name globs of files whose change invalidates the
// loaded workspace. Matched case-insensitively.
var ProjectPatterns = []string{
	"*.csproj",
	"*.vbproj",
	"*.fsproj",
	"*.sln",
	"*.slnx",
	"*.slnf",
	"Directory.Build.props",
	"Directory.Build.targets",
	"Directory.Packages.props",
	"global.json",
}

// Context is what the classifier needs to know about the session.
type Context struct {
	// LocalConfigPath and GlobalConfigPath are the resolved config files;
	// empty when absent.
	LocalConfigPath  string
	GlobalConfigPath string

	// Normalize canonicalises paths before comparison. nil uses
	// filepath.Clean.
	Normalize func(string) string

	// IsProjectFile extends ProjectPatterns.
	IsProjectFile func(path string) bool
}

func (c Context) normalize(p string) string {
	if p == "" {
		return ""
	}
	if c.Normalize != nil {
		return c.Normalize(p)
	}
	return filepath.Clean(p)
}

// Verdict is the set of actions a batch calls for.
type Verdict struct {
	ReloadConfig bool

	RefreshIndex bool

	// GeneratedChanges are the events under generated-output directories.
	GeneratedChanges []Event

	ScheduleReload bool
}

// Any reports whether the verdict calls for any action.
func (v Verdict) Any() bool {
	return v.ReloadConfig || v.RefreshIndex || v.ScheduleReload
}

// Classify decides which recovery actions a batch of events triggers.
//
// Each event is checked against every class independently, so one path can
// trigger several actions. Events with non-file URIs are ignored.
func Classify(events []Event, ctx Context) Verdict {
	var v Verdict
	local := ctx.normalize(ctx.LocalConfigPath)
	global := ctx.normalize(ctx.GlobalConfigPath)

	for _, e := range events {
		raw := e.Path()
		if raw == "" {
			continue
		}
		path := ctx.normalize(raw)

		if (local != "" && path == local) || (global != "" && path == global) {
			v.ReloadConfig = true
		}
		if generated.IsGeneratedPath(path) {
			v.RefreshIndex = true
			v.GeneratedChanges = append(v.GeneratedChanges, e)
		}
		if IsProjectFile(path) || (ctx.IsProjectFile != nil && ctx.IsProjectFile(path)) {
			v.ScheduleReload = true
		}
	}
	return v
}

// IsProjectFile reports whether path's base name matches ProjectPatterns.
func IsProjectFile(path string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, pattern := range ProjectPatterns {
		if ok, _ := filepath.Match(strings.ToLower(pattern), base); ok {
			return true
		}
	}
	return false
}
