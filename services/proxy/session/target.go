// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"go.lsp.dev/uri"

	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

// Workspace open notifications understood by the backend.
const (
	MethodSolutionOpen = "solution/open"
	MethodProjectOpen  = "project/open"
)

// ErrInvalidTarget indicates a target without a solution or projects.
var ErrInvalidTarget = errors.New("invalid workspace target")

// TargetKind selects how the workspace is opened.
type TargetKind int

const (
	TargetSolution TargetKind = iota + 1
	TargetProjects
)

// Target is what the backend should load: one solution or a set of projects.
type Target struct {
	Kind     TargetKind
	Solution uri.URI
	Projects []uri.URI
}

type solutionOpenParams struct {
	Solution uri.URI `json:"solution"`
}

type projectOpenParams struct {
	Projects []uri.URI `json:"projects"`
}

// SolutionTarget opens the solution file at path.
func SolutionTarget(path string) Target {
	return Target{Kind: TargetSolution, Solution: uri.File(path)}
}

// ProjectsTarget opens the given project files.
func ProjectsTarget(paths ...string) Target {
	t := Target{Kind: TargetProjects}
	for _, p := range paths {
		t.Projects = append(t.Projects, uri.File(p))
	}
	return t
}

// Valid reports whether t names something to open.
func (t Target) Valid() bool {
	switch t.Kind {
	case TargetSolution:
		return t.Solution != ""
	case TargetProjects:
		return len(t.Projects) > 0
	}
	return false
}

// Method is the notification that opens t.
func (t Target) Method() string {
	if t.Kind == TargetProjects {
		return MethodProjectOpen
	}
	return MethodSolutionOpen
}

// Params are the notification params that open t.
func (t Target) Params() any {
	if t.Kind == TargetProjects {
		return projectOpenParams{Projects: append([]uri.URI(nil), t.Projects...)}
	}
	return solutionOpenParams{Solution: t.Solution}
}

func (t Target) clone() Target {
	t.Projects = append([]uri.URI(nil), t.Projects...)
	return t
}

// ParseTarget decodes a solution/open or project/open notification.
func ParseTarget(method string, params json.RawMessage) (Target, error) {
	var t Target
	switch method {
	case MethodSolutionOpen:
		var p solutionOpenParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		t = Target{Kind: TargetSolution, Solution: p.Solution}
	case MethodProjectOpen:
		var p projectOpenParams
		if err := json.Unmarshal(params, &p); err != nil {
			return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
		t = Target{Kind: TargetProjects, Projects: p.Projects}
	default:
		return Target{}, fmt.Errorf("%w: unexpected method %s", ErrInvalidTarget, method)
	}
	if !t.Valid() {
		return Target{}, ErrInvalidTarget
	}
	return t, nil
}

var (
	solutionExts = map[string]bool{".sln": true, ".slnx": true, ".slnf": true}
	projectExts  = map[string]bool{".csproj": true, ".vbproj": true, ".fsproj": true}
)

// DiscoverTarget looks for something to open under root.
//
// # Description
//
// A solution directly in root wins; with several, the first by name. Without
// one, every project file below root is opened. Excluded metadata
// directories and build output (bin, obj) are skipped.
func DiscoverTarget(root string) (Target, bool) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return Target{}, false
	}
	var solutions []string
	for _, e := range entries {
		if !e.IsDir() && solutionExts[strings.ToLower(filepath.Ext(e.Name()))] {
			solutions = append(solutions, filepath.Join(root, e.Name()))
		}
	}
	if len(solutions) > 0 {
		sort.Strings(solutions)
		return SolutionTarget(solutions[0]), true
	}

	var projects []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (generated.ExcludedDirs[name] || name == "bin" || name == generated.IntermediateDirName) {
				return filepath.SkipDir
			}
			return nil
		}
		if projectExts[strings.ToLower(filepath.Ext(d.Name()))] {
			projects = append(projects, path)
		}
		return nil
	})
	if len(projects) == 0 {
		return Target{}, false
	}
	sort.Strings(projects)
	return ProjectsTarget(projects...), true
}
