// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generated

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	// IntermediateDirName is the build intermediate directory of a project.
	IntermediateDirName = "obj"

	// GeneratedDirName holds emitted generator output under
	// obj/<Configuration>/<tfm>/.
	GeneratedDirName = "generated"
)

// ExcludedDirs are never descended into when scanning or watching.
var ExcludedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	".vs":          true,
	".vscode":      true,
	".idea":        true,
	"node_modules": true,
	"packages":     true,
	".nuget":       true,
}

// Key identifies a generated document independently of where it was built.
type Key struct {
	Assembly string
	Type     string

	// Hint is the generator's hint name, slash separated when nested.
	Hint string
}

// String returns the key as "assembly|type|hint".
func (k Key) String() string {
	return k.Assembly + "|" + k.Type + "|" + k.Hint
}

// Entry is one on-disk candidate for a key.
type Entry struct {
	Path string

	// ProjectDir is the directory containing obj/.
	ProjectDir string

	// Configuration is the build configuration segment, e.g. "Release".
	Configuration string

	// Debug is set for the Debug configuration.
	Debug bool

	ModTime time.Time
}

// ParsePath recognises
// <project>/obj/<Configuration>/<tfm>/generated/<assembly>/<type>/<hint...>.
//
// When obj appears more than once the innermost match wins.
func ParsePath(path string) (Key, Entry, bool) {
	segs := splitPath(path)
	i := generatedRoot(segs)
	if i < 0 || len(segs) < i+7 {
		return Key{}, Entry{}, false
	}

	config := segs[i+1]
	key := Key{
		Assembly: segs[i+4],
		Type:     segs[i+5],
		Hint:     strings.Join(segs[i+6:], "/"),
	}
	entry := Entry{
		Path:          path,
		ProjectDir:    joinSegments(path, segs[:i]),
		Configuration: config,
		Debug:         strings.EqualFold(config, "Debug"),
	}
	return key, entry, true
}

// IsGeneratedPath reports whether path is a generated-output directory or
// lies anywhere beneath one.
func IsGeneratedPath(path string) bool {
	return generatedRoot(splitPath(path)) >= 0
}

// generatedRoot returns the index of the innermost obj segment followed by
// <Configuration>/<tfm>/generated, or -1.
func generatedRoot(segs []string) int {
	for i := len(segs) - 4; i >= 0; i-- {
		if segs[i] == IntermediateDirName && strings.EqualFold(segs[i+3], GeneratedDirName) {
			return i
		}
	}
	return -1
}

func splitPath(path string) []string {
	slashed := filepath.ToSlash(filepath.Clean(path))
	parts := strings.Split(slashed, "/")
	segs := parts[:0]
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func joinSegments(original string, segs []string) string {
	joined := strings.Join(segs, "/")
	if strings.HasPrefix(filepath.ToSlash(original), "/") {
		joined = "/" + joined
	}
	return filepath.FromSlash(joined)
}
