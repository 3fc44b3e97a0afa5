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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

const (
	// LocalFileName is the per-workspace config file under the root.
	LocalFileName = ".langproxy.json"

	// GlobalFileName is the user-wide config file.
	GlobalFileName = "config.json"
)

// LocalOptions configures a Local.
type LocalOptions struct {
	// Root is the workspace root holding LocalFileName.
	Root string

	// GlobalPath overrides the global config location.
	// Default: $XDG_CONFIG_HOME/langproxy/config.json
	GlobalPath string

	Logger *logging.Logger
}

// Local is the user's JSON configuration for a workspace.
//
// # Description
//
// The local file wins over the global file; only one of them is read. A
// missing file yields empty settings. A file that does not parse yields empty
// settings and a warning. Sections are looked up by their full key first and
// then as a dotted path through nested objects, so both
// {"dotnet.server.path": "x"} and {"dotnet": {"server": {"path": "x"}}}
// answer "dotnet.server.path".
//
// # Thread Safety
//
// Safe for concurrent use.
type Local struct {
	localPath  string
	globalPath string
	logger     *logging.Logger

	mu     sync.RWMutex
	values map[string]any
	active string
}

// NewLocal creates a Local and performs the first Reload. A load error is
// logged and leaves the configuration empty.
func NewLocal(opts LocalOptions) *Local {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	global := opts.GlobalPath
	if global == "" {
		global = filepath.Join(userConfigDir(), "langproxy", GlobalFileName)
	}

	l := &Local{
		globalPath: filepath.Clean(global),
		logger:     opts.Logger.With("component", "config"),
		values:     map[string]any{},
	}
	if opts.Root != "" {
		l.localPath = filepath.Join(filepath.Clean(opts.Root), LocalFileName)
	}
	_ = l.Reload()
	return l
}

// LocalPath is where the workspace config lives, whether or not it exists.
func (l *Local) LocalPath() string { return l.localPath }

// GlobalPath is where the user config lives, whether or not it exists.
func (l *Local) GlobalPath() string { return l.globalPath }

// ActivePath returns the file the current values came from, or "".
func (l *Local) ActivePath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Reload re-reads the configuration from disk.
func (l *Local) Reload() error {
	path, data, err := l.read()
	if err != nil {
		l.replace(map[string]any{}, "")
		l.logger.Warn("cannot read configuration", "path", path, "error", err)
		return err
	}
	if path == "" {
		l.replace(map[string]any{}, "")
		l.logger.Debug("no configuration file")
		return nil
	}

	values := map[string]any{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			l.replace(map[string]any{}, path)
			l.logger.Warn("configuration is not valid JSON, using defaults", "path", path, "error", err)
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
		if values == nil {
			values = map[string]any{}
		}
	}

	l.replace(values, path)
	l.logger.Info("configuration loaded", "path", path, "keys", len(values))
	return nil
}

func (l *Local) read() (string, []byte, error) {
	for _, path := range []string{l.localPath, l.globalPath} {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return path, nil, err
		}
		return path, data, nil
	}
	return "", nil, nil
}

func (l *Local) replace(values map[string]any, active string) {
	l.mu.Lock()
	l.values = values
	l.active = active
	l.mu.Unlock()
}

// Get implements Query.
func (l *Local) Get(section string) (any, bool) {
	if section == "" {
		return nil, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	if v, ok := l.values[section]; ok {
		return v, true
	}
	return lookupDotted(l.values, strings.Split(section, "."))
}

// lookupDotted walks parts through nested objects. At each level the longest
// joined prefix that is a key wins, so "a.b" keys nested under "x" are found
// for "x.a.b".
func lookupDotted(values map[string]any, parts []string) (any, bool) {
	for n := len(parts); n > 0; n-- {
		v, ok := values[strings.Join(parts[:n], ".")]
		if !ok {
			continue
		}
		if n == len(parts) {
			return v, true
		}
		if nested, isMap := v.(map[string]any); isMap {
			if found, ok := lookupDotted(nested, parts[n:]); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// Snapshot returns a copy of the top-level settings, suitable for
// workspace/didChangeConfiguration.
func (l *Local) Snapshot() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]any, len(l.values))
	for k, v := range l.values {
		out[k] = v
	}
	return out
}
