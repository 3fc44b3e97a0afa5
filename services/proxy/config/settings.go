// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the proxy's own settings and the user's JSON
// configuration that answers the backend's workspace/configuration queries.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

// ErrInvalidConfig indicates a config file that could not be parsed or
// failed validation. Defaults are used instead.
var ErrInvalidConfig = errors.New("invalid configuration")

var settingsValidate = validator.New()

// Settings is the proxy's own configuration, read from YAML.
type Settings struct {
	Backend     BackendSettings     `yaml:"backend"`
	Log         LogSettings         `yaml:"log"`
	Reload      ReloadSettings      `yaml:"reload"`
	Index       IndexSettings       `yaml:"index"`
	Watch       WatchSettings       `yaml:"watch"`
	Telemetry   TelemetrySettings   `yaml:"telemetry"`
	Diagnostics DiagnosticsSettings `yaml:"diagnostics"`
}

// BackendSettings selects and launches the language server process.
type BackendSettings struct {
	// Command is the backend executable, e.g. "dotnet".
	Command string `yaml:"command"`

	// LauncherArgs precede the fixed backend arguments.
	LauncherArgs []string `yaml:"launcher_args"`

	LogLevel    string        `yaml:"log_level" validate:"omitempty,oneof=Trace Debug Information Warning Error Critical None"`
	Extensions  []string      `yaml:"extensions"`
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gte=0"`
}

// LogSettings configures proxy logging. A JSON log file is written only
// when Dir is set.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir    string `yaml:"dir"`
	Format string `yaml:"format" validate:"oneof=auto text json"`
}

// ReloadSettings controls the debounce before a project reload is sent.
type ReloadSettings struct {
	Delay time.Duration `yaml:"delay" validate:"gte=0"`
}

// IndexSettings tunes the generated-file index.
type IndexSettings struct {
	ValidationTTL     time.Duration `yaml:"validation_ttl" validate:"gte=0"`
	MinRescanInterval time.Duration `yaml:"min_rescan_interval" validate:"gte=0"`
	StaleThreshold    int           `yaml:"stale_threshold" validate:"gte=0"`
}

// WatchSettings controls file watching.
type WatchSettings struct {
	// Disk enables the fsnotify watcher for editors that do not send
	// workspace/didChangeWatchedFiles.
	Disk     bool          `yaml:"disk"`
	Debounce time.Duration `yaml:"debounce" validate:"gte=0"`
}

// TelemetrySettings selects the trace and metric exporters.
type TelemetrySettings struct {
	Traces       string `yaml:"traces" validate:"oneof=none stderr otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none stderr prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"omitempty,hostname_port"`
}

// DiagnosticsSettings configures the local diagnostics HTTP server.
type DiagnosticsSettings struct {
	// Addr enables the diagnostics HTTP server when set.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// DefaultSettings returns the settings used when no file is present.
func DefaultSettings() Settings {
	return Settings{
		Backend: BackendSettings{
			Command:     "dotnet",
			LogLevel:    "Information",
			StopTimeout: 5 * time.Second,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "auto",
		},
		Reload: ReloadSettings{
			Delay: time.Second,
		},
		Index: IndexSettings{
			ValidationTTL:     30 * time.Second,
			MinRescanInterval: 2 * time.Second,
			StaleThreshold:    64,
		},
		Watch: WatchSettings{
			Debounce: 200 * time.Millisecond,
		},
		Telemetry: TelemetrySettings{
			Traces:  "none",
			Metrics: "prometheus",
		},
	}
}

// Validate checks the struct tags.
func (s *Settings) Validate() error {
	return settingsValidate.Struct(s)
}

// LogConfig maps the log settings onto a logging.Config.
func (s *Settings) LogConfig(service string) logging.Config {
	level, _ := logging.ParseLevel(s.Log.Level)
	format := logging.FormatAuto
	switch s.Log.Format {
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	}
	return logging.Config{
		Level:   level,
		LogDir:  s.Log.Dir,
		Service: service,
		Format:  format,
	}
}

// DefaultSettingsPath returns $XDG_CONFIG_HOME/langproxy/langproxy.yaml, or
// the platform config dir equivalent.
func DefaultSettingsPath() string {
	return filepath.Join(userConfigDir(), "langproxy", "langproxy.yaml")
}

// LoadSettings reads settings from path over the defaults.
//
// # Description
//
// A missing file is not an error. A file that does not parse or validate is
// logged and the defaults are returned along with an error wrapping
// ErrInvalidConfig, so callers may carry on.
func LoadSettings(path string, logger *logging.Logger) (Settings, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	defaults := DefaultSettings()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no settings file, using defaults", "path", path)
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("read settings %s: %w", path, err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		logger.Warn("settings file does not parse, using defaults", "path", path, "error", err)
		return defaults, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	if err := settings.Validate(); err != nil {
		logger.Warn("settings file is invalid, using defaults", "path", path, "error", err)
		return defaults, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	logger.Info("settings loaded", "path", path)
	return settings, nil
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}
