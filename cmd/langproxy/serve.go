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
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/backend"
	"github.com/AleutianAI/langproxy/services/proxy/config"
	"github.com/AleutianAI/langproxy/services/proxy/diagnostics"
	"github.com/AleutianAI/langproxy/services/proxy/editor"
	"github.com/AleutianAI/langproxy/services/proxy/generated"
	"github.com/AleutianAI/langproxy/services/proxy/session"
	"github.com/AleutianAI/langproxy/services/proxy/telemetry"
	"github.com/AleutianAI/langproxy/services/proxy/watch"
)

const shutdownTimeout = 10 * time.Second

// loadSettings reads the settings file and applies flag overrides. The
// logger it returns is the one every component shares.
func loadSettings() (config.Settings, *logging.Logger) {
	path := settingsPath
	if path == "" {
		path = config.DefaultSettingsPath()
	}

	// Settings decide the log setup, so load them with a bootstrap logger
	// and report problems once the real one exists.
	settings, loadErr := config.LoadSettings(path, logging.Discard())
	if logLevel != "" {
		settings.Log.Level = logLevel
	}
	if diagAddr != "" {
		settings.Diagnostics.Addr = diagAddr
	}
	if diskWatch {
		settings.Watch.Disk = true
	}

	logger := logging.New(settings.LogConfig("langproxy"))
	if loadErr != nil {
		logger.Warn("using default settings", "path", path, "error", loadErr)
	}
	return settings, logger
}

func resolveRoot() (string, error) {
	root := workspaceDir
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	return filepath.Abs(root)
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, logger := loadSettings()
	defer logger.Close()

	root, err := resolveRoot()
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessionID := uuid.NewString()
	logger.Info("langproxy starting", "version", version, "root", root, "session", sessionID)

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromSettings(settings.Telemetry, version))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	index := generated.NewIndex(generated.Options{
		Root:              root,
		ValidationTTL:     settings.Index.ValidationTTL,
		MinRescanInterval: settings.Index.MinRescanInterval,
		StaleThreshold:    settings.Index.StaleThreshold,
		Logger:            logger,
	})
	defer index.Close()
	go func() {
		if err := index.Rescan(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("initial generated index scan failed", "error", err)
		}
	}()

	local := config.NewLocal(config.LocalOptions{Root: root, Logger: logger})

	channel := backend.New(backend.Options{
		Command:      settings.Backend.Command,
		LauncherArgs: settings.Backend.LauncherArgs,
		LogLevel:     settings.Backend.LogLevel,
		Extensions:   settings.Backend.Extensions,
		Dir:          root,
		Config:       local,
		StopTimeout:  settings.Backend.StopTimeout,
		Logger:       logger,
	})
	if err := channel.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}

	sess, err := session.New(session.Options{
		ID:          sessionID,
		Root:        root,
		Backend:     channel,
		Config:      local,
		Index:       index,
		ReloadDelay: settings.Reload.Delay,
		AutoOpen:    autoOpen,
		Logger:      logger,
	})
	if err != nil {
		channel.Stop(context.Background())
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sess.Close(sctx)
	}()

	conn := editor.New(os.Stdin, os.Stdout, sess, editor.Options{Logger: logger})

	if settings.Watch.Disk {
		w, err := watch.NewFSWatcher(root, conn.EnqueueWatch, &watch.FSWatcherOptions{
			Debounce: settings.Watch.Debounce,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("disk watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("disk watcher: %w", err)
		}
		defer w.Stop()
	}

	if settings.Diagnostics.Addr != "" {
		diag := diagnostics.New(diagnostics.Options{
			Addr:      settings.Diagnostics.Addr,
			SessionID: sessionID,
			Version:   version,
			Index:     index,
			Health:    sess.Health,
			Metrics:   telemetry.MetricsHandler(),
			Logger:    logger,
		})
		if err := diag.Start(); err != nil {
			logger.Warn("diagnostics server not started", "addr", settings.Diagnostics.Addr, "error", err)
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = diag.Shutdown(sctx)
			}()
		}
	}

	go func() {
		select {
		case <-channel.Exited():
			logger.Warn("backend process exited")
		case <-ctx.Done():
		}
	}()

	err = conn.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	return err
}
