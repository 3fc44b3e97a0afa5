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
	"context"
	"errors"
	"fmt"

	"go.lsp.dev/protocol"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

// Notifications forwarded to the backend.
const (
	MethodDidChangeWatchedFiles  = "workspace/didChangeWatchedFiles"
	MethodDidChangeConfiguration = "workspace/didChangeConfiguration"
)

// ConfigReloader re-reads the local/global config.
type ConfigReloader interface {
	Reload() error
	Snapshot() map[string]any
}

// Notifier sends notifications to the backend.
type Notifier interface {
	Notify(method string, params any) error
}

// IndexRefresher applies generated-output changes.
type IndexRefresher interface {
	Refresh(ctx context.Context, changes []*protocol.FileEvent) error
}

// ReloadScheduler debounces workspace reloads.
type ReloadScheduler interface {
	Schedule() bool
}

// HandlerConfig wires a Handler. Nil collaborators disable their action.
type HandlerConfig struct {
	Config  ConfigReloader
	Backend Notifier
	Index   IndexRefresher
	Reload  ReloadScheduler

	// Context returns the current classification context.
	Context func() Context

	Logger *logging.Logger
}

// Handler dispatches watched-file batches.
//
// # Thread Safety
//
// Safe for concurrent use if its collaborators are.
type Handler struct {
	cfg    HandlerConfig
	logger *logging.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{cfg: cfg, logger: logger.With("component", "watch")}
}

// Handle forwards a batch and runs the actions it triggers.
//
// # Description
//
// When sendPermitted, the raw batch goes to the backend once as
// workspace/didChangeWatchedFiles. A config change reloads the config and,
// when sendPermitted, follows with workspace/didChangeConfiguration.
// Generated-output changes refresh the index; project-file changes schedule
// a reload. Every action runs even if an earlier one failed.
//
// # Outputs
//
//   - Verdict: What the batch triggered.
//   - error: The joined failures of the actions that failed.
func (h *Handler) Handle(ctx context.Context, events []Event, sendPermitted bool) (Verdict, error) {
	if len(events) == 0 {
		return Verdict{}, nil
	}

	var wctx Context
	if h.cfg.Context != nil {
		wctx = h.cfg.Context()
	}
	v := Classify(events, wctx)

	var errs []error
	canSend := sendPermitted && h.cfg.Backend != nil

	if canSend {
		params := &protocol.DidChangeWatchedFilesParams{Changes: ToProtocol(events)}
		if err := h.cfg.Backend.Notify(MethodDidChangeWatchedFiles, params); err != nil {
			errs = append(errs, fmt.Errorf("forward watched files: %w", err))
		}
	}

	if v.ReloadConfig && h.cfg.Config != nil {
		if err := h.cfg.Config.Reload(); err != nil {
			errs = append(errs, fmt.Errorf("reload config: %w", err))
		}
		h.logger.Info("config reloaded after file change")
		if canSend {
			params := &protocol.DidChangeConfigurationParams{Settings: h.cfg.Config.Snapshot()}
			if err := h.cfg.Backend.Notify(MethodDidChangeConfiguration, params); err != nil {
				errs = append(errs, fmt.Errorf("forward configuration: %w", err))
			}
		}
	}

	if v.RefreshIndex && h.cfg.Index != nil {
		if err := h.cfg.Index.Refresh(ctx, ToProtocol(v.GeneratedChanges)); err != nil {
			errs = append(errs, fmt.Errorf("refresh generated index: %w", err))
		}
	}

	if v.ScheduleReload && h.cfg.Reload != nil {
		if !h.cfg.Reload.Schedule() {
			h.logger.Debug("reload not scheduled, scheduler disposed")
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		h.logger.Warn("watched-file handling failed", "error", err)
	}
	return v, err
}
