// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor is the editor-facing side of the proxy.
package editor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/generated"
	"github.com/AleutianAI/langproxy/services/proxy/jsonrpc"
	"github.com/AleutianAI/langproxy/services/proxy/session"
	"github.com/AleutianAI/langproxy/services/proxy/watch"
)

// Methods the editor side intercepts.
const (
	MethodInitialized = "initialized"
	MethodShutdown    = "shutdown"
	MethodExit        = "exit"

	// MethodResolveGenerated resolves a generated document by identity.
	MethodResolveGenerated = "langproxy/resolveGenerated"
)

const watchQueueSize = 64

// ResolveGeneratedParams are the params of MethodResolveGenerated.
type ResolveGeneratedParams struct {
	Assembly  string `json:"assembly"`
	Type      string `json:"type"`
	Hint      string `json:"hint"`
	ProjectID string `json:"projectId,omitempty"`
}

// ResolveGeneratedResult is the result of MethodResolveGenerated. Path is set
// for files on disk; Text when only the backend could produce the document.
type ResolveGeneratedResult struct {
	URI  string `json:"uri"`
	Path string `json:"path,omitempty"`
	Text string `json:"text,omitempty"`
}

// Options configures a Conn.
type Options struct {
	Logger *logging.Logger
}

// Conn serves the editor over a byte stream pair.
//
// # Description
//
// Requests are forwarded to the backend through the session, except
// shutdown (which stops the session) and MethodResolveGenerated.
// Notifications are forwarded too, except initialized (forwarded, then
// recorded on the session), workspace open notifications (recorded as the
// session target) and watched-file batches, which go through the session's
// classifier. Watched-file batches are handled in arrival order off the
// read loop.
//
// # Thread Safety
//
// Safe for concurrent use. Run must be called once.
type Conn struct {
	conn    *jsonrpc.Conn
	session *session.Session
	logger  *logging.Logger

	watchQueue chan []watch.Event
	watchDone  chan struct{}

	shuttingDown atomic.Bool
	exited       chan struct{}
	exitOnce     sync.Once
}

// New creates the editor connection and installs it on the session.
func New(r io.Reader, w io.Writer, s *session.Session, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = s.Logger()
	}
	c := &Conn{
		session:    s,
		logger:     opts.Logger.With("component", "editor"),
		watchQueue: make(chan []watch.Event, watchQueueSize),
		watchDone:  make(chan struct{}),
		exited:     make(chan struct{}),
	}
	c.conn = jsonrpc.NewConn(r, w,
		jsonrpc.WithName("editor"),
		jsonrpc.WithLogger(c.logger),
		jsonrpc.WithHandler(jsonrpc.HandlerFunc(c.handleRequest)),
	)
	c.conn.OnNotification(c.handleNotification)
	s.SetEditor(c.conn)
	return c
}

// Run serves the editor until it sends exit, the stream ends or ctx is done.
// An exit or an ended stream returns nil.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.processWatchQueue(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- c.conn.Run(ctx) }()

	select {
	case <-c.exited:
		c.logger.Info("editor sent exit")
		c.conn.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, jsonrpc.ErrConnClosed) {
			c.logger.Info("editor disconnected")
			return nil
		}
		return err
	}
}

// Exited is closed when the editor has sent exit.
func (c *Conn) Exited() <-chan struct{} {
	return c.exited
}

// Notify sends a notification to the editor.
func (c *Conn) Notify(method string, params any) error {
	return c.conn.Notify(method, params)
}

func (c *Conn) handleRequest(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case MethodShutdown:
		c.shuttingDown.Store(true)
		c.session.Close(ctx)
		return nil, nil
	case MethodResolveGenerated:
		return c.resolveGenerated(ctx, req.Params)
	}

	if c.shuttingDown.Load() {
		return nil, jsonrpc.NewProtocolError(jsonrpc.CodeInvalidRequest, "server is shutting down")
	}

	result, err := c.session.Request(ctx, req.Method, req.Params)
	if err != nil {
		return nil, translateError(err)
	}
	return result, nil
}

// translateError keeps backend protocol errors as they are and maps local
// failures onto LSP codes.
func translateError(err error) error {
	var perr *jsonrpc.ProtocolError
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, context.Canceled):
		return jsonrpc.NewProtocolError(jsonrpc.CodeRequestCancelled, "request cancelled")
	case errors.Is(err, session.ErrClosed), errors.Is(err, jsonrpc.ErrConnClosed):
		return jsonrpc.NewProtocolError(jsonrpc.CodeServerCancelled, "backend unavailable: %v", err)
	}
	return err
}

func (c *Conn) resolveGenerated(ctx context.Context, raw json.RawMessage) (any, error) {
	var p ResolveGeneratedParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, jsonrpc.NewProtocolError(jsonrpc.CodeInvalidParams, "invalid params: %v", err)
	}
	if p.Assembly == "" || p.Type == "" || p.Hint == "" {
		return nil, jsonrpc.NewProtocolError(jsonrpc.CodeInvalidParams, "assembly, type and hint are required")
	}

	doc, err := c.session.ResolveGenerated(ctx, generated.Key{Assembly: p.Assembly, Type: p.Type, Hint: p.Hint}, p.ProjectID)
	if errors.Is(err, generated.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, translateError(err)
	}
	return ResolveGeneratedResult{URI: string(doc.URI), Path: doc.Path, Text: doc.Text}, nil
}

func (c *Conn) handleNotification(method string, params json.RawMessage) {
	switch method {
	case jsonrpc.MethodCancelRequest:
		// Unmatched: the request already finished.
		return

	case MethodInitialized:
		c.forward(method, params)
		if err := c.session.Initialized(); err != nil {
			c.logger.Warn("initialization follow-up failed", "error", err)
		}

	case session.MethodSolutionOpen, session.MethodProjectOpen:
		t, err := session.ParseTarget(method, params)
		if err != nil {
			c.logger.Warn("forwarding unparsable workspace open", "method", method, "error", err)
			c.forward(method, params)
			return
		}
		if err := c.session.OpenTarget(t); err != nil {
			c.logger.Warn("workspace open failed", "method", method, "error", err)
		}

	case watch.MethodDidChangeWatchedFiles:
		var p protocol.DidChangeWatchedFilesParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("invalid watched files params", "error", err)
			return
		}
		if events := watch.FromProtocol(p.Changes); len(events) > 0 {
			c.enqueueWatch(events)
		}

	case MethodExit:
		c.forward(method, params)
		c.exitOnce.Do(func() { close(c.exited) })

	default:
		c.forward(method, params)
	}
}

func (c *Conn) forward(method string, params json.RawMessage) {
	if err := c.session.Notify(method, params); err != nil {
		c.logger.Debug("forwarding notification failed", "method", method, "error", err)
	}
}

// EnqueueWatch hands a batch to the watch worker. Used by the disk watcher
// for editors that do not send watched-file notifications.
func (c *Conn) EnqueueWatch(events []watch.Event) {
	c.enqueueWatch(events)
}

func (c *Conn) enqueueWatch(events []watch.Event) {
	select {
	case c.watchQueue <- events:
	case <-c.watchDone:
	}
}

func (c *Conn) processWatchQueue(ctx context.Context) {
	defer close(c.watchDone)
	for {
		select {
		case <-ctx.Done():
			return
		case events := <-c.watchQueue:
			v, err := c.session.HandleWatchedFiles(ctx, events)
			if err != nil {
				c.logger.Warn("watched files handling failed", "error", err)
			}
			c.logger.Debug("watched files handled",
				"events", len(events),
				"reload_config", v.ReloadConfig,
				"refresh_index", v.RefreshIndex,
				"schedule_reload", v.ScheduleReload,
			)
		}
	}
}
