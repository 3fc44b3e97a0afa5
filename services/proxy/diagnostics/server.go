// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diagnostics serves an optional local HTTP endpoint for inspecting a
// running proxy: health, prometheus metrics and the generated-file index.
package diagnostics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/generated"
)

// IndexSource is the read side of the generated-file index.
type IndexSource interface {
	Snapshot() map[string][]generated.Entry
	CaseSensitive() bool
}

// HealthFunc reports the proxy's health. A non-nil error means unhealthy.
type HealthFunc func() error

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. "127.0.0.1:7070".
	Addr string

	SessionID string
	Version   string

	Index   IndexSource
	Health  HealthFunc
	Metrics http.Handler

	Logger *logging.Logger
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status    string `json:"status"`
	Session   string `json:"session,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// GeneratedEntry is one candidate in /debug/generated.
type GeneratedEntry struct {
	Path          string    `json:"path"`
	ProjectDir    string    `json:"project_dir"`
	Configuration string    `json:"configuration"`
	Debug         bool      `json:"debug"`
	ModTime       time.Time `json:"mod_time"`
}

// GeneratedResponse is the body of /debug/generated.
type GeneratedResponse struct {
	CaseSensitive bool                        `json:"case_sensitive"`
	Keys          int                         `json:"keys"`
	Entries       map[string][]GeneratedEntry `json:"entries"`
}

// Server is the diagnostics HTTP server.
type Server struct {
	opts   Options
	router *gin.Engine
	logger *logging.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New builds the router. Call Start to listen.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}

	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "diagnostics"),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("langproxy-diagnostics"))

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/debug/generated", s.handleGenerated)
	if opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return s
}

// Router returns the configured router.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start listens on Options.Addr and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("diagnostics server already started")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("diagnostics server stopped", "error", err)
		}
	}()
	s.logger.Info("diagnostics server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Session:   s.opts.SessionID,
		Version:   s.opts.Version,
		Timestamp: time.Now().Unix(),
	}
	if s.opts.Health != nil {
		if err := s.opts.Health(); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGenerated(c *gin.Context) {
	if s.opts.Index == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "generated index not enabled"})
		return
	}

	snap := s.opts.Index.Snapshot()
	resp := GeneratedResponse{
		CaseSensitive: s.opts.Index.CaseSensitive(),
		Keys:          len(snap),
		Entries:       make(map[string][]GeneratedEntry, len(snap)),
	}

	filter := c.Query("key")
	for key, entries := range snap {
		if filter != "" && key != filter {
			continue
		}
		out := make([]GeneratedEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, GeneratedEntry{
				Path:          e.Path,
				ProjectDir:    e.ProjectDir,
				Configuration: e.Configuration,
				Debug:         e.Debug,
				ModTime:       e.ModTime,
			})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
		resp.Entries[key] = out
	}
	c.JSON(http.StatusOK, resp)
}
