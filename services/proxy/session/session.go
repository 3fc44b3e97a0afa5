// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session ties one editing session together: the backend channel,
// the workspace reload scheduler, watched-file handling, the generated-file
// index and the user configuration.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.lsp.dev/uri"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/backend"
	"github.com/AleutianAI/langproxy/services/proxy/generated"
	"github.com/AleutianAI/langproxy/services/proxy/jsonrpc"
	"github.com/AleutianAI/langproxy/services/proxy/reload"
	"github.com/AleutianAI/langproxy/services/proxy/watch"
)

const (
	// MethodProjectInitializationComplete is sent by the backend once a
	// workspace load has finished.
	MethodProjectInitializationComplete = "workspace/projectInitializationComplete"

	// MethodGeneratedGetText asks the backend for a generated document's text.
	MethodGeneratedGetText = "sourceGeneratedDocument/getText"

	// GeneratedScheme is the URI scheme of generated documents that only the
	// backend can produce.
	GeneratedScheme = "source-generated"
)

var (
	// ErrNoBackend is returned by New without a backend.
	ErrNoBackend = errors.New("session requires a backend")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")

	// ErrBackendExited indicates the backend read loop has ended.
	ErrBackendExited = errors.New("backend exited")
)

// Backend is the session's view of backend.Channel.
type Backend interface {
	Request(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
	OnNotification(fn jsonrpc.NotificationFunc) (unsubscribe func())
	SetRequestHandler(h backend.RequestHandler)
	Stop(ctx context.Context)
	Done() <-chan struct{}
}

// Editor is the connection toward the editor.
type Editor interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(method string, params any) error
}

// ConfigSource is the user configuration.
type ConfigSource interface {
	watch.ConfigReloader
	LocalPath() string
	GlobalPath() string
}

// GeneratedIndex is the generated-file index.
type GeneratedIndex interface {
	watch.IndexRefresher
	Lookup(key generated.Key, projectID string) (string, error)
	Rescan(ctx context.Context) error
}

// Options configures a Session.
type Options struct {
	// ID identifies the session in logs. Default: a random UUID.
	ID string

	// Root is the workspace root.
	Root string

	Backend Backend
	Config  ConfigSource
	Index   GeneratedIndex

	// ReloadDelay is the quiet period before a workspace reload.
	// Default: reload.DefaultDelay
	ReloadDelay   time.Duration
	ReloadOptions []reload.Option

	// AutoOpen discovers a target under Root on initialization when the
	// editor has not opened one.
	AutoOpen bool

	// Normalize and IsProjectFile extend watched-file classification.
	Normalize     func(string) string
	IsProjectFile func(string) bool

	Logger *logging.Logger
}

// GeneratedDocument is a resolved generated file: a path on disk, or the
// text the backend produced.
type GeneratedDocument struct {
	Key  generated.Key
	URI  uri.URI
	Path string
	Text string

	// FromBackend is set when the index had no live candidate.
	FromBackend bool
}

type textDocumentIdentifier struct {
	URI uri.URI `json:"uri"`
}

// GeneratedTextParams are the params of MethodGeneratedGetText.
type GeneratedTextParams struct {
	TextDocument textDocumentIdentifier `json:"textDocument"`
}

type generatedTextResult struct {
	Text *string `json:"text"`
}

// Session is one editing session.
//
// # Description
//
// Notifications the proxy originates toward the backend (raw watched-file
// batches, configuration changes, workspace open) are held back until the
// editor reports initialized. Reverse requests from the backend are
// forwarded to the editor; backend notifications are forwarded unchanged.
//
// # Thread Safety
//
// Safe for concurrent use.
type Session struct {
	id     string
	opts   Options
	logger *logging.Logger

	backend   Backend
	scheduler *reload.Scheduler[Target]
	watch     *watch.Handler

	mu     sync.RWMutex
	target *Target
	editor Editor

	initialized atomic.Bool
	closed      atomic.Bool

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New wires a session. The backend should already be started.
func New(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, ErrNoBackend
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = reload.DefaultDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      opts.ID,
		opts:    opts,
		logger:  opts.Logger.With("session", opts.ID),
		backend: opts.Backend,
		ctx:     ctx,
		cancel:  cancel,
	}

	reloadOpts := append([]reload.Option{reload.WithLogger(s.logger)}, opts.ReloadOptions...)
	s.scheduler = reload.New[Target](opts.ReloadDelay, s.Target, s.reloadEligible, s.reopen, reloadOpts...)

	hc := watch.HandlerConfig{
		Backend: opts.Backend,
		Reload:  s.scheduler,
		Context: s.watchContext,
		Logger:  s.logger,
	}
	if opts.Config != nil {
		hc.Config = opts.Config
	}
	if opts.Index != nil {
		hc.Index = opts.Index
	}
	s.watch = watch.NewHandler(hc)

	opts.Backend.SetRequestHandler(s.handleBackendRequest)
	s.unsubscribe = opts.Backend.OnNotification(s.handleBackendNotification)

	s.logger.Info("session created", "root", opts.Root)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Logger returns the session logger.
func (s *Session) Logger() *logging.Logger { return s.logger }

// SetEditor installs the connection toward the editor.
func (s *Session) SetEditor(e Editor) {
	s.mu.Lock()
	s.editor = e
	s.mu.Unlock()
}

func (s *Session) editorConn() Editor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.editor
}

// IsInitialized reports whether the editor has sent initialized.
func (s *Session) IsInitialized() bool { return s.initialized.Load() }

// Initialized records that the editor finished initialization and opens the
// current target, discovering one when AutoOpen is set.
func (s *Session) Initialized() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.initialized.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("editor initialized")

	t, ok := s.Target()
	if !ok && s.opts.AutoOpen && s.opts.Root != "" {
		if t, ok = DiscoverTarget(s.opts.Root); ok {
			s.setTarget(t)
			s.logger.Info("discovered workspace target", "method", t.Method())
		}
	}
	if !ok {
		return nil
	}
	return s.open(t)
}

// OpenTarget makes t the current target. It is sent to the backend now if
// the editor is initialized, otherwise on initialization.
func (s *Session) OpenTarget(t Target) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !t.Valid() {
		return ErrInvalidTarget
	}
	s.setTarget(t)
	if !s.initialized.Load() {
		s.logger.Debug("deferring workspace open until initialized")
		return nil
	}
	return s.open(t)
}

func (s *Session) setTarget(t Target) {
	c := t.clone()
	s.mu.Lock()
	s.target = &c
	s.mu.Unlock()
}

// Target returns the latest target.
func (s *Session) Target() (Target, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.target == nil {
		return Target{}, false
	}
	return s.target.clone(), true
}

func (s *Session) open(t Target) error {
	if err := s.backend.Notify(t.Method(), t.Params()); err != nil {
		return fmt.Errorf("%s: %w", t.Method(), err)
	}
	s.logger.Info("workspace open sent", "method", t.Method())
	return nil
}

func (s *Session) reloadEligible() bool {
	if !s.initialized.Load() || s.closed.Load() {
		return false
	}
	select {
	case <-s.backend.Done():
		return false
	default:
		return true
	}
}

func (s *Session) reopen(t Target) {
	if err := s.open(t); err != nil {
		s.logger.Warn("workspace reload failed", "error", err)
	}
}

// ScheduleReload asks for a debounced workspace reload.
func (s *Session) ScheduleReload() bool {
	return s.scheduler.Schedule()
}

// ReloadState reports the scheduler state.
func (s *Session) ReloadState() reload.State {
	return s.scheduler.State()
}

func (s *Session) watchContext() watch.Context {
	c := watch.Context{
		Normalize:     s.opts.Normalize,
		IsProjectFile: s.opts.IsProjectFile,
	}
	if s.opts.Config != nil {
		c.LocalConfigPath = s.opts.Config.LocalPath()
		c.GlobalConfigPath = s.opts.Config.GlobalPath()
	}
	return c
}

// HandleWatchedFiles classifies and dispatches a batch of file changes.
func (s *Session) HandleWatchedFiles(ctx context.Context, events []watch.Event) (watch.Verdict, error) {
	if s.closed.Load() {
		return watch.Verdict{}, ErrClosed
	}
	return s.watch.Handle(ctx, events, s.initialized.Load())
}

// ResolveGenerated finds a generated document.
//
// # Description
//
// The index is consulted first. When it has no live candidate the backend
// is asked for the document text instead.
//
// # Errors
//
//   - generated.ErrNotFound: Neither the index nor the backend had it.
//   - Backend request errors, wrapped.
func (s *Session) ResolveGenerated(ctx context.Context, key generated.Key, projectID string) (GeneratedDocument, error) {
	if s.closed.Load() {
		return GeneratedDocument{}, ErrClosed
	}

	if s.opts.Index != nil {
		p, err := s.opts.Index.Lookup(key, projectID)
		if err == nil {
			return GeneratedDocument{Key: key, URI: uri.File(p), Path: p}, nil
		}
		if !errors.Is(err, generated.ErrNotFound) {
			return GeneratedDocument{}, err
		}
		s.logger.Debug("generated file not indexed, asking backend", "key", key.String())
	}

	docURI := GeneratedURI(key, projectID)
	raw, err := s.backend.Request(ctx, MethodGeneratedGetText, GeneratedTextParams{
		TextDocument: textDocumentIdentifier{URI: docURI},
	})
	if err != nil {
		return GeneratedDocument{}, fmt.Errorf("%s: %w", MethodGeneratedGetText, err)
	}

	var res generatedTextResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return GeneratedDocument{}, fmt.Errorf("%s: decode result: %w", MethodGeneratedGetText, err)
		}
	}
	if res.Text == nil {
		return GeneratedDocument{}, fmt.Errorf("%w: %s", generated.ErrNotFound, key.String())
	}
	return GeneratedDocument{Key: key, URI: docURI, Text: *res.Text, FromBackend: true}, nil
}

// GeneratedURI names a generated document for the backend.
func GeneratedURI(key generated.Key, projectID string) uri.URI {
	u := url.URL{
		Scheme: GeneratedScheme,
		Path:   "/" + path.Join(key.Assembly, key.Type, key.Hint),
	}
	if projectID != "" {
		u.RawQuery = url.Values{"project": {projectID}}.Encode()
	}
	return uri.URI(u.String())
}

// Request forwards an editor request to the backend.
func (s *Session) Request(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.backend.Request(ctx, method, rawParams(params))
}

// Notify forwards an editor notification to the backend.
func (s *Session) Notify(method string, params json.RawMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.backend.Notify(method, rawParams(params))
}

func (s *Session) handleBackendRequest(ctx context.Context, method string, params, _ json.RawMessage) (any, error) {
	editor := s.editorConn()
	if editor == nil {
		s.logger.Debug("no editor for backend request", "method", method)
		return nil, nil
	}
	result, err := editor.Call(ctx, method, rawParams(params))
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) handleBackendNotification(method string, params json.RawMessage) {
	switch method {
	case jsonrpc.MethodCancelRequest:
		// Ids belong to the backend connection; the request already finished.
		return
	case MethodProjectInitializationComplete:
		s.rescanIndex()
	}

	editor := s.editorConn()
	if editor == nil {
		s.logger.Debug("no editor for backend notification", "method", method)
		return
	}
	if err := editor.Notify(method, rawParams(params)); err != nil {
		s.logger.Debug("forwarding notification failed", "method", method, "error", err)
	}
}

// rescanIndex refreshes the index after the backend finished loading, when
// build output is most likely current.
func (s *Session) rescanIndex() {
	if s.opts.Index == nil {
		return
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.opts.Index.Rescan(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("generated index rescan failed", "error", err)
		}
	}()
}

// Health reports whether the session can still serve requests.
func (s *Session) Health() error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case <-s.backend.Done():
		return ErrBackendExited
	default:
		return nil
	}
}

// Close disposes the reload scheduler, detaches from the backend and stops
// it. Idempotent.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.mu.Unlock()

		s.scheduler.Dispose()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.backend.SetRequestHandler(nil)
		s.cancel()
		s.wg.Wait()
		s.backend.Stop(ctx)
		s.logger.Info("session closed")
	})
}

func rawParams(params json.RawMessage) any {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	return params
}
