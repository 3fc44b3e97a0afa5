// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.lsp.dev/protocol"

	"github.com/AleutianAI/langproxy/pkg/logging"
	"github.com/AleutianAI/langproxy/services/proxy/config"
	"github.com/AleutianAI/langproxy/services/proxy/jsonrpc"
)

// Reverse requests answered inside the proxy, and the lifecycle messages
// Stop sends.
const (
	MethodWorkspaceConfiguration = "workspace/configuration"
	MethodRegisterCapability     = "client/registerCapability"
	MethodUnregisterCapability   = "client/unregisterCapability"
	MethodShutdown               = "shutdown"
	MethodExit                   = "exit"
)

// DefaultStopTimeout bounds the polite shutdown exchange in Stop.
const DefaultStopTimeout = 5 * time.Second

// diagnosticEnv pins the backend's user-facing messages to one locale.
var diagnosticEnv = []string{
	"LC_ALL=en_US.UTF-8",
	"DOTNET_CLI_UI_LANGUAGE=en-US",
}

// DefaultOverrides are configuration sections answered by the proxy
// regardless of what the user configured.
func DefaultOverrides() map[string]any {
	return map[string]any{
		"csharp|background_analysis.dotnet_analyzer_diagnostics_scope": "openFiles",
		"csharp|background_analysis.dotnet_compiler_diagnostics_scope": "openFiles",
	}
}

// RequestHandler answers backend requests the proxy does not handle itself.
//
// ctx is cancelled when the backend cancels the request or the channel shuts
// down. A *jsonrpc.ProtocolError keeps its code in the response.
type RequestHandler func(ctx context.Context, method string, params, id json.RawMessage) (any, error)

// Options configures a Channel.
type Options struct {
	// Command is the backend executable.
	Command string

	// LauncherArgs precede the fixed argument set, e.g. the server assembly
	// when Command is a host runtime.
	LauncherArgs []string

	// LogLevel is passed as --logLevel. Defaults to "Information".
	LogLevel string

	// Extensions are passed as repeated --extension arguments.
	Extensions []string

	// Dir is the working directory of the process.
	Dir string

	// Env holds extra KEY=VALUE pairs added after the inherited environment.
	Env []string

	// Config answers workspace/configuration items not covered by Overrides.
	Config config.Query

	// Overrides answer workspace/configuration items first. nil uses
	// DefaultOverrides.
	Overrides map[string]any

	// StopTimeout bounds Stop. Defaults to DefaultStopTimeout.
	StopTimeout time.Duration

	Logger *logging.Logger
}

// BackendArgs returns the fixed argument set the backend is started with.
func BackendArgs(opts Options) []string {
	level := opts.LogLevel
	if level == "" {
		level = "Information"
	}
	args := make([]string, 0, len(opts.LauncherArgs)+5+2*len(opts.Extensions))
	args = append(args, opts.LauncherArgs...)
	args = append(args, "--stdio", "--logLevel", level)
	for _, ext := range opts.Extensions {
		args = append(args, "--extension", ext)
	}
	args = append(args, "--locale", "en-US")
	return args
}

// Channel owns one backend process and the JSON-RPC connection over its
// standard streams.
//
// Description:
//
//	The channel is started once and never restarted. Its read loop routes
//	backend replies to waiting callers, answers a fixed set of reverse
//	requests in-proxy, hands the rest to the installed RequestHandler and
//	publishes notifications to subscribers.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Channel struct {
	opts   Options
	logger *logging.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cmd     *exec.Cmd
	stdin   io.Closer
	stdout  io.Closer
	conn    *jsonrpc.Conn
	cancel  context.CancelFunc

	handlerMu sync.RWMutex
	handler   RequestHandler

	subsMu  sync.RWMutex
	subs    map[int]jsonrpc.NotificationFunc
	nextSub int

	loopDone     chan struct{}
	exited       chan struct{}
	shutdownOnce sync.Once
}

// New creates a channel. Nothing is launched until Start.
func New(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Overrides == nil {
		opts.Overrides = DefaultOverrides()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	return &Channel{
		opts:     opts,
		logger:   opts.Logger.With("component", "backend"),
		subs:     make(map[int]jsonrpc.NotificationFunc),
		loopDone: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start launches the backend process and its read loop.
//
// # Inputs
//
//   - ctx: Bounds the launch only. The process outlives it.
//
// # Errors
//
//   - ErrAlreadyStarted: Start was already called.
//   - ErrClosed: Shutdown was already called.
//   - ErrNoCommand: Options.Command is empty.
//   - ErrSpawnFailed: The process could not be launched (wrapped).
func (c *Channel) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if c.opts.Command == "" {
		return ErrNoCommand
	}

	args := BackendArgs(c.opts)
	cmd := exec.Command(c.opts.Command, args...)
	cmd.Dir = c.opts.Dir
	cmd.Env = append(append(os.Environ(), diagnosticEnv...), c.opts.Env...)
	prepareCommand(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, c.opts.Command, err)
	}

	c.logger.Info("backend started",
		"command", c.opts.Command,
		"pid", cmd.Process.Pid,
		"args", args,
	)

	c.cmd = cmd
	c.stdin = stdin
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		c.captureStderr(stderr)
	}()
	c.attachLocked(stdout, stdin)

	go func() {
		<-c.loopDone
		<-stderrDone
		err := cmd.Wait()
		c.logger.Info("backend exited", "pid", cmd.Process.Pid, "error", err)
		close(c.exited)
	}()
	return nil
}

// attachLocked starts the connection over r and w. c.mu must be held.
func (c *Channel) attachLocked(r io.Reader, w io.Writer) {
	loopCtx, cancel := context.WithCancel(context.Background())
	conn := jsonrpc.NewConn(r, w,
		jsonrpc.WithName("backend"),
		jsonrpc.WithLogger(c.logger),
		jsonrpc.WithHandler(dispatcher{c}),
	)
	conn.OnNotification(c.publish)

	c.conn = conn
	c.cancel = cancel
	c.started = true
	if rc, ok := r.(io.Closer); ok {
		c.stdout = rc
	}

	go func() {
		defer close(c.loopDone)
		err := conn.Run(loopCtx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, jsonrpc.ErrConnClosed) {
			c.logger.Error("backend read loop ended", "error", err)
			return
		}
		c.logger.Info("backend read loop ended")
	}()
}

// Attach runs the channel over an existing stream instead of launching a
// process. w is closed by Shutdown when it is an io.Closer. Exited closes
// when the read loop ends.
func (c *Channel) Attach(r io.Reader, w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	if wc, ok := w.(io.Closer); ok {
		c.stdin = wc
	}
	c.attachLocked(r, w)

	go func() {
		<-c.loopDone
		close(c.exited)
	}()
	return nil
}

func (c *Channel) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		c.logger.Debug("backend stderr", "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		c.logger.Debug("backend stderr closed", "error", err)
	}
}

func (c *Channel) connection() (*jsonrpc.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrNotStarted
	}
	return c.conn, nil
}

// Request sends a request to the backend and waits for its reply.
//
// # Outputs
//
//   - json.RawMessage: The result payload, nil when the reply carried
//     neither result nor error.
//   - error: *jsonrpc.ProtocolError for an error reply, ctx.Err() when the
//     caller gave up, jsonrpc.ErrConnClosed once the read loop ended.
func (c *Channel) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, method, params)
}

// Notify sends a notification to the backend. nil params are sent as {}.
func (c *Channel) Notify(method string, params any) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	return conn.Notify(method, params)
}

// SetRequestHandler installs the handler for reverse requests the proxy does
// not answer itself. nil answers them with a null result.
func (c *Channel) SetRequestHandler(h RequestHandler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// OnNotification subscribes fn to backend notifications.
func (c *Channel) OnNotification(fn jsonrpc.NotificationFunc) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
		})
	}
}

func (c *Channel) publish(method string, params json.RawMessage) {
	c.subsMu.RLock()
	subs := make([]jsonrpc.NotificationFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		c.logger.Debug("dropping backend notification", "method", method)
		return
	}
	for _, fn := range subs {
		fn(method, params)
	}
}

// Done is closed when the read loop has ended.
func (c *Channel) Done() <-chan struct{} {
	return c.loopDone
}

// Exited is closed after the process has been reaped.
func (c *Channel) Exited() <-chan struct{} {
	return c.exited
}

// Shutdown cancels the read loop and kills the process tree without
// waiting for either. Idempotent.
func (c *Channel) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel, conn, cmd := c.cancel, c.conn, c.cmd
		stdin, stdout := c.stdin, c.stdout
		if !c.started {
			// No loop or process will ever close these.
			close(c.loopDone)
			close(c.exited)
		}
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			conn.Close()
		}
		if stdin != nil {
			_ = stdin.Close()
		}
		// Unblocks the read loop.
		if stdout != nil {
			_ = stdout.Close()
		}
		if cmd != nil {
			c.killBackend(cmd)
		}
		c.logger.Info("backend shut down")
	})
}

// killBackend kills the process tree of cmd unless it has already been
// reaped, in which case its pid and group id may belong to someone else.
// Reports whether a kill was attempted.
func (c *Channel) killBackend(cmd *exec.Cmd) bool {
	if cmd.Process == nil {
		return false
	}
	select {
	case <-c.exited:
		return false
	default:
	}
	if err := killProcessTree(cmd.Process); err != nil {
		c.logger.Warn("failed to kill backend", "pid", cmd.Process.Pid, "error", err)
	}
	return true
}

// Stop asks the backend to shut down and exit, waits for it within the stop
// timeout, then calls Shutdown.
func (c *Channel) Stop(ctx context.Context) {
	conn, err := c.connection()
	if err != nil {
		c.Shutdown()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.StopTimeout)
	defer cancel()

	if _, err := conn.Call(ctx, MethodShutdown, nil); err != nil {
		c.logger.Debug("backend shutdown request failed", "error", err)
	}
	if err := conn.Notify(MethodExit, nil); err != nil {
		c.logger.Debug("backend exit notification failed", "error", err)
	}

	c.mu.Lock()
	hasProcess := c.cmd != nil
	c.mu.Unlock()
	if hasProcess {
		select {
		case <-c.exited:
		case <-ctx.Done():
			c.logger.Warn("backend did not exit in time, killing")
		}
	}
	c.Shutdown()
}

// =============================================================================
// REVERSE REQUEST DISPATCH
// =============================================================================

type dispatcher struct {
	c *Channel
}

// Handle answers configuration and capability requests, then defers to the
// installed RequestHandler.
func (d dispatcher) Handle(ctx context.Context, req *jsonrpc.Request) (any, error) {
	switch req.Method {
	case MethodWorkspaceConfiguration:
		return d.c.answerConfiguration(req.Params), nil
	case MethodRegisterCapability, MethodUnregisterCapability:
		return nil, nil
	}

	d.c.handlerMu.RLock()
	h := d.c.handler
	d.c.handlerMu.RUnlock()
	if h == nil {
		return nil, nil
	}
	return h(ctx, req.Method, req.Params, req.ID)
}

// answerConfiguration returns one slot per requested item: an override, a
// configured value, or null.
func (c *Channel) answerConfiguration(raw json.RawMessage) []any {
	var params protocol.ConfigurationParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.logger.Warn("invalid workspace/configuration params", "error", err)
		return []any{}
	}

	results := make([]any, len(params.Items))
	for i, item := range params.Items {
		if item.Section == "" {
			continue
		}
		if v, ok := c.opts.Overrides[item.Section]; ok {
			results[i] = v
			continue
		}
		if c.opts.Config == nil {
			continue
		}
		if v, ok := c.opts.Config.Get(item.Section); ok {
			results[i] = v
		}
	}
	return results
}
