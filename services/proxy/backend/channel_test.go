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
	"context"
	"errors"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/langproxy/services/proxy/jsonrpc"
)

const testTimeout = 5 * time.Second

type mapQuery map[string]any

func (m mapQuery) Get(section string) (any, bool) {
	v, ok := m[section]
	return v, ok
}

type peerMsg struct {
	ID     json.RawMessage      `json:"id,omitempty"`
	Method string               `json:"method,omitempty"`
	Params json.RawMessage      `json:"params,omitempty"`
	Result json.RawMessage      `json:"result,omitempty"`
	Error  *jsonrpc.ErrorObject `json:"error,omitempty"`
}

// fakeBackend stands in for the backend process on the far side of two pipes.
type fakeBackend struct {
	t        *testing.T
	out      *io.PipeWriter
	received chan peerMsg
}

func (f *fakeBackend) send(v any) {
	f.t.Helper()
	require.NoError(f.t, jsonrpc.WriteMessage(f.out, v))
}

func (f *fakeBackend) next() peerMsg {
	f.t.Helper()
	select {
	case m := <-f.received:
		return m
	case <-time.After(testTimeout):
		f.t.Fatal("timed out waiting for proxy output")
		return peerMsg{}
	}
}

func newAttachedChannel(t *testing.T, opts Options) (*Channel, *fakeBackend) {
	t.Helper()

	chanR, backendW := io.Pipe()
	backendR, chanW := io.Pipe()

	c := New(opts)
	require.NoError(t, c.Attach(chanR, chanW))

	fb := &fakeBackend{t: t, out: backendW, received: make(chan peerMsg, 64)}
	go func() {
		framer := jsonrpc.NewFramer()
		for {
			for {
				frame, err := framer.NextFrame()
				if err != nil || frame == nil {
					break
				}
				var m peerMsg
				if json.Unmarshal(frame.Content, &m) == nil {
					fb.received <- m
				}
				frame.Release()
			}
			if _, err := framer.Fill(backendR); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		c.Shutdown()
		_ = backendW.Close()
		_ = chanW.Close()
		_ = backendR.Close()
	})
	return c, fb
}

func TestBackendArgs(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t,
			[]string{"--stdio", "--logLevel", "Information", "--locale", "en-US"},
			BackendArgs(Options{}),
		)
	})

	t.Run("launcher args and extensions", func(t *testing.T) {
		got := BackendArgs(Options{
			LauncherArgs: []string{"server.dll"},
			LogLevel:     "Debug",
			Extensions:   []string{"/ext/a.dll", "/ext/b.dll"},
		})
		assert.Equal(t, []string{
			"server.dll",
			"--stdio", "--logLevel", "Debug",
			"--extension", "/ext/a.dll",
			"--extension", "/ext/b.dll",
			"--locale", "en-US",
		}, got)
	})
}

func TestChannel_StartErrors(t *testing.T) {
	t.Run("no command", func(t *testing.T) {
		c := New(Options{})
		assert.ErrorIs(t, c.Start(context.Background()), ErrNoCommand)
	})

	t.Run("missing executable", func(t *testing.T) {
		c := New(Options{Command: "/nonexistent/langproxy-backend"})
		err := c.Start(context.Background())
		assert.ErrorIs(t, err, ErrSpawnFailed)
	})

	t.Run("already started", func(t *testing.T) {
		c, _ := newAttachedChannel(t, Options{})
		assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("send before start", func(t *testing.T) {
		c := New(Options{})
		_, err := c.Request(context.Background(), "x", nil)
		assert.ErrorIs(t, err, ErrNotStarted)
		assert.ErrorIs(t, c.Notify("x", nil), ErrNotStarted)
	})
}

func TestChannel_Request(t *testing.T) {
	c, fb := newAttachedChannel(t, Options{})

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Request(context.Background(), "textDocument/definition", map[string]int{"line": 3})
		done <- outcome{res, err}
	}()

	req := fb.next()
	assert.Equal(t, "textDocument/definition", req.Method)
	assert.JSONEq(t, `{"line":3}`, string(req.Params))
	fb.send(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": []string{"a"}})

	o := <-done
	require.NoError(t, o.err)
	assert.JSONEq(t, `["a"]`, string(o.result))
}

func TestChannel_Configuration(t *testing.T) {
	c, fb := newAttachedChannel(t, Options{
		Config: mapQuery{
			"dotnet.formatting.organizeImportsOnFormat": true,
			"csharp|background_analysis.dotnet_analyzer_diagnostics_scope": "fullSolution",
		},
	})
	_ = c

	fb.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      11,
		"method":  MethodWorkspaceConfiguration,
		"params": map[string]any{"items": []map[string]any{
			{"section": "csharp|background_analysis.dotnet_analyzer_diagnostics_scope"},
			{"section": "dotnet.formatting.organizeImportsOnFormat"},
			{"section": "unknown.section"},
			{},
		}},
	})

	m := fb.next()
	assert.Equal(t, "11", string(m.ID))
	require.Nil(t, m.Error)
	assert.JSONEq(t, `["openFiles", true, null, null]`, string(m.Result))
}

func TestChannel_ConfigurationWithoutQuery(t *testing.T) {
	_, fb := newAttachedChannel(t, Options{Overrides: map[string]any{}})

	fb.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  MethodWorkspaceConfiguration,
		"params":  map[string]any{"items": []map[string]any{{"section": "a"}, {"section": "b"}}},
	})

	assert.JSONEq(t, `[null, null]`, string(fb.next().Result))
}

func TestChannel_CapabilityRegistration(t *testing.T) {
	c, fb := newAttachedChannel(t, Options{})
	c.SetRequestHandler(func(context.Context, string, json.RawMessage, json.RawMessage) (any, error) {
		t.Error("registration must not reach the handler")
		return nil, nil
	})

	for i, method := range []string{MethodRegisterCapability, MethodUnregisterCapability} {
		fb.send(map[string]any{"jsonrpc": "2.0", "id": i + 1, "method": method, "params": map[string]any{}})
		m := fb.next()
		assert.Nil(t, m.Error)
	}
}

func TestChannel_ReverseRequests(t *testing.T) {
	t.Run("forwarded to handler", func(t *testing.T) {
		c, fb := newAttachedChannel(t, Options{})
		c.SetRequestHandler(func(ctx context.Context, method string, params, id json.RawMessage) (any, error) {
			return map[string]string{"method": method, "id": string(id)}, nil
		})

		fb.send(map[string]any{"jsonrpc": "2.0", "id": 42, "method": "window/showMessageRequest"})
		m := fb.next()
		assert.JSONEq(t, `{"method":"window/showMessageRequest","id":"42"}`, string(m.Result))
	})

	t.Run("handler error becomes error response", func(t *testing.T) {
		c, fb := newAttachedChannel(t, Options{})
		c.SetRequestHandler(func(context.Context, string, json.RawMessage, json.RawMessage) (any, error) {
			return nil, errors.New("editor unavailable")
		})

		fb.send(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "workspace/applyEdit"})
		m := fb.next()
		require.NotNil(t, m.Error)
		assert.Equal(t, jsonrpc.CodeInternalError, m.Error.Code)
	})

	t.Run("no handler answers null", func(t *testing.T) {
		_, fb := newAttachedChannel(t, Options{})

		fb.send(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "workspace/applyEdit"})
		m := fb.next()
		assert.Nil(t, m.Error)
		assert.Equal(t, "1", string(m.ID))
	})
}

func TestChannel_Notifications(t *testing.T) {
	c, fb := newAttachedChannel(t, Options{})

	got := make(chan string, 4)
	unsubscribe := c.OnNotification(func(method string, params json.RawMessage) {
		got <- method
	})

	fb.send(map[string]any{"jsonrpc": "2.0", "method": "window/logMessage", "params": map[string]any{"message": "hi"}})
	select {
	case m := <-got:
		assert.Equal(t, "window/logMessage", m)
	case <-time.After(testTimeout):
		t.Fatal("notification not published")
	}

	unsubscribe()
	fb.send(map[string]any{"jsonrpc": "2.0", "method": "window/logMessage"})
	fb.send(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	_ = fb.next()
	assert.Empty(t, got)
}

func TestChannel_Shutdown(t *testing.T) {
	c, fb := newAttachedChannel(t, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "never/answered", nil)
		errCh <- err
	}()
	_ = fb.next()

	c.Shutdown()
	c.Shutdown()

	assert.ErrorIs(t, <-errCh, jsonrpc.ErrConnClosed)
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("read loop did not end")
	}
	select {
	case <-c.Exited():
	case <-time.After(testTimeout):
		t.Fatal("attached channel did not report exit")
	}
	assert.ErrorIs(t, c.Attach(strings.NewReader(""), io.Discard), ErrClosed)
}

func TestChannel_ShutdownBeforeStart(t *testing.T) {
	c := New(Options{Command: "/nonexistent/langproxy-backend"})
	c.Shutdown()

	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("Done did not close")
	}
	select {
	case <-c.Exited():
	case <-time.After(testTimeout):
		t.Fatal("Exited did not close")
	}
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Attach(strings.NewReader(""), io.Discard), ErrClosed)

	// Stop on a channel that never ran must not wait for the timeout.
	done := make(chan struct{})
	go func() {
		c.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("Stop blocked")
	}
}

func TestChannel_Process(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}

	// cat echoes every frame: the request comes back as a reverse request,
	// the channel answers it with null, and that answer comes back as the
	// reply to the original call.
	c := New(Options{
		Command:      sh,
		LauncherArgs: []string{"-c", "exec cat"},
		StopTimeout:  200 * time.Millisecond,
	})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	result, err := c.Request(ctx, "custom/echo", map[string]int{"n": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `null`, string(result))

	c.Stop(context.Background())
	select {
	case <-c.Exited():
	case <-time.After(testTimeout):
		t.Fatal("backend process was not reaped")
	}
}

func TestChannel_ReapedProcessIsNotKilled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	c := New(Options{Command: sh, LauncherArgs: []string{"-c", "exit 0"}})
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Shutdown)

	select {
	case <-c.Exited():
	case <-time.After(testTimeout):
		t.Fatal("backend process was not reaped")
	}

	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	assert.False(t, c.killBackend(cmd), "a reaped process group must not be signalled")
	c.Shutdown()
}
