// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/AleutianAI/langproxy/pkg/logging"
)

// MethodCancelRequest is the LSP cancellation notification.
const MethodCancelRequest = "$/cancelRequest"

// =============================================================================
// HANDLERS
// =============================================================================

// Request is an inbound request handed to a Handler. Its slices are owned
// by the handler.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Handler answers inbound requests.
//
// The returned value is marshaled as the result; a returned error becomes a
// JSON-RPC error response (a *ProtocolError keeps its code). ctx is cancelled
// when the peer sends $/cancelRequest for this id or the connection closes.
type Handler interface {
	Handle(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// NotificationFunc receives inbound notifications. params is only valid for
// the duration of the call.
type NotificationFunc func(method string, params json.RawMessage)

// =============================================================================
// PENDING CALLS
// =============================================================================

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingTable maps outstanding call ids to single-assignment futures.
type pendingTable struct {
	mu    sync.Mutex
	calls map[int64]chan callResult
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]chan callResult)}
}

func (p *pendingTable) add(id int64) (chan callResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.calls[id]; exists {
		return nil, fmt.Errorf("duplicate call id %d", id)
	}
	ch := make(chan callResult, 1)
	p.calls[id] = ch
	return ch, nil
}

// take removes and returns the future for id. Only the taker may resolve it.
func (p *pendingTable) take(id int64) (chan callResult, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	return ch, ok
}

func (p *pendingTable) remove(id int64) {
	p.mu.Lock()
	delete(p.calls, id)
	p.mu.Unlock()
}

func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[int64]chan callResult)
	p.mu.Unlock()

	for _, ch := range calls {
		ch <- callResult{err: err}
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// =============================================================================
// CONNECTION
// =============================================================================

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithName labels the connection in logs and metrics ("backend", "editor").
func WithName(name string) ConnOption {
	return func(c *Conn) { c.name = name }
}

// WithLogger sets the connection logger.
func WithLogger(logger *logging.Logger) ConnOption {
	return func(c *Conn) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandler installs the inbound request handler.
func WithHandler(h Handler) ConnOption {
	return func(c *Conn) { c.handler = h }
}

// WithFramerOptions configures the read-side framer.
func WithFramerOptions(opts ...FramerOption) ConnOption {
	return func(c *Conn) { c.framerOpts = append(c.framerOpts, opts...) }
}

// WithCancelPropagation controls whether abandoning a call sends
// $/cancelRequest to the peer. Enabled by default.
func WithCancelPropagation(enabled bool) ConnOption {
	return func(c *Conn) { c.propagateCancel = enabled }
}

// Conn is a bidirectional JSON-RPC 2.0 connection over a byte stream pair.
//
// Description:
//
//	Outbound calls get monotonically increasing integer ids and are matched
//	to replies by id only, so replies may arrive in any order. Inbound
//	requests are served concurrently and always answered exactly once.
//	Inbound notifications are delivered in arrival order on the read loop.
//
// Thread Safety:
//
//	Safe for concurrent use. Run must be called from a single goroutine.
type Conn struct {
	name   string
	r      io.Reader
	w      io.Writer
	logger *logging.Logger

	writeMu sync.Mutex
	nextID  atomic.Int64
	pending *pendingTable

	handlerMu sync.RWMutex
	handler   Handler

	subsMu  sync.RWMutex
	subs    map[int]NotificationFunc
	nextSub int

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc

	framerOpts      []FramerOption
	propagateCancel bool

	running   atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewConn creates a connection reading peer output from r and writing to w.
// Call Run to start the read loop.
func NewConn(r io.Reader, w io.Writer, opts ...ConnOption) *Conn {
	c := &Conn{
		name:            "peer",
		r:               r,
		w:               w,
		logger:          logging.Discard(),
		pending:         newPendingTable(),
		subs:            make(map[int]NotificationFunc),
		inflight:        make(map[string]context.CancelFunc),
		propagateCancel: true,
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetHandler replaces the inbound request handler. nil answers every
// request with a null result.
func (c *Conn) SetHandler(h Handler) {
	c.handlerMu.Lock()
	c.handler = h
	c.handlerMu.Unlock()
}

// OnNotification subscribes fn to inbound notifications and returns a
// function that removes the subscription.
func (c *Conn) OnNotification(fn NotificationFunc) (unsubscribe func()) {
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

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Pending returns the number of outstanding outbound calls.
func (c *Conn) Pending() int {
	return c.pending.len()
}

// Close fails pending calls with ErrConnClosed and cancels in-flight
// handlers. It does not close the underlying streams. Idempotent.
func (c *Conn) Close() {
	c.shutdown(ErrConnClosed)
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = cause
		close(c.done)
		c.pending.failAll(ErrConnClosed)

		c.inflightMu.Lock()
		for _, cancel := range c.inflight {
			cancel()
		}
		c.inflightMu.Unlock()
	})
}

// =============================================================================
// OUTBOUND
// =============================================================================

// Call sends a request and waits for its reply or for ctx to end.
//
// Outputs:
//
//	json.RawMessage - the "result" member; nil when the reply had neither
//	                  result nor error
//	error           - *ProtocolError for an error reply, ctx.Err() when the
//	                  wait was abandoned, ErrConnClosed, or a write error
//
// A reply arriving after ctx ended is discarded.
func (c *Conn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	id := c.nextID.Add(1)
	ctx, span := startCallSpan(ctx, c.name, method, id)
	start := time.Now()

	result, err := c.call(ctx, id, method, params)

	recordCall(ctx, c.name, method, time.Since(start), err)
	endCallSpan(span, err)
	return result, err
}

func (c *Conn) call(ctx context.Context, id int64, method string, params any) (json.RawMessage, error) {
	ch, err := c.pending.add(id)
	if err != nil {
		return nil, err
	}

	if err := c.write(requestFrame{JSONRPC: Version, ID: id, Method: method, Params: params}); err != nil {
		c.pending.remove(id)
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-c.done:
		c.pending.remove(id)
		select {
		case res := <-ch:
			return res.result, res.err
		default:
			return nil, ErrConnClosed
		}
	case <-ctx.Done():
		c.pending.remove(id)
		if c.propagateCancel && !c.closed.Load() {
			if err := c.Notify(MethodCancelRequest, map[string]int64{"id": id}); err != nil {
				c.logger.Debug("cancel notification failed", "conn", c.name, "id", id, "error", err)
			}
		}
		return nil, ctx.Err()
	}
}

// Notify sends a notification. nil params are sent as an empty object.
func (c *Conn) Notify(method string, params any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	return c.write(notificationFrame{JSONRPC: Version, Method: method, Params: notificationParams(params)})
}

func (c *Conn) reply(id json.RawMessage, result any, err error) {
	var frame any
	if err != nil {
		frame = errorFrame{JSONRPC: Version, ID: id, Error: toErrorObject(err)}
	} else {
		frame = resultFrame{JSONRPC: Version, ID: id, Result: result}
	}
	if werr := c.write(frame); werr != nil {
		c.logger.Warn("failed to send response", "conn", c.name, "id", string(id), "error", werr)
	}
}

func (c *Conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.w, data)
}

// =============================================================================
// READ LOOP
// =============================================================================

// Run reads and dispatches messages until the stream ends or ctx is done.
//
// Description:
//
//	Framing errors are logged and the framer resynchronizes. When Run
//	returns the connection is closed: pending calls fail with ErrConnClosed.
//	Run never restarts anything.
//
// Outputs:
//
//	error - ctx.Err() on cancellation, ErrConnClosed on end of stream, or
//	        the read error
func (c *Conn) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("conn %s: read loop already running", c.name)
	}

	go func() {
		select {
		case <-ctx.Done():
			c.shutdown(ctx.Err())
		case <-c.done:
		}
	}()

	framer := NewFramer(c.framerOpts...)
	for {
		if err := c.drain(ctx, framer); err != nil {
			return err
		}

		_, err := framer.Fill(c.r)
		if err != nil {
			// Bytes read alongside the error may hold whole messages.
			_ = c.drain(ctx, framer)

			if ctxErr := ctx.Err(); ctxErr != nil {
				c.shutdown(ctxErr)
				return ctxErr
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.logger.Info("peer stream ended", "conn", c.name)
				c.shutdown(ErrConnClosed)
				return ErrConnClosed
			}
			c.logger.Error("peer stream read failed", "conn", c.name, "error", err)
			c.shutdown(fmt.Errorf("read: %w", err))
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Conn) drain(ctx context.Context, framer *Framer) error {
	for {
		if err := ctx.Err(); err != nil {
			c.shutdown(err)
			return err
		}
		msg, err := framer.Next()
		if err != nil {
			recordFramingError(c.name, err)
			c.logger.Warn("discarding malformed frame", "conn", c.name, "error", err)
			continue
		}
		if msg == nil {
			return nil
		}
		c.route(ctx, msg)
	}
}

func (c *Conn) route(ctx context.Context, msg *Message) {
	kind := msg.Kind()
	recordInbound(c.name, kind)

	switch kind {
	case KindResponse:
		c.resolve(msg)
		msg.Release()

	case KindRequest:
		req := &Request{
			ID:     bytes.Clone(msg.ID),
			Method: msg.Method,
			Params: bytes.Clone(msg.Params),
		}
		msg.Release()
		c.serve(ctx, req)

	case KindNotification:
		if msg.Method == MethodCancelRequest && c.cancelInflight(msg.Params) {
			msg.Release()
			return
		}
		c.publish(msg.Method, msg.Params)
		msg.Release()

	default:
		c.logger.Warn("dropping message with neither id nor method", "conn", c.name)
		msg.Release()
	}
}

func (c *Conn) resolve(msg *Message) {
	id, ok := msg.IntID()
	if !ok {
		c.logger.Debug("dropping response with non-integer id", "conn", c.name, "id", string(msg.ID))
		return
	}
	ch, ok := c.pending.take(id)
	if !ok {
		c.logger.Debug("dropping response for unknown id", "conn", c.name, "id", id)
		return
	}

	switch {
	case msg.Error != nil:
		ch <- callResult{err: &ProtocolError{
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
			Data:    bytes.Clone(msg.Error.Data),
			Raw:     bytes.Clone(msg.RawError),
		}}
	case msg.HasResult:
		ch <- callResult{result: bytes.Clone(msg.Result)}
	default:
		ch <- callResult{}
	}
}

func (c *Conn) publish(method string, params json.RawMessage) {
	c.subsMu.RLock()
	subs := make([]NotificationFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.RUnlock()

	if len(subs) == 0 {
		c.logger.Debug("dropping notification without subscribers", "conn", c.name, "method", method)
		return
	}
	for _, fn := range subs {
		fn(method, params)
	}
}

// =============================================================================
// INBOUND REQUESTS
// =============================================================================

func (c *Conn) serve(ctx context.Context, req *Request) {
	reqCtx, cancel := context.WithCancel(ctx)
	key := string(bytes.TrimSpace(req.ID))

	c.inflightMu.Lock()
	c.inflight[key] = cancel
	c.inflightMu.Unlock()
	if c.closed.Load() {
		cancel()
	}

	go func() {
		defer func() {
			c.inflightMu.Lock()
			delete(c.inflight, key)
			c.inflightMu.Unlock()
			cancel()
		}()

		result, err := c.invoke(reqCtx, req)
		c.reply(req.ID, result, err)
	}()
}

// invoke runs the handler, converting a panic into an internal error so the
// request is still answered.
func (c *Conn) invoke(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked", "conn", c.name, "method", req.Method, "panic", r)
			result, err = nil, NewProtocolError(CodeInternalError, "handler panic: %v", r)
		}
	}()

	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()

	if h == nil {
		return nil, nil
	}
	return h.Handle(ctx, req)
}

func (c *Conn) cancelInflight(params json.RawMessage) bool {
	var p CancelParams
	if err := json.Unmarshal(params, &p); err != nil || len(p.ID) == 0 {
		return false
	}
	key := string(bytes.TrimSpace(p.ID))

	c.inflightMu.Lock()
	cancel, ok := c.inflight[key]
	c.inflightMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func isProtocolErr(err error) bool {
	var perr *ProtocolError
	return errors.As(err, &perr)
}
