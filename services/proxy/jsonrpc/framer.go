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
	"fmt"
	"io"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
)

const (
	// DefaultMaxContentLength bounds a single message body.
	DefaultMaxContentLength = 64 << 20

	// maxHeaderBytes bounds a header block that never terminates.
	maxHeaderBytes = 8 << 10

	initialBufferSize = 4 << 10
	minReadSize       = 512
)

var (
	headerTerminator  = []byte("\r\n\r\n")
	contentLengthName = []byte("Content-Length")
)

var bodyPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, initialBufferSize)
		return &b
	},
}

// =============================================================================
// FRAME
// =============================================================================

// Frame is the content of one framed message in pooled storage.
type Frame struct {
	// Content is exactly Content-Length bytes. Valid until Release.
	Content []byte

	buf *[]byte
}

// Release returns the frame's storage to the pool. Safe to call more than once.
func (f *Frame) Release() {
	if f.buf == nil {
		return
	}
	*f.buf = (*f.buf)[:0]
	bodyPool.Put(f.buf)
	f.buf = nil
	f.Content = nil
}

func newFrame(content []byte) *Frame {
	bp := bodyPool.Get().(*[]byte)
	b := append((*bp)[:0], content...)
	*bp = b
	return &Frame{Content: b, buf: bp}
}

// =============================================================================
// FRAMER
// =============================================================================

// FramerOption configures a Framer.
type FramerOption func(*Framer)

// WithMaxContentLength sets the largest accepted Content-Length.
func WithMaxContentLength(n int) FramerOption {
	return func(f *Framer) {
		if n > 0 {
			f.maxContent = n
		}
	}
}

// Framer splits a byte stream into LSP base-protocol frames.
//
// Description:
//
//	Bytes are appended with Fill or Write. Next and NextFrame report whether
//	a complete message is buffered; when it is not, nothing is consumed.
//	The internal buffer doubles as needed and leftover bytes are shifted to
//	its start after each message.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Framer struct {
	buf        []byte
	n          int
	skip       int
	maxContent int
}

// NewFramer creates an empty framer.
func NewFramer(opts ...FramerOption) *Framer {
	f := &Framer{
		buf:        make([]byte, initialBufferSize),
		maxContent: DefaultMaxContentLength,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Buffered returns the number of unconsumed bytes.
func (f *Framer) Buffered() int {
	return f.n
}

// Fill performs one Read from r into the buffer's free space.
//
// It returns what r.Read returned. Bytes read before an error are kept.
func (f *Framer) Fill(r io.Reader) (int, error) {
	f.grow(minReadSize)
	n, err := r.Read(f.buf[f.n:])
	f.n += n
	return n, err
}

// Write appends p to the buffer. It never fails.
func (f *Framer) Write(p []byte) (int, error) {
	f.grow(len(p))
	copy(f.buf[f.n:], p)
	f.n += len(p)
	return len(p), nil
}

func (f *Framer) grow(need int) {
	if len(f.buf)-f.n >= need {
		return
	}
	size := len(f.buf)
	if size == 0 {
		size = initialBufferSize
	}
	for size-f.n < need {
		size *= 2
	}
	buf := make([]byte, size)
	copy(buf, f.buf[:f.n])
	f.buf = buf
}

func (f *Framer) consume(k int) {
	copy(f.buf, f.buf[k:f.n])
	f.n -= k
}

// NextFrame returns the next complete frame, or nil when more data is needed.
//
// Errors:
//
//	*FramingError wrapping ErrMalformedHeader or ErrContentTooLarge. The bad
//	header (and, for oversized frames, its content) is discarded so the
//	caller can call NextFrame again to resynchronize.
func (f *Framer) NextFrame() (*Frame, error) {
	if f.skip > 0 {
		d := min(f.skip, f.n)
		f.consume(d)
		f.skip -= d
		if f.skip > 0 {
			return nil, nil
		}
	}

	data := f.buf[:f.n]
	end := bytes.Index(data, headerTerminator)
	if end < 0 {
		if f.n > maxHeaderBytes {
			// Keep a possible partial terminator.
			f.consume(f.n - (len(headerTerminator) - 1))
			return nil, &FramingError{Err: ErrMalformedHeader, Detail: "header block exceeds limit without terminator"}
		}
		return nil, nil
	}

	bodyStart := end + len(headerTerminator)
	length, err := parseContentLength(data[:end])
	if err != nil {
		f.consume(bodyStart)
		return nil, &FramingError{Err: ErrMalformedHeader, Detail: err.Error()}
	}
	if length > f.maxContent {
		f.consume(bodyStart)
		f.skip = length
		return nil, &FramingError{Err: ErrContentTooLarge, Detail: fmt.Sprintf("%d bytes exceeds %d", length, f.maxContent)}
	}
	if f.n-bodyStart < length {
		return nil, nil
	}

	frame := newFrame(data[bodyStart : bodyStart+length])
	f.consume(bodyStart + length)
	return frame, nil
}

// Next returns the next complete parsed message, or nil when more data is
// needed. The caller must Release the message.
//
// Errors:
//
//	The errors of NextFrame, plus *FramingError wrapping ErrMalformedContent
//	when the content is not a JSON-RPC object. The content is consumed.
func (f *Framer) Next() (*Message, error) {
	frame, err := f.NextFrame()
	if err != nil || frame == nil {
		return nil, err
	}
	msg, err := parseMessage(frame.Content)
	if err != nil {
		frame.Release()
		return nil, &FramingError{Err: ErrMalformedContent, Detail: err.Error()}
	}
	msg.frame = frame
	return msg, nil
}

// parseContentLength returns the value of the Content-Length header.
//
// Header names are compared case-insensitively and in full, and the last
// Content-Length wins. Only when no line carries the exact name is the
// first line accepted with bytes before the name, which is what remains
// after a discarded frame.
func parseContentLength(header []byte) (int, error) {
	var value []byte
	found := false
	for i, line := range bytes.Split(header, []byte("\r\n")) {
		name, v, ok := bytes.Cut(line, []byte(":"))
		if !ok {
			continue
		}
		name = bytes.TrimSpace(name)
		switch {
		case bytes.EqualFold(name, contentLengthName):
			value, found = v, true
		case i == 0 && !found && hasSuffixFold(name, contentLengthName):
			value = v
		}
	}
	if value == nil {
		return 0, fmt.Errorf("missing Content-Length")
	}
	value = bytes.TrimSpace(value)
	length, err := strconv.Atoi(string(value))
	if err != nil {
		return 0, fmt.Errorf("invalid Content-Length value %q", value)
	}
	if length < 0 {
		return 0, fmt.Errorf("negative Content-Length: %d", length)
	}
	return length, nil
}

func hasSuffixFold(s, suffix []byte) bool {
	return len(s) >= len(suffix) && bytes.EqualFold(s[len(s)-len(suffix):], suffix)
}

// =============================================================================
// WRITING
// =============================================================================

// WriteMessage marshals v and writes it as one frame in a single Write call.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return WriteFrame(w, data)
}

// WriteFrame writes content with its Content-Length header.
func WriteFrame(w io.Writer, content []byte) error {
	bp := bodyPool.Get().(*[]byte)
	defer func() {
		*bp = (*bp)[:0]
		bodyPool.Put(bp)
	}()

	b := (*bp)[:0]
	b = append(b, "Content-Length: "...)
	b = strconv.AppendInt(b, int64(len(content)), 10)
	b = append(b, headerTerminator...)
	b = append(b, content...)
	*bp = b

	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
