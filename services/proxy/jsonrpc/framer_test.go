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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func frameBytes(content string) []byte {
	return []byte(fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(content), content))
}

func TestFramer_Next(t *testing.T) {
	t.Run("parses a complete request", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","id":7,"method":"initialize","params":{"a":1}}`))

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		defer msg.Release()

		assert.Equal(t, KindRequest, msg.Kind())
		assert.Equal(t, "initialize", msg.Method)
		id, ok := msg.IntID()
		assert.True(t, ok)
		assert.Equal(t, int64(7), id)
		assert.JSONEq(t, `{"a":1}`, string(msg.Params))
		assert.Equal(t, 0, f.Buffered())
	})

	t.Run("header name is case-insensitive and extra headers are ignored", func(t *testing.T) {
		content := `{"jsonrpc":"2.0","method":"exit"}`
		f := NewFramer()
		_, _ = f.Write([]byte(fmt.Sprintf("content-type: application/vscode-jsonrpc\r\nCONTENT-LENGTH: %d\r\n\r\n%s", len(content), content)))

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, KindNotification, msg.Kind())
		msg.Release()
	})

	t.Run("missing terminator consumes nothing", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write([]byte("Content-Length: 10\r\n"))

		msg, err := f.Next()
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Equal(t, len("Content-Length: 10\r\n"), f.Buffered())
	})

	t.Run("short content consumes nothing", func(t *testing.T) {
		full := frameBytes(`{"jsonrpc":"2.0","method":"x"}`)
		f := NewFramer()
		_, _ = f.Write(full[:len(full)-3])

		msg, err := f.Next()
		require.NoError(t, err)
		assert.Nil(t, msg)
		assert.Equal(t, len(full)-3, f.Buffered())

		_, _ = f.Write(full[len(full)-3:])
		msg, err = f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		msg.Release()
	})

	t.Run("drains several messages from one chunk in order", func(t *testing.T) {
		var chunk bytes.Buffer
		for i := 0; i < 5; i++ {
			chunk.Write(frameBytes(fmt.Sprintf(`{"jsonrpc":"2.0","method":"m%d"}`, i)))
		}
		f := NewFramer()
		_, _ = f.Write(chunk.Bytes())

		var methods []string
		for {
			msg, err := f.Next()
			require.NoError(t, err)
			if msg == nil {
				break
			}
			methods = append(methods, msg.Method)
			msg.Release()
		}
		assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, methods)
	})

	t.Run("null id is treated as absent", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","id":null,"method":"window/logMessage"}`))

		msg, err := f.Next()
		require.NoError(t, err)
		assert.Equal(t, KindNotification, msg.Kind())
		msg.Release()
	})

	t.Run("null result is distinguished from absent result", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","id":1,"result":null}`))
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","id":2}`))

		withNull, err := f.Next()
		require.NoError(t, err)
		assert.True(t, withNull.HasResult)
		assert.Equal(t, KindResponse, withNull.Kind())
		withNull.Release()

		absent, err := f.Next()
		require.NoError(t, err)
		assert.False(t, absent.HasResult)
		absent.Release()
	})
}

func TestFramer_MalformedInput(t *testing.T) {
	t.Run("non-numeric Content-Length surfaces and resynchronizes", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write([]byte("Content-Length: abc\r\n\r\n"))
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","method":"after"}`))

		msg, err := f.Next()
		assert.Nil(t, msg)
		var fe *FramingError
		require.True(t, errors.As(err, &fe))
		assert.ErrorIs(t, err, ErrMalformedHeader)

		msg, err = f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "after", msg.Method)
		msg.Release()
	})

	t.Run("headers ending in Content-Length are not the length", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","method":"x"}`
		f := NewFramer()
		_, _ = f.Write([]byte(fmt.Sprintf("Content-Length: %d\r\nX-Original-Content-Length: 999\r\n\r\n%s", len(body), body)))

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "x", msg.Method)
		assert.Equal(t, 0, f.Buffered())
		msg.Release()
	})

	t.Run("header names are case-insensitive", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","method":"y"}`
		f := NewFramer()
		_, _ = f.Write([]byte(fmt.Sprintf("content-type: application/vscode-jsonrpc\r\ncontent-LENGTH : %d\r\n\r\n%s", len(body), body)))

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "y", msg.Method)
		msg.Release()
	})

	t.Run("leftover bytes before the first header are tolerated", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write([]byte("xx"))
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","method":"z"}`))

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "z", msg.Method)
		msg.Release()
	})

	t.Run("missing Content-Length is a header error", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write([]byte("Content-Type: x\r\n\r\n"))

		_, err := f.Next()
		assert.ErrorIs(t, err, ErrMalformedHeader)
		assert.Equal(t, 0, f.Buffered())
	})

	t.Run("negative Content-Length is a header error", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write([]byte("Content-Length: -4\r\n\r\n"))

		_, err := f.Next()
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})

	t.Run("oversized content is skipped", func(t *testing.T) {
		big := `{"jsonrpc":"2.0","method":"` + strings.Repeat("x", 200) + `"}`
		f := NewFramer(WithMaxContentLength(64))
		_, _ = f.Write(frameBytes(big))
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","method":"ok"}`))

		_, err := f.Next()
		assert.ErrorIs(t, err, ErrContentTooLarge)

		msg, err := f.Next()
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "ok", msg.Method)
		msg.Release()
	})

	t.Run("unterminated header block does not grow forever", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write(bytes.Repeat([]byte("x"), maxHeaderBytes+100))

		_, err := f.Next()
		assert.ErrorIs(t, err, ErrMalformedHeader)
		assert.Less(t, f.Buffered(), len(headerTerminator))
	})

	t.Run("invalid JSON content is consumed", func(t *testing.T) {
		f := NewFramer()
		_, _ = f.Write(frameBytes(`{not json`))
		_, _ = f.Write(frameBytes(`{"jsonrpc":"2.0","method":"next"}`))

		_, err := f.Next()
		assert.ErrorIs(t, err, ErrMalformedContent)

		msg, err := f.Next()
		require.NoError(t, err)
		assert.Equal(t, "next", msg.Method)
		msg.Release()
	})
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, map[string]string{"jsonrpc": "2.0", "method": "x"}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "Content-Length: "))
	header, body, found := strings.Cut(out, "\r\n\r\n")
	require.True(t, found)
	assert.Equal(t, fmt.Sprintf("Content-Length: %d", len(body)), header)
}

// TestFramer_RoundTripProperty checks that any sequence of frames, from empty
// to well over 64KB, survives arbitrary chunk boundaries intact and in order.
func TestFramer_RoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 4).Draw(t, "count")
		contents := make([][]byte, count)
		var stream bytes.Buffer
		for i := range contents {
			size := rapid.OneOf(
				rapid.IntRange(0, 64),
				rapid.IntRange(65, 4096),
				rapid.IntRange(64<<10, 70<<10),
			).Draw(t, fmt.Sprintf("size%d", i))
			seed := rapid.Byte().Draw(t, fmt.Sprintf("seed%d", i))
			content := make([]byte, size)
			for j := range content {
				content[j] = seed + byte(j*31)
			}
			contents[i] = content
			require.NoError(t, WriteFrame(&stream, content))
		}

		data := stream.Bytes()
		f := NewFramer()
		var got [][]byte
		for off := 0; off < len(data); {
			step := rapid.IntRange(1, 9000).Draw(t, "step")
			end := min(off+step, len(data))
			_, _ = f.Write(data[off:end])
			off = end

			for {
				frame, err := f.NextFrame()
				if err != nil {
					t.Fatalf("NextFrame: %v", err)
				}
				if frame == nil {
					break
				}
				got = append(got, bytes.Clone(frame.Content))
				frame.Release()
			}
		}

		if len(got) != len(contents) {
			t.Fatalf("got %d frames, want %d", len(got), len(contents))
		}
		for i := range contents {
			if !bytes.Equal(got[i], contents[i]) {
				t.Fatalf("frame %d differs (len %d vs %d)", i, len(got[i]), len(contents[i]))
			}
		}
		if f.Buffered() != 0 {
			t.Fatalf("%d bytes left over", f.Buffered())
		}
	})
}
