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
	"strconv"

	json "github.com/goccy/go-json"
)

// Version is the JSON-RPC version used by LSP.
const Version = "2.0"

// Kind classifies a message by which of "id" and "method" it carries.
type Kind int

const (
	// KindInvalid has neither id nor method.
	KindInvalid Kind = iota

	// KindRequest has both id and method.
	KindRequest

	// KindResponse has an id and no method.
	KindResponse

	// KindNotification has a method and no id.
	KindNotification
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// =============================================================================
// INBOUND
// =============================================================================

// ErrorObject is the "error" member of a JSON-RPC response.
type ErrorObject struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is one parsed frame.
//
// The raw members alias pooled storage and are only valid until Release.
type Message struct {
	// ID is the raw "id" member; nil when absent or null.
	ID json.RawMessage

	// Method is the "method" member; empty for responses.
	Method string

	// Params is the raw "params" member; nil when absent.
	Params json.RawMessage

	// Result is the raw "result" member. Check HasResult to tell an absent
	// result from a null one.
	Result    json.RawMessage
	HasResult bool

	// Error is the decoded "error" member and RawError its verbatim bytes.
	Error    *ErrorObject
	RawError json.RawMessage

	frame *Frame
}

// Kind classifies the message.
func (m *Message) Kind() Kind {
	switch {
	case m.ID != nil && m.Method != "":
		return KindRequest
	case m.ID != nil:
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// IntID returns the id as an integer, accepting numeric and numeric-string
// encodings.
func (m *Message) IntID() (int64, bool) {
	return parseIntID(m.ID)
}

// Release returns the message's backing storage to the pool. The message
// must not be used afterwards. Safe to call more than once.
func (m *Message) Release() {
	if m.frame != nil {
		m.frame.Release()
		m.frame = nil
	}
	m.ID, m.Params, m.Result, m.RawError = nil, nil, nil, nil
}

var nullLiteral = []byte("null")

// parseMessage decodes frame content into a Message.
//
// Members are located through a raw map so that "result": null is
// distinguishable from an absent result.
func parseMessage(content []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("envelope is not an object")
	}

	msg := &Message{}
	if raw, ok := fields["id"]; ok && !isNull(raw) {
		msg.ID = raw
	}
	if raw, ok := fields["method"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &msg.Method); err != nil {
			return nil, fmt.Errorf("decode method: %w", err)
		}
	}
	if raw, ok := fields["params"]; ok {
		msg.Params = raw
	}
	if raw, ok := fields["result"]; ok {
		msg.Result = raw
		msg.HasResult = true
	}
	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var obj ErrorObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("decode error member: %w", err)
		}
		msg.Error = &obj
		msg.RawError = raw
	}
	return msg, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), nullLiteral)
}

func parseIntID(raw json.RawMessage) (int64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0, false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, false
		}
		trimmed = []byte(s)
	}
	id, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// =============================================================================
// OUTBOUND
// =============================================================================

type requestFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notificationFrame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type resultFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

type errorFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *ErrorObject    `json:"error"`
}

// emptyObject replaces absent notification params; some backends reject a
// notification without a params object.
var emptyObject = struct{}{}

func notificationParams(params any) any {
	switch p := params.(type) {
	case nil:
		return emptyObject
	case json.RawMessage:
		if isNull(p) {
			return emptyObject
		}
	}
	return params
}

// CancelParams are the params of "$/cancelRequest".
type CancelParams struct {
	ID json.RawMessage `json:"id"`
}
