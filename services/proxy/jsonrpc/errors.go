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
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// Sentinel errors for transport failures.
var (
	// ErrConnClosed indicates the connection's read loop has ended or the
	// connection was closed. Pending calls are failed with it.
	ErrConnClosed = errors.New("jsonrpc connection closed")

	// ErrMalformedHeader indicates a header block without a usable
	// Content-Length.
	ErrMalformedHeader = errors.New("malformed message header")

	// ErrMalformedContent indicates message content that is not a JSON object.
	ErrMalformedContent = errors.New("malformed message content")

	// ErrContentTooLarge indicates a Content-Length above the framer limit.
	ErrContentTooLarge = errors.New("message content too large")
)

// JSON-RPC and LSP error codes.
const (
	CodeParseError           int64 = -32700
	CodeInvalidRequest       int64 = -32600
	CodeMethodNotFound       int64 = -32601
	CodeInvalidParams        int64 = -32602
	CodeInternalError        int64 = -32603
	CodeServerNotInitialized int64 = -32002
	CodeUnknownError         int64 = -32001
	CodeRequestFailed        int64 = -32803
	CodeServerCancelled      int64 = -32802
	CodeContentModified      int64 = -32801
	CodeRequestCancelled     int64 = -32800
)

// FramingError reports a frame the Framer could not decode. The offending
// bytes have already been discarded, so the reader may keep going.
type FramingError struct {
	// Err is one of ErrMalformedHeader, ErrMalformedContent, ErrContentTooLarge.
	Err error

	// Detail describes what was wrong.
	Detail string
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

// Unwrap returns the sentinel error.
func (e *FramingError) Unwrap() error {
	return e.Err
}

// ProtocolError is an error object returned by the peer in a response.
//
// It fails only the call it answers.
type ProtocolError struct {
	// Code is the JSON-RPC error code.
	Code int64

	// Message is the peer's error message.
	Message string

	// Data is the optional "data" member, verbatim.
	Data json.RawMessage

	// Raw is the complete "error" member as received.
	Raw json.RawMessage
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the peer does not implement the method.
func (e *ProtocolError) IsMethodNotFound() bool {
	return e.Code == CodeMethodNotFound
}

// IsRequestCancelled returns true if the peer cancelled the request.
func (e *ProtocolError) IsRequestCancelled() bool {
	return e.Code == CodeRequestCancelled || e.Code == CodeServerCancelled
}

// IsServerNotInitialized returns true if the peer has not been initialized.
func (e *ProtocolError) IsServerNotInitialized() bool {
	return e.Code == CodeServerNotInitialized
}

// NewProtocolError builds an error suitable for returning from a Handler.
func NewProtocolError(code int64, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// toErrorObject converts a handler error into a wire error object,
// preserving the code of a *ProtocolError.
func toErrorObject(err error) *ErrorObject {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return &ErrorObject{Code: perr.Code, Message: perr.Message, Data: perr.Data}
	}
	return &ErrorObject{Code: CodeInternalError, Message: err.Error()}
}
