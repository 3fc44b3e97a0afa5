// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jsonrpc implements the LSP base protocol used on both sides of the
// proxy: Content-Length framing and a bidirectional JSON-RPC 2.0 connection.
//
// # Components
//
//   - Framer: turns an expanding byte buffer into discrete messages
//   - Message: a parsed frame, classified as request, response or notification
//   - Conn: request/response multiplexing, inbound dispatch, notifications
//
// # Framing
//
//	Content-Length: 52\r\n
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize",...}
//
// Header names are matched case-insensitively. Other headers are ignored.
//
// # Storage
//
// Message bodies live in pooled buffers. A Message must be released once the
// consumer is done with it; slices taken from it are invalid afterwards.
//
// # Thread Safety
//
// Framer is not safe for concurrent use; it belongs to a single read loop.
// Conn is safe for concurrent use.
package jsonrpc
