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

import "errors"

var (
	// ErrAlreadyStarted indicates Start was called more than once.
	ErrAlreadyStarted = errors.New("backend already started")

	// ErrNotStarted indicates a send before Start succeeded.
	ErrNotStarted = errors.New("backend not started")

	// ErrSpawnFailed indicates the backend process could not be launched.
	ErrSpawnFailed = errors.New("backend spawn failed")

	// ErrClosed indicates Start or Attach after Shutdown.
	ErrClosed = errors.New("backend channel closed")

	// ErrNoCommand indicates Options.Command is empty.
	ErrNoCommand = errors.New("backend command not configured")
)
