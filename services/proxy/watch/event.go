// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch classifies watched-file events and dispatches the recovery
// actions they call for: config reloads, generated-index refreshes and
// debounced workspace reloads.
package watch

import (
	"strings"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
)

// Kind is the type of a file change.
type Kind int

const (
	// KindCreated indicates a file was created.
	KindCreated Kind = 1

	// KindChanged indicates a file was modified.
	KindChanged Kind = 2

	// KindDeleted indicates a file was deleted.
	KindDeleted Kind = 3
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindCreated:
		return "created"
	case KindChanged:
		return "changed"
	case KindDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one watched-file change.
type Event struct {
	URI  uri.URI
	Kind Kind
}

// NewEvent builds an event for a filesystem path.
func NewEvent(path string, kind Kind) Event {
	return Event{URI: uri.File(path), Kind: kind}
}

// Path returns the filesystem path of a file URI, or "" for other schemes.
func (e Event) Path() string {
	if !strings.HasPrefix(string(e.URI), "file://") {
		return ""
	}
	return e.URI.Filename()
}

// FromProtocol converts LSP file events, skipping nil entries.
func FromProtocol(changes []*protocol.FileEvent) []Event {
	events := make([]Event, 0, len(changes))
	for _, c := range changes {
		if c == nil {
			continue
		}
		events = append(events, Event{URI: uri.URI(c.URI), Kind: Kind(c.Type)})
	}
	return events
}

// ToProtocol converts events to LSP file events.
func ToProtocol(events []Event) []*protocol.FileEvent {
	changes := make([]*protocol.FileEvent, 0, len(events))
	for _, e := range events {
		changes = append(changes, &protocol.FileEvent{
			Type: protocol.FileChangeType(e.Kind),
			URI:  protocol.DocumentURI(e.URI),
		})
	}
	return changes
}
