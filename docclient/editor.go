// Copyright 2019 eBay Inc.
// Primary authors: Simon Fell, Diego Ongaro,
//                  Raymond Kroeker, and Sathish Kandasamy.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package docclient drives a local editor widget against a server session:
// it pulls remote changes with long polls, pushes batched local edits
// through the OT update protocol, and reports the user's caret. The editor
// itself is abstract; anything that can apply deltas and emit change events
// plugs in.
package docclient

import "github.com/sfescape/bayou/ot"

// SourceDocClient tags editor mutations made by this subsystem on behalf of
// the server. Events carrying this source are never echoed back to the
// server; that would be a feedback loop.
const SourceDocClient = "doc-client"

// SourceUser tags editor mutations made by the local user.
const SourceUser = "user"

// EditorEventKind says what an editor event describes.
type EditorEventKind string

// The editor event kinds.
const (
	// The text changed; Delta carries the edit.
	TextChange EditorEventKind = "textChange"
	// The selection moved; Index and Length carry it.
	SelectionChange EditorEventKind = "selectionChange"
)

// An EditorEvent is one change emitted by the editor widget.
type EditorEvent struct {
	Kind   EditorEventKind
	Source string
	// For text changes.
	Delta ot.Body
	// For selection changes.
	Index  int
	Length int
}

// An Editor is the client's view of the editor widget. Implementations are
// driven entirely from the client's event loop; they need not be safe for
// concurrent mutation.
type Editor interface {
	// SetContents replaces the whole document with a document-form delta.
	SetContents(doc ot.Body)

	// ApplyChange applies an edit to the current contents. The source tag
	// is attached to the resulting change event, letting the client skip
	// its own mutations.
	ApplyChange(delta ot.Body, source string) error

	// SetEnabled controls whether the user may edit. The client disables
	// the editor whenever it is not in a healthy state.
	SetEnabled(enabled bool)

	// Events yields the editor's change events in order.
	Events() <-chan EditorEvent
}
