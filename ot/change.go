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

package ot

import (
	"fmt"
	"time"
)

// A Change is a delta tagged with the revision it produces. The change at
// revision n transforms the snapshot at revision n-1 into the snapshot at
// revision n.
type Change struct {
	RevNum int
	Delta  Delta
	// When the change was made. The zero time means unknown; correction
	// changes returned by update never carry a timestamp.
	Timestamp time.Time
	// Who made the change. Empty means unknown.
	AuthorID string
}

// NewChange constructs a change with no timestamp or author.
func NewChange(revNum int, delta Delta) Change {
	return Change{RevNum: revNum, Delta: delta}
}

// ValidateForLog returns an error unless the change may be appended to a
// revision log: the first change must be document form, and every later
// change must be non-empty. A later change may still happen to be document
// form; an insert at the front of an empty document is a perfectly good
// edit.
func (c Change) ValidateForLog() error {
	if c.RevNum < 0 {
		return BadValueError{Reason: fmt.Sprintf("change revNum %v is negative", c.RevNum)}
	}
	if c.Delta == nil {
		return BadValueError{Reason: "change has no delta"}
	}
	if c.RevNum == 0 {
		if !c.Delta.IsDocument() {
			return BadDataError{Reason: "the change at revision 0 must be document form"}
		}
		return nil
	}
	if c.Delta.IsEmpty() {
		return BadDataError{Reason: fmt.Sprintf("the change at revision %v is empty", c.RevNum)}
	}
	return nil
}

// A Snapshot is the full document state at one revision. Contents is always
// in document form and must be treated as immutable.
type Snapshot struct {
	RevNum   int
	Contents Delta
}

// NewSnapshot constructs a snapshot, rejecting non-document contents.
func NewSnapshot(revNum int, contents Delta) (Snapshot, error) {
	if revNum < 0 {
		return Snapshot{}, BadValueError{Reason: fmt.Sprintf("snapshot revNum %v is negative", revNum)}
	}
	if contents == nil || !contents.IsDocument() {
		return Snapshot{}, BadDataError{Reason: "snapshot contents is not document form"}
	}
	return Snapshot{RevNum: revNum, Contents: contents}, nil
}

// Apply returns the snapshot that results from this snapshot plus the given
// change. The change's revision must directly follow the snapshot's.
func (s Snapshot) Apply(c Change) (Snapshot, error) {
	if c.RevNum != s.RevNum+1 {
		return Snapshot{}, BadValueError{Reason: fmt.Sprintf(
			"change revision %v does not follow snapshot revision %v", c.RevNum, s.RevNum)}
	}
	contents, err := s.Contents.Compose(c.Delta, true)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{RevNum: c.RevNum, Contents: contents}, nil
}

// Equal reports field-wise equality of two snapshots.
func (s Snapshot) Equal(other Snapshot) bool {
	return s.RevNum == other.RevNum && s.Contents.Equal(other.Contents)
}

// A CaretSnapshot is the set of active carets at one caret revision. The
// caret revision counter is independent of the body's.
type CaretSnapshot struct {
	RevNum int
	Carets []Caret
}

// NewCaretSnapshot constructs a caret snapshot from a document-form caret
// delta.
func NewCaretSnapshot(revNum int, contents CaretDelta) (CaretSnapshot, error) {
	if !contents.IsDocument() {
		return CaretSnapshot{}, BadDataError{Reason: "caret snapshot contents is not document form"}
	}
	return CaretSnapshot{RevNum: revNum, Carets: contents.Carets()}, nil
}

// Delta returns the document-form delta describing the snapshot's carets.
func (s CaretSnapshot) Delta() CaretDelta {
	d, err := CaretDocument(s.Carets)
	if err != nil {
		// Carets came from a document-form delta, so they are unique.
		panic(fmt.Sprintf("wtf: caret snapshot holds invalid carets: %v", err))
	}
	return d
}

// Caret returns the caret for the given session, if present.
func (s CaretSnapshot) Caret(sessionID string) (Caret, bool) {
	for _, c := range s.Carets {
		if c.SessionID == sessionID {
			return c, true
		}
	}
	return Caret{}, false
}
