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

// Package ot implements the operational transformation algebra used by the
// document controls. Three payload kinds share the same contract: the
// document body (rich text), the set of session carets, and the document
// properties. Each kind supplies Compose and Transform operations that
// together satisfy transformation property 1, so that two concurrent edits
// applied in either order converge to the same state.
package ot

// Kind identifies one of the payload algebras.
type Kind string

// The payload kinds.
const (
	KindBody     Kind = "body"
	KindCaret    Kind = "caret"
	KindProperty Kind = "property"
)

// A Delta is an immutable sequence of operations over one payload kind.
//
// A delta is in "document form" when it fully describes a payload state
// starting from empty. Document-form deltas serve as snapshot contents;
// non-document deltas describe edits.
type Delta interface {
	// Kind returns the payload kind this delta operates on.
	Kind() Kind

	// IsDocument reports whether the delta is in document form.
	IsDocument() bool

	// IsEmpty reports whether the delta has no effect.
	IsEmpty() bool

	// Equal reports whether other is the same kind and has the same
	// canonical operations.
	Equal(other Delta) bool

	// Compose combines this delta with other applied after it. If
	// wantDocument is true, the receiver must be in document form and the
	// result is canonicalized back into document form; operations that
	// cannot appear in a document (deletes of absent entries and the like)
	// are dropped. Returns a BadValueError if other is of a different kind,
	// or a BadDataError if wantDocument is set and the result cannot be
	// made document form.
	Compose(other Delta, wantDocument bool) (Delta, error)

	// Transform rebases other against this delta: the result captures
	// other's effect on a state that already includes the receiver. When
	// two operations race for the same position or key, receiverWins
	// selects which side's intent survives. Convergence requires call
	// sites to use opposite receiverWins values for the two orderings:
	//
	//	a.Compose(a.Transform(b, true)) == b.Compose(b.Transform(a, false))
	Transform(other Delta, receiverWins bool) (Delta, error)
}

// A BadValueError reports that a caller passed an argument that violates the
// algebra's contract, such as mixing payload kinds.
type BadValueError struct {
	Reason string
}

// Error implements the method defined by 'error'.
func (e BadValueError) Error() string {
	return "bad value: " + e.Reason
}

// ErrorName returns the wire-level name for this error.
func (e BadValueError) ErrorName() string { return "badValue" }

// IsBadValue returns true if err has type BadValueError, false otherwise.
func IsBadValue(err error) bool {
	_, ok := err.(BadValueError)
	return ok
}

// A BadDataError reports that data crossing a trust boundary has an invalid
// shape, such as a delta that should be document form but is not.
type BadDataError struct {
	Reason string
}

// Error implements the method defined by 'error'.
func (e BadDataError) Error() string {
	return "bad data: " + e.Reason
}

// ErrorName returns the wire-level name for this error.
func (e BadDataError) ErrorName() string { return "badData" }

// IsBadData returns true if err has type BadDataError, false otherwise.
func IsBadData(err error) bool {
	_, ok := err.(BadDataError)
	return ok
}

func kindMismatch(want, got Kind) error {
	return BadValueError{Reason: "delta kind mismatch: want " + string(want) + ", got " + string(got)}
}

// Empty returns the empty delta of the given kind.
func Empty(kind Kind) Delta {
	switch kind {
	case KindBody:
		return Body{}
	case KindCaret:
		return CaretDelta{}
	case KindProperty:
		return Properties{}
	}
	panic("ot.Empty: unknown kind " + string(kind))
}
