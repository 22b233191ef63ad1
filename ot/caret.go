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
	"regexp"
	"sort"
	"time"
)

// A Caret is one session's selection state: where the session's cursor sits
// in the document body and how much it has selected. Carets are values;
// two carets are equal when all fields are equal.
type Caret struct {
	// Non-empty opaque identifier of the session that owns this caret.
	SessionID string
	// The author the session acts for.
	AuthorID string
	// The body revision the index and length are relative to.
	DocRevNum int
	// Rune offset of the caret, >= 0.
	Index int
	// Length of the selection, >= 0. Zero means a bare cursor.
	Length int
	// Display color, "#rrggbb" with lowercase hex digits.
	Color string
	// When the session last moved this caret.
	LastActive time.Time
}

var colorRE = regexp.MustCompile(`^#[0-9a-f]{6}$`)

// Validate returns a BadValueError if any field is out of range.
func (c Caret) Validate() error {
	switch {
	case c.SessionID == "":
		return BadValueError{Reason: "caret session id is empty"}
	case c.DocRevNum < 0:
		return BadValueError{Reason: "caret docRevNum is negative"}
	case c.Index < 0:
		return BadValueError{Reason: "caret index is negative"}
	case c.Length < 0:
		return BadValueError{Reason: "caret length is negative"}
	case !colorRE.MatchString(c.Color):
		return BadValueError{Reason: fmt.Sprintf("caret color %q is not #rrggbb", c.Color)}
	}
	return nil
}

// The field keys accepted by setField operations.
const (
	CaretFieldIndex      = "index"
	CaretFieldLength     = "length"
	CaretFieldDocRevNum  = "docRevNum"
	CaretFieldLastActive = "lastActive"
	CaretFieldColor      = "color"
)

// WithField returns a copy of the caret with the named field replaced.
func (c Caret) WithField(key string, value interface{}) (Caret, error) {
	switch key {
	case CaretFieldIndex, CaretFieldLength, CaretFieldDocRevNum:
		n, ok := asInt(value)
		if !ok || n < 0 {
			return Caret{}, BadValueError{Reason: fmt.Sprintf("caret field %v wants a non-negative integer, got %v", key, value)}
		}
		switch key {
		case CaretFieldIndex:
			c.Index = n
		case CaretFieldLength:
			c.Length = n
		case CaretFieldDocRevNum:
			c.DocRevNum = n
		}
	case CaretFieldLastActive:
		t, ok := value.(time.Time)
		if !ok {
			return Caret{}, BadValueError{Reason: "caret field lastActive wants a timestamp"}
		}
		c.LastActive = t
	case CaretFieldColor:
		s, ok := value.(string)
		if !ok || !colorRE.MatchString(s) {
			return Caret{}, BadValueError{Reason: fmt.Sprintf("caret field color wants #rrggbb, got %v", value)}
		}
		c.Color = s
	default:
		return Caret{}, BadValueError{Reason: fmt.Sprintf("unknown caret field %q", key)}
	}
	return c, nil
}

func asInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// A CaretOp is one operation of a caret delta. Exactly one of the three
// fields is set.
type CaretOp struct {
	// Creates the caret, replacing any prior caret for the same session.
	Begin *Caret
	// Removes the session's caret. Removing an absent caret is a no-op.
	End string
	// Updates one field of an existing caret.
	Field *CaretField
}

// A CaretField names one field update of a setField operation.
type CaretField struct {
	SessionID string
	Key       string
	Value     interface{}
}

// BeginSession returns the op that creates or replaces a session's caret.
func BeginSession(c Caret) CaretOp { return CaretOp{Begin: &c} }

// EndSession returns the op that removes a session's caret.
func EndSession(sessionID string) CaretOp { return CaretOp{End: sessionID} }

// SetField returns the op that updates one caret field.
func SetField(sessionID, key string, value interface{}) CaretOp {
	return CaretOp{Field: &CaretField{SessionID: sessionID, Key: key, Value: value}}
}

func (op CaretOp) sessionID() string {
	switch {
	case op.Begin != nil:
		return op.Begin.SessionID
	case op.Field != nil:
		return op.Field.SessionID
	}
	return op.End
}

// caretSessionOps is the canonical per-session residue of a caret delta:
// the session is either (re)created, removed, or has field updates.
type caretSessionOps struct {
	begin  *Caret
	end    bool
	fields map[string]interface{}
	order  []string // field keys in first-set order
}

func (s *caretSessionOps) strength() int {
	switch {
	case s.end:
		return 3
	case s.begin != nil:
		return 2
	}
	return 1
}

func (s *caretSessionOps) clone() *caretSessionOps {
	out := &caretSessionOps{end: s.end}
	if s.begin != nil {
		c := *s.begin
		out.begin = &c
	}
	if s.fields != nil {
		out.fields = make(map[string]interface{}, len(s.fields))
		for k, v := range s.fields {
			out.fields[k] = v
		}
		out.order = append([]string(nil), s.order...)
	}
	return out
}

func (s *caretSessionOps) setField(key string, value interface{}) {
	if s.fields == nil {
		s.fields = map[string]interface{}{}
	}
	if _, ok := s.fields[key]; !ok {
		s.order = append(s.order, key)
	}
	s.fields[key] = value
}

// A CaretDelta is a delta over the set of session carets. The zero value is
// the empty caret delta.
type CaretDelta struct {
	sessions map[string]*caretSessionOps
}

var _ Delta = CaretDelta{}

// NewCaretDelta constructs a canonical caret delta from ops applied in
// order. Later ops for a session supersede earlier ones: a begin replaces
// accumulated updates, an end cancels them, and a field update after a begin
// folds into the begun caret.
func NewCaretDelta(ops []CaretOp) (CaretDelta, error) {
	sessions := map[string]*caretSessionOps{}
	for _, op := range ops {
		id := op.sessionID()
		if id == "" {
			return CaretDelta{}, BadValueError{Reason: "caret op has empty session id"}
		}
		cur := sessions[id]
		switch {
		case op.Begin != nil:
			if err := op.Begin.Validate(); err != nil {
				return CaretDelta{}, err
			}
			c := *op.Begin
			sessions[id] = &caretSessionOps{begin: &c}
		case op.End != "":
			sessions[id] = &caretSessionOps{end: true}
		case op.Field != nil:
			if cur == nil {
				cur = &caretSessionOps{}
				sessions[id] = cur
			}
			switch {
			case cur.end:
				// The session is gone; the update has nothing to act on.
			case cur.begin != nil:
				c, err := cur.begin.WithField(op.Field.Key, op.Field.Value)
				if err != nil {
					return CaretDelta{}, err
				}
				cur.begin = &c
			default:
				// Validate the key/value against a throwaway caret.
				if _, err := (Caret{}).WithField(op.Field.Key, op.Field.Value); err != nil {
					return CaretDelta{}, err
				}
				cur.setField(op.Field.Key, op.Field.Value)
			}
		default:
			return CaretDelta{}, BadValueError{Reason: "caret op has no operation set"}
		}
	}
	return CaretDelta{sessions: sessions}, nil
}

// CaretDocument constructs the document-form delta describing the given
// carets. Session ids must be unique.
func CaretDocument(carets []Caret) (CaretDelta, error) {
	ops := make([]CaretOp, 0, len(carets))
	seen := map[string]bool{}
	for _, c := range carets {
		if seen[c.SessionID] {
			return CaretDelta{}, BadValueError{Reason: fmt.Sprintf("duplicate caret session id %q", c.SessionID)}
		}
		seen[c.SessionID] = true
		ops = append(ops, BeginSession(c))
	}
	return NewCaretDelta(ops)
}

// Ops returns the canonical operations, ordered by session id, with field
// updates in first-set order.
func (d CaretDelta) Ops() []CaretOp {
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var ops []CaretOp
	for _, id := range ids {
		s := d.sessions[id]
		switch {
		case s.end:
			ops = append(ops, EndSession(id))
		case s.begin != nil:
			ops = append(ops, BeginSession(*s.begin))
		default:
			for _, key := range s.order {
				ops = append(ops, SetField(id, key, s.fields[key]))
			}
		}
	}
	return ops
}

// Carets returns the carets described by a document-form delta, ordered by
// session id.
func (d CaretDelta) Carets() []Caret {
	var out []Caret
	for _, op := range d.Ops() {
		if op.Begin != nil {
			out = append(out, *op.Begin)
		}
	}
	return out
}

// Kind implements the method declared in Delta.
func (d CaretDelta) Kind() Kind { return KindCaret }

// IsEmpty implements the method declared in Delta.
func (d CaretDelta) IsEmpty() bool { return len(d.sessions) == 0 }

// IsDocument implements the method declared in Delta. Document form holds
// when every session is introduced by a begin op.
func (d CaretDelta) IsDocument() bool {
	for _, s := range d.sessions {
		if s.begin == nil {
			return false
		}
	}
	return true
}

// Equal implements the method declared in Delta.
func (d CaretDelta) Equal(other Delta) bool {
	o, ok := other.(CaretDelta)
	if !ok || len(d.sessions) != len(o.sessions) {
		return false
	}
	for id, s := range d.sessions {
		os, ok := o.sessions[id]
		if !ok || s.end != os.end {
			return false
		}
		if (s.begin == nil) != (os.begin == nil) {
			return false
		}
		if s.begin != nil && *s.begin != *os.begin {
			return false
		}
		if len(s.fields) != len(os.fields) {
			return false
		}
		for k, v := range s.fields {
			ov, ok := os.fields[k]
			if !ok || !caretValueEqual(v, ov) {
				return false
			}
		}
	}
	return true
}

func caretValueEqual(a, b interface{}) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		return at.Equal(bt)
	}
	an, aok := asInt(a)
	bn, bok := asInt(b)
	if aok && bok {
		return an == bn
	}
	return a == b
}

// Compose implements the method declared in Delta.
func (d CaretDelta) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(CaretDelta)
	if !ok {
		return nil, kindMismatch(KindCaret, other.Kind())
	}
	result := map[string]*caretSessionOps{}
	for id, s := range d.sessions {
		result[id] = s.clone()
	}
	for id, s := range o.sessions {
		cur := result[id]
		switch {
		case s.begin != nil:
			result[id] = s.clone()
		case s.end:
			result[id] = &caretSessionOps{end: true}
		default:
			switch {
			case cur == nil:
				result[id] = s.clone()
			case cur.end:
				// Updates to a removed session have nothing to act on.
			case cur.begin != nil:
				for _, key := range s.order {
					c, err := cur.begin.WithField(key, s.fields[key])
					if err != nil {
						return nil, err
					}
					cur.begin = &c
				}
			default:
				for _, key := range s.order {
					cur.setField(key, s.fields[key])
				}
			}
		}
	}
	if wantDocument {
		for id, s := range result {
			if s.begin == nil {
				// Ends of absent sessions and updates with no target are
				// idempotent no-ops against the document.
				delete(result, id)
			}
		}
	}
	return CaretDelta{sessions: result}, nil
}

// Transform implements the method declared in Delta. Operations on distinct
// sessions commute. For the same session, the stronger operation survives
// (end over begin over field update); equal-strength races go to the
// receiver when receiverWins is set.
func (d CaretDelta) Transform(other Delta, receiverWins bool) (Delta, error) {
	o, ok := other.(CaretDelta)
	if !ok {
		return nil, kindMismatch(KindCaret, other.Kind())
	}
	result := map[string]*caretSessionOps{}
	for id, os := range o.sessions {
		rs := d.sessions[id]
		if rs == nil {
			result[id] = os.clone()
			continue
		}
		switch {
		case os.strength() > rs.strength():
			result[id] = os.clone()
		case os.strength() < rs.strength():
			// The receiver's stronger op supersedes other's.
		default:
			switch os.strength() {
			case 3: // end vs end: one is enough.
			case 2: // begin vs begin: the winner's caret stands.
				if !receiverWins {
					result[id] = os.clone()
				}
			default: // field updates: resolve per key.
				merged := &caretSessionOps{}
				for _, key := range os.order {
					if _, conflict := rs.fields[key]; conflict && receiverWins {
						continue
					}
					merged.setField(key, os.fields[key])
				}
				if len(merged.fields) > 0 {
					result[id] = merged
				}
			}
		}
	}
	return CaretDelta{sessions: result}, nil
}
