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
	"reflect"

	quill "github.com/fmpwizard/go-quilljs-delta/delta"
)

// A Body is a delta over the rich-text document body. The operation
// representation (retain / insert / delete with attribute maps) comes from
// the quill delta library; Body adds the document-form predicate and the
// canonical Compose / Transform contract shared by all payload kinds.
//
// The zero value is the empty body delta.
type Body struct {
	ops []quill.Op
}

var _ Delta = Body{}

// NewBody constructs a Body from quill operations. The ops are copied and
// canonicalized (adjacent compatible ops merged, trailing attribute-free
// retains dropped).
func NewBody(ops []quill.Op) Body {
	d := quill.New(nil)
	for _, op := range ops {
		d.Push(op)
	}
	return Body{ops: chop(d.Ops)}
}

// BodyInsert is a convenience constructor for a document containing only the
// given text.
func BodyInsert(text string, attributes map[string]interface{}) Body {
	return NewBody(quill.New(nil).Insert(text, attributes).Ops)
}

// Ops returns a copy of the canonical quill operations.
func (b Body) Ops() []quill.Op {
	out := make([]quill.Op, len(b.ops))
	copy(out, b.ops)
	return out
}

// Kind implements the method declared in Delta.
func (b Body) Kind() Kind { return KindBody }

// IsEmpty implements the method declared in Delta.
func (b Body) IsEmpty() bool { return len(b.ops) == 0 }

// IsDocument implements the method declared in Delta. A body delta is in
// document form when every operation is an insert.
func (b Body) IsDocument() bool {
	for _, op := range b.ops {
		if op.Insert == nil {
			return false
		}
	}
	return true
}

// Length returns the length in runes of the document this delta describes.
// Only meaningful for document-form deltas.
func (b Body) Length() int {
	n := 0
	for _, op := range b.ops {
		n += len(op.Insert)
	}
	return n
}

// Text returns the plain text of a document-form delta, ignoring attributes.
func (b Body) Text() string {
	var runes []rune
	for _, op := range b.ops {
		runes = append(runes, op.Insert...)
	}
	return string(runes)
}

// Equal implements the method declared in Delta.
func (b Body) Equal(other Delta) bool {
	o, ok := other.(Body)
	if !ok {
		return false
	}
	if len(b.ops) != len(o.ops) {
		return false
	}
	for i := range b.ops {
		if !opEqual(b.ops[i], o.ops[i]) {
			return false
		}
	}
	return true
}

// Compose implements the method declared in Delta.
func (b Body) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(Body)
	if !ok {
		return nil, kindMismatch(KindBody, other.Kind())
	}
	composed := b.quill().Compose(*o.quill())
	result := Body{ops: chop(composed.Ops)}
	if wantDocument && !result.IsDocument() {
		return nil, BadDataError{Reason: "composed body delta is not document form"}
	}
	return result, nil
}

// Transform implements the method declared in Delta.
func (b Body) Transform(other Delta, receiverWins bool) (Delta, error) {
	o, ok := other.(Body)
	if !ok {
		return nil, kindMismatch(KindBody, other.Kind())
	}
	// The quill library's priority flag marks the receiver as having
	// happened first, which is exactly receiverWins here.
	transformed := b.quill().Transform(*o.quill(), receiverWins)
	return Body{ops: chop(transformed.Ops)}, nil
}

func (b Body) quill() *quill.Delta {
	ops := make([]quill.Op, len(b.ops))
	copy(ops, b.ops)
	return quill.New(ops)
}

// chop drops a trailing retain that carries no attributes; such a retain has
// no effect and would break canonical equality.
func chop(ops []quill.Op) []quill.Op {
	for len(ops) > 0 {
		last := ops[len(ops)-1]
		if last.Retain != nil && len(last.Attributes) == 0 {
			ops = ops[:len(ops)-1]
			continue
		}
		break
	}
	out := make([]quill.Op, len(ops))
	copy(out, ops)
	return out
}

func opEqual(a, b quill.Op) bool {
	if string(a.Insert) != string(b.Insert) {
		return false
	}
	if (a.Retain == nil) != (b.Retain == nil) {
		return false
	}
	if a.Retain != nil && *a.Retain != *b.Retain {
		return false
	}
	if (a.Delete == nil) != (b.Delete == nil) {
		return false
	}
	if a.Delete != nil && *a.Delete != *b.Delete {
		return false
	}
	if len(a.Attributes) == 0 && len(b.Attributes) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Attributes, b.Attributes)
}
