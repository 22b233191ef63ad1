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
	"sort"
)

// A PropertyOp is one operation of a properties delta: either a set of one
// key or a delete of one key.
type PropertyOp struct {
	Key    string
	Value  interface{}
	Delete bool
}

// SetProperty returns the op that binds key to value.
func SetProperty(key string, value interface{}) PropertyOp {
	return PropertyOp{Key: key, Value: value}
}

// DeleteProperty returns the op that removes key. Deleting an absent key is
// a no-op.
func DeleteProperty(key string) PropertyOp {
	return PropertyOp{Key: key, Delete: true}
}

type propEntry struct {
	value  interface{}
	delete bool
}

// Properties is a delta over the document's key/value properties. The zero
// value is the empty properties delta.
type Properties struct {
	props map[string]propEntry
}

var _ Delta = Properties{}

// NewProperties constructs a canonical properties delta from ops applied in
// order; the last op for a key wins.
func NewProperties(ops []PropertyOp) (Properties, error) {
	props := map[string]propEntry{}
	for _, op := range ops {
		if op.Key == "" {
			return Properties{}, BadValueError{Reason: "property op has empty key"}
		}
		props[op.Key] = propEntry{value: op.Value, delete: op.Delete}
	}
	return Properties{props: props}, nil
}

// Ops returns the canonical operations ordered by key.
func (d Properties) Ops() []PropertyOp {
	keys := make([]string, 0, len(d.props))
	for k := range d.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ops := make([]PropertyOp, 0, len(keys))
	for _, k := range keys {
		e := d.props[k]
		if e.delete {
			ops = append(ops, DeleteProperty(k))
		} else {
			ops = append(ops, SetProperty(k, e.value))
		}
	}
	return ops
}

// Get returns the value bound to key by a document-form delta.
func (d Properties) Get(key string) (interface{}, bool) {
	e, ok := d.props[key]
	if !ok || e.delete {
		return nil, false
	}
	return e.value, true
}

// Kind implements the method declared in Delta.
func (d Properties) Kind() Kind { return KindProperty }

// IsEmpty implements the method declared in Delta.
func (d Properties) IsEmpty() bool { return len(d.props) == 0 }

// IsDocument implements the method declared in Delta. Document form holds
// when the delta contains no deletes.
func (d Properties) IsDocument() bool {
	for _, e := range d.props {
		if e.delete {
			return false
		}
	}
	return true
}

// Equal implements the method declared in Delta.
func (d Properties) Equal(other Delta) bool {
	o, ok := other.(Properties)
	if !ok || len(d.props) != len(o.props) {
		return false
	}
	for k, e := range d.props {
		oe, ok := o.props[k]
		if !ok || e.delete != oe.delete || !reflect.DeepEqual(e.value, oe.value) {
			return false
		}
	}
	return true
}

// Compose implements the method declared in Delta.
func (d Properties) Compose(other Delta, wantDocument bool) (Delta, error) {
	o, ok := other.(Properties)
	if !ok {
		return nil, kindMismatch(KindProperty, other.Kind())
	}
	result := make(map[string]propEntry, len(d.props)+len(o.props))
	for k, e := range d.props {
		result[k] = e
	}
	for k, e := range o.props {
		result[k] = e
	}
	if wantDocument {
		for k, e := range result {
			if e.delete {
				// Deletes of absent keys are idempotent no-ops against the
				// document; deletes of present keys remove the binding.
				delete(result, k)
			}
		}
	}
	return Properties{props: result}, nil
}

// Transform implements the method declared in Delta. Operations on distinct
// keys commute; same-key races go to the receiver when receiverWins is set.
func (d Properties) Transform(other Delta, receiverWins bool) (Delta, error) {
	o, ok := other.(Properties)
	if !ok {
		return nil, kindMismatch(KindProperty, other.Kind())
	}
	result := map[string]propEntry{}
	for k, e := range o.props {
		if _, conflict := d.props[k]; conflict && receiverWins {
			continue
		}
		result[k] = e
	}
	return Properties{props: result}, nil
}
