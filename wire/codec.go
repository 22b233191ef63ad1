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

// Package wire encodes the document model for storage and for the API
// protocol. Each registered class encodes as a single-key JSON object
// {"<Name>": [...ctorArgs]} and decodes by constructor dispatch. Values are
// re-validated on every decode: a divergent encoding is rejected with
// badData rather than passed through.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	quill "github.com/fmpwizard/go-quilljs-delta/delta"
	"github.com/mitchellh/mapstructure"
	"github.com/sfescape/bayou/ot"
)

// The registered class names.
const (
	NameBodyDelta     = "BodyDelta"
	NameCaretDelta    = "CaretDelta"
	NamePropsDelta    = "PropsDelta"
	NameChange        = "Change"
	NameSnapshot      = "Snapshot"
	NameCaret         = "Caret"
	NameCaretSnapshot = "CaretSnapshot"
	NameTimestamp     = "Timestamp"
)

// A Codec translates between the document model and JSON-ready values.
// Construct one with NewCodec and share it; it is immutable after
// construction. There is deliberately no process-wide codec instance.
type Codec struct {
	decoders map[string]func(c *Codec, args []interface{}) (interface{}, error)
}

// NewCodec returns a codec with all standard encodings registered.
func NewCodec() *Codec {
	c := &Codec{decoders: map[string]func(*Codec, []interface{}) (interface{}, error){}}
	c.decoders[NameBodyDelta] = decodeBodyDelta
	c.decoders[NameCaretDelta] = decodeCaretDelta
	c.decoders[NamePropsDelta] = decodePropsDelta
	c.decoders[NameChange] = decodeChange
	c.decoders[NameSnapshot] = decodeSnapshot
	c.decoders[NameCaret] = decodeCaret
	c.decoders[NameCaretSnapshot] = decodeCaretSnapshot
	c.decoders[NameTimestamp] = decodeTimestamp
	return c
}

func tagged(name string, args ...interface{}) map[string]interface{} {
	return map[string]interface{}{name: args}
}

// Encode converts a model value into a JSON-ready value: maps, slices, and
// primitives only. Plain primitives pass through; registered classes become
// {"<Name>": [args]} objects.
func (c *Codec) Encode(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, int, int64:
		return t, nil
	case time.Time:
		return tagged(NameTimestamp, t.UnixMilli()), nil
	case ot.Body:
		return c.encodeBody(t)
	case ot.CaretDelta:
		return c.encodeCaretDelta(t)
	case ot.Properties:
		return c.encodeProps(t)
	case ot.Change:
		return c.encodeChange(t)
	case ot.Snapshot:
		return c.encodeSnapshot(t)
	case ot.Caret:
		return c.encodeCaret(t)
	case ot.CaretSnapshot:
		return c.encodeCaretSnapshot(t)
	case ot.Delta:
		return nil, ot.BadValueError{Reason: fmt.Sprintf("unencodable delta type %T", v)}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			enc, err := c.Encode(item)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			enc, err := c.Encode(item)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	}
	return nil, ot.BadValueError{Reason: fmt.Sprintf("unencodable type %T", v)}
}

// EncodeJSON encodes the value to JSON bytes.
func (c *Codec) EncodeJSON(v interface{}) ([]byte, error) {
	enc, err := c.Encode(v)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(enc)
	if err != nil {
		return nil, ot.BadValueError{Reason: fmt.Sprintf("cannot marshal: %v", err)}
	}
	return data, nil
}

// Decode converts a JSON-ready value back into the model. Single-key objects
// whose key is a registered class name dispatch to that class's constructor;
// everything else passes through with its elements decoded.
func (c *Codec) Decode(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 1 {
			for name, raw := range t {
				decoder, ok := c.decoders[name]
				if !ok {
					break
				}
				args, ok := raw.([]interface{})
				if !ok {
					return nil, ot.BadDataError{Reason: fmt.Sprintf("%v payload is not an argument list", name)}
				}
				return decoder(c, args)
			}
		}
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			dec, err := c.Decode(item)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			dec, err := c.Decode(item)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	}
	return v, nil
}

// DecodeJSON decodes JSON bytes back into the model.
func (c *Codec) DecodeJSON(data []byte) (interface{}, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, ot.BadDataError{Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return c.Decode(v)
}

// DecodeDelta decodes a value that must be a delta.
func (c *Codec) DecodeDelta(v interface{}) (ot.Delta, error) {
	dec, err := c.Decode(v)
	if err != nil {
		return nil, err
	}
	d, ok := dec.(ot.Delta)
	if !ok {
		return nil, ot.BadDataError{Reason: fmt.Sprintf("expected a delta, got %T", dec)}
	}
	return d, nil
}

// DecodeChange decodes a value that must be a change.
func (c *Codec) DecodeChange(v interface{}) (ot.Change, error) {
	dec, err := c.Decode(v)
	if err != nil {
		return ot.Change{}, err
	}
	ch, ok := dec.(ot.Change)
	if !ok {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf("expected a change, got %T", dec)}
	}
	return ch, nil
}

// DecodeChangeJSON decodes JSON bytes that must hold a change.
func (c *Codec) DecodeChangeJSON(data []byte) (ot.Change, error) {
	v, err := c.DecodeJSON(data)
	if err != nil {
		return ot.Change{}, err
	}
	ch, ok := v.(ot.Change)
	if !ok {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf("expected a change, got %T", v)}
	}
	return ch, nil
}

// DecodeSnapshot decodes a value that must be a snapshot.
func (c *Codec) DecodeSnapshot(v interface{}) (ot.Snapshot, error) {
	dec, err := c.Decode(v)
	if err != nil {
		return ot.Snapshot{}, err
	}
	s, ok := dec.(ot.Snapshot)
	if !ok {
		return ot.Snapshot{}, ot.BadDataError{Reason: fmt.Sprintf("expected a snapshot, got %T", dec)}
	}
	return s, nil
}

// DecodeCaretSnapshot decodes a value that must be a caret snapshot.
func (c *Codec) DecodeCaretSnapshot(v interface{}) (ot.CaretSnapshot, error) {
	dec, err := c.Decode(v)
	if err != nil {
		return ot.CaretSnapshot{}, err
	}
	s, ok := dec.(ot.CaretSnapshot)
	if !ok {
		return ot.CaretSnapshot{}, ot.BadDataError{Reason: fmt.Sprintf("expected a caret snapshot, got %T", dec)}
	}
	return s, nil
}

// DecodeCaret decodes a value that must be a caret.
func (c *Codec) DecodeCaret(v interface{}) (ot.Caret, error) {
	dec, err := c.Decode(v)
	if err != nil {
		return ot.Caret{}, err
	}
	caret, ok := dec.(ot.Caret)
	if !ok {
		return ot.Caret{}, ot.BadDataError{Reason: fmt.Sprintf("expected a caret, got %T", dec)}
	}
	return caret, nil
}

// Body deltas.

func (c *Codec) encodeBody(b ot.Body) (interface{}, error) {
	ops := b.Ops()
	encOps := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		m := map[string]interface{}{}
		switch {
		case op.Insert != nil:
			m["insert"] = string(op.Insert)
		case op.Retain != nil:
			m["retain"] = *op.Retain
		case op.Delete != nil:
			m["delete"] = *op.Delete
		}
		if len(op.Attributes) > 0 {
			m["attributes"] = op.Attributes
		}
		encOps = append(encOps, m)
	}
	return tagged(NameBodyDelta, encOps), nil
}

type bodyOpShape struct {
	Insert     *string
	Retain     *int
	Delete     *int
	Attributes map[string]interface{}
}

func decodeBodyDelta(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadDataError{Reason: "BodyDelta wants 1 argument"}
	}
	rawOps, ok := args[0].([]interface{})
	if !ok {
		return nil, ot.BadDataError{Reason: "BodyDelta ops is not a list"}
	}
	d := quill.New(nil)
	for _, rawOp := range rawOps {
		var shape bodyOpShape
		if err := strictDecode(rawOp, &shape); err != nil {
			return nil, ot.BadDataError{Reason: fmt.Sprintf("malformed body op: %v", err)}
		}
		set := 0
		for _, present := range []bool{shape.Insert != nil, shape.Retain != nil, shape.Delete != nil} {
			if present {
				set++
			}
		}
		if set != 1 {
			return nil, ot.BadDataError{Reason: "body op must have exactly one of insert/retain/delete"}
		}
		switch {
		case shape.Insert != nil:
			if *shape.Insert == "" {
				return nil, ot.BadDataError{Reason: "body insert is empty"}
			}
			d.Insert(*shape.Insert, shape.Attributes)
		case shape.Retain != nil:
			if *shape.Retain <= 0 {
				return nil, ot.BadDataError{Reason: "body retain is not positive"}
			}
			d.Retain(*shape.Retain, shape.Attributes)
		case shape.Delete != nil:
			if *shape.Delete <= 0 {
				return nil, ot.BadDataError{Reason: "body delete is not positive"}
			}
			if len(shape.Attributes) > 0 {
				return nil, ot.BadDataError{Reason: "body delete cannot carry attributes"}
			}
			d.Delete(*shape.Delete)
		}
	}
	return ot.NewBody(d.Ops), nil
}

// Caret deltas.

func (c *Codec) encodeCaret(caret ot.Caret) (interface{}, error) {
	return tagged(NameCaret,
		caret.SessionID, caret.AuthorID, caret.DocRevNum, caret.Index,
		caret.Length, caret.Color, caret.LastActive.UnixMilli()), nil
}

func decodeCaret(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 7 {
		return nil, ot.BadDataError{Reason: "Caret wants 7 arguments"}
	}
	sessionID, ok1 := args[0].(string)
	authorID, ok2 := args[1].(string)
	docRevNum, ok3 := asInt(args[2])
	index, ok4 := asInt(args[3])
	length, ok5 := asInt(args[4])
	color, ok6 := args[5].(string)
	msec, ok7 := asInt64(args[6])
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return nil, ot.BadDataError{Reason: "malformed Caret arguments"}
	}
	caret := ot.Caret{
		SessionID:  sessionID,
		AuthorID:   authorID,
		DocRevNum:  docRevNum,
		Index:      index,
		Length:     length,
		Color:      color,
		LastActive: time.UnixMilli(msec).UTC(),
	}
	if err := caret.Validate(); err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	return caret, nil
}

func (c *Codec) encodeCaretDelta(d ot.CaretDelta) (interface{}, error) {
	ops := d.Ops()
	encOps := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		switch {
		case op.Begin != nil:
			enc, err := c.encodeCaret(*op.Begin)
			if err != nil {
				return nil, err
			}
			encOps = append(encOps, tagged("beginSession", enc))
		case op.End != "":
			encOps = append(encOps, tagged("endSession", op.End))
		case op.Field != nil:
			value, err := c.Encode(op.Field.Value)
			if err != nil {
				return nil, err
			}
			encOps = append(encOps, tagged("setField", op.Field.SessionID, op.Field.Key, value))
		}
	}
	return tagged(NameCaretDelta, encOps), nil
}

func decodeCaretDelta(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadDataError{Reason: "CaretDelta wants 1 argument"}
	}
	rawOps, ok := args[0].([]interface{})
	if !ok {
		return nil, ot.BadDataError{Reason: "CaretDelta ops is not a list"}
	}
	ops := make([]ot.CaretOp, 0, len(rawOps))
	for _, rawOp := range rawOps {
		name, opArgs, err := taggedOp(rawOp)
		if err != nil {
			return nil, err
		}
		switch name {
		case "beginSession":
			if len(opArgs) != 1 {
				return nil, ot.BadDataError{Reason: "beginSession wants 1 argument"}
			}
			caret, err := c.DecodeCaret(opArgs[0])
			if err != nil {
				return nil, err
			}
			ops = append(ops, ot.BeginSession(caret))
		case "endSession":
			if len(opArgs) != 1 {
				return nil, ot.BadDataError{Reason: "endSession wants 1 argument"}
			}
			id, ok := opArgs[0].(string)
			if !ok || id == "" {
				return nil, ot.BadDataError{Reason: "endSession wants a session id"}
			}
			ops = append(ops, ot.EndSession(id))
		case "setField":
			if len(opArgs) != 3 {
				return nil, ot.BadDataError{Reason: "setField wants 3 arguments"}
			}
			id, ok1 := opArgs[0].(string)
			key, ok2 := opArgs[1].(string)
			if !ok1 || !ok2 {
				return nil, ot.BadDataError{Reason: "malformed setField arguments"}
			}
			value, err := c.Decode(opArgs[2])
			if err != nil {
				return nil, err
			}
			ops = append(ops, ot.SetField(id, key, value))
		default:
			return nil, ot.BadDataError{Reason: fmt.Sprintf("unknown caret op %q", name)}
		}
	}
	d, err := ot.NewCaretDelta(ops)
	if err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	return d, nil
}

// Property deltas.

func (c *Codec) encodeProps(d ot.Properties) (interface{}, error) {
	ops := d.Ops()
	encOps := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		if op.Delete {
			encOps = append(encOps, tagged("deleteProperty", op.Key))
		} else {
			value, err := c.Encode(op.Value)
			if err != nil {
				return nil, err
			}
			encOps = append(encOps, tagged("setProperty", op.Key, value))
		}
	}
	return tagged(NamePropsDelta, encOps), nil
}

func decodePropsDelta(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadDataError{Reason: "PropsDelta wants 1 argument"}
	}
	rawOps, ok := args[0].([]interface{})
	if !ok {
		return nil, ot.BadDataError{Reason: "PropsDelta ops is not a list"}
	}
	ops := make([]ot.PropertyOp, 0, len(rawOps))
	for _, rawOp := range rawOps {
		name, opArgs, err := taggedOp(rawOp)
		if err != nil {
			return nil, err
		}
		switch name {
		case "setProperty":
			if len(opArgs) != 2 {
				return nil, ot.BadDataError{Reason: "setProperty wants 2 arguments"}
			}
			key, ok := opArgs[0].(string)
			if !ok {
				return nil, ot.BadDataError{Reason: "setProperty wants a string key"}
			}
			value, err := c.Decode(opArgs[1])
			if err != nil {
				return nil, err
			}
			ops = append(ops, ot.SetProperty(key, value))
		case "deleteProperty":
			if len(opArgs) != 1 {
				return nil, ot.BadDataError{Reason: "deleteProperty wants 1 argument"}
			}
			key, ok := opArgs[0].(string)
			if !ok {
				return nil, ot.BadDataError{Reason: "deleteProperty wants a string key"}
			}
			ops = append(ops, ot.DeleteProperty(key))
		default:
			return nil, ot.BadDataError{Reason: fmt.Sprintf("unknown property op %q", name)}
		}
	}
	d, err := ot.NewProperties(ops)
	if err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	return d, nil
}

// Changes and snapshots.

func (c *Codec) encodeChange(ch ot.Change) (interface{}, error) {
	delta, err := c.Encode(ch.Delta)
	if err != nil {
		return nil, err
	}
	var ts interface{}
	if !ch.Timestamp.IsZero() {
		ts = tagged(NameTimestamp, ch.Timestamp.UnixMilli())
	}
	var author interface{}
	if ch.AuthorID != "" {
		author = ch.AuthorID
	}
	return tagged(NameChange, ch.RevNum, delta, ts, author), nil
}

func decodeChange(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 4 {
		return nil, ot.BadDataError{Reason: "Change wants 4 arguments"}
	}
	revNum, ok := asInt(args[0])
	if !ok || revNum < 0 {
		return nil, ot.BadDataError{Reason: "Change revNum is not a non-negative integer"}
	}
	delta, err := c.DecodeDelta(args[1])
	if err != nil {
		return nil, err
	}
	ch := ot.Change{RevNum: revNum, Delta: delta}
	if args[2] != nil {
		dec, err := c.Decode(args[2])
		if err != nil {
			return nil, err
		}
		ts, ok := dec.(time.Time)
		if !ok {
			return nil, ot.BadDataError{Reason: "Change timestamp is not a Timestamp"}
		}
		ch.Timestamp = ts
	}
	if args[3] != nil {
		author, ok := args[3].(string)
		if !ok {
			return nil, ot.BadDataError{Reason: "Change authorId is not a string"}
		}
		ch.AuthorID = author
	}
	return ch, nil
}

func (c *Codec) encodeSnapshot(s ot.Snapshot) (interface{}, error) {
	contents, err := c.Encode(s.Contents)
	if err != nil {
		return nil, err
	}
	return tagged(NameSnapshot, s.RevNum, contents), nil
}

func decodeSnapshot(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, ot.BadDataError{Reason: "Snapshot wants 2 arguments"}
	}
	revNum, ok := asInt(args[0])
	if !ok {
		return nil, ot.BadDataError{Reason: "Snapshot revNum is not an integer"}
	}
	contents, err := c.DecodeDelta(args[1])
	if err != nil {
		return nil, err
	}
	s, err := ot.NewSnapshot(revNum, contents)
	if err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	return s, nil
}

func (c *Codec) encodeCaretSnapshot(s ot.CaretSnapshot) (interface{}, error) {
	carets := make([]interface{}, 0, len(s.Carets))
	for _, caret := range s.Carets {
		enc, err := c.encodeCaret(caret)
		if err != nil {
			return nil, err
		}
		carets = append(carets, enc)
	}
	return tagged(NameCaretSnapshot, s.RevNum, carets), nil
}

func decodeCaretSnapshot(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, ot.BadDataError{Reason: "CaretSnapshot wants 2 arguments"}
	}
	revNum, ok := asInt(args[0])
	if !ok {
		return nil, ot.BadDataError{Reason: "CaretSnapshot revNum is not an integer"}
	}
	rawCarets, ok := args[1].([]interface{})
	if !ok {
		return nil, ot.BadDataError{Reason: "CaretSnapshot carets is not a list"}
	}
	carets := make([]ot.Caret, 0, len(rawCarets))
	for _, raw := range rawCarets {
		caret, err := c.DecodeCaret(raw)
		if err != nil {
			return nil, err
		}
		carets = append(carets, caret)
	}
	contents, err := ot.CaretDocument(carets)
	if err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	s, err := ot.NewCaretSnapshot(revNum, contents)
	if err != nil {
		return nil, ot.BadDataError{Reason: err.Error()}
	}
	return s, nil
}

func decodeTimestamp(c *Codec, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadDataError{Reason: "Timestamp wants 1 argument"}
	}
	msec, ok := asInt64(args[0])
	if !ok {
		return nil, ot.BadDataError{Reason: "Timestamp wants epoch milliseconds"}
	}
	return time.UnixMilli(msec).UTC(), nil
}

// Helpers.

func taggedOp(v interface{}) (string, []interface{}, error) {
	m, ok := v.(map[string]interface{})
	if !ok || len(m) != 1 {
		return "", nil, ot.BadDataError{Reason: "op is not a single-key object"}
	}
	for name, raw := range m {
		args, ok := raw.([]interface{})
		if !ok {
			return "", nil, ot.BadDataError{Reason: fmt.Sprintf("op %v payload is not an argument list", name)}
		}
		return name, args, nil
	}
	return "", nil, ot.BadDataError{Reason: "empty op"}
}

func strictDecode(input interface{}, result interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func asInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
