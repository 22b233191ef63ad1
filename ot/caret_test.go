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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCaret(session string, index int) Caret {
	return Caret{
		SessionID:  session,
		AuthorID:   "author-" + session,
		DocRevNum:  1,
		Index:      index,
		Length:     0,
		Color:      "#2a7fff",
		LastActive: time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func Test_Caret_Validate(t *testing.T) {
	assert.NoError(t, testCaret("s1", 0).Validate())

	c := testCaret("s1", 0)
	c.SessionID = ""
	assert.True(t, IsBadValue(c.Validate()))

	c = testCaret("s1", 0)
	c.Index = -1
	assert.True(t, IsBadValue(c.Validate()))

	c = testCaret("s1", 0)
	c.Color = "#ABCDEF"
	assert.True(t, IsBadValue(c.Validate()), "uppercase hex is rejected")

	c = testCaret("s1", 0)
	c.Color = "blue"
	assert.True(t, IsBadValue(c.Validate()))
}

func Test_CaretDelta_documentForm(t *testing.T) {
	doc, err := CaretDocument([]Caret{testCaret("s1", 0), testCaret("s2", 3)})
	require.NoError(t, err)
	assert.True(t, doc.IsDocument())
	assert.Len(t, doc.Carets(), 2)

	_, err = CaretDocument([]Caret{testCaret("s1", 0), testCaret("s1", 3)})
	assert.True(t, IsBadValue(err), "duplicate session ids are rejected")

	edit, err := NewCaretDelta([]CaretOp{SetField("s1", CaretFieldIndex, 4)})
	require.NoError(t, err)
	assert.False(t, edit.IsDocument())

	end, err := NewCaretDelta([]CaretOp{EndSession("s1")})
	require.NoError(t, err)
	assert.False(t, end.IsDocument())
}

func Test_CaretDelta_canonicalization(t *testing.T) {
	// A field update following a begin folds into the begun caret.
	d, err := NewCaretDelta([]CaretOp{
		BeginSession(testCaret("s1", 0)),
		SetField("s1", CaretFieldIndex, 7),
	})
	require.NoError(t, err)
	ops := d.Ops()
	require.Len(t, ops, 1)
	require.NotNil(t, ops[0].Begin)
	assert.Equal(t, 7, ops[0].Begin.Index)

	// An end cancels everything before it for the session.
	d, err = NewCaretDelta([]CaretOp{
		BeginSession(testCaret("s1", 0)),
		EndSession("s1"),
	})
	require.NoError(t, err)
	ops = d.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, "s1", ops[0].End)

	// Repeated updates to one field collapse to the last value.
	d, err = NewCaretDelta([]CaretOp{
		SetField("s1", CaretFieldIndex, 2),
		SetField("s1", CaretFieldIndex, 9),
	})
	require.NoError(t, err)
	ops = d.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, 9, ops[0].Field.Value)
}

func Test_CaretDelta_Compose(t *testing.T) {
	doc, err := CaretDocument([]Caret{testCaret("s1", 0), testCaret("s2", 3)})
	require.NoError(t, err)

	edit, err := NewCaretDelta([]CaretOp{
		SetField("s1", CaretFieldIndex, 5),
		EndSession("s2"),
		BeginSession(testCaret("s3", 1)),
	})
	require.NoError(t, err)

	got, err := doc.Compose(edit, true)
	require.NoError(t, err)
	carets := got.(CaretDelta).Carets()
	require.Len(t, carets, 2)
	assert.Equal(t, "s1", carets[0].SessionID)
	assert.Equal(t, 5, carets[0].Index)
	assert.Equal(t, "s3", carets[1].SessionID)
}

func Test_CaretDelta_Compose_absentSession(t *testing.T) {
	doc, err := CaretDocument([]Caret{testCaret("s1", 0)})
	require.NoError(t, err)
	edit, err := NewCaretDelta([]CaretOp{
		SetField("ghost", CaretFieldIndex, 5),
		EndSession("ghost2"),
	})
	require.NoError(t, err)
	got, err := doc.Compose(edit, true)
	require.NoError(t, err)
	assert.Len(t, got.(CaretDelta).Carets(), 1)
	assert.True(t, got.IsDocument())
}

func caretTP1(t *testing.T, base, a, b CaretDelta) Delta {
	t.Helper()
	bPrime, err := a.Transform(b, true)
	require.NoError(t, err)
	aPrime, err := b.Transform(a, false)
	require.NoError(t, err)

	viaA, err := base.Compose(a, true)
	require.NoError(t, err)
	viaA, err = viaA.Compose(bPrime, true)
	require.NoError(t, err)

	viaB, err := base.Compose(b, true)
	require.NoError(t, err)
	viaB, err = viaB.Compose(aPrime, true)
	require.NoError(t, err)

	assert.True(t, viaA.Equal(viaB), "TP1 violated:\n a side %v\n b side %v", viaA, viaB)
	return viaA
}

func Test_CaretDelta_Transform_TP1(t *testing.T) {
	base, err := CaretDocument([]Caret{testCaret("s1", 0), testCaret("s2", 3)})
	require.NoError(t, err)

	mustDelta := func(ops ...CaretOp) CaretDelta {
		d, err := NewCaretDelta(ops)
		require.NoError(t, err)
		return d
	}

	tests := []struct {
		name string
		a, b CaretDelta
	}{
		{"distinct sessions", mustDelta(SetField("s1", CaretFieldIndex, 5)), mustDelta(SetField("s2", CaretFieldIndex, 6))},
		{"field vs field same key", mustDelta(SetField("s1", CaretFieldIndex, 5)), mustDelta(SetField("s1", CaretFieldIndex, 6))},
		{"field vs field different keys", mustDelta(SetField("s1", CaretFieldIndex, 5)), mustDelta(SetField("s1", CaretFieldLength, 2))},
		{"end vs field", mustDelta(EndSession("s1")), mustDelta(SetField("s1", CaretFieldIndex, 6))},
		{"begin vs begin", mustDelta(BeginSession(testCaret("s3", 1))), mustDelta(BeginSession(testCaret("s3", 9)))},
		{"end vs begin", mustDelta(EndSession("s2")), mustDelta(BeginSession(testCaret("s2", 9)))},
		{"end vs end", mustDelta(EndSession("s2")), mustDelta(EndSession("s2"))},
		{"begin vs field", mustDelta(BeginSession(testCaret("s1", 8))), mustDelta(SetField("s1", CaretFieldLength, 4))},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			caretTP1(t, base, test.a, test.b)
		})
	}
}

func Test_CaretDelta_Transform_receiverWins(t *testing.T) {
	a, err := NewCaretDelta([]CaretOp{SetField("s1", CaretFieldIndex, 5)})
	require.NoError(t, err)
	b, err := NewCaretDelta([]CaretOp{SetField("s1", CaretFieldIndex, 6)})
	require.NoError(t, err)

	bPrime, err := a.Transform(b, true)
	require.NoError(t, err)
	assert.True(t, bPrime.IsEmpty(), "the receiver's value survives the race")

	bPrime, err = a.Transform(b, false)
	require.NoError(t, err)
	assert.False(t, bPrime.IsEmpty())
}

func Test_CaretSnapshot_uniqueSessions(t *testing.T) {
	doc, err := CaretDocument([]Caret{testCaret("s1", 0), testCaret("s2", 3)})
	require.NoError(t, err)
	snap, err := NewCaretSnapshot(4, doc)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, c := range snap.Carets {
		assert.False(t, seen[c.SessionID])
		seen[c.SessionID] = true
	}
	got, ok := snap.Caret("s2")
	assert.True(t, ok)
	assert.Equal(t, 3, got.Index)
	_, ok = snap.Caret("nope")
	assert.False(t, ok)
}
