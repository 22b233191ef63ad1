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

	quill "github.com/fmpwizard/go-quilljs-delta/delta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Change_ValidateForLog(t *testing.T) {
	assert.NoError(t, NewChange(0, Body{}).ValidateForLog())
	assert.NoError(t, NewChange(0, BodyInsert("hi", nil)).ValidateForLog())

	edit := NewBody(quill.New(nil).Retain(2, nil).Insert("!", nil).Ops)
	assert.NoError(t, NewChange(1, edit).ValidateForLog())

	// Typing into an empty document is a valid edit even though the delta
	// is all inserts.
	assert.NoError(t, NewChange(1, BodyInsert("hi", nil)).ValidateForLog())

	// Later changes must be non-empty; the first must be document form.
	assert.True(t, IsBadData(NewChange(1, Body{}).ValidateForLog()))
	assert.True(t, IsBadData(NewChange(0, edit).ValidateForLog()))
	assert.True(t, IsBadValue(NewChange(-1, edit).ValidateForLog()))
	assert.True(t, IsBadValue(Change{RevNum: 1}.ValidateForLog()))
}

func Test_Snapshot_Apply(t *testing.T) {
	snap, err := NewSnapshot(0, BodyInsert("hello", nil))
	require.NoError(t, err)

	edit := NewBody(quill.New(nil).Retain(5, nil).Insert(" world", nil).Ops)
	next, err := snap.Apply(NewChange(1, edit))
	require.NoError(t, err)
	assert.Equal(t, 1, next.RevNum)
	assert.Equal(t, "hello world", next.Contents.(Body).Text())
	assert.True(t, next.Contents.IsDocument())

	// Revision numbers must be contiguous.
	_, err = snap.Apply(NewChange(5, edit))
	assert.True(t, IsBadValue(err))
}

func Test_NewSnapshot_rejectsEdits(t *testing.T) {
	edit := NewBody(quill.New(nil).Retain(5, nil).Insert("!", nil).Ops)
	_, err := NewSnapshot(0, edit)
	assert.True(t, IsBadData(err))
	_, err = NewSnapshot(-1, Body{})
	assert.True(t, IsBadValue(err))
}

func Test_Empty(t *testing.T) {
	for _, kind := range []Kind{KindBody, KindCaret, KindProperty} {
		d := Empty(kind)
		assert.Equal(t, kind, d.Kind())
		assert.True(t, d.IsEmpty())
		assert.True(t, d.IsDocument())
	}
}
