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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustProps(t *testing.T, ops ...PropertyOp) Properties {
	t.Helper()
	d, err := NewProperties(ops)
	require.NoError(t, err)
	return d
}

func Test_Properties_documentForm(t *testing.T) {
	doc := mustProps(t, SetProperty("title", "draft"), SetProperty("stars", 3))
	assert.True(t, doc.IsDocument())
	edit := mustProps(t, DeleteProperty("title"))
	assert.False(t, edit.IsDocument())
	assert.True(t, Properties{}.IsDocument())
	assert.True(t, Properties{}.IsEmpty())
}

func Test_Properties_Compose(t *testing.T) {
	doc := mustProps(t, SetProperty("title", "draft"), SetProperty("stars", 3))
	edit := mustProps(t, SetProperty("title", "final"), DeleteProperty("stars"), DeleteProperty("ghost"))
	got, err := doc.Compose(edit, true)
	require.NoError(t, err)
	props := got.(Properties)
	v, ok := props.Get("title")
	assert.True(t, ok)
	assert.Equal(t, "final", v)
	_, ok = props.Get("stars")
	assert.False(t, ok)
	assert.True(t, props.IsDocument())
}

func Test_Properties_Transform_TP1(t *testing.T) {
	base := mustProps(t, SetProperty("title", "draft"))
	tests := []struct {
		name string
		a, b Properties
	}{
		{"distinct keys", mustProps(t, SetProperty("x", 1)), mustProps(t, SetProperty("y", 2))},
		{"set vs set same key", mustProps(t, SetProperty("title", "a")), mustProps(t, SetProperty("title", "b"))},
		{"set vs delete", mustProps(t, SetProperty("title", "a")), mustProps(t, DeleteProperty("title"))},
		{"delete vs delete", mustProps(t, DeleteProperty("title")), mustProps(t, DeleteProperty("title"))},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bPrime, err := test.a.Transform(test.b, true)
			require.NoError(t, err)
			aPrime, err := test.b.Transform(test.a, false)
			require.NoError(t, err)

			viaA, err := base.Compose(test.a, true)
			require.NoError(t, err)
			viaA, err = viaA.Compose(bPrime, true)
			require.NoError(t, err)

			viaB, err := base.Compose(test.b, true)
			require.NoError(t, err)
			viaB, err = viaB.Compose(aPrime, true)
			require.NoError(t, err)

			assert.True(t, viaA.Equal(viaB))
		})
	}
}

func Test_Properties_emptyKeyRejected(t *testing.T) {
	_, err := NewProperties([]PropertyOp{SetProperty("", 1)})
	assert.True(t, IsBadValue(err))
}
