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

package session

import (
	"context"
	"strings"
	"testing"

	"github.com/sfescape/bayou/doc"
	"github.com/sfescape/bayou/filestore/memstore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTargets(t *testing.T) *Targets {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewTargets(ctx, memstore.New(nil), wire.NewCodec(), nil, doc.DefaultCaretConfig(),
		map[string]Access{
			"doc1":      {Secret: "s1", DocumentID: "doc1", AuthorID: "alice"},
			"doc1-bob":  {Secret: "s2", DocumentID: "doc1", AuthorID: "bob"},
			"other-doc": {Secret: "s3", DocumentID: "doc2", AuthorID: "alice"},
		})
}

func Test_Targets_Secret(t *testing.T) {
	targets := newTargets(t)
	secret, ok := targets.Secret("doc1")
	assert.True(t, ok)
	assert.Equal(t, "s1", string(secret))
	_, ok = targets.Secret("nope")
	assert.False(t, ok)
}

func Test_Targets_Resolve_sharesControls(t *testing.T) {
	targets := newTargets(t)
	ctx := context.Background()

	t1, err := targets.Resolve(ctx, "conn1", "doc1")
	require.NoError(t, err)
	t2, err := targets.Resolve(ctx, "conn2", "doc1-bob")
	require.NoError(t, err)

	s1 := t1.(*Session)
	s2 := t2.(*Session)
	assert.NotEqual(t, s1.SessionID(), s2.SessionID())
	assert.Same(t, s1.handle, s2.handle, "one document, one set of controls")

	// Both sessions opened carets.
	snap, err := s1.handle.carets.GetSnapshot(doc.Latest)
	require.NoError(t, err)
	assert.Len(t, snap.Carets, 2)

	// Closing a connection ends its sessions' carets.
	targets.ReleaseConn("conn2")
	snap, err = s1.handle.carets.GetSnapshot(doc.Latest)
	require.NoError(t, err)
	require.Len(t, snap.Carets, 1)
	assert.Equal(t, s1.SessionID(), snap.Carets[0].SessionID)
}

func Test_Session_methodTable(t *testing.T) {
	targets := newTargets(t)
	target, err := targets.Resolve(context.Background(), "conn1", "doc1")
	require.NoError(t, err)

	methods := target.Methods()
	for _, name := range []string{
		"getLogInfo", "getSessionId",
		"body_getSnapshot", "body_getChange", "body_getChangeAfter", "body_update",
		"caret_getSnapshot", "caret_getChangeAfter", "caret_update",
		"property_getSnapshot", "property_getChange", "property_getChangeAfter", "property_update",
	} {
		assert.Contains(t, methods, name)
	}
	// Nothing slips in with an underscore prefix.
	for name := range methods {
		assert.False(t, strings.HasPrefix(name, "_"), name)
	}
}

func Test_Session_bodyAndPropertyMethods(t *testing.T) {
	targets := newTargets(t)
	ctx := context.Background()
	target, err := targets.Resolve(ctx, "conn1", "doc1")
	require.NoError(t, err)
	s := target.(*Session)

	info, err := s.getLogInfo(ctx, nil)
	require.NoError(t, err)
	assert.Contains(t, info.(string), "doc1")

	// Wire-shaped arguments arrive as float64.
	result, err := s.bodyUpdate(ctx, []interface{}{float64(0), ot.BodyInsert("hi", nil)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.(ot.Change).RevNum)

	result, err = s.bodyGetSnapshot(ctx, []interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.(ot.Snapshot).Contents.(ot.Body).Text())

	result, err = s.bodyGetChange(ctx, []interface{}{float64(1)})
	require.NoError(t, err)
	assert.Equal(t, "alice", result.(ot.Change).AuthorID)

	props, err := ot.NewProperties([]ot.PropertyOp{ot.SetProperty("title", "x")})
	require.NoError(t, err)
	result, err = s.propertyUpdate(ctx, []interface{}{float64(0), props})
	require.NoError(t, err)
	assert.Equal(t, 1, result.(ot.Change).RevNum)

	_, err = s.bodyUpdate(ctx, []interface{}{float64(0.5), ot.Body{}})
	assert.True(t, ot.IsBadValue(err))

	// caret_update with the optional length omitted.
	result, err = s.caretUpdate(ctx, []interface{}{float64(1), float64(2)})
	require.NoError(t, err)
	assert.True(t, result.(ot.Change).Delta.IsEmpty())
}
