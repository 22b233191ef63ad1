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

package doc

import (
	"context"
	"testing"
	"time"

	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/filestore/memstore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCarets(t *testing.T, cfg CaretConfig) (*CaretControl, filestore.File, *clocks.Mock) {
	t.Helper()
	clock := clocks.NewMock(time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC))
	store := memstore.New(clock)
	f, err := store.OpenFile(context.Background(), "doc1")
	require.NoError(t, err)
	// Flushing is driven explicitly in tests.
	cfg.FlushDelay = 0
	return NewCaretControl(context.Background(), f, wire.NewCodec(), clock, cfg), f, clock
}

func Test_CaretControl_sessionLifecycle(t *testing.T) {
	carets, _, _ := newTestCarets(t, DefaultCaretConfig())

	caret, err := carets.BeginSession("s1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s1", caret.SessionID)
	assert.NotEmpty(t, caret.Color)
	assert.Equal(t, 1, carets.Current())

	_, err = carets.BeginSession("s1", "alice")
	assert.True(t, ot.IsBadValue(err), "double begin is rejected")

	correction, err := carets.UpdateCaret("s1", "alice", 3, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, correction.RevNum)
	assert.True(t, correction.Delta.IsEmpty())

	snap, err := carets.GetSnapshot(Latest)
	require.NoError(t, err)
	got, ok := snap.Caret("s1")
	require.True(t, ok)
	assert.Equal(t, 7, got.Index)
	assert.Equal(t, 2, got.Length)
	assert.Equal(t, 3, got.DocRevNum)
	assert.Equal(t, caret.Color, got.Color)

	require.NoError(t, carets.EndSession("s1"))
	snap, err = carets.GetSnapshot(Latest)
	require.NoError(t, err)
	assert.Empty(t, snap.Carets)

	// Ending an absent session is a no-op.
	assert.NoError(t, carets.EndSession("ghost"))
}

// caret_update creates the caret on first use with a server-assigned color.
func Test_CaretControl_createOnFirstUpdate(t *testing.T) {
	carets, _, _ := newTestCarets(t, DefaultCaretConfig())
	correction, err := carets.UpdateCaret("s1", "alice", 0, 4, 0)
	require.NoError(t, err)
	assert.True(t, correction.Delta.IsEmpty())
	snap, err := carets.GetSnapshot(Latest)
	require.NoError(t, err)
	got, ok := snap.Caret("s1")
	require.True(t, ok)
	assert.Equal(t, 4, got.Index)
	assert.NotEmpty(t, got.Color)
}

// Bounded history: with retention K, a base more than K revisions back
// reports revisionNotAvailable and the client falls back to a snapshot.
func Test_CaretControl_ephemeralRetention(t *testing.T) {
	cfg := DefaultCaretConfig()
	cfg.Retention = 100
	carets, _, _ := newTestCarets(t, cfg)
	ctx := context.Background()

	_, err := carets.BeginSession("s1", "alice")
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := carets.UpdateCaret("s1", "alice", 0, i+1, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, 201, carets.Current())

	_, err = carets.GetChangeAfter(ctx, 50, time.Minute)
	assert.True(t, IsRevisionNotAvailable(err))
	_, err = carets.GetSnapshot(50)
	assert.True(t, IsRevisionNotAvailable(err))

	// Recent history is still served.
	change, err := carets.GetChangeAfter(ctx, 150, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 201, change.RevNum)
	snap, err := carets.GetSnapshot(Latest)
	require.NoError(t, err)
	got, ok := snap.Caret("s1")
	require.True(t, ok)
	assert.Equal(t, 200, got.Index)
}

func Test_CaretControl_GetChangeAfter_longPoll(t *testing.T) {
	carets, _, clock := newTestCarets(t, DefaultCaretConfig())
	ctx := context.Background()

	done := make(chan ot.Change, 1)
	go func() {
		change, err := carets.GetChangeAfter(ctx, 0, time.Minute)
		assert.NoError(t, err)
		done <- change
	}()
	for clock.Sleepers() == 0 {
		time.Sleep(time.Millisecond)
	}
	_, err := carets.BeginSession("s1", "alice")
	require.NoError(t, err)
	select {
	case change := <-done:
		assert.Equal(t, 1, change.RevNum)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake on caret change")
	}

	// And the timeout path. Earlier calls may have left their deadline
	// alarms registered, so wait for this call's own sleeper.
	before := clock.Sleepers()
	timedOut := make(chan error, 1)
	go func() {
		_, err := carets.GetChangeAfter(ctx, carets.Current(), time.Minute)
		timedOut <- err
	}()
	for clock.Sleepers() <= before {
		time.Sleep(time.Millisecond)
	}
	clock.Advance(time.Minute)
	assert.True(t, filestore.IsTimedOut(<-timedOut))
}

// Colors are assigned least-recently-used from a fixed palette, disjoint
// from active sessions.
func Test_CaretControl_colorAssignment(t *testing.T) {
	cfg := DefaultCaretConfig()
	cfg.Palette = []string{"#111111", "#222222", "#333333"}
	carets, _, clock := newTestCarets(t, cfg)

	c1, err := carets.BeginSession("s1", "a")
	require.NoError(t, err)
	c2, err := carets.BeginSession("s2", "b")
	require.NoError(t, err)
	c3, err := carets.BeginSession("s3", "c")
	require.NoError(t, err)
	assert.NotEqual(t, c1.Color, c2.Color)
	assert.NotEqual(t, c2.Color, c3.Color)
	assert.NotEqual(t, c1.Color, c3.Color)

	// s1's color is released first, so after s2's it is the LRU choice.
	require.NoError(t, carets.EndSession("s1"))
	clock.Advance(time.Second)
	require.NoError(t, carets.EndSession("s2"))
	clock.Advance(time.Second)

	c4, err := carets.BeginSession("s4", "d")
	require.NoError(t, err)
	assert.Equal(t, c1.Color, c4.Color)
	c5, err := carets.BeginSession("s5", "e")
	require.NoError(t, err)
	assert.Equal(t, c2.Color, c5.Color)

	// With the whole palette active, the LRU color is reused.
	c6, err := carets.BeginSession("s6", "f")
	require.NoError(t, err)
	assert.Contains(t, cfg.Palette, c6.Color)
}

// Local carets are flushed to the file's side channel; the flush is best
// effort and batched.
func Test_CaretControl_flush(t *testing.T) {
	carets, f, _ := newTestCarets(t, DefaultCaretConfig())
	ctx := context.Background()

	_, err := carets.BeginSession("s1", "alice")
	require.NoError(t, err)
	_, err = carets.UpdateCaret("s1", "alice", 2, 9, 1)
	require.NoError(t, err)
	require.NoError(t, carets.FlushNow(ctx))

	p := filestore.NewPath("caret", "s1")
	res, err := f.Transact(ctx, filestore.MustSpec(filestore.ReadPath(p)))
	require.NoError(t, err)
	require.Contains(t, res.Paths, p)
	stored, err := wire.NewCodec().DecodeJSON(res.Paths[p].Bytes())
	require.NoError(t, err)
	assert.Equal(t, 9, stored.(ot.Caret).Index)

	// Ending the session removes the stored caret on the next flush.
	require.NoError(t, carets.EndSession("s1"))
	require.NoError(t, carets.FlushNow(ctx))
	res, err = f.Transact(ctx, filestore.MustSpec(filestore.ReadPath(p)))
	require.NoError(t, err)
	assert.Empty(t, res.Paths)
}

// Carets written by a peer server are merged in as remote sessions and
// removed when the peer deletes them.
func Test_CaretControl_SyncPeers(t *testing.T) {
	carets, f, _ := newTestCarets(t, DefaultCaretConfig())
	ctx := context.Background()
	codec := wire.NewCodec()

	_, err := carets.BeginSession("local1", "alice")
	require.NoError(t, err)

	remote := ot.Caret{
		SessionID:  "remote1",
		AuthorID:   "bob",
		DocRevNum:  4,
		Index:      12,
		Length:     0,
		Color:      "#2a7fff",
		LastActive: time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	encoded, err := codec.EncodeJSON(remote)
	require.NoError(t, err)
	_, err = f.Transact(ctx, filestore.MustSpec(filestore.WritePath(
		filestore.NewPath("caret", "remote1"), filestore.NewBuffer(encoded))))
	require.NoError(t, err)

	require.NoError(t, carets.SyncPeers(ctx))
	snap, err := carets.GetSnapshot(Latest)
	require.NoError(t, err)
	got, ok := snap.Caret("remote1")
	require.True(t, ok)
	assert.Equal(t, 12, got.Index)
	_, ok = snap.Caret("local1")
	assert.True(t, ok, "local sessions are untouched")

	// The peer deleting its caret ends the remote session here.
	_, err = f.Transact(ctx, filestore.MustSpec(filestore.DeletePath(filestore.NewPath("caret", "remote1"))))
	require.NoError(t, err)
	require.NoError(t, carets.SyncPeers(ctx))
	snap, err = carets.GetSnapshot(Latest)
	require.NoError(t, err)
	_, ok = snap.Caret("remote1")
	assert.False(t, ok)
	_, ok = snap.Caret("local1")
	assert.True(t, ok)
}

// The generic OT entry point transforms stale-base caret deltas.
func Test_CaretControl_Update_transformsStaleBase(t *testing.T) {
	carets, _, _ := newTestCarets(t, DefaultCaretConfig())
	ctx := context.Background()

	_, err := carets.BeginSession("s1", "alice")
	require.NoError(t, err)
	cur := carets.Current()

	// Two deltas built against the same base.
	d1, err := ot.NewCaretDelta([]ot.CaretOp{ot.SetField("s1", ot.CaretFieldIndex, 5)})
	require.NoError(t, err)
	d2, err := ot.NewCaretDelta([]ot.CaretOp{ot.SetField("s1", ot.CaretFieldLength, 3)})
	require.NoError(t, err)

	corr1, err := carets.Update(ctx, ot.NewChange(cur+1, d1))
	require.NoError(t, err)
	assert.True(t, corr1.Delta.IsEmpty())

	corr2, err := carets.Update(ctx, ot.NewChange(cur+1, d2))
	require.NoError(t, err)
	assert.Equal(t, cur+2, corr2.RevNum)

	snap, err := carets.GetSnapshot(Latest)
	require.NoError(t, err)
	got, ok := snap.Caret("s1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Index)
	assert.Equal(t, 3, got.Length)
}
