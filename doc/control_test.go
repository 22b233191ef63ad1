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

	quill "github.com/fmpwizard/go-quilljs-delta/delta"
	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/filestore/memstore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBody(t *testing.T) (*BodyControl, filestore.File) {
	t.Helper()
	store := memstore.New(nil)
	f, err := store.OpenFile(context.Background(), "doc1")
	require.NoError(t, err)
	body, err := NewBodyControl(context.Background(), f, wire.NewCodec(), nil)
	require.NoError(t, err)
	return body, f
}

func insertAt(offset int, text string) ot.Body {
	d := quill.New(nil)
	if offset > 0 {
		d.Retain(offset, nil)
	}
	d.Insert(text, nil)
	return ot.NewBody(d.Ops)
}

func Test_BodyControl_freshFile(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()

	cur, err := body.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, cur)

	snap, err := body.GetSnapshot(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.RevNum)
	assert.True(t, snap.Contents.IsEmpty())
	assert.True(t, snap.Contents.IsDocument())

	first, err := body.GetChange(ctx, 0)
	require.NoError(t, err)
	assert.True(t, first.Delta.IsDocument())
}

// The happy path: one client inserts into an empty document.
func Test_BodyControl_Update_cleanAppend(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()

	correction, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("hello", nil)))
	require.NoError(t, err)
	assert.Equal(t, 1, correction.RevNum)
	assert.True(t, correction.Delta.IsEmpty())

	snap, err := body.GetSnapshot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", snap.Contents.(ot.Body).Text())
}

// Two concurrent inserts from the same base: the second caller gets a
// correction shifted past the first one's insert, and the final snapshot
// reflects both.
func Test_BodyControl_Update_concurrentInserts(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()

	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("hello", nil)))
	require.NoError(t, err)

	// X commits first.
	corrX, err := body.Update(ctx, ot.NewChange(2, insertAt(5, " world")))
	require.NoError(t, err)
	assert.Equal(t, 2, corrX.RevNum)
	assert.True(t, corrX.Delta.IsEmpty())

	// Y raced from the same base and loses the insert race.
	intendedY, err := ot.BodyInsert("hello", nil).Compose(insertAt(5, "!"), true)
	require.NoError(t, err)
	corrY, err := body.Update(ctx, ot.NewChange(2, insertAt(5, "!")))
	require.NoError(t, err)
	assert.Equal(t, 3, corrY.RevNum)
	assert.False(t, corrY.Delta.IsEmpty())

	// Applying the correction to Y's intended state yields the server state.
	actualY, err := intendedY.Compose(corrY.Delta, true)
	require.NoError(t, err)
	snap, err := body.GetSnapshot(ctx, Latest)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RevNum)
	assert.Equal(t, "hello world!", snap.Contents.(ot.Body).Text())
	assert.True(t, actualY.Equal(snap.Contents))
}

// At most one writer per revision: with the same base, one update appends at
// base+1 and the other is pushed to base+2 or higher.
func Test_BodyControl_Update_atMostOneWriterPerRevision(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("base", nil)))
	require.NoError(t, err)

	corrA, err := body.Update(ctx, ot.NewChange(2, insertAt(4, "A")))
	require.NoError(t, err)
	corrB, err := body.Update(ctx, ot.NewChange(2, insertAt(4, "B")))
	require.NoError(t, err)

	assert.Equal(t, 2, corrA.RevNum)
	assert.True(t, corrA.Delta.IsEmpty())
	assert.GreaterOrEqual(t, corrB.RevNum, 3)
}

// Log monotonicity: committed changes never change.
func Test_BodyControl_logMonotonicity(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()

	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("one", nil)))
	require.NoError(t, err)
	before := make([]ot.Change, 2)
	for n := 0; n <= 1; n++ {
		before[n], err = body.GetChange(ctx, n)
		require.NoError(t, err)
	}

	_, err = body.Update(ctx, ot.NewChange(2, insertAt(3, " two")))
	require.NoError(t, err)

	for n := 0; n <= 1; n++ {
		after, err := body.GetChange(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, before[n].RevNum, after.RevNum)
		assert.True(t, before[n].Delta.Equal(after.Delta))
	}
}

// Snapshot composition: snapshot(n) == snapshot(n-1) + change(n).
func Test_BodyControl_snapshotComposition(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("abc", nil)))
	require.NoError(t, err)
	_, err = body.Update(ctx, ot.NewChange(2, insertAt(3, "def")))
	require.NoError(t, err)
	_, err = body.Update(ctx, ot.NewChange(3, insertAt(0, "x")))
	require.NoError(t, err)

	cur, err := body.Current(ctx)
	require.NoError(t, err)
	for n := 1; n <= cur; n++ {
		prev, err := body.GetSnapshot(ctx, n-1)
		require.NoError(t, err)
		change, err := body.GetChange(ctx, n)
		require.NoError(t, err)
		snap, err := body.GetSnapshot(ctx, n)
		require.NoError(t, err)
		composed, err := prev.Apply(change)
		require.NoError(t, err)
		assert.True(t, composed.Equal(snap), "snapshot composition broken at revision %v", n)
		assert.True(t, snap.Contents.IsDocument())
	}
}

func Test_BodyControl_GetChange_outOfRange(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.GetChange(ctx, 5)
	assert.True(t, IsRevisionTooHigh(err))
	_, err = body.GetChange(ctx, -1)
	assert.True(t, ot.IsBadValue(err))
	_, err = body.GetSnapshot(ctx, 5)
	assert.True(t, IsRevisionTooHigh(err))
}

func Test_BodyControl_Update_rejectsBadChanges(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.Update(ctx, ot.Change{RevNum: 1})
	assert.True(t, ot.IsBadValue(err))
	_, err = body.Update(ctx, ot.NewChange(0, insertAt(0, "x")))
	assert.True(t, ot.IsBadValue(err))
	_, err = body.Update(ctx, ot.NewChange(1, ot.Properties{}))
	assert.True(t, ot.IsBadValue(err))
	// An update whose base is beyond the current revision is rejected.
	_, err = body.Update(ctx, ot.NewChange(7, insertAt(0, "x")))
	assert.True(t, IsRevisionTooHigh(err))
}

// An empty client delta appends nothing and yields a pure correction.
func Test_BodyControl_Update_emptyDelta(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("hello", nil)))
	require.NoError(t, err)

	correction, err := body.Update(ctx, ot.NewChange(1, ot.Body{}))
	require.NoError(t, err)
	assert.Equal(t, 1, correction.RevNum)
	// The correction carries the changes the caller missed.
	assert.False(t, correction.Delta.IsEmpty())

	cur, err := body.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cur, "nothing was appended")
}

// Long-poll liveness: getChangeAfter returns promptly once an append lands,
// and never returns a stale revision.
func Test_BodyControl_GetChangeAfter(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	_, err := body.Update(ctx, ot.NewChange(1, ot.BodyInsert("hello", nil)))
	require.NoError(t, err)

	// A base behind the current revision returns immediately.
	change, err := body.GetChangeAfter(ctx, 0, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, change.RevNum)

	// A base at the current revision blocks until the next append.
	done := make(chan ot.Change, 1)
	go func() {
		change, err := body.GetChangeAfter(ctx, 1, time.Minute)
		assert.NoError(t, err)
		done <- change
	}()
	time.Sleep(10 * time.Millisecond)
	_, err = body.Update(ctx, ot.NewChange(2, insertAt(5, "!")))
	require.NoError(t, err)
	select {
	case change := <-done:
		assert.Greater(t, change.RevNum, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake on append")
	}

	// A base beyond the current revision is rejected.
	_, err = body.GetChangeAfter(ctx, 99, time.Minute)
	assert.True(t, IsRevisionTooHigh(err))
}

func Test_BodyControl_GetChangeAfter_timesOut(t *testing.T) {
	body, _ := newTestBody(t)
	ctx := context.Background()
	start := time.Now()
	_, err := body.GetChangeAfter(ctx, 0, 50*time.Millisecond)
	assert.True(t, filestore.IsTimedOut(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

// Updates and reads work identically for the property payload under its own
// storage prefix.
func Test_PropertyControl_independentLog(t *testing.T) {
	store := memstore.New(nil)
	f, err := store.OpenFile(context.Background(), "doc1")
	require.NoError(t, err)
	codec := wire.NewCodec()
	ctx := context.Background()

	body, err := NewBodyControl(ctx, f, codec, nil)
	require.NoError(t, err)
	props, err := NewPropertyControl(ctx, f, codec, nil)
	require.NoError(t, err)

	_, err = body.Update(ctx, ot.NewChange(1, ot.BodyInsert("text", nil)))
	require.NoError(t, err)

	edit, err := ot.NewProperties([]ot.PropertyOp{ot.SetProperty("title", "draft")})
	require.NoError(t, err)
	correction, err := props.Update(ctx, ot.NewChange(1, edit))
	require.NoError(t, err)
	assert.Equal(t, 1, correction.RevNum)

	// The two logs advance independently.
	bodyCur, err := body.Current(ctx)
	require.NoError(t, err)
	propsCur, err := props.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, bodyCur)
	assert.Equal(t, 1, propsCur)

	snap, err := props.GetSnapshot(ctx, Latest)
	require.NoError(t, err)
	title, ok := snap.Contents.(ot.Properties).Get("title")
	assert.True(t, ok)
	assert.Equal(t, "draft", title)
}
