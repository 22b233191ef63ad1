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

// Package doc maintains the per-document revision logs. A control instance
// exclusively owns mutation of one payload kind within one document for its
// server process; the append-only log itself lives in the document's
// transactional file, and every append is a compare-and-swap on the
// revision number, so multiple server processes attached to the same file
// still converge.
package doc

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// Latest names the current revision in calls that take a revision number.
const Latest = -1

// How many times update retries a lost compare-and-swap before giving up
// with tooMuchContention.
const updateRetryLimit = 25

// A derived snapshot is cached in storage every this many revisions to
// bound recovery time after a restart.
const snapshotEvery = 100

// How many changes a single read transaction fetches.
const readBatch = 256

// A Control maintains the append-only revision log for one payload kind of
// one document. It is safe for concurrent use; local appends serialize on
// an internal mutex while reads proceed against immutable snapshots.
type Control struct {
	file  filestore.File
	codec *wire.Codec
	kind  ot.Kind
	// Path components prepended to the standard layout; empty for the body
	// payload, {"property"} for properties.
	prefix []string
	clock  clocks.Source
	logger *logrus.Entry

	// Serializes appends made through this instance. Held only for short
	// durations; never across a wait.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		// Most recent derived snapshot, if any. Snapshots are immutable, so
		// the reference may be shared after release of the lock.
		snapshot *ot.Snapshot
	}
}

func newControl(file filestore.File, codec *wire.Codec, kind ot.Kind, prefix []string, clock clocks.Source) *Control {
	initMetrics()
	if clock == nil {
		clock = clocks.Wall
	}
	return &Control{
		file:   file,
		codec:  codec,
		kind:   kind,
		prefix: prefix,
		clock:  clock,
		logger: logrus.WithFields(logrus.Fields{
			"document": file.ID(),
			"payload":  kind,
		}),
	}
}

// Kind returns the payload kind this control manages.
func (c *Control) Kind() ot.Kind { return c.kind }

func (c *Control) path(components ...interface{}) filestore.Path {
	all := make([]interface{}, 0, len(c.prefix)+len(components))
	for _, p := range c.prefix {
		all = append(all, p)
	}
	all = append(all, components...)
	return filestore.NewPath(all...)
}

func (c *Control) revNumPath() filestore.Path { return c.path("revision_number") }

func (c *Control) changePath(n int) filestore.Path { return c.path("revision", n, "change") }

func (c *Control) storedSnapshotPath(n int) filestore.Path { return c.path("snapshot", n) }

func revNumBuffer(n int) filestore.Buffer {
	return filestore.BufferOf(strconv.Itoa(n))
}

// Current returns the current revision number.
func (c *Control) Current(ctx context.Context) (int, error) {
	res, err := c.file.Transact(ctx, filestore.MustSpec(filestore.ReadPath(c.revNumPath())))
	if err != nil {
		return 0, err
	}
	buf, ok := res.Paths[c.revNumPath()]
	if !ok {
		return 0, ot.BadDataError{Reason: fmt.Sprintf("%v is missing; file was never initialized", c.revNumPath())}
	}
	n, err := strconv.Atoi(buf.String())
	if err != nil || n < 0 {
		return 0, ot.BadDataError{Reason: fmt.Sprintf("%v holds %q, not a revision number", c.revNumPath(), buf.String())}
	}
	return n, nil
}

// GetChange returns the change that produced the given revision.
func (c *Control) GetChange(ctx context.Context, revNum int) (ot.Change, error) {
	if revNum < 0 {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is negative", revNum)}
	}
	p := c.changePath(revNum)
	res, err := c.file.Transact(ctx, filestore.MustSpec(filestore.ReadPath(p)))
	if err != nil {
		return ot.Change{}, err
	}
	buf, ok := res.Paths[p]
	if !ok {
		cur, err := c.Current(ctx)
		if err != nil {
			return ot.Change{}, err
		}
		if revNum > cur {
			return ot.Change{}, RevisionTooHighError{RevNum: revNum, Current: cur}
		}
		return ot.Change{}, RevisionNotAvailableError{RevNum: revNum}
	}
	return c.decodeChange(buf, revNum)
}

func (c *Control) decodeChange(buf filestore.Buffer, revNum int) (ot.Change, error) {
	change, err := c.codec.DecodeChangeJSON(buf.Bytes())
	if err != nil {
		return ot.Change{}, err
	}
	if change.RevNum != revNum {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf(
			"change stored at revision %v claims revision %v", revNum, change.RevNum)}
	}
	if change.Delta.Kind() != c.kind {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf(
			"change stored at revision %v has kind %v, want %v", revNum, change.Delta.Kind(), c.kind)}
	}
	return change, nil
}

// changes returns the changes for revisions from..to inclusive.
func (c *Control) changes(ctx context.Context, from, to int) ([]ot.Change, error) {
	out := make([]ot.Change, 0, to-from+1)
	for lo := from; lo <= to; lo += readBatch {
		hi := lo + readBatch - 1
		if hi > to {
			hi = to
		}
		ops := make([]filestore.Op, 0, hi-lo+1)
		for n := lo; n <= hi; n++ {
			ops = append(ops, filestore.ReadPath(c.changePath(n)))
		}
		spec, err := filestore.NewSpec(ops...)
		if err != nil {
			return nil, err
		}
		res, err := c.file.Transact(ctx, spec)
		if err != nil {
			return nil, err
		}
		for n := lo; n <= hi; n++ {
			buf, ok := res.Paths[c.changePath(n)]
			if !ok {
				return nil, RevisionNotAvailableError{RevNum: n}
			}
			change, err := c.decodeChange(buf, n)
			if err != nil {
				return nil, err
			}
			out = append(out, change)
		}
	}
	return out, nil
}

// composeRange composes the deltas of revisions from..to inclusive into a
// single delta. An empty range yields the empty delta.
func (c *Control) composeRange(ctx context.Context, from, to int) (ot.Delta, error) {
	result := ot.Empty(c.kind)
	if from > to {
		return result, nil
	}
	changes, err := c.changes(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, change := range changes {
		result, err = result.Compose(change.Delta, false)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// GetSnapshot returns the snapshot at the given revision, or the current
// snapshot for Latest.
func (c *Control) GetSnapshot(ctx context.Context, revNum int) (ot.Snapshot, error) {
	if revNum < 0 && revNum != Latest {
		return ot.Snapshot{}, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is negative", revNum)}
	}
	cur, err := c.Current(ctx)
	if err != nil {
		return ot.Snapshot{}, err
	}
	if revNum == Latest {
		revNum = cur
	}
	if revNum > cur {
		return ot.Snapshot{}, RevisionTooHighError{RevNum: revNum, Current: cur}
	}

	base, baseRev := c.cachedSnapshot(revNum)
	if base == nil {
		base, baseRev, err = c.storedSnapshot(ctx, revNum)
		if err != nil {
			return ot.Snapshot{}, err
		}
	}
	contents := base
	for n := baseRev + 1; n <= revNum; {
		hi := n + readBatch - 1
		if hi > revNum {
			hi = revNum
		}
		changes, err := c.changes(ctx, n, hi)
		if err != nil {
			return ot.Snapshot{}, err
		}
		for _, change := range changes {
			contents, err = contents.Compose(change.Delta, true)
			if err != nil {
				return ot.Snapshot{}, err
			}
		}
		n = hi + 1
	}
	snapshot, err := ot.NewSnapshot(revNum, contents)
	if err != nil {
		return ot.Snapshot{}, err
	}
	if revNum == cur {
		c.cacheSnapshot(snapshot)
	}
	return snapshot, nil
}

// cachedSnapshot returns the in-memory snapshot contents if usable as a
// base for deriving revNum, along with its revision. A nil delta means no
// usable cache; derivation then starts from the empty delta at revision -1.
func (c *Control) cachedSnapshot(revNum int) (ot.Delta, int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if s := c.locked.snapshot; s != nil && s.RevNum <= revNum {
		return s.Contents, s.RevNum
	}
	return nil, -1
}

func (c *Control) cacheSnapshot(snapshot ot.Snapshot) {
	c.lock.Lock()
	if c.locked.snapshot == nil || c.locked.snapshot.RevNum < snapshot.RevNum {
		c.locked.snapshot = &snapshot
	}
	c.lock.Unlock()
}

// storedSnapshot finds the nearest stored snapshot at or below revNum, or
// the empty state at revision -1.
func (c *Control) storedSnapshot(ctx context.Context, revNum int) (ot.Delta, int, error) {
	var ops []filestore.Op
	for n := revNum - revNum%snapshotEvery; n >= 0; n -= snapshotEvery {
		ops = append(ops, filestore.ReadPath(c.storedSnapshotPath(n)))
		if len(ops) >= readBatch {
			break
		}
	}
	if len(ops) == 0 {
		return ot.Empty(c.kind), -1, nil
	}
	spec, err := filestore.NewSpec(ops...)
	if err != nil {
		return nil, 0, err
	}
	res, err := c.file.Transact(ctx, spec)
	if err != nil {
		return nil, 0, err
	}
	for n := revNum - revNum%snapshotEvery; n >= 0; n -= snapshotEvery {
		buf, ok := res.Paths[c.storedSnapshotPath(n)]
		if !ok {
			continue
		}
		v, err := c.codec.DecodeJSON(buf.Bytes())
		if err != nil {
			break // fall back to replay from the start
		}
		snapshot, ok := v.(ot.Snapshot)
		if !ok || snapshot.RevNum != n {
			break
		}
		return snapshot.Contents, n, nil
	}
	return ot.Empty(c.kind), -1, nil
}

// GetChangeAfter returns a change whose revision is later than baseRevNum,
// composed up to the current revision. If baseRevNum is the current
// revision, the call long-polls: it blocks until a new change is appended
// or the timeout elapses, reporting timedOut in the latter case. This is
// the only mechanism by which the server pushes document changes to
// clients.
func (c *Control) GetChangeAfter(ctx context.Context, baseRevNum int, timeout time.Duration) (ot.Change, error) {
	if baseRevNum < 0 {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is negative", baseRevNum)}
	}
	for {
		cur, err := c.Current(ctx)
		if err != nil {
			return ot.Change{}, err
		}
		if baseRevNum > cur {
			return ot.Change{}, RevisionTooHighError{RevNum: baseRevNum, Current: cur}
		}
		if baseRevNum < cur {
			delta, err := c.composeRange(ctx, baseRevNum+1, cur)
			if err != nil {
				return ot.Change{}, err
			}
			metrics.longPollWakeups.Inc()
			return ot.Change{RevNum: cur, Delta: delta}, nil
		}
		spec, err := filestore.NewSpec(
			filestore.Timeout(timeout),
			filestore.WhenPathNot(c.revNumPath(), revNumBuffer(cur).Hash()))
		if err != nil {
			return ot.Change{}, err
		}
		if _, err := c.file.Transact(ctx, spec); err != nil {
			if filestore.IsTimedOut(err) {
				metrics.longPollTimeouts.Inc()
			}
			return ot.Change{}, err
		}
	}
}

// Update is the heart of the OT protocol. The given change's delta is what
// the caller believes transforms the snapshot at change.RevNum-1 into the
// caller's intended state. Update appends the delta, rebased over any
// changes that landed since, and returns a correction change: composing the
// caller's intended state with the correction's delta yields the actual
// new server state. The correction's revision may exceed change.RevNum when
// other edits won the race.
func (c *Control) Update(ctx context.Context, change ot.Change) (ot.Change, error) {
	if change.Delta == nil {
		return ot.Change{}, ot.BadValueError{Reason: "update change has no delta"}
	}
	if change.Delta.Kind() != c.kind {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf(
			"update delta kind %v, want %v", change.Delta.Kind(), c.kind)}
	}
	if change.RevNum < 1 {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf(
			"update revision %v; revision 0 is created when the file is initialized", change.RevNum)}
	}
	rBase := change.RevNum - 1
	dClient := change.Delta

	// Serialize appends from this process; compare-and-swap still guards
	// against appends from other processes sharing the file.
	c.lock.Lock()
	defer c.lock.Unlock()

	for attempt := 0; attempt < updateRetryLimit; attempt++ {
		metrics.updateAttempts.Inc()
		cur, err := c.Current(ctx)
		if err != nil {
			return ot.Change{}, err
		}
		if rBase > cur {
			return ot.Change{}, RevisionTooHighError{RevNum: change.RevNum, Current: cur}
		}
		dServer, err := c.composeRange(ctx, rBase+1, cur)
		if err != nil {
			return ot.Change{}, err
		}
		// Rebase the client's delta over everything that committed first.
		// The already-committed changes win insert races.
		dClientPrime, err := dServer.Transform(dClient, true)
		if err != nil {
			return ot.Change{}, err
		}
		correction := func() (ot.Delta, error) {
			return dClient.Transform(dServer, false)
		}
		if dClientPrime.IsEmpty() {
			// Nothing left to append; hand back a pure correction at the
			// current revision.
			dCorrection, err := correction()
			if err != nil {
				return ot.Change{}, err
			}
			return ot.Change{RevNum: cur, Delta: dCorrection}, nil
		}
		appended := ot.Change{
			RevNum:    cur + 1,
			Delta:     dClientPrime,
			Timestamp: change.Timestamp,
			AuthorID:  change.AuthorID,
		}
		if err := appended.ValidateForLog(); err != nil {
			return ot.Change{}, err
		}
		err = c.tryAppendLocked(ctx, cur, appended)
		if filestore.IsPrereqFailed(err) {
			metrics.updateContention.Inc()
			continue
		}
		if err != nil {
			return ot.Change{}, err
		}
		metrics.changesAppended.Inc()
		if cur == rBase {
			// The client's delta applied cleanly; its state is already
			// correct.
			return ot.Change{RevNum: cur + 1, Delta: ot.Empty(c.kind)}, nil
		}
		dCorrection, err := correction()
		if err != nil {
			return ot.Change{}, err
		}
		return ot.Change{RevNum: cur + 1, Delta: dCorrection}, nil
	}
	metrics.updateContentionGaveUp.Inc()
	return ot.Change{}, TooMuchContentionError{Attempts: updateRetryLimit}
}

// tryAppendLocked appends the change at revision cur+1, conditional on the
// revision number still being cur.
func (c *Control) tryAppendLocked(ctx context.Context, cur int, appended ot.Change) error {
	encoded, err := c.codec.EncodeJSON(appended)
	if err != nil {
		return err
	}
	ops := []filestore.Op{
		filestore.CheckPathIs(c.revNumPath(), revNumBuffer(cur).Hash()),
		filestore.WritePath(c.revNumPath(), revNumBuffer(appended.RevNum)),
		filestore.WritePath(c.changePath(appended.RevNum), filestore.NewBuffer(encoded)),
	}
	if appended.RevNum%snapshotEvery == 0 {
		// Cache a derived snapshot alongside to bound later recovery.
		if buf, err := c.snapshotBufferLocked(ctx, appended); err == nil {
			ops = append(ops, filestore.WritePath(c.storedSnapshotPath(appended.RevNum), buf))
		} else {
			c.logger.WithFields(logrus.Fields{
				"revNum": appended.RevNum,
				"error":  err,
			}).Warn("Skipping stored snapshot")
		}
	}
	spec, err := filestore.NewSpec(ops...)
	if err != nil {
		return err
	}
	if _, err := c.file.Transact(ctx, spec); err != nil {
		return err
	}
	if s := c.locked.snapshot; s != nil && s.RevNum == appended.RevNum-1 {
		if next, err := s.Apply(appended); err == nil {
			c.locked.snapshot = &next
		}
	}
	return nil
}

// snapshotBufferLocked derives the encoded snapshot the given change will
// produce, for storing alongside the change.
func (c *Control) snapshotBufferLocked(ctx context.Context, appended ot.Change) (filestore.Buffer, error) {
	var base ot.Delta
	baseRev := -1
	if s := c.locked.snapshot; s != nil && s.RevNum < appended.RevNum {
		base, baseRev = s.Contents, s.RevNum
	} else {
		base = ot.Empty(c.kind)
	}
	for n := baseRev + 1; n < appended.RevNum; n++ {
		change, err := c.GetChange(ctx, n)
		if err != nil {
			return filestore.Buffer{}, err
		}
		base, err = base.Compose(change.Delta, true)
		if err != nil {
			return filestore.Buffer{}, err
		}
	}
	contents, err := base.Compose(appended.Delta, true)
	if err != nil {
		return filestore.Buffer{}, err
	}
	snapshot, err := ot.NewSnapshot(appended.RevNum, contents)
	if err != nil {
		return filestore.Buffer{}, err
	}
	encoded, err := c.codec.EncodeJSON(snapshot)
	if err != nil {
		return filestore.Buffer{}, err
	}
	return filestore.NewBuffer(encoded), nil
}
