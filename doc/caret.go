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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// CaretConfig tunes the ephemeral caret control.
type CaretConfig struct {
	// How many caret revisions to keep in memory. Callers whose base falls
	// off the floor get revisionNotAvailable and must refetch a snapshot.
	Retention int
	// How long locally-owned caret updates accumulate before a batch is
	// flushed to the file.
	FlushDelay time.Duration
	// Delay between retries of a failed flush.
	FlushRetryDelay time.Duration
	// How many times a failed flush is retried before being dropped.
	FlushRetries int
	// The colors assigned to sessions, least-recently-used first on reuse.
	Palette []string
}

// DefaultCaretConfig returns the production tuning.
func DefaultCaretConfig() CaretConfig {
	return CaretConfig{
		Retention:       100,
		FlushDelay:      5 * time.Second,
		FlushRetryDelay: 10 * time.Second,
		FlushRetries:    10,
		Palette: []string{
			"#2a7fff", "#e04646", "#27a858", "#b04bd9",
			"#e08a2e", "#1fa8a8", "#d14f8e", "#7a7a28",
		},
	}
}

var caretPathPrefix = filestore.NewPath("caret")

// caretRev is one retained caret revision: the change that produced it and
// the snapshot it produced.
type caretRev struct {
	change   ot.Change
	snapshot ot.CaretSnapshot
}

// A CaretControl maintains the ephemeral caret state of one document. Caret
// revisions live only in memory and advance independently of the body;
// retention is bounded, and persistence to the file is merely a best-effort
// side channel so that peer servers attached to the same document can show
// each other's carets.
type CaretControl struct {
	file   filestore.File
	codec  *wire.Codec
	clock  clocks.Source
	logger *logrus.Entry
	cfg    CaretConfig
	// Context for background flush activity; canceling it stops flushes.
	ctx context.Context

	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		// Current caret snapshot.
		snapshot ot.CaretSnapshot
		// The retained revisions, oldest first, at most cfg.Retention.
		history []caretRev
		// Session ids owned by this server. Only these are flushed.
		local map[string]bool
		// When each palette color was last released, for LRU assignment.
		colorReleased map[string]time.Time
		// Locally-owned sessions with unflushed changes, and sessions whose
		// stored caret must be removed.
		dirty   map[string]bool
		removed map[string]bool
		// Whether a flush task is already scheduled.
		flushScheduled bool
		// Closed and replaced whenever a caret revision is appended.
		changed chan struct{}
	}
}

// NewCaretControl constructs the caret control for a file. The context
// governs background flush activity.
func NewCaretControl(ctx context.Context, file filestore.File, codec *wire.Codec, clock clocks.Source, cfg CaretConfig) *CaretControl {
	initMetrics()
	if clock == nil {
		clock = clocks.Wall
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultCaretConfig().Retention
	}
	if len(cfg.Palette) == 0 {
		cfg.Palette = DefaultCaretConfig().Palette
	}
	c := &CaretControl{
		file:  file,
		codec: codec,
		clock: clock,
		cfg:   cfg,
		ctx:   ctx,
		logger: logrus.WithFields(logrus.Fields{
			"document": file.ID(),
			"payload":  ot.KindCaret,
		}),
	}
	c.locked.local = map[string]bool{}
	c.locked.colorReleased = map[string]time.Time{}
	c.locked.dirty = map[string]bool{}
	c.locked.removed = map[string]bool{}
	c.locked.changed = make(chan struct{})
	return c
}

// Kind returns ot.KindCaret.
func (c *CaretControl) Kind() ot.Kind { return ot.KindCaret }

// Current returns the current caret revision number.
func (c *CaretControl) Current() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.locked.snapshot.RevNum
}

// GetSnapshot returns the caret snapshot at the given revision, or the
// current snapshot for Latest. Revisions below the retention floor report
// revisionNotAvailable.
func (c *CaretControl) GetSnapshot(revNum int) (ot.CaretSnapshot, error) {
	if revNum < 0 && revNum != Latest {
		return ot.CaretSnapshot{}, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is negative", revNum)}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	cur := c.locked.snapshot.RevNum
	if revNum == Latest || revNum == cur {
		return c.locked.snapshot, nil
	}
	if revNum > cur {
		return ot.CaretSnapshot{}, RevisionTooHighError{RevNum: revNum, Current: cur}
	}
	for _, rev := range c.locked.history {
		if rev.snapshot.RevNum == revNum {
			return rev.snapshot, nil
		}
	}
	return ot.CaretSnapshot{}, RevisionNotAvailableError{RevNum: revNum}
}

// GetChangeAfter returns a caret change with revision later than
// baseRevNum, composed up to the current revision, long-polling like the
// durable control. A base below the retention floor reports
// revisionNotAvailable; the caller falls back to GetSnapshot.
func (c *CaretControl) GetChangeAfter(ctx context.Context, baseRevNum int, timeout time.Duration) (ot.Change, error) {
	if baseRevNum < 0 {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is negative", baseRevNum)}
	}
	deadline := c.clock.Alarm(ctx, c.clock.Now().Add(timeout))
	for {
		change, changed, err := c.changeAfter(baseRevNum)
		if err != nil || changed == nil {
			return change, err
		}
		select {
		case <-changed:
		case <-deadline:
			metrics.longPollTimeouts.Inc()
			return ot.Change{}, filestore.TimedOutError{After: timeout}
		case <-ctx.Done():
			return ot.Change{}, ctx.Err()
		}
	}
}

// changeAfter returns the composed change past base, or the channel to wait
// on if base is current.
func (c *CaretControl) changeAfter(base int) (ot.Change, <-chan struct{}, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	cur := c.locked.snapshot.RevNum
	if base > cur {
		return ot.Change{}, nil, RevisionTooHighError{RevNum: base, Current: cur}
	}
	if base == cur {
		return ot.Change{}, c.locked.changed, nil
	}
	delta, err := c.composeLocked(base+1, cur)
	if err != nil {
		return ot.Change{}, nil, err
	}
	metrics.longPollWakeups.Inc()
	return ot.Change{RevNum: cur, Delta: delta}, nil, nil
}

// composeLocked composes the retained changes for revisions from..to.
func (c *CaretControl) composeLocked(from, to int) (ot.Delta, error) {
	var result ot.Delta = ot.CaretDelta{}
	if from > to {
		return result, nil
	}
	if len(c.locked.history) == 0 || c.locked.history[0].change.RevNum > from {
		return nil, RevisionNotAvailableError{RevNum: from}
	}
	for _, rev := range c.locked.history {
		if rev.change.RevNum < from || rev.change.RevNum > to {
			continue
		}
		var err error
		result, err = result.Compose(rev.change.Delta, false)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// applyLocked appends a caret change, trims history to the retention bound,
// and wakes long-pollers.
func (c *CaretControl) applyLocked(delta ot.CaretDelta, authorID string) (ot.Change, error) {
	contents, err := c.locked.snapshot.Delta().Compose(delta, true)
	if err != nil {
		return ot.Change{}, err
	}
	next, err := ot.NewCaretSnapshot(c.locked.snapshot.RevNum+1, contents.(ot.CaretDelta))
	if err != nil {
		return ot.Change{}, err
	}
	change := ot.Change{
		RevNum:    next.RevNum,
		Delta:     delta,
		Timestamp: c.clock.Now(),
		AuthorID:  authorID,
	}
	c.locked.snapshot = next
	c.locked.history = append(c.locked.history, caretRev{change: change, snapshot: next})
	if excess := len(c.locked.history) - c.cfg.Retention; excess > 0 {
		c.locked.history = append([]caretRev(nil), c.locked.history[excess:]...)
	}
	close(c.locked.changed)
	c.locked.changed = make(chan struct{})
	metrics.changesAppended.Inc()
	return change, nil
}

// BeginSession creates a caret for a newly-opened session, assigning the
// least-recently-used free color from the palette.
func (c *CaretControl) BeginSession(sessionID, authorID string) (ot.Caret, error) {
	if sessionID == "" {
		return ot.Caret{}, ot.BadValueError{Reason: "session id is empty"}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if _, ok := c.locked.snapshot.Caret(sessionID); ok {
		return ot.Caret{}, ot.BadValueError{Reason: fmt.Sprintf("session %q already has a caret", sessionID)}
	}
	caret := ot.Caret{
		SessionID:  sessionID,
		AuthorID:   authorID,
		DocRevNum:  0,
		Index:      0,
		Length:     0,
		Color:      c.chooseColorLocked(),
		LastActive: c.clock.Now(),
	}
	delta, err := ot.NewCaretDelta([]ot.CaretOp{ot.BeginSession(caret)})
	if err != nil {
		return ot.Caret{}, err
	}
	if _, err := c.applyLocked(delta, authorID); err != nil {
		return ot.Caret{}, err
	}
	c.locked.local[sessionID] = true
	c.markDirtyLocked(sessionID, false)
	return caret, nil
}

// UpdateCaret moves a session's caret. If the session has no caret yet, one
// is created with a server-assigned color. Returns the correction change;
// the server is authoritative for carets, so the correction delta is always
// empty and only conveys the new revision number.
func (c *CaretControl) UpdateCaret(sessionID, authorID string, docRevNum, index, length int) (ot.Change, error) {
	if sessionID == "" {
		return ot.Change{}, ot.BadValueError{Reason: "session id is empty"}
	}
	if docRevNum < 0 || index < 0 || length < 0 {
		return ot.Change{}, ot.BadValueError{Reason: "caret coordinates must be non-negative"}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.clock.Now()
	var ops []ot.CaretOp
	if _, ok := c.locked.snapshot.Caret(sessionID); ok {
		ops = []ot.CaretOp{
			ot.SetField(sessionID, ot.CaretFieldDocRevNum, docRevNum),
			ot.SetField(sessionID, ot.CaretFieldIndex, index),
			ot.SetField(sessionID, ot.CaretFieldLength, length),
			ot.SetField(sessionID, ot.CaretFieldLastActive, now),
		}
	} else {
		ops = []ot.CaretOp{ot.BeginSession(ot.Caret{
			SessionID:  sessionID,
			AuthorID:   authorID,
			DocRevNum:  docRevNum,
			Index:      index,
			Length:     length,
			Color:      c.chooseColorLocked(),
			LastActive: now,
		})}
		c.locked.local[sessionID] = true
	}
	delta, err := ot.NewCaretDelta(ops)
	if err != nil {
		return ot.Change{}, err
	}
	if _, err := c.applyLocked(delta, authorID); err != nil {
		return ot.Change{}, err
	}
	c.markDirtyLocked(sessionID, false)
	return ot.Change{RevNum: c.locked.snapshot.RevNum, Delta: ot.CaretDelta{}}, nil
}

// EndSession removes a session's caret and releases its color.
func (c *CaretControl) EndSession(sessionID string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	caret, ok := c.locked.snapshot.Caret(sessionID)
	if !ok {
		return nil
	}
	delta, err := ot.NewCaretDelta([]ot.CaretOp{ot.EndSession(sessionID)})
	if err != nil {
		return err
	}
	if _, err := c.applyLocked(delta, caret.AuthorID); err != nil {
		return err
	}
	c.locked.colorReleased[caret.Color] = c.clock.Now()
	if c.locked.local[sessionID] {
		delete(c.locked.local, sessionID)
		c.markDirtyLocked(sessionID, true)
	}
	return nil
}

// Update is the generic OT entry point, matching the durable control's
// contract. It is used by peer-server merges and anything else that submits
// pre-built caret deltas.
func (c *CaretControl) Update(ctx context.Context, change ot.Change) (ot.Change, error) {
	delta, ok := change.Delta.(ot.CaretDelta)
	if !ok {
		if change.Delta == nil {
			return ot.Change{}, ot.BadValueError{Reason: "update change has no delta"}
		}
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf(
			"update delta kind %v, want %v", change.Delta.Kind(), ot.KindCaret)}
	}
	if change.RevNum < 1 {
		return ot.Change{}, ot.BadValueError{Reason: fmt.Sprintf("update revision %v is not positive", change.RevNum)}
	}
	rBase := change.RevNum - 1

	c.lock.Lock()
	defer c.lock.Unlock()
	cur := c.locked.snapshot.RevNum
	if rBase > cur {
		return ot.Change{}, RevisionTooHighError{RevNum: change.RevNum, Current: cur}
	}
	dServer, err := c.composeLocked(rBase+1, cur)
	if err != nil {
		return ot.Change{}, err
	}
	dClientPrime, err := dServer.Transform(delta, true)
	if err != nil {
		return ot.Change{}, err
	}
	dCorrection, err := delta.Transform(dServer, false)
	if err != nil {
		return ot.Change{}, err
	}
	if dClientPrime.IsEmpty() {
		return ot.Change{RevNum: cur, Delta: dCorrection}, nil
	}
	appended, err := c.applyLocked(dClientPrime.(ot.CaretDelta), change.AuthorID)
	if err != nil {
		return ot.Change{}, err
	}
	for _, op := range dClientPrime.(ot.CaretDelta).Ops() {
		if id := opSessionID(op); id != "" && c.locked.local[id] {
			c.markDirtyLocked(id, op.End != "")
		}
	}
	if rBase == cur {
		return ot.Change{RevNum: appended.RevNum, Delta: ot.CaretDelta{}}, nil
	}
	return ot.Change{RevNum: appended.RevNum, Delta: dCorrection}, nil
}

func opSessionID(op ot.CaretOp) string {
	switch {
	case op.Begin != nil:
		return op.Begin.SessionID
	case op.Field != nil:
		return op.Field.SessionID
	}
	return op.End
}

// chooseColorLocked picks a color for a new session: a color not used by
// any active session, least recently released first; with the whole palette
// active, the least recently released color overall.
func (c *CaretControl) chooseColorLocked() string {
	active := map[string]bool{}
	for _, caret := range c.locked.snapshot.Carets {
		active[caret.Color] = true
	}
	best := ""
	var bestReleased time.Time
	for _, color := range c.cfg.Palette {
		if active[color] {
			continue
		}
		released := c.locked.colorReleased[color]
		if best == "" || released.Before(bestReleased) {
			best, bestReleased = color, released
		}
	}
	if best != "" {
		return best
	}
	for _, color := range c.cfg.Palette {
		released := c.locked.colorReleased[color]
		if best == "" || released.Before(bestReleased) {
			best, bestReleased = color, released
		}
	}
	return best
}

// Flushing.

func (c *CaretControl) markDirtyLocked(sessionID string, removed bool) {
	if removed {
		c.locked.removed[sessionID] = true
		delete(c.locked.dirty, sessionID)
	} else {
		c.locked.dirty[sessionID] = true
		delete(c.locked.removed, sessionID)
	}
	if !c.locked.flushScheduled && c.cfg.FlushDelay > 0 {
		c.locked.flushScheduled = true
		go c.flushAfterDelay()
	}
}

// flushAfterDelay waits out the batching delay, then flushes. Failures are
// retried a bounded number of times and then dropped: caret persistence is
// best effort and never affects the correctness of an editing session.
func (c *CaretControl) flushAfterDelay() {
	select {
	case <-c.clock.Alarm(c.ctx, c.clock.Now().Add(c.cfg.FlushDelay)):
	case <-c.ctx.Done():
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(c.cfg.FlushRetryDelay), uint64(c.cfg.FlushRetries)), c.ctx)
	err := backoff.Retry(func() error {
		err := c.FlushNow(c.ctx)
		if err != nil {
			metrics.caretFlushFailures.Inc()
			c.logger.WithFields(logrus.Fields{"error": err}).Warn("Caret flush failed; will retry")
		}
		return err
	}, policy)
	if err != nil && c.ctx.Err() == nil {
		c.logger.WithFields(logrus.Fields{"error": err}).Warn("Dropping caret flush batch")
	}
}

// FlushNow writes the dirty locally-owned carets to the file's caret side
// channel in one transaction.
func (c *CaretControl) FlushNow(ctx context.Context) error {
	c.lock.Lock()
	c.locked.flushScheduled = false
	dirty := c.locked.dirty
	removed := c.locked.removed
	c.locked.dirty = map[string]bool{}
	c.locked.removed = map[string]bool{}
	snapshot := c.locked.snapshot
	c.lock.Unlock()

	if len(dirty) == 0 && len(removed) == 0 {
		return nil
	}
	var ops []filestore.Op
	for sessionID := range dirty {
		caret, ok := snapshot.Caret(sessionID)
		if !ok {
			continue
		}
		encoded, err := c.codec.EncodeJSON(caret)
		if err != nil {
			return err
		}
		ops = append(ops, filestore.WritePath(caretPathPrefix.Child(sessionID), filestore.NewBuffer(encoded)))
	}
	for sessionID := range removed {
		ops = append(ops, filestore.DeletePath(caretPathPrefix.Child(sessionID)))
	}
	if len(ops) == 0 {
		return nil
	}
	spec, err := filestore.NewSpec(ops...)
	if err != nil {
		return err
	}
	if _, err := c.file.Transact(ctx, spec); err != nil {
		// Put the batch back so a retry or the next flush picks it up.
		c.lock.Lock()
		for id := range dirty {
			if !c.locked.removed[id] {
				c.locked.dirty[id] = true
			}
		}
		for id := range removed {
			if !c.locked.dirty[id] {
				c.locked.removed[id] = true
			}
		}
		c.lock.Unlock()
		return err
	}
	metrics.caretFlushes.Inc()
	return nil
}

// SyncPeers merges caret state written to the file by peer servers attached
// to the same document. Remote-owned carets appear, move, and disappear via
// synthesized begin/setField/end operations; locally-owned sessions are
// never touched.
func (c *CaretControl) SyncPeers(ctx context.Context) error {
	res, err := c.file.Transact(ctx, filestore.MustSpec(filestore.ListPathPrefix(caretPathPrefix)))
	if err != nil {
		return err
	}
	var reads []filestore.Op
	for _, p := range res.List {
		reads = append(reads, filestore.ReadPath(p))
	}
	stored := map[string]ot.Caret{}
	if len(reads) > 0 {
		spec, err := filestore.NewSpec(reads...)
		if err != nil {
			return err
		}
		readRes, err := c.file.Transact(ctx, spec)
		if err != nil {
			return err
		}
		for p, buf := range readRes.Paths {
			caret, err := c.codec.DecodeJSON(buf.Bytes())
			if err != nil {
				c.logger.WithFields(logrus.Fields{"path": p, "error": err}).Warn("Ignoring malformed stored caret")
				continue
			}
			if cv, ok := caret.(ot.Caret); ok && cv.SessionID == p.Base() {
				stored[cv.SessionID] = cv
			}
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	var ops []ot.CaretOp
	for sessionID, caret := range stored {
		if c.locked.local[sessionID] {
			continue
		}
		if existing, ok := c.locked.snapshot.Caret(sessionID); !ok || existing != caret {
			ops = append(ops, ot.BeginSession(caret))
		}
	}
	for _, caret := range c.locked.snapshot.Carets {
		if c.locked.local[caret.SessionID] {
			continue
		}
		if _, ok := stored[caret.SessionID]; !ok {
			ops = append(ops, ot.EndSession(caret.SessionID))
		}
	}
	if len(ops) == 0 {
		return nil
	}
	delta, err := ot.NewCaretDelta(ops)
	if err != nil {
		return err
	}
	_, err = c.applyLocked(delta, "")
	return err
}
