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

package docclient

import (
	"context"
	"sync"
	"time"

	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/doc"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sirupsen/logrus"
)

// State is the synchronization state machine's position.
type State string

// The states.
const (
	StateDetached      State = "detached"
	StateStarting      State = "starting"
	StateIdle          State = "idle"
	StateCollecting    State = "collecting"
	StateMerging       State = "merging"
	StateErrorWait     State = "errorWait"
	StateUnrecoverable State = "unrecoverableError"
	// AnyState matches every state in the dispatch table.
	AnyState State = "*"
)

// EventKind names an event the machine reacts to.
type EventKind string

// The event kinds.
const (
	EventStart          EventKind = "start"
	EventGotSnapshot    EventKind = "gotSnapshot"
	EventGotChangeAfter EventKind = "gotChangeAfter"
	EventGotQuillEvent  EventKind = "gotQuillEvent"
	EventWantInput      EventKind = "wantInput"
	EventWantToUpdate   EventKind = "wantToUpdate"
	EventGotUpdate      EventKind = "gotUpdate"
	EventAPIError       EventKind = "apiError"
	// Internal: the caret throttle opened up again.
	eventCaretReady EventKind = "caretReady"
	// AnyEvent matches every event kind in the dispatch table.
	AnyEvent EventKind = "*"
)

// An Event is one unit of work for the machine's queue.
type Event struct {
	Kind EventKind
	// For gotSnapshot.
	Snapshot ot.Snapshot
	// For gotChangeAfter and gotUpdate (the correction).
	Change ot.Change
	// For gotQuillEvent.
	Editor EditorEvent
	// For wantToUpdate and gotUpdate: the base revision the update was
	// built against, and for gotUpdate the delta that was sent.
	Base int
	Sent ot.Body
	// For apiError.
	Method string
	Err    error
}

// Delays tunes the machine's timing.
type Delays struct {
	// How long local edits accumulate before being pushed.
	Push time.Duration
	// Pause between successful pulls.
	Pull time.Duration
	// Pause before restarting after an error.
	Restart time.Duration
	// Minimum spacing between caret updates.
	CaretRequest time.Duration
	// Spacing after a failed caret update.
	CaretError time.Duration
}

// DefaultDelays returns the production timing.
func DefaultDelays() Delays {
	return Delays{
		Push:         1000 * time.Millisecond,
		Pull:         1000 * time.Millisecond,
		Restart:      10000 * time.Millisecond,
		CaretRequest: 250 * time.Millisecond,
		CaretError:   5000 * time.Millisecond,
	}
}

type handlerKey struct {
	state State
	event EventKind
}

type handler func(*Machine, Event)

// The dispatch table. Lookup prefers an exact (state, event) entry, then
// (state, any), then (any, event), then (any, any).
var handlers = map[handlerKey]handler{
	{StateDetached, EventStart}:       (*Machine).handleDetachedStart,
	{StateStarting, EventGotSnapshot}: (*Machine).handleStartingGotSnapshot,

	{StateIdle, EventWantInput}:      (*Machine).handleIdleWantInput,
	{StateIdle, EventGotChangeAfter}: (*Machine).handleGotChangeAfter,
	{StateIdle, EventGotQuillEvent}:  (*Machine).handleIdleQuillEvent,

	{StateCollecting, EventGotQuillEvent}:  (*Machine).handleCollectingQuillEvent,
	{StateCollecting, EventWantToUpdate}:   (*Machine).handleCollectingWantToUpdate,
	{StateCollecting, EventGotChangeAfter}: (*Machine).handleGotChangeAfter,

	{StateMerging, EventGotQuillEvent}:  (*Machine).handleCollectingQuillEvent,
	{StateMerging, EventGotUpdate}:      (*Machine).handleMergingGotUpdate,
	{StateMerging, EventGotChangeAfter}: (*Machine).handleMergingGotChangeAfter,

	{StateErrorWait, EventStart}: (*Machine).handleErrorWaitStart,

	{StateUnrecoverable, AnyEvent}: (*Machine).handleSwallow,

	{AnyState, EventAPIError}:   (*Machine).handleAPIError,
	{AnyState, eventCaretReady}: (*Machine).handleCaretReady,
	{AnyState, AnyEvent}:        (*Machine).handleIgnored,
}

// A Machine drives one local editor against one server session. Events are
// queued FIFO and dispatched by a single goroutine; handlers never block on
// I/O but spawn asynchronous continuations that post follow-up events.
type Machine struct {
	api    SessionAPI
	editor Editor
	clock  clocks.Source
	delays Delays
	budget *ErrorBudget
	logger *logrus.Entry

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	// Guards reads of 'state' from other goroutines; only the run
	// goroutine writes it.
	stateLock sync.RWMutex
	state     State

	// Everything below is owned by the run goroutine; no locking.
	// The last server revision integrated into the editor.
	base int
	// Local edits not yet sent, composed.
	pending ot.Body
	// Whether a long poll is outstanding.
	polling bool
	// Caret throttle.
	caretReady   bool
	pendingCaret *EditorEvent
}

// NewMachine constructs a machine. Call Run to start it and post a start
// event.
func NewMachine(sessionAPI SessionAPI, editor Editor, clock clocks.Source, delays Delays, budget *ErrorBudget) *Machine {
	if clock == nil {
		clock = clocks.Wall
	}
	if budget == nil {
		budget = NewErrorBudget(clock, 0, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		api:        sessionAPI,
		editor:     editor,
		clock:      clock,
		delays:     delays,
		budget:     budget,
		logger:     logrus.WithFields(logrus.Fields{"component": "docclient"}),
		events:     make(chan Event, 256),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateDetached,
		caretReady: true,
	}
}

// State returns the machine's current state.
func (m *Machine) State() State {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.stateLock.Lock()
	m.state = s
	m.stateLock.Unlock()
}

// Run processes events until Stop is called. It starts the editor pump and
// posts the initial start event, then blocks; call it from its own
// goroutine.
func (m *Machine) Run() {
	go m.pumpEditor()
	m.editor.SetEnabled(false)
	m.Post(Event{Kind: EventStart})
	for {
		select {
		case e := <-m.events:
			m.dispatch(e)
		case <-m.ctx.Done():
			return
		}
	}
}

// Stop shuts the machine down, cancelling outstanding polls and timers.
func (m *Machine) Stop() {
	m.cancel()
}

// Post enqueues an event.
func (m *Machine) Post(e Event) {
	select {
	case m.events <- e:
	case <-m.ctx.Done():
	}
}

func (m *Machine) pumpEditor() {
	for {
		select {
		case ev, ok := <-m.editor.Events():
			if !ok {
				return
			}
			m.Post(Event{Kind: EventGotQuillEvent, Editor: ev})
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Machine) dispatch(e Event) {
	for _, key := range []handlerKey{
		{m.state, e.Kind},
		{m.state, AnyEvent},
		{AnyState, e.Kind},
		{AnyState, AnyEvent},
	} {
		if h, ok := handlers[key]; ok {
			h(m, e)
			return
		}
	}
}

// after posts an event once the delay elapses, unless the machine stops
// first.
func (m *Machine) after(d time.Duration, e Event) {
	alarm := m.clock.Alarm(m.ctx, m.clock.Now().Add(d))
	go func() {
		select {
		case <-alarm:
			if m.ctx.Err() == nil {
				m.Post(e)
			}
		case <-m.ctx.Done():
		}
	}()
}

// Handlers.

func (m *Machine) handleDetachedStart(e Event) {
	m.setState(StateStarting)
	m.polling = false
	m.pending = ot.Body{}
	go func() {
		snapshot, err := m.api.BodyGetSnapshot(m.ctx, doc.Latest)
		if err != nil {
			m.Post(Event{Kind: EventAPIError, Method: "body_getSnapshot", Err: err})
			return
		}
		m.Post(Event{Kind: EventGotSnapshot, Snapshot: snapshot})
	}()
}

func (m *Machine) handleStartingGotSnapshot(e Event) {
	body, ok := e.Snapshot.Contents.(ot.Body)
	if !ok {
		m.Post(Event{Kind: EventAPIError, Method: "body_getSnapshot",
			Err: ot.BadDataError{Reason: "snapshot contents is not a body delta"}})
		return
	}
	m.base = e.Snapshot.RevNum
	m.editor.SetContents(body)
	m.editor.SetEnabled(true)
	m.setState(StateIdle)
	m.Post(Event{Kind: EventWantInput})
}

func (m *Machine) handleIdleWantInput(e Event) {
	if m.polling {
		return
	}
	m.polling = true
	base := m.base
	go func() {
		change, err := m.api.BodyGetChangeAfter(m.ctx, base)
		if err != nil {
			m.Post(Event{Kind: EventAPIError, Method: "body_getChangeAfter", Err: err})
			return
		}
		m.Post(Event{Kind: EventGotChangeAfter, Base: base, Change: change})
	}()
}

func (m *Machine) handleGotChangeAfter(e Event) {
	// The polling flag keeps at most one poll outstanding, so any arrival
	// frees it.
	m.polling = false
	if e.Base != m.base || e.Change.RevNum <= m.base {
		// A leftover poll from an older base; its contents are already
		// covered. Re-issue from the current base.
		m.Post(Event{Kind: EventWantInput})
		return
	}
	delta, ok := e.Change.Delta.(ot.Body)
	if !ok {
		m.Post(Event{Kind: EventAPIError, Method: "body_getChangeAfter",
			Err: ot.BadDataError{Reason: "change delta is not a body delta"}})
		return
	}
	if m.state == StateIdle {
		if err := m.editor.ApplyChange(delta, SourceDocClient); err != nil {
			m.Post(Event{Kind: EventAPIError, Method: "applyChange", Err: err})
			return
		}
		m.base = e.Change.RevNum
		m.after(m.delays.Pull, Event{Kind: EventWantInput})
		return
	}
	// In collecting, the remote change must be merged with the unsent local
	// edits, exactly like a correction.
	m.integrateRemote(delta, e.Change.RevNum)
	m.after(m.delays.Pull, Event{Kind: EventWantInput})
}

// handleMergingGotChangeAfter drops a pull that completed while an update
// was in flight: the update's correction already accounts for those
// changes, and applying both would double them. The next idle wantInput
// re-polls from the corrected base.
func (m *Machine) handleMergingGotChangeAfter(e Event) {
	m.polling = false
}

func (m *Machine) handleIdleQuillEvent(e Event) {
	switch e.Editor.Kind {
	case TextChange:
		if e.Editor.Source == SourceDocClient {
			return
		}
		m.composePending(e.Editor.Delta)
		m.setState(StateCollecting)
		m.after(m.delays.Push, Event{Kind: EventWantToUpdate, Base: m.base})
	case SelectionChange:
		m.noteSelection(e.Editor)
	}
}

func (m *Machine) handleCollectingQuillEvent(e Event) {
	switch e.Editor.Kind {
	case TextChange:
		if e.Editor.Source == SourceDocClient {
			return
		}
		m.composePending(e.Editor.Delta)
	case SelectionChange:
		m.noteSelection(e.Editor)
	}
}

func (m *Machine) handleCollectingWantToUpdate(e Event) {
	if m.pending.IsEmpty() {
		m.setState(StateIdle)
		m.Post(Event{Kind: EventWantInput})
		return
	}
	sent := m.pending
	m.pending = ot.Body{}
	base := m.base
	m.setState(StateMerging)
	go func() {
		correction, err := m.api.BodyUpdate(m.ctx, base, sent)
		if err != nil {
			m.Post(Event{Kind: EventAPIError, Method: "body_update", Err: err})
			return
		}
		m.Post(Event{Kind: EventGotUpdate, Base: base, Sent: sent, Change: correction})
	}()
}

func (m *Machine) handleMergingGotUpdate(e Event) {
	correction, ok := e.Change.Delta.(ot.Body)
	if !ok {
		m.Post(Event{Kind: EventAPIError, Method: "body_update",
			Err: ot.BadDataError{Reason: "correction delta is not a body delta"}})
		return
	}
	m.base = e.Change.RevNum
	if !correction.IsEmpty() {
		m.integrateCorrection(correction)
	}
	if !m.pending.IsEmpty() {
		m.setState(StateCollecting)
		m.after(m.delays.Push, Event{Kind: EventWantToUpdate, Base: m.base})
		return
	}
	m.setState(StateIdle)
	m.editor.SetEnabled(true)
	m.Post(Event{Kind: EventWantInput})
}

func (m *Machine) handleErrorWaitStart(e Event) {
	m.setState(StateDetached)
	m.Post(Event{Kind: EventStart})
}

func (m *Machine) handleAPIError(e Event) {
	if api.IsRemoteCause(e.Err, "timedOut") {
		// Long polls time out as a matter of course; re-issue and carry on.
		if e.Method == "body_getChangeAfter" {
			m.polling = false
			m.Post(Event{Kind: EventWantInput})
			return
		}
	}
	m.logger.WithFields(logrus.Fields{
		"method": e.Method,
		"error":  e.Err,
		"state":  m.state,
	}).Warn("API error")
	m.editor.SetEnabled(false)
	m.polling = false
	if m.budget.Record() {
		m.setState(StateUnrecoverable)
		m.logger.Error("Too many errors; giving up until re-initialized")
		return
	}
	m.setState(StateErrorWait)
	m.after(m.delays.Restart, Event{Kind: EventStart})
}

func (m *Machine) handleCaretReady(e Event) {
	m.caretReady = true
	m.maybeSendCaret()
}

func (m *Machine) handleSwallow(e Event) {}

func (m *Machine) handleIgnored(e Event) {
	m.logger.WithFields(logrus.Fields{
		"state": m.state,
		"event": e.Kind,
	}).Debug("Event ignored in this state")
}

// Helpers.

func (m *Machine) composePending(delta ot.Body) {
	composed, err := m.pending.Compose(delta, false)
	if err != nil {
		m.Post(Event{Kind: EventAPIError, Method: "compose", Err: err})
		return
	}
	m.pending = composed.(ot.Body)
}

// integrateCorrection merges a non-empty correction with any edits that
// accumulated while the update was in flight. The editor receives the
// correction transformed past the local edits, and the local edits are
// re-queued transformed past the correction. The correction carries content
// that is already committed on the server, so it wins position races against
// the unsent local edits, mirroring how the server's update rebases client
// deltas; this preserves convergence and keeps the editor from jumping back.
func (m *Machine) integrateCorrection(correction ot.Body) {
	dMore := m.pending
	integrated, err := dMore.Transform(correction, false)
	if err != nil {
		m.Post(Event{Kind: EventAPIError, Method: "transform", Err: err})
		return
	}
	newMore, err := correction.Transform(dMore, true)
	if err != nil {
		m.Post(Event{Kind: EventAPIError, Method: "transform", Err: err})
		return
	}
	if !integrated.IsEmpty() {
		if err := m.editor.ApplyChange(integrated.(ot.Body), SourceDocClient); err != nil {
			m.Post(Event{Kind: EventAPIError, Method: "applyChange", Err: err})
			return
		}
	}
	m.pending = newMore.(ot.Body)
}

// integrateRemote handles a pulled change that raced with unsent local
// edits; the math is the same as for a correction.
func (m *Machine) integrateRemote(delta ot.Body, revNum int) {
	m.integrateCorrection(delta)
	m.base = revNum
}

func (m *Machine) noteSelection(ev EditorEvent) {
	sel := ev
	m.pendingCaret = &sel
	m.maybeSendCaret()
}

func (m *Machine) maybeSendCaret() {
	if !m.caretReady || m.pendingCaret == nil {
		return
	}
	sel := *m.pendingCaret
	m.pendingCaret = nil
	m.caretReady = false
	base := m.base
	go func() {
		err := m.api.CaretUpdate(m.ctx, base, sel.Index, sel.Length)
		delay := m.delays.CaretRequest
		if err != nil && !api.IsRemoteCause(err, "timedOut") {
			m.logger.WithFields(logrus.Fields{"error": err}).Debug("Caret update failed")
			delay = m.delays.CaretError
		}
		select {
		case <-m.clock.Alarm(m.ctx, m.clock.Now().Add(delay)):
			m.Post(Event{Kind: eventCaretReady})
		case <-m.ctx.Done():
		}
	}()
}
