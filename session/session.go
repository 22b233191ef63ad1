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

// Package session binds authorized API connections to documents. A Session
// is one (document, author, connection) triple exposed as an RPC target;
// its methods delegate to the document's body, caret, and property
// controls. Sessions are released when their connection closes, which also
// ends the session's caret.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/doc"
	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/util/clocks"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// How long a getChangeAfter call may hold its long poll before reporting
// timedOut and letting the client re-issue it.
const longPollTimeout = 60 * time.Second

// An Access authorizes one target id: the shared secret proves the caller,
// and the document/author pair says what it may touch.
type Access struct {
	Secret     string
	DocumentID string
	AuthorID   string
}

// Targets opens documents and builds session targets for authorized
// connections. It implements api.TargetResolver.
type Targets struct {
	store    filestore.Store
	codec    *wire.Codec
	clock    clocks.Source
	caretCfg doc.CaretConfig
	access   map[string]Access
	ctx      context.Context

	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		docs map[string]*docHandle
		// Sessions by connection id, for release on close.
		conns map[string][]*Session
	}
}

// A docHandle holds the controls of one open document. Controls are shared
// by every session on the document; the handle is dropped only at process
// exit.
type docHandle struct {
	file   filestore.File
	body   *doc.BodyControl
	props  *doc.PropertyControl
	carets *doc.CaretControl
}

// NewTargets constructs the resolver. The context governs background
// activity of the controls it opens.
func NewTargets(ctx context.Context, store filestore.Store, codec *wire.Codec, clock clocks.Source, caretCfg doc.CaretConfig, access map[string]Access) *Targets {
	if clock == nil {
		clock = clocks.Wall
	}
	t := &Targets{
		store:    store,
		codec:    codec,
		clock:    clock,
		caretCfg: caretCfg,
		access:   access,
		ctx:      ctx,
	}
	t.locked.docs = map[string]*docHandle{}
	t.locked.conns = map[string][]*Session{}
	return t
}

// Secret implements the method declared in api.TargetResolver.
func (t *Targets) Secret(targetID string) ([]byte, bool) {
	a, ok := t.access[targetID]
	if !ok {
		return nil, false
	}
	return []byte(a.Secret), true
}

// Resolve implements the method declared in api.TargetResolver.
func (t *Targets) Resolve(ctx context.Context, connID, targetID string) (api.Target, error) {
	a, ok := t.access[targetID]
	if !ok {
		return nil, api.UnknownTargetError{Target: targetID}
	}
	handle, err := t.openDoc(ctx, a.DocumentID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		sessionID: uuid.NewString(),
		authorID:  a.AuthorID,
		connID:    connID,
		handle:    handle,
		clock:     t.clock,
		logger: logrus.WithFields(logrus.Fields{
			"document": a.DocumentID,
			"author":   a.AuthorID,
		}),
	}
	if _, err := handle.carets.BeginSession(s.sessionID, s.authorID); err != nil {
		return nil, err
	}
	t.lock.Lock()
	t.locked.conns[connID] = append(t.locked.conns[connID], s)
	t.lock.Unlock()
	return s, nil
}

// ReleaseConn implements the method declared in api.TargetResolver. Closing
// a connection ends the carets of every session it bound.
func (t *Targets) ReleaseConn(connID string) {
	t.lock.Lock()
	sessions := t.locked.conns[connID]
	delete(t.locked.conns, connID)
	t.lock.Unlock()
	for _, s := range sessions {
		if err := s.handle.carets.EndSession(s.sessionID); err != nil {
			s.logger.WithFields(logrus.Fields{"error": err}).Warn("Failed to end caret session")
		}
	}
}

// openDoc returns the document's controls, opening and validating the file
// on first use.
func (t *Targets) openDoc(ctx context.Context, docID string) (*docHandle, error) {
	t.lock.Lock()
	handle, ok := t.locked.docs[docID]
	t.lock.Unlock()
	if ok {
		return handle, nil
	}

	file, err := t.store.OpenFile(ctx, docID)
	if err != nil {
		return nil, err
	}
	status, err := doc.ValidateFile(ctx, file)
	if err != nil || status == doc.StatusError {
		return nil, fmt.Errorf("document %v failed validation: %v", docID, err)
	}
	body, err := doc.NewBodyControl(ctx, file, t.codec, t.clock)
	if err != nil {
		return nil, err
	}
	props, err := doc.NewPropertyControl(ctx, file, t.codec, t.clock)
	if err != nil {
		return nil, err
	}
	carets := doc.NewCaretControl(t.ctx, file, t.codec, t.clock, t.caretCfg)

	t.lock.Lock()
	defer t.lock.Unlock()
	if existing, ok := t.locked.docs[docID]; ok {
		// Another connection opened the document concurrently.
		return existing, nil
	}
	handle = &docHandle{file: file, body: body, props: props, carets: carets}
	t.locked.docs[docID] = handle
	return handle, nil
}

// A Session is the RPC target for one authorized (document, author,
// connection) binding. It owns a reference to the document's controls; the
// controls track sessions only by id.
type Session struct {
	sessionID string
	authorID  string
	connID    string
	handle    *docHandle
	clock     clocks.Source
	logger    *logrus.Entry
}

// SessionID returns the server-assigned session id.
func (s *Session) SessionID() string { return s.sessionID }

// Methods implements the method declared in api.Target. The map is the
// explicit allowlist of what a client may invoke.
func (s *Session) Methods() map[string]api.Method {
	return map[string]api.Method{
		"getLogInfo":   s.getLogInfo,
		"getSessionId": s.getSessionID,

		"body_getSnapshot":    s.bodyGetSnapshot,
		"body_getChange":      s.bodyGetChange,
		"body_getChangeAfter": s.bodyGetChangeAfter,
		"body_update":         s.bodyUpdate,

		"caret_getSnapshot":    s.caretGetSnapshot,
		"caret_getChangeAfter": s.caretGetChangeAfter,
		"caret_update":         s.caretUpdate,

		"property_getSnapshot":    s.propertyGetSnapshot,
		"property_getChange":      s.propertyGetChange,
		"property_getChangeAfter": s.propertyGetChangeAfter,
		"property_update":         s.propertyUpdate,
	}
}

func (s *Session) getLogInfo(ctx context.Context, args []interface{}) (interface{}, error) {
	return fmt.Sprintf("doc %v session %v author %v",
		s.handle.file.ID(), s.sessionID, s.authorID), nil
}

func (s *Session) getSessionID(ctx context.Context, args []interface{}) (interface{}, error) {
	return s.sessionID, nil
}

// optRevNum parses an optional single revision-number argument, defaulting
// to the latest revision.
func optRevNum(args []interface{}) (int, error) {
	if len(args) == 0 {
		return doc.Latest, nil
	}
	if len(args) != 1 {
		return 0, ot.BadValueError{Reason: "wants at most one revision number"}
	}
	return revNum(args[0])
}

func revNum(arg interface{}) (int, error) {
	switch n := arg.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, ot.BadValueError{Reason: fmt.Sprintf("revision number %v is not an integer", n)}
		}
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, ot.BadValueError{Reason: fmt.Sprintf("revision number has type %T", arg)}
}

func (s *Session) bodyGetSnapshot(ctx context.Context, args []interface{}) (interface{}, error) {
	n, err := optRevNum(args)
	if err != nil {
		return nil, err
	}
	return s.handle.body.GetSnapshot(ctx, n)
}

func (s *Session) bodyGetChange(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadValueError{Reason: "body_getChange wants (revNum)"}
	}
	n, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	return s.handle.body.GetChange(ctx, n)
}

func (s *Session) bodyGetChangeAfter(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadValueError{Reason: "body_getChangeAfter wants (baseRevNum)"}
	}
	base, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	// A long poll must not hold the connection's dispatch turn; the very
	// update that would satisfy it may be queued right behind it.
	api.Yield(ctx)
	return s.handle.body.GetChangeAfter(ctx, base, longPollTimeout)
}

func (s *Session) bodyUpdate(ctx context.Context, args []interface{}) (interface{}, error) {
	base, delta, err := updateArgs(args)
	if err != nil {
		return nil, err
	}
	return s.handle.body.Update(ctx, ot.Change{
		RevNum:    base + 1,
		Delta:     delta,
		Timestamp: s.now(),
		AuthorID:  s.authorID,
	})
}

func (s *Session) caretGetSnapshot(ctx context.Context, args []interface{}) (interface{}, error) {
	n, err := optRevNum(args)
	if err != nil {
		return nil, err
	}
	return s.handle.carets.GetSnapshot(n)
}

func (s *Session) caretGetChangeAfter(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadValueError{Reason: "caret_getChangeAfter wants (baseRevNum)"}
	}
	base, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	api.Yield(ctx)
	return s.handle.carets.GetChangeAfter(ctx, base, longPollTimeout)
}

func (s *Session) caretUpdate(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 2 && len(args) != 3 {
		return nil, ot.BadValueError{Reason: "caret_update wants (docRevNum, index, length=0)"}
	}
	docRev, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	index, err := revNum(args[1])
	if err != nil {
		return nil, err
	}
	length := 0
	if len(args) == 3 {
		if length, err = revNum(args[2]); err != nil {
			return nil, err
		}
	}
	return s.handle.carets.UpdateCaret(s.sessionID, s.authorID, docRev, index, length)
}

func (s *Session) propertyGetSnapshot(ctx context.Context, args []interface{}) (interface{}, error) {
	n, err := optRevNum(args)
	if err != nil {
		return nil, err
	}
	return s.handle.props.GetSnapshot(ctx, n)
}

func (s *Session) propertyGetChange(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadValueError{Reason: "property_getChange wants (revNum)"}
	}
	n, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	return s.handle.props.GetChange(ctx, n)
}

func (s *Session) propertyGetChangeAfter(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, ot.BadValueError{Reason: "property_getChangeAfter wants (baseRevNum)"}
	}
	base, err := revNum(args[0])
	if err != nil {
		return nil, err
	}
	api.Yield(ctx)
	return s.handle.props.GetChangeAfter(ctx, base, longPollTimeout)
}

func (s *Session) propertyUpdate(ctx context.Context, args []interface{}) (interface{}, error) {
	base, delta, err := updateArgs(args)
	if err != nil {
		return nil, err
	}
	return s.handle.props.Update(ctx, ot.Change{
		RevNum:    base + 1,
		Delta:     delta,
		Timestamp: s.now(),
		AuthorID:  s.authorID,
	})
}

func (s *Session) now() time.Time {
	return s.clock.Now().UTC()
}

func updateArgs(args []interface{}) (int, ot.Delta, error) {
	if len(args) != 2 {
		return 0, nil, ot.BadValueError{Reason: "update wants (baseRevNum, delta)"}
	}
	base, err := revNum(args[0])
	if err != nil {
		return 0, nil, err
	}
	delta, ok := args[1].(ot.Delta)
	if !ok {
		return 0, nil, ot.BadDataError{Reason: fmt.Sprintf("update delta has type %T", args[1])}
	}
	return base, delta, nil
}
