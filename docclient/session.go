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
	"fmt"

	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/ot"
)

// A SessionAPI is the slice of the server session the client needs. The
// production implementation calls over an API connection; tests substitute
// a fake.
type SessionAPI interface {
	// BodyGetSnapshot fetches the body snapshot at revNum, or the current
	// one for doc.Latest (-1).
	BodyGetSnapshot(ctx context.Context, revNum int) (ot.Snapshot, error)

	// BodyGetChangeAfter long-polls for a body change past base.
	BodyGetChangeAfter(ctx context.Context, base int) (ot.Change, error)

	// BodyUpdate submits a local edit made against base and returns the
	// correction change.
	BodyUpdate(ctx context.Context, base int, delta ot.Body) (ot.Change, error)

	// CaretUpdate reports the local caret.
	CaretUpdate(ctx context.Context, docRevNum, index, length int) error
}

// A RemoteSession is the SessionAPI over an authorized API connection.
type RemoteSession struct {
	conn     *api.ClientConn
	targetID string
}

// NewRemoteSession wraps a connection on which targetID has already been
// authorized.
func NewRemoteSession(conn *api.ClientConn, targetID string) *RemoteSession {
	return &RemoteSession{conn: conn, targetID: targetID}
}

// BodyGetSnapshot implements the method declared in SessionAPI.
func (r *RemoteSession) BodyGetSnapshot(ctx context.Context, revNum int) (ot.Snapshot, error) {
	var result interface{}
	var err error
	if revNum < 0 {
		result, err = r.conn.Call(ctx, r.targetID, "body_getSnapshot")
	} else {
		result, err = r.conn.Call(ctx, r.targetID, "body_getSnapshot", revNum)
	}
	if err != nil {
		return ot.Snapshot{}, err
	}
	snapshot, ok := result.(ot.Snapshot)
	if !ok {
		return ot.Snapshot{}, ot.BadDataError{Reason: fmt.Sprintf("body_getSnapshot returned %T", result)}
	}
	return snapshot, nil
}

// BodyGetChangeAfter implements the method declared in SessionAPI.
func (r *RemoteSession) BodyGetChangeAfter(ctx context.Context, base int) (ot.Change, error) {
	result, err := r.conn.Call(ctx, r.targetID, "body_getChangeAfter", base)
	if err != nil {
		return ot.Change{}, err
	}
	change, ok := result.(ot.Change)
	if !ok {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf("body_getChangeAfter returned %T", result)}
	}
	return change, nil
}

// BodyUpdate implements the method declared in SessionAPI.
func (r *RemoteSession) BodyUpdate(ctx context.Context, base int, delta ot.Body) (ot.Change, error) {
	result, err := r.conn.Call(ctx, r.targetID, "body_update", base, delta)
	if err != nil {
		return ot.Change{}, err
	}
	change, ok := result.(ot.Change)
	if !ok {
		return ot.Change{}, ot.BadDataError{Reason: fmt.Sprintf("body_update returned %T", result)}
	}
	return change, nil
}

// CaretUpdate implements the method declared in SessionAPI.
func (r *RemoteSession) CaretUpdate(ctx context.Context, docRevNum, index, length int) error {
	_, err := r.conn.Call(ctx, r.targetID, "caret_update", docRevNum, index, length)
	return err
}
