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

package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// A ServerConn serves one client connection. Requests are read off the
// websocket and dispatched in arrival order; responses may complete out of
// order (long polls run for a while) and are written back by a single
// writer goroutine.
type ServerConn struct {
	id       string
	ws       *websocket.Conn
	codec    *wire.Codec
	resolver TargetResolver
	logger   *logrus.Entry
	sendCh   chan Response
	// Inbound requests, in wire arrival order, consumed by dispatchLoop.
	inCh chan Message
	// Canceled when the connection closes; long polls hang off this.
	ctx    context.Context
	cancel context.CancelFunc

	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		targets map[string]Target
		// Outstanding challenges: challenge string to target id.
		challenges map[string]string
	}
}

// NewServerConn wraps an accepted websocket. Call Run to serve it.
func NewServerConn(ctx context.Context, ws *websocket.Conn, codec *wire.Codec, resolver TargetResolver) *ServerConn {
	initMetrics()
	connCtx, cancel := context.WithCancel(ctx)
	conn := &ServerConn{
		id:       uuid.NewString(),
		ws:       ws,
		codec:    codec,
		resolver: resolver,
		sendCh:   make(chan Response, 16),
		inCh:     make(chan Message, 16),
		ctx:      connCtx,
		cancel:   cancel,
	}
	conn.logger = logrus.WithFields(logrus.Fields{"conn": conn.id})
	conn.locked.targets = map[string]Target{MetaTargetID: metaTarget{conn: conn}}
	conn.locked.challenges = map[string]string{}
	return conn
}

// ID returns the connection's unique id.
func (conn *ServerConn) ID() string { return conn.id }

// Run serves the connection until the client goes away or commits a
// protocol violation. It returns after all cleanup is done.
func (conn *ServerConn) Run() {
	metrics.connectionsOpen.Inc()
	defer metrics.connectionsOpen.Dec()
	defer conn.close()

	go conn.writeLoop()
	go conn.dispatchLoop()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.WithFields(logrus.Fields{"error": err}).Info("Connection read failed")
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Inbound garbage is a protocol violation; drop the connection.
			conn.logger.WithFields(logrus.Fields{"error": err}).Warn("Closing connection on malformed message")
			return
		}
		select {
		case conn.inCh <- msg:
		case <-conn.ctx.Done():
			return
		}
	}
}

// dispatchLoop runs the connection's requests strictly in arrival order.
// Each request runs to completion before the next one starts, except that a
// handler may call Yield when it reaches a long blocking point (a long
// poll); the loop then moves on so the very request that would satisfy the
// poll is not stuck in line behind it.
func (conn *ServerConn) dispatchLoop() {
	for {
		select {
		case msg := <-conn.inCh:
			done := make(chan struct{})
			yielded := make(chan struct{})
			var once sync.Once
			yield := func() {
				once.Do(func() { close(yielded) })
			}
			go func() {
				defer close(done)
				conn.dispatch(msg, yield)
			}()
			select {
			case <-done:
			case <-yielded:
			case <-conn.ctx.Done():
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

func (conn *ServerConn) writeLoop() {
	for {
		select {
		case res := <-conn.sendCh:
			data, err := json.Marshal(res)
			if err != nil {
				conn.logger.WithFields(logrus.Fields{"error": err}).Error("Cannot marshal response")
				continue
			}
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				conn.cancel()
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}

func (conn *ServerConn) close() {
	conn.cancel()
	conn.resolver.ReleaseConn(conn.id)
	_ = conn.ws.Close()
}

func (conn *ServerConn) dispatch(msg Message, yield func()) {
	metrics.requests.Inc()
	result, err := conn.invoke(msg, yield)
	res := Response{ID: msg.ID, OK: err == nil}
	if err != nil {
		metrics.requestErrors.Inc()
		res.Error = errorInfoFor(err)
	} else {
		encoded, encErr := conn.codec.Encode(result)
		if encErr != nil {
			res.OK = false
			res.Error = errorInfoFor(encErr)
		} else {
			res.Result = encoded
		}
	}
	select {
	case conn.sendCh <- res:
	case <-conn.ctx.Done():
	}
}

func (conn *ServerConn) invoke(msg Message, yield func()) (interface{}, error) {
	conn.lock.Lock()
	target, ok := conn.locked.targets[msg.Target]
	conn.lock.Unlock()
	if !ok {
		return nil, UnknownTargetError{Target: msg.Target}
	}
	method, ok := target.Methods()[msg.Payload.Method]
	if !ok {
		return nil, ot.BadValueError{Reason: "unknown method " + msg.Payload.Method}
	}
	args := make([]interface{}, len(msg.Payload.Args))
	for i, raw := range msg.Payload.Args {
		decoded, err := conn.codec.Decode(raw)
		if err != nil {
			return nil, err
		}
		args[i] = decoded
	}
	return method(withYield(conn.ctx, yield), args)
}

func (conn *ServerConn) addTarget(id string, target Target) {
	conn.lock.Lock()
	conn.locked.targets[id] = target
	conn.lock.Unlock()
}

func (conn *ServerConn) addChallenge(challenge, targetID string) {
	conn.lock.Lock()
	conn.locked.challenges[challenge] = targetID
	conn.lock.Unlock()
}

// takeChallenge consumes an outstanding challenge; each challenge verifies
// at most once.
func (conn *ServerConn) takeChallenge(challenge string) (string, bool) {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	targetID, ok := conn.locked.challenges[challenge]
	if ok {
		delete(conn.locked.challenges, challenge)
	}
	return targetID, ok
}

func badArgs(reason string) error {
	return ot.BadValueError{Reason: reason}
}

func oneStringArg(args []interface{}, method, name string) (string, error) {
	if len(args) != 1 {
		return "", badArgs(method + " wants (" + name + ")")
	}
	s, ok := args[0].(string)
	if !ok || s == "" {
		return "", badArgs(method + " wants a non-empty " + name)
	}
	return s, nil
}
