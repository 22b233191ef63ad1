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

	"github.com/gorilla/websocket"
	"github.com/sfescape/bayou/wire"
	"github.com/sirupsen/logrus"
)

// connState is a ClientConn's lifecycle position.
type connState int

const (
	stateConnecting connState = iota
	stateOpen
	stateClosed
)

type pendingCall struct {
	ch chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// A ClientConn is the client side of one API connection. Requests issued
// before the transport opens are queued in order and flushed on open;
// requests issued after close fail with connectionClosed. A response for an
// id that was never sent is a protocol violation that terminates the
// connection.
type ClientConn struct {
	codec  *wire.Codec
	logger *logrus.Entry
	// Serializes writes to the websocket.
	writeLock sync.Mutex

	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		state   connState
		ws      *websocket.Conn
		nextID  int64
		pending map[int64]pendingCall
		// Messages issued before the transport opened, in issue order.
		queue []Message
	}
}

// Dial opens a connection to the server's websocket endpoint, such as
// "ws://localhost:8080/api". Dial returns once the websocket handshake has
// completed, so the returned connection is already open for Call.
func Dial(ctx context.Context, url string, codec *wire.Codec) (*ClientConn, error) {
	conn := newClientConn(codec)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		conn.fail(ConnectionError{Err: err})
		return nil, ConnectionError{Err: err}
	}
	conn.open(ws)
	return conn, nil
}

func newClientConn(codec *wire.Codec) *ClientConn {
	conn := &ClientConn{
		codec:  codec,
		logger: logrus.WithFields(logrus.Fields{"component": "api-client"}),
	}
	conn.locked.state = stateConnecting
	conn.locked.nextID = 1
	conn.locked.pending = map[int64]pendingCall{}
	return conn
}

// open attaches the websocket, flushes the queue, and starts the read loop.
func (conn *ClientConn) open(ws *websocket.Conn) {
	conn.lock.Lock()
	conn.locked.ws = ws
	conn.locked.state = stateOpen
	queued := conn.locked.queue
	conn.locked.queue = nil
	conn.lock.Unlock()

	for _, msg := range queued {
		conn.send(msg)
	}
	go conn.readLoop()
}

// Call invokes a method on a target and waits for its response. The args
// and result are translated by the wire codec; a server-side error comes
// back as a RemoteError preserving the original name and info.
func (conn *ClientConn) Call(ctx context.Context, target, method string, args ...interface{}) (interface{}, error) {
	encArgs := make([]interface{}, len(args))
	for i, arg := range args {
		enc, err := conn.codec.Encode(arg)
		if err != nil {
			return nil, err
		}
		encArgs[i] = enc
	}

	conn.lock.Lock()
	if conn.locked.state == stateClosed {
		conn.lock.Unlock()
		return nil, ConnectionClosedError{}
	}
	id := conn.locked.nextID
	conn.locked.nextID++
	call := pendingCall{ch: make(chan callResult, 1)}
	conn.locked.pending[id] = call
	msg := Message{ID: id, Target: target, Payload: Payload{Method: method, Args: encArgs}}
	queued := conn.locked.state == stateConnecting
	if queued {
		conn.locked.queue = append(conn.locked.queue, msg)
	}
	conn.lock.Unlock()

	if !queued {
		conn.send(msg)
	}
	select {
	case res := <-call.ch:
		return res.value, res.err
	case <-ctx.Done():
		conn.lock.Lock()
		delete(conn.locked.pending, id)
		conn.lock.Unlock()
		return nil, ctx.Err()
	}
}

func (conn *ClientConn) send(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		conn.resolve(msg.ID, callResult{err: err})
		return
	}
	conn.lock.Lock()
	ws := conn.locked.ws
	conn.lock.Unlock()
	conn.writeLock.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	conn.writeLock.Unlock()
	if err != nil {
		conn.resolve(msg.ID, callResult{err: ConnectionError{Err: err}})
	}
}

func (conn *ClientConn) readLoop() {
	for {
		_, data, err := conn.ws().ReadMessage()
		if err != nil {
			conn.fail(ConnectionClosedError{})
			return
		}
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			conn.terminate(ConnectionNonsenseError{Reason: "malformed response: " + err.Error()})
			return
		}
		call, ok := conn.take(res.ID)
		if !ok {
			// A response for an unknown id means the two sides disagree
			// about the conversation; nothing can be trusted after that.
			conn.terminate(ConnectionNonsenseError{Reason: "response for unknown id"})
			return
		}
		if !res.OK {
			info := res.Error
			if info == nil {
				info = &ErrorInfo{Name: "wtf"}
			}
			call.ch <- callResult{err: RemoteError{Cause: info.Name, Info: info.Info}}
			continue
		}
		decoded, err := conn.codec.Decode(res.Result)
		if err != nil {
			call.ch <- callResult{err: err}
			continue
		}
		call.ch <- callResult{value: decoded}
	}
}

func (conn *ClientConn) ws() *websocket.Conn {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	return conn.locked.ws
}

func (conn *ClientConn) take(id int64) (pendingCall, bool) {
	conn.lock.Lock()
	defer conn.lock.Unlock()
	call, ok := conn.locked.pending[id]
	if ok {
		delete(conn.locked.pending, id)
	}
	return call, ok
}

func (conn *ClientConn) resolve(id int64, res callResult) {
	if call, ok := conn.take(id); ok {
		call.ch <- res
	}
}

// fail closes the connection and fails every outstanding call with err.
func (conn *ClientConn) fail(err error) {
	conn.lock.Lock()
	if conn.locked.state == stateClosed {
		conn.lock.Unlock()
		return
	}
	conn.locked.state = stateClosed
	pending := conn.locked.pending
	conn.locked.pending = map[int64]pendingCall{}
	ws := conn.locked.ws
	conn.lock.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	for _, call := range pending {
		call.ch <- callResult{err: err}
	}
}

func (conn *ClientConn) terminate(err ConnectionNonsenseError) {
	conn.logger.WithFields(logrus.Fields{"error": err}).Warn("Terminating connection")
	conn.fail(err)
}

// Close shuts the connection down. Outstanding and future calls fail with
// connectionClosed.
func (conn *ClientConn) Close() {
	conn.fail(ConnectionClosedError{})
}

// Authorize runs the challenge-response flow for a target id using the
// shared secret, adding the target to this connection on success.
func (conn *ClientConn) Authorize(ctx context.Context, targetID string, secret []byte) error {
	challenge, err := conn.Call(ctx, MetaTargetID, "makeChallenge", targetID)
	if err != nil {
		return err
	}
	challengeStr, ok := challenge.(string)
	if !ok || len(challengeStr) < 16 {
		return ConnectionNonsenseError{Reason: "short challenge"}
	}
	_, err = conn.Call(ctx, MetaTargetID, "authWithChallengeResponse",
		challengeStr, ChallengeResponse(secret, challengeStr))
	return err
}
