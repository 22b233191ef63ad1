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

package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sfescape/bayou/api"
	"github.com/sfescape/bayou/doc"
	"github.com/sfescape/bayou/filestore/memstore"
	"github.com/sfescape/bayou/ot"
	"github.com/sfescape/bayou/session"
	"github.com/sfescape/bayou/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "squeamish ossifrage"

// startServer brings up a real websocket endpoint backed by an in-memory
// store with one authorized document target.
func startServer(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := memstore.New(nil)
	codec := wire.NewCodec()
	resolver := session.NewTargets(ctx, store, codec, nil, doc.DefaultCaretConfig(), map[string]session.Access{
		"doc1": {Secret: testSecret, DocumentID: "doc1", AuthorID: "alice"},
	})

	var upgrader websocket.Upgrader
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := api.NewServerConn(ctx, ws, codec, resolver)
		go conn.Run()
	}))
	t.Cleanup(httpServer.Close)
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/api"
}

func dial(t *testing.T, url string) *api.ClientConn {
	t.Helper()
	conn, err := api.Dial(context.Background(), url, wire.NewCodec())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func Test_meta(t *testing.T) {
	conn := dial(t, startServer(t))
	ctx := context.Background()

	pong, err := conn.Call(ctx, api.MetaTargetID, "ping")
	require.NoError(t, err)
	assert.Equal(t, true, pong)

	id, err := conn.Call(ctx, api.MetaTargetID, "connectionId")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func Test_unknownTargetAndMethod(t *testing.T) {
	conn := dial(t, startServer(t))
	ctx := context.Background()

	_, err := conn.Call(ctx, "nope", "ping")
	assert.True(t, api.IsRemoteCause(err, "unknownTarget"))

	// The session target is unknown until authorized.
	_, err = conn.Call(ctx, "doc1", "getSessionId")
	assert.True(t, api.IsRemoteCause(err, "unknownTarget"))

	_, err = conn.Call(ctx, api.MetaTargetID, "launchMissiles")
	assert.True(t, api.IsRemoteCause(err, "badValue"))
}

func Test_challengeResponseAuth(t *testing.T) {
	conn := dial(t, startServer(t))
	ctx := context.Background()

	// A wrong secret fails and does not add the target.
	challenge, err := conn.Call(ctx, api.MetaTargetID, "makeChallenge", "doc1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(challenge.(string)), 16)
	_, err = conn.Call(ctx, api.MetaTargetID, "authWithChallengeResponse",
		challenge, api.ChallengeResponse([]byte("wrong"), challenge.(string)))
	assert.True(t, api.IsRemoteCause(err, "authFailed"))
	_, err = conn.Call(ctx, "doc1", "getSessionId")
	assert.True(t, api.IsRemoteCause(err, "unknownTarget"))

	// The right secret works.
	require.NoError(t, conn.Authorize(ctx, "doc1", []byte(testSecret)))
	sessionID, err := conn.Call(ctx, "doc1", "getSessionId")
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	// Challenges are single-use.
	_, err = conn.Call(ctx, api.MetaTargetID, "authWithChallengeResponse",
		challenge, api.ChallengeResponse([]byte(testSecret), challenge.(string)))
	assert.True(t, api.IsRemoteCause(err, "authFailed"))

	// Unknown target ids cannot even get a challenge.
	_, err = conn.Call(ctx, api.MetaTargetID, "makeChallenge", "doc99")
	assert.True(t, api.IsRemoteCause(err, "unknownTarget"))
}

// A full editing round trip across the wire: snapshot, update, correction,
// snapshot again, carets included.
func Test_sessionRoundTrip(t *testing.T) {
	url := startServer(t)
	conn := dial(t, url)
	ctx := context.Background()
	require.NoError(t, conn.Authorize(ctx, "doc1", []byte(testSecret)))

	result, err := conn.Call(ctx, "doc1", "body_getSnapshot")
	require.NoError(t, err)
	snapshot := result.(ot.Snapshot)
	assert.Equal(t, 0, snapshot.RevNum)

	correctionRes, err := conn.Call(ctx, "doc1", "body_update", 0, ot.BodyInsert("hello", nil))
	require.NoError(t, err)
	correction := correctionRes.(ot.Change)
	assert.Equal(t, 1, correction.RevNum)
	assert.True(t, correction.Delta.IsEmpty())

	result, err = conn.Call(ctx, "doc1", "body_getSnapshot", 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.(ot.Snapshot).Contents.(ot.Body).Text())

	// A second client edits concurrently from the same base.
	conn2 := dial(t, url)
	require.NoError(t, conn2.Authorize(ctx, "doc1", []byte(testSecret)))
	corr2Res, err := conn2.Call(ctx, "doc1", "body_update", 0, ot.BodyInsert("!", nil))
	require.NoError(t, err)
	corr2 := corr2Res.(ot.Change)
	assert.Equal(t, 2, corr2.RevNum)
	assert.False(t, corr2.Delta.IsEmpty())

	// Carets: opening the two sessions created two carets with distinct
	// colors; moving one is visible in the snapshot.
	_, err = conn.Call(ctx, "doc1", "caret_update", 2, 3, 1)
	require.NoError(t, err)
	result, err = conn.Call(ctx, "doc1", "caret_getSnapshot")
	require.NoError(t, err)
	carets := result.(ot.CaretSnapshot).Carets
	require.Len(t, carets, 2)
	assert.NotEqual(t, carets[0].Color, carets[1].Color)

	// The error taxonomy crosses the wire with names intact.
	_, err = conn.Call(ctx, "doc1", "body_getSnapshot", 99)
	assert.True(t, api.IsRemoteCause(err, "revisionTooHigh"))
	_, err = conn.Call(ctx, "doc1", "body_update", 99)
	assert.True(t, api.IsRemoteCause(err, "badValue"))
}

// A response for an id that was never sent terminates the connection as
// protocol nonsense.
func Test_clientRejectsNonsense(t *testing.T) {
	var upgrader websocket.Upgrader
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Answer with an id nobody asked about.
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"id": 999, "ok": true, "result": 1}`))
	}))
	defer httpServer.Close()

	conn, err := api.Dial(context.Background(),
		"ws"+strings.TrimPrefix(httpServer.URL, "http"), wire.NewCodec())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Call(context.Background(), api.MetaTargetID, "ping")
	assert.True(t, api.IsConnectionNonsense(err) || api.IsConnectionClosed(err))
}

func Test_callAfterClose(t *testing.T) {
	conn := dial(t, startServer(t))
	conn.Close()
	_, err := conn.Call(context.Background(), api.MetaTargetID, "ping")
	assert.True(t, api.IsConnectionClosed(err))
}

// rawConn speaks the wire protocol directly so tests can pipeline requests
// back-to-back without waiting for responses.
type rawConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func rawDial(t *testing.T, url string) *rawConn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &rawConn{t: t, ws: ws}
}

func (r *rawConn) send(format string, args ...interface{}) {
	r.t.Helper()
	require.NoError(r.t, r.ws.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...))))
}

func (r *rawConn) read() map[string]interface{} {
	r.t.Helper()
	_, data, err := r.ws.ReadMessage()
	require.NoError(r.t, err)
	var res map[string]interface{}
	require.NoError(r.t, json.Unmarshal(data, &res))
	return res
}

// readByID collects n responses keyed by id, in whatever order they arrive.
func (r *rawConn) readByID(n int) map[int]map[string]interface{} {
	r.t.Helper()
	out := map[int]map[string]interface{}{}
	for i := 0; i < n; i++ {
		res := r.read()
		out[int(res["id"].(float64))] = res
	}
	return out
}

func (r *rawConn) authorize(targetID, secret string) {
	r.t.Helper()
	r.send(`{"id": 1, "target": "meta", "payload": {"method": "makeChallenge", "args": [%q]}}`, targetID)
	challenge := r.read()["result"].(string)
	r.send(`{"id": 2, "target": "meta", "payload": {"method": "authWithChallengeResponse", "args": [%q, %q]}}`,
		challenge, api.ChallengeResponse([]byte(secret), challenge))
	require.Equal(r.t, true, r.read()["ok"])
}

// Requests on one connection dispatch in wire arrival order: an update built
// on the revision its pipelined predecessor produces must find that revision
// already committed.
func Test_dispatchOrderPerConnection(t *testing.T) {
	raw := rawDial(t, startServer(t))
	raw.authorize("doc1", testSecret)

	raw.send(`{"id": 10, "target": "doc1", "payload": {"method": "body_update",
		"args": [0, {"BodyDelta": [[{"insert": "a"}]]}]}}`)
	raw.send(`{"id": 11, "target": "doc1", "payload": {"method": "body_update",
		"args": [1, {"BodyDelta": [[{"retain": 1}, {"insert": "b"}]]}]}}`)

	responses := raw.readByID(2)
	require.Contains(t, responses, 10)
	require.Contains(t, responses, 11)
	assert.Equal(t, true, responses[10]["ok"], "first update failed: %v", responses[10])
	assert.Equal(t, true, responses[11]["ok"], "pipelined update dispatched out of order: %v", responses[11])

	raw.send(`{"id": 12, "target": "doc1", "payload": {"method": "body_getSnapshot", "args": []}}`)
	decoded, err := wire.NewCodec().Decode(raw.read()["result"])
	require.NoError(t, err)
	assert.Equal(t, "ab", decoded.(ot.Snapshot).Contents.(ot.Body).Text())
}

// A long poll yields its dispatch turn, so the update pipelined right behind
// it on the same connection both runs and satisfies it.
func Test_longPollDoesNotStallPipeline(t *testing.T) {
	raw := rawDial(t, startServer(t))
	raw.authorize("doc1", testSecret)

	raw.send(`{"id": 20, "target": "doc1", "payload": {"method": "body_update",
		"args": [0, {"BodyDelta": [[{"insert": "a"}]]}]}}`)
	require.Equal(t, true, raw.read()["ok"])

	raw.send(`{"id": 21, "target": "doc1", "payload": {"method": "body_getChangeAfter", "args": [1]}}`)
	raw.send(`{"id": 22, "target": "doc1", "payload": {"method": "body_update",
		"args": [1, {"BodyDelta": [[{"retain": 1}, {"insert": "b"}]]}]}}`)

	responses := raw.readByID(2)
	require.Contains(t, responses, 21)
	require.Contains(t, responses, 22)
	assert.Equal(t, true, responses[22]["ok"], "update stalled behind the long poll: %v", responses[22])
	assert.Equal(t, true, responses[21]["ok"])
	decoded, err := wire.NewCodec().Decode(responses[21]["result"])
	require.NoError(t, err)
	assert.Equal(t, 2, decoded.(ot.Change).RevNum)
}
