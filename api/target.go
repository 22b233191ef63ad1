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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sfescape/bayou/util/random"
)

// MetaTargetID is the name of the built-in target every connection starts
// with.
const MetaTargetID = "meta"

// A Method is one callable method of a target. Arguments arrive already
// decoded by the wire codec; the result is encoded by the same codec.
type Method func(ctx context.Context, args []interface{}) (interface{}, error)

// A Target is a named RPC endpoint on a connection. Methods returns the
// explicit allowlist of callable methods keyed by wire name; anything not
// in the map simply does not exist as far as the protocol is concerned.
type Target interface {
	Methods() map[string]Method
}

// A TargetResolver authorizes and builds the targets a connection may bind
// beyond the built-in meta target.
type TargetResolver interface {
	// Secret returns the shared secret for a target id, if the id exists.
	// The secret itself never crosses the wire; possession is proven by
	// challenge response.
	Secret(targetID string) ([]byte, bool)

	// Resolve builds the RPC target for an id whose challenge response
	// verified. connID identifies the connection for lifecycle tracking.
	Resolve(ctx context.Context, connID, targetID string) (Target, error)

	// ReleaseConn is called when a connection closes; resolvers drop any
	// per-connection state, such as ending the sessions the connection
	// bound.
	ReleaseConn(connID string)
}

// ChallengeResponse computes the expected response for a challenge: the
// hex form of an HMAC-SHA256 of the challenge under the shared secret.
// Both sides of the protocol use this.
func ChallengeResponse(secret []byte, challenge string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func newChallenge() string {
	// 32 hex characters, comfortably past the 16-character floor.
	return hex.EncodeToString(random.SecureBytes(16))
}

// metaTarget is the built-in target. It exposes connection identity, a
// liveness probe, and the challenge-response flow that adds further targets
// to the connection.
type metaTarget struct {
	conn *ServerConn
}

func (m metaTarget) Methods() map[string]Method {
	return map[string]Method{
		"connectionId":              m.connectionID,
		"ping":                      m.ping,
		"makeChallenge":             m.makeChallenge,
		"authWithChallengeResponse": m.authWithChallengeResponse,
	}
}

func (m metaTarget) connectionID(ctx context.Context, args []interface{}) (interface{}, error) {
	return m.conn.ID(), nil
}

func (m metaTarget) ping(ctx context.Context, args []interface{}) (interface{}, error) {
	return true, nil
}

func (m metaTarget) makeChallenge(ctx context.Context, args []interface{}) (interface{}, error) {
	targetID, err := oneStringArg(args, "makeChallenge", "targetId")
	if err != nil {
		return nil, err
	}
	if _, ok := m.conn.resolver.Secret(targetID); !ok {
		return nil, UnknownTargetError{Target: targetID}
	}
	challenge := newChallenge()
	m.conn.addChallenge(challenge, targetID)
	return challenge, nil
}

func (m metaTarget) authWithChallengeResponse(ctx context.Context, args []interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, badArgs("authWithChallengeResponse wants (challenge, response)")
	}
	challenge, ok1 := args[0].(string)
	response, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return nil, badArgs("authWithChallengeResponse wants string arguments")
	}
	targetID, ok := m.conn.takeChallenge(challenge)
	if !ok {
		return nil, AuthFailedError{}
	}
	secret, ok := m.conn.resolver.Secret(targetID)
	if !ok {
		return nil, UnknownTargetError{Target: targetID}
	}
	expected := ChallengeResponse(secret, challenge)
	if !hmac.Equal([]byte(expected), []byte(response)) {
		return nil, AuthFailedError{}
	}
	target, err := m.conn.resolver.Resolve(ctx, m.conn.ID(), targetID)
	if err != nil {
		return nil, err
	}
	m.conn.addTarget(targetID, target)
	return true, nil
}
