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

import "fmt"

// A ConnectionClosedError is returned for requests issued after the
// transport has closed.
type ConnectionClosedError struct{}

// Error implements the method defined by 'error'.
func (e ConnectionClosedError) Error() string { return "connection closed" }

// ErrorName returns the wire-level name for this error.
func (e ConnectionClosedError) ErrorName() string { return "connectionClosed" }

// IsConnectionClosed returns true if err has type ConnectionClosedError,
// false otherwise.
func IsConnectionClosed(err error) bool {
	_, ok := err.(ConnectionClosedError)
	return ok
}

// A ConnectionError wraps a transport-level failure.
type ConnectionError struct {
	Err error
}

// Error implements the method defined by 'error'.
func (e ConnectionError) Error() string { return fmt.Sprintf("connection error: %v", e.Err) }

// Unwrap returns the transport error.
func (e ConnectionError) Unwrap() error { return e.Err }

// ErrorName returns the wire-level name for this error.
func (e ConnectionError) ErrorName() string { return "connectionError" }

// IsConnectionError returns true if err has type ConnectionError, false
// otherwise.
func IsConnectionError(err error) bool {
	_, ok := err.(ConnectionError)
	return ok
}

// A ConnectionNonsenseError reports a protocol violation by the peer, such
// as a response for an id that was never sent. The connection is
// terminated.
type ConnectionNonsenseError struct {
	Reason string
}

// Error implements the method defined by 'error'.
func (e ConnectionNonsenseError) Error() string {
	return "connection nonsense: " + e.Reason
}

// ErrorName returns the wire-level name for this error.
func (e ConnectionNonsenseError) ErrorName() string { return "connectionNonsense" }

// IsConnectionNonsense returns true if err has type ConnectionNonsenseError,
// false otherwise.
func IsConnectionNonsense(err error) bool {
	_, ok := err.(ConnectionNonsenseError)
	return ok
}

// An UnknownTargetError is returned for calls addressed to a target the
// connection does not hold.
type UnknownTargetError struct {
	Target string
}

// Error implements the method defined by 'error'.
func (e UnknownTargetError) Error() string {
	return fmt.Sprintf("unknown target %q", e.Target)
}

// ErrorName returns the wire-level name for this error.
func (e UnknownTargetError) ErrorName() string { return "unknownTarget" }

// IsUnknownTarget returns true if err has type UnknownTargetError, false
// otherwise.
func IsUnknownTarget(err error) bool {
	_, ok := err.(UnknownTargetError)
	return ok
}

// An AuthFailedError is returned when a challenge response does not verify.
type AuthFailedError struct{}

// Error implements the method defined by 'error'.
func (e AuthFailedError) Error() string { return "challenge response did not verify" }

// ErrorName returns the wire-level name for this error.
func (e AuthFailedError) ErrorName() string { return "authFailed" }

// A RemoteError wraps an error surfaced from the other side of the RPC,
// preserving the original name and details.
type RemoteError struct {
	// The wire name of the error on the remote side, e.g. "timedOut".
	Cause string
	Info  map[string]interface{}
}

// Error implements the method defined by 'error'.
func (e RemoteError) Error() string {
	if msg, ok := e.Info["message"].(string); ok {
		return fmt.Sprintf("remote error %v: %v", e.Cause, msg)
	}
	return fmt.Sprintf("remote error %v", e.Cause)
}

// ErrorName returns the wire-level name for this error.
func (e RemoteError) ErrorName() string { return "remoteError" }

// IsRemote returns the remote error, if err is one.
func IsRemote(err error) (RemoteError, bool) {
	re, ok := err.(RemoteError)
	return re, ok
}

// IsRemoteCause returns true if err is a RemoteError with the given cause
// name.
func IsRemoteCause(err error, cause string) bool {
	re, ok := err.(RemoteError)
	return ok && re.Cause == cause
}
