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

// Package api implements the request/response protocol spoken between
// clients and the server over a persistent bidirectional message transport
// (websocket). Each connection carries a map of named RPC targets; every
// connection starts with the built-in "meta" target, and further targets
// are added by challenge-response authorization.
package api

// A Message is one request on the wire.
type Message struct {
	// Monotonically increasing per connection.
	ID int64 `json:"id"`
	// The target the payload is addressed to.
	Target string `json:"target"`
	// What to invoke.
	Payload Payload `json:"payload"`
}

// A Payload names a method and its arguments. Argument values use the wire
// codec's encodings.
type Payload struct {
	Method string        `json:"method"`
	Args   []interface{} `json:"args"`
}

// A Response answers one request, matched by ID.
type Response struct {
	ID     int64       `json:"id"`
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a failed call's error across the wire with its name and
// details preserved.
type ErrorInfo struct {
	Name string                 `json:"name"`
	Info map[string]interface{} `json:"info,omitempty"`
}

// errorInfoFor converts a server-side error into its wire form. Errors that
// know their wire name keep it; anything else is an unexpected server bug
// and is reported as wtf.
func errorInfoFor(err error) *ErrorInfo {
	info := &ErrorInfo{
		Name: "wtf",
		Info: map[string]interface{}{"message": err.Error()},
	}
	if named, ok := err.(interface{ ErrorName() string }); ok {
		info.Name = named.ErrorName()
	}
	return info
}
