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

import "fmt"

// A RevisionNotAvailableError is returned when a revision has fallen below
// the retention floor of caret history, or when a durable payload's stored
// change for that revision is missing; the caller recovers by fetching a
// snapshot.
type RevisionNotAvailableError struct {
	RevNum int
}

// Error implements the method defined by 'error'.
func (e RevisionNotAvailableError) Error() string {
	return fmt.Sprintf("revision %v is no longer available", e.RevNum)
}

// ErrorName returns the wire-level name for this error.
func (e RevisionNotAvailableError) ErrorName() string { return "revisionNotAvailable" }

// IsRevisionNotAvailable returns true if err has type
// RevisionNotAvailableError, false otherwise.
func IsRevisionNotAvailable(err error) bool {
	_, ok := err.(RevisionNotAvailableError)
	return ok
}

// A RevisionTooHighError is returned when a caller names a revision beyond
// the current one.
type RevisionTooHighError struct {
	RevNum  int
	Current int
}

// Error implements the method defined by 'error'.
func (e RevisionTooHighError) Error() string {
	return fmt.Sprintf("revision %v is beyond the current revision %v", e.RevNum, e.Current)
}

// ErrorName returns the wire-level name for this error.
func (e RevisionTooHighError) ErrorName() string { return "revisionTooHigh" }

// IsRevisionTooHigh returns true if err has type RevisionTooHighError,
// false otherwise.
func IsRevisionTooHigh(err error) bool {
	_, ok := err.(RevisionTooHighError)
	return ok
}

// A TooMuchContentionError is returned from update when the append loop lost
// its compare-and-swap more times than the retry limit allows.
type TooMuchContentionError struct {
	Attempts int
}

// Error implements the method defined by 'error'.
func (e TooMuchContentionError) Error() string {
	return fmt.Sprintf("update gave up after %v contended attempts", e.Attempts)
}

// ErrorName returns the wire-level name for this error.
func (e TooMuchContentionError) ErrorName() string { return "tooMuchContention" }

// IsTooMuchContention returns true if err has type TooMuchContentionError,
// false otherwise.
func IsTooMuchContention(err error) bool {
	_, ok := err.(TooMuchContentionError)
	return ok
}
