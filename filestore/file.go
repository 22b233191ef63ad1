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

package filestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sfescape/bayou/util/clocks"
)

// A File owns all persistent bytes for one document.
type File interface {
	// ID returns the document identifier this file stores.
	ID() string

	// Transact atomically evaluates the spec: either all prerequisites pass
	// and all writes and deletes apply together, or nothing applies. The
	// write set is computed against the state observed after the
	// prerequisite, list, and read phases. Wait ops block until satisfied,
	// the spec's timeout elapses, or ctx is done.
	Transact(ctx context.Context, spec *Spec) (Result, error)
}

// A Result carries everything a transaction returned.
type Result struct {
	// Values returned by readPath / readPathRange. Missing paths are absent
	// from the map, never bound to an empty buffer.
	Paths map[Path]Buffer
	// Blobs returned by readBlob.
	Blobs map[Hash]Buffer
	// Paths returned by list ops, sorted.
	List []Path
	// The storage ids whose change satisfied the wait op.
	Wait []Path
}

// A Store opens transactional files. Implementations are registered by
// backend name; see Register.
type Store interface {
	// OpenFile returns the file for the given document id, creating it if
	// absent.
	OpenFile(ctx context.Context, id string) (File, error)

	// ReadFile returns the file for the given document id, or a
	// FileNotFoundError if it has never been written.
	ReadFile(ctx context.Context, id string) (File, error)

	// Close releases the store's resources. Files obtained from the store
	// must not be used afterwards.
	Close() error
}

// FactoryArgs carries the configuration shared by all store backends.
type FactoryArgs struct {
	// Directory for durable backends. Ignored by in-memory backends.
	Dir string
	// The clock used for wait deadlines.
	Clock clocks.Source
}

// A Factory creates a Store instance. The only errors returned are fatal
// errors in the configuration.
type Factory func(FactoryArgs) (Store, error)

var (
	factoriesLock sync.RWMutex // protects factories
	factories     = make(map[string]Factory)
)

// Register allows implementations of the Store interface to register their
// constructor Factory with one or more names.
func Register(f Factory, names ...string) {
	factoriesLock.Lock()
	for _, n := range names {
		factories[n] = f
	}
	factoriesLock.Unlock()
}

// Open returns a new instance of the named Store implementation. It returns
// an error if the named backend has not been registered.
func Open(backend string, args FactoryArgs) (Store, error) {
	factoriesLock.RLock()
	factory, ok := factories[backend]
	factoriesLock.RUnlock()
	if !ok {
		return nil, fmt.Errorf("file store backend %v not found", backend)
	}
	if args.Clock == nil {
		args.Clock = clocks.Wall
	}
	return factory(args)
}

// A BadValueError reports caller misuse: an invalid path, hash, or spec.
type BadValueError struct {
	Reason string
}

// Error implements the method defined by 'error'.
func (e BadValueError) Error() string {
	return "bad value: " + e.Reason
}

// ErrorName returns the wire-level name for this error.
func (e BadValueError) ErrorName() string { return "badValue" }

// IsBadValue returns true if err has type BadValueError, false otherwise.
func IsBadValue(err error) bool {
	_, ok := err.(BadValueError)
	return ok
}

// A PrereqFailedError is returned from Transact when a prerequisite op's
// predicate does not hold. Nothing was written.
type PrereqFailedError struct {
	// The op whose predicate failed.
	Op string
}

// Error implements the method defined by 'error'.
func (e PrereqFailedError) Error() string {
	return fmt.Sprintf("transaction prerequisite failed: %v", e.Op)
}

// ErrorName returns the wire-level name for this error.
func (e PrereqFailedError) ErrorName() string { return "prerequisiteFailed" }

// IsPrereqFailed returns true if err has type PrereqFailedError, false
// otherwise.
func IsPrereqFailed(err error) bool {
	_, ok := err.(PrereqFailedError)
	return ok
}

// A TimedOutError is returned from Transact when a wait op was not satisfied
// within the spec's timeout.
type TimedOutError struct {
	After time.Duration
}

// Error implements the method defined by 'error'.
func (e TimedOutError) Error() string {
	return fmt.Sprintf("transaction timed out after %v", e.After)
}

// ErrorName returns the wire-level name for this error.
func (e TimedOutError) ErrorName() string { return "timedOut" }

// IsTimedOut returns true if err has type TimedOutError, false otherwise.
func IsTimedOut(err error) bool {
	_, ok := err.(TimedOutError)
	return ok
}

// A FileNotFoundError is returned when reading a file that has never been
// written.
type FileNotFoundError struct {
	ID string
}

// Error implements the method defined by 'error'.
func (e FileNotFoundError) Error() string {
	return fmt.Sprintf("file %v not found", e.ID)
}

// ErrorName returns the wire-level name for this error.
func (e FileNotFoundError) ErrorName() string { return "fileNotFound" }

// IsFileNotFound returns true if err has type FileNotFoundError, false
// otherwise.
func IsFileNotFound(err error) bool {
	_, ok := err.(FileNotFoundError)
	return ok
}

// A BackendError wraps a storage engine failure.
type BackendError struct {
	Err error
}

// Error implements the method defined by 'error'.
func (e BackendError) Error() string {
	return fmt.Sprintf("storage backend error: %v", e.Err)
}

// Unwrap returns the underlying engine error.
func (e BackendError) Unwrap() error { return e.Err }

// ErrorName returns the wire-level name for this error.
func (e BackendError) ErrorName() string { return "backendError" }

// IsBackendError returns true if err has type BackendError, false otherwise.
func IsBackendError(err error) bool {
	_, ok := err.(BackendError)
	return ok
}
