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

// Package memstore implements the file store on in-process memory. It is the
// backend used by unit tests and single-node deployments that do not need
// durability.
package memstore

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/util/clocks"
)

func init() {
	factory := func(args filestore.FactoryArgs) (filestore.Store, error) {
		return New(args.Clock), nil
	}
	filestore.Register(factory, "mem", "memory")
}

// A Store holds a set of in-memory files.
type Store struct {
	clock clocks.Source
	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		files map[string]*file
	}
}

// New constructs an empty store. If clock is nil, the wall clock is used.
func New(clock clocks.Source) *Store {
	if clock == nil {
		clock = clocks.Wall
	}
	s := &Store{clock: clock}
	s.locked.files = make(map[string]*file)
	return s
}

// OpenFile implements the method declared in filestore.Store.
func (s *Store) OpenFile(ctx context.Context, id string) (filestore.File, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	f, ok := s.locked.files[id]
	if !ok {
		f = newFile(id, s.clock)
		s.locked.files[id] = f
	}
	return f, nil
}

// ReadFile implements the method declared in filestore.Store.
func (s *Store) ReadFile(ctx context.Context, id string) (filestore.File, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if f, ok := s.locked.files[id]; ok {
		return f, nil
	}
	return nil, filestore.FileNotFoundError{ID: id}
}

// Close implements the method declared in filestore.Store.
func (s *Store) Close() error {
	s.lock.Lock()
	s.locked.files = make(map[string]*file)
	s.lock.Unlock()
	return nil
}

type pathItem struct {
	path string
	buf  filestore.Buffer
}

func pathLess(a, b pathItem) bool { return a.path < b.path }

type file struct {
	id    string
	clock clocks.Source
	// Protects 'locked'. Released while a wait op blocks.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		paths *btree.BTreeG[pathItem]
		blobs map[filestore.Hash]filestore.Buffer
		// Closed and replaced whenever a transaction mutates the file.
		changed chan struct{}
	}
}

func newFile(id string, clock clocks.Source) *file {
	f := &file{id: id, clock: clock}
	f.locked.paths = btree.NewG(8, pathLess)
	f.locked.blobs = make(map[filestore.Hash]filestore.Buffer)
	f.locked.changed = make(chan struct{})
	return f
}

// ID implements the method declared in filestore.File.
func (f *file) ID() string { return f.id }

// Transact implements the method declared in filestore.File.
func (f *file) Transact(ctx context.Context, spec *filestore.Spec) (filestore.Result, error) {
	var deadline <-chan struct{}
	if spec.Timeout() > 0 {
		deadline = f.clock.Alarm(ctx, f.clock.Now().Add(spec.Timeout()))
	}
	for {
		result, wait, err := f.attempt(spec)
		if err != nil || wait == nil {
			return result, err
		}
		// A wait op was present and unsatisfied. Block until the file
		// changes, then re-evaluate the whole spec.
		select {
		case <-wait:
		case <-deadline:
			return filestore.Result{}, filestore.TimedOutError{After: spec.Timeout()}
		case <-ctx.Done():
			return filestore.Result{}, ctx.Err()
		}
	}
}

// attempt evaluates the spec once under the file lock. If a wait op is
// unsatisfied, it returns the channel to block on before retrying.
func (f *file) attempt(spec *filestore.Spec) (filestore.Result, <-chan struct{}, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	result := filestore.Result{}
	mutated := false
	for _, op := range spec.Ops() {
		switch op.Category() {
		case filestore.CategoryEnvironment:
			// The timeout was consumed by Transact.
		case filestore.CategoryPrerequisite:
			if !f.checkLocked(op) {
				return filestore.Result{}, nil, filestore.PrereqFailedError{Op: op.String()}
			}
		case filestore.CategoryList:
			result.List = append(result.List, f.listLocked(op)...)
		case filestore.CategoryRead:
			f.readLocked(op, &result)
		case filestore.CategoryDelete, filestore.CategoryWrite:
			if f.applyLocked(op) {
				mutated = true
			}
		case filestore.CategoryWait:
			hash, bound := f.pathHashLocked(op.Path())
			if !bound || hash != op.Hash() {
				result.Wait = append(result.Wait, op.Path())
				continue
			}
			return filestore.Result{}, f.locked.changed, nil
		}
	}
	if mutated {
		close(f.locked.changed)
		f.locked.changed = make(chan struct{})
	}
	filestore.SortPaths(result.List)
	return result, nil, nil
}

func (f *file) pathHashLocked(p filestore.Path) (filestore.Hash, bool) {
	item, ok := f.locked.paths.Get(pathItem{path: p.String()})
	if !ok {
		return "", false
	}
	return item.buf.Hash(), true
}

func (f *file) checkLocked(op filestore.Op) bool {
	switch op.Name() {
	case "checkBlobAbsent":
		_, ok := f.locked.blobs[op.Hash()]
		return !ok
	case "checkBlobPresent":
		_, ok := f.locked.blobs[op.Hash()]
		return ok
	case "checkPathAbsent":
		_, bound := f.pathHashLocked(op.Path())
		return !bound
	case "checkPathPresent":
		_, bound := f.pathHashLocked(op.Path())
		return bound
	case "checkPathIs":
		hash, bound := f.pathHashLocked(op.Path())
		return bound && hash == op.Hash()
	case "checkPathNot":
		hash, bound := f.pathHashLocked(op.Path())
		return !bound || hash != op.Hash()
	}
	return false
}

func (f *file) listLocked(op filestore.Op) []filestore.Path {
	prefix := op.Path().String() + "/"
	switch op.Name() {
	case "listPathPrefix":
		seen := map[string]bool{}
		var out []filestore.Path
		f.locked.paths.AscendGreaterOrEqual(pathItem{path: prefix}, func(item pathItem) bool {
			rest, ok := strings.CutPrefix(item.path, prefix)
			if !ok {
				return false
			}
			child, _, _ := strings.Cut(rest, "/")
			full := prefix + child
			if !seen[full] {
				seen[full] = true
				p, _ := filestore.ParsePath(full)
				out = append(out, p)
			}
			return true
		})
		return out
	case "listPathRange":
		start, end := op.Range()
		var out []filestore.Path
		for n := start; n < end; n++ {
			p := op.Path().Child(strconv.Itoa(n))
			if _, bound := f.pathHashLocked(p); bound {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

func (f *file) readLocked(op filestore.Op, result *filestore.Result) {
	bind := func(p filestore.Path) {
		if item, ok := f.locked.paths.Get(pathItem{path: p.String()}); ok {
			if result.Paths == nil {
				result.Paths = make(map[filestore.Path]filestore.Buffer)
			}
			result.Paths[p] = item.buf
		}
	}
	switch op.Name() {
	case "readBlob":
		if buf, ok := f.locked.blobs[op.Hash()]; ok {
			if result.Blobs == nil {
				result.Blobs = make(map[filestore.Hash]filestore.Buffer)
			}
			result.Blobs[op.Hash()] = buf
		}
	case "readPath":
		bind(op.Path())
	case "readPathRange":
		start, end := op.Range()
		for n := start; n < end; n++ {
			bind(op.Path().Child(strconv.Itoa(n)))
		}
	}
}

// applyLocked performs a delete or write op and reports whether the file
// changed.
func (f *file) applyLocked(op filestore.Op) bool {
	switch op.Name() {
	case "deletePath":
		_, existed := f.locked.paths.Delete(pathItem{path: op.Path().String()})
		return existed
	case "deletePathPrefix":
		prefix := op.Path().String() + "/"
		var doomed []string
		f.locked.paths.AscendGreaterOrEqual(pathItem{path: prefix}, func(item pathItem) bool {
			if !strings.HasPrefix(item.path, prefix) {
				return false
			}
			doomed = append(doomed, item.path)
			return true
		})
		for _, p := range doomed {
			f.locked.paths.Delete(pathItem{path: p})
		}
		return len(doomed) > 0
	case "deletePathRange":
		start, end := op.Range()
		changed := false
		for n := start; n < end; n++ {
			p := op.Path().Child(strconv.Itoa(n))
			if _, existed := f.locked.paths.Delete(pathItem{path: p.String()}); existed {
				changed = true
			}
		}
		return changed
	case "deleteBlob":
		if _, ok := f.locked.blobs[op.Hash()]; ok {
			delete(f.locked.blobs, op.Hash())
			return true
		}
		return false
	case "deleteAll":
		changed := f.locked.paths.Len() > 0 || len(f.locked.blobs) > 0
		f.locked.paths.Clear(false)
		f.locked.blobs = make(map[filestore.Hash]filestore.Buffer)
		return changed
	case "writePath":
		prev, existed := f.locked.paths.Get(pathItem{path: op.Path().String()})
		if existed && prev.buf.Equal(op.Buffer()) {
			return false
		}
		f.locked.paths.ReplaceOrInsert(pathItem{path: op.Path().String(), buf: op.Buffer()})
		return true
	case "writeBlob":
		buf := op.Buffer()
		if _, ok := f.locked.blobs[buf.Hash()]; ok {
			return false
		}
		f.locked.blobs[buf.Hash()] = buf
		return true
	}
	return false
}
