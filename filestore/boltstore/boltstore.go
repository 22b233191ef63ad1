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

// Package boltstore implements the file store on an embedded bbolt database.
// Each document gets its own top-level bucket with nested path and blob
// buckets; a whole transaction spec evaluates inside one bbolt transaction,
// which provides the atomicity the contract requires.
package boltstore

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sfescape/bayou/filestore"
	"github.com/sfescape/bayou/util/clocks"
	bolt "go.etcd.io/bbolt"
)

func init() {
	factory := func(args filestore.FactoryArgs) (filestore.Store, error) {
		return New(args.Dir, args.Clock)
	}
	filestore.Register(factory, "bolt", "disk")
}

const dbFileName = "bayou.db"

// How often a blocked wait re-checks storage in case the change arrived from
// outside this process.
const waitPollInterval = 250 * time.Millisecond

var (
	bucketPaths = []byte("paths")
	bucketBlobs = []byte("blobs")
)

// A Store keeps every document's file in one bbolt database under the
// configured directory.
type Store struct {
	db    *bolt.DB
	clock clocks.Source
	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		// Per-file channels closed and replaced on each local mutation.
		changed map[string]chan struct{}
	}
}

// New opens (or creates) the store's database under dir.
func New(dir string, clock clocks.Source) (*Store, error) {
	if clock == nil {
		clock = clocks.Wall
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, filestore.BackendError{Err: err}
	}
	db, err := bolt.Open(filepath.Join(dir, dbFileName), 0644, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, filestore.BackendError{Err: err}
	}
	s := &Store{db: db, clock: clock}
	s.locked.changed = make(map[string]chan struct{})
	return s, nil
}

// OpenFile implements the method declared in filestore.Store.
func (s *Store) OpenFile(ctx context.Context, id string) (filestore.File, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		if _, err := root.CreateBucketIfNotExists(bucketPaths); err != nil {
			return err
		}
		_, err = root.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		return nil, filestore.BackendError{Err: err}
	}
	return &file{id: id, store: s}, nil
}

// ReadFile implements the method declared in filestore.Store.
func (s *Store) ReadFile(ctx context.Context, id string) (filestore.File, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(id)) != nil
		return nil
	})
	if err != nil {
		return nil, filestore.BackendError{Err: err}
	}
	if !found {
		return nil, filestore.FileNotFoundError{ID: id}
	}
	return &file{id: id, store: s}, nil
}

// Close implements the method declared in filestore.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) changedChan(id string) chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()
	ch, ok := s.locked.changed[id]
	if !ok {
		ch = make(chan struct{})
		s.locked.changed[id] = ch
	}
	return ch
}

func (s *Store) notify(id string) {
	s.lock.Lock()
	if ch, ok := s.locked.changed[id]; ok {
		close(ch)
	}
	s.locked.changed[id] = make(chan struct{})
	s.lock.Unlock()
}

type file struct {
	id    string
	store *Store
}

// ID implements the method declared in filestore.File.
func (f *file) ID() string { return f.id }

// Transact implements the method declared in filestore.File.
func (f *file) Transact(ctx context.Context, spec *filestore.Spec) (filestore.Result, error) {
	var deadline <-chan struct{}
	if spec.Timeout() > 0 {
		deadline = f.store.clock.Alarm(ctx, f.store.clock.Now().Add(spec.Timeout()))
	}
	for {
		// Grab the change channel before evaluating so a change racing with
		// the evaluation re-triggers instead of being lost.
		changed := f.store.changedChan(f.id)
		result, blocked, err := f.attempt(spec)
		if err != nil || !blocked {
			return result, err
		}
		select {
		case <-changed:
		case <-f.store.clock.Alarm(ctx, f.store.clock.Now().Add(waitPollInterval)):
			// Re-check in case another process wrote the database.
		case <-deadline:
			return filestore.Result{}, filestore.TimedOutError{After: spec.Timeout()}
		case <-ctx.Done():
			return filestore.Result{}, ctx.Err()
		}
	}
}

func (f *file) attempt(spec *filestore.Spec) (filestore.Result, bool, error) {
	result := filestore.Result{}
	blocked := false
	mutated := false

	run := func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(f.id))
		if root == nil {
			return filestore.FileNotFoundError{ID: f.id}
		}
		ev := evaluator{root: root}
		for _, op := range spec.Ops() {
			switch op.Category() {
			case filestore.CategoryEnvironment:
				// The timeout was consumed by Transact.
			case filestore.CategoryPrerequisite:
				if !ev.check(op) {
					return filestore.PrereqFailedError{Op: op.String()}
				}
			case filestore.CategoryList:
				result.List = append(result.List, ev.list(op)...)
			case filestore.CategoryRead:
				ev.read(op, &result)
			case filestore.CategoryDelete, filestore.CategoryWrite:
				changed, err := ev.apply(op)
				if err != nil {
					return err
				}
				mutated = mutated || changed
			case filestore.CategoryWait:
				if hash, bound := ev.pathHash(op.Path()); bound && hash == op.Hash() {
					blocked = true
					return nil
				}
				result.Wait = append(result.Wait, op.Path())
			}
		}
		return nil
	}

	var err error
	if specWrites(spec) {
		err = f.store.db.Update(run)
	} else {
		err = f.store.db.View(run)
	}
	if err != nil {
		result = filestore.Result{}
		switch err.(type) {
		case filestore.PrereqFailedError, filestore.FileNotFoundError:
			return result, false, err
		default:
			return result, false, filestore.BackendError{Err: err}
		}
	}
	if blocked {
		return filestore.Result{}, true, nil
	}
	if mutated {
		f.store.notify(f.id)
	}
	filestore.SortPaths(result.List)
	return result, false, nil
}

func specWrites(spec *filestore.Spec) bool {
	for _, op := range spec.Ops() {
		switch op.Category() {
		case filestore.CategoryDelete, filestore.CategoryWrite:
			return true
		}
	}
	return false
}

// evaluator evaluates ops against one document's buckets. The path and blob
// buckets are re-fetched on each use because deleteAll replaces them
// mid-transaction.
type evaluator struct {
	root *bolt.Bucket
}

func (ev evaluator) paths() *bolt.Bucket { return ev.root.Bucket(bucketPaths) }

func (ev evaluator) blobs() *bolt.Bucket { return ev.root.Bucket(bucketBlobs) }

func (ev evaluator) pathHash(p filestore.Path) (filestore.Hash, bool) {
	v := ev.paths().Get([]byte(p.String()))
	if v == nil {
		return "", false
	}
	return filestore.NewBuffer(v).Hash(), true
}

func (ev evaluator) check(op filestore.Op) bool {
	switch op.Name() {
	case "checkBlobAbsent":
		return ev.blobs().Get([]byte(op.Hash())) == nil
	case "checkBlobPresent":
		return ev.blobs().Get([]byte(op.Hash())) != nil
	case "checkPathAbsent":
		_, bound := ev.pathHash(op.Path())
		return !bound
	case "checkPathPresent":
		_, bound := ev.pathHash(op.Path())
		return bound
	case "checkPathIs":
		hash, bound := ev.pathHash(op.Path())
		return bound && hash == op.Hash()
	case "checkPathNot":
		hash, bound := ev.pathHash(op.Path())
		return !bound || hash != op.Hash()
	}
	return false
}

func (ev evaluator) list(op filestore.Op) []filestore.Path {
	prefix := op.Path().String() + "/"
	var out []filestore.Path
	switch op.Name() {
	case "listPathPrefix":
		seen := map[string]bool{}
		c := ev.paths().Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			child, _, _ := strings.Cut(strings.TrimPrefix(string(k), prefix), "/")
			full := prefix + child
			if !seen[full] {
				seen[full] = true
				p, _ := filestore.ParsePath(full)
				out = append(out, p)
			}
		}
	case "listPathRange":
		start, end := op.Range()
		for n := start; n < end; n++ {
			p := op.Path().Child(strconv.Itoa(n))
			if ev.paths().Get([]byte(p.String())) != nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func (ev evaluator) read(op filestore.Op, result *filestore.Result) {
	bind := func(p filestore.Path) {
		if v := ev.paths().Get([]byte(p.String())); v != nil {
			if result.Paths == nil {
				result.Paths = make(map[filestore.Path]filestore.Buffer)
			}
			result.Paths[p] = filestore.NewBuffer(v)
		}
	}
	switch op.Name() {
	case "readBlob":
		if v := ev.blobs().Get([]byte(op.Hash())); v != nil {
			if result.Blobs == nil {
				result.Blobs = make(map[filestore.Hash]filestore.Buffer)
			}
			result.Blobs[op.Hash()] = filestore.NewBuffer(v)
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

func (ev evaluator) apply(op filestore.Op) (bool, error) {
	switch op.Name() {
	case "deletePath":
		key := []byte(op.Path().String())
		if ev.paths().Get(key) == nil {
			return false, nil
		}
		return true, ev.paths().Delete(key)
	case "deletePathPrefix":
		prefix := op.Path().String() + "/"
		var doomed [][]byte
		c := ev.paths().Cursor()
		for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := ev.paths().Delete(k); err != nil {
				return false, err
			}
		}
		return len(doomed) > 0, nil
	case "deletePathRange":
		start, end := op.Range()
		changed := false
		for n := start; n < end; n++ {
			key := []byte(op.Path().Child(strconv.Itoa(n)).String())
			if ev.paths().Get(key) != nil {
				if err := ev.paths().Delete(key); err != nil {
					return false, err
				}
				changed = true
			}
		}
		return changed, nil
	case "deleteBlob":
		key := []byte(op.Hash())
		if ev.blobs().Get(key) == nil {
			return false, nil
		}
		return true, ev.blobs().Delete(key)
	case "deleteAll":
		changed := false
		for _, name := range [][]byte{bucketPaths, bucketBlobs} {
			b := ev.root.Bucket(name)
			if b.Stats().KeyN > 0 {
				changed = true
			}
			if err := ev.root.DeleteBucket(name); err != nil {
				return false, err
			}
			if _, err := ev.root.CreateBucket(name); err != nil {
				return false, err
			}
		}
		return changed, nil
	case "writePath":
		key := []byte(op.Path().String())
		if prev := ev.paths().Get(key); prev != nil && filestore.NewBuffer(prev).Equal(op.Buffer()) {
			return false, nil
		}
		return true, ev.paths().Put(key, op.Buffer().Bytes())
	case "writeBlob":
		key := []byte(op.Buffer().Hash())
		if ev.blobs().Get(key) != nil {
			return false, nil
		}
		return true, ev.blobs().Put(key, op.Buffer().Bytes())
	}
	return false, nil
}
