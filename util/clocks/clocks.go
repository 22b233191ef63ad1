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

// Package clocks provides an injectable source of time. Production code uses
// the Wall source; unit tests use a Mock source that only moves when the test
// advances it.
package clocks

import (
	"context"
	"sync"
	"time"
)

// A Source tells time and schedules wakeups. Implementations must be safe for
// concurrent use.
type Source interface {
	// Now returns the current time according to this source.
	Now() time.Time

	// SleepUntil blocks until the clock reaches t or ctx is done. It returns
	// nil if the deadline was reached, or ctx.Err() otherwise.
	SleepUntil(ctx context.Context, t time.Time) error

	// Alarm returns a channel that is closed once the clock reaches t or ctx
	// is done. It never blocks the caller.
	Alarm(ctx context.Context, t time.Time) <-chan struct{}
}

// Wall is a Source backed by the machine's real time clock.
var Wall Source = wall{}

type wall struct{}

func (wall) Now() time.Time {
	return time.Now()
}

func (wall) SleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w wall) Alarm(ctx context.Context, t time.Time) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		_ = w.SleepUntil(ctx, t)
	}()
	return ch
}

// A Mock is a Source that stands still until the test advances it.
type Mock struct {
	// Protects 'locked'. Held only for short durations.
	lock sync.Mutex
	// The fields in this struct are protected by 'lock'.
	locked struct {
		now     time.Time
		waiters []*mockWaiter
	}
}

type mockWaiter struct {
	deadline time.Time
	ch       chan struct{}
}

// NewMock constructs a Mock set to the given start time.
func NewMock(start time.Time) *Mock {
	m := &Mock{}
	m.locked.now = start
	return m
}

// Now implements the method declared in Source.
func (m *Mock) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.locked.now
}

// SleepUntil implements the method declared in Source.
func (m *Mock) SleepUntil(ctx context.Context, t time.Time) error {
	// The alarm channel closes only after the waiter has left the list, either
	// on reaching t or on cancellation, so Sleepers is accurate on return.
	<-m.Alarm(ctx, t)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Alarm implements the method declared in Source.
func (m *Mock) Alarm(ctx context.Context, t time.Time) <-chan struct{} {
	m.lock.Lock()
	defer m.lock.Unlock()
	ch := make(chan struct{})
	if !m.locked.now.Before(t) {
		close(ch)
		return ch
	}
	w := &mockWaiter{deadline: t, ch: ch}
	m.locked.waiters = append(m.locked.waiters, w)
	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			m.cancel(w)
		}()
	}
	return ch
}

// Advance moves the clock forward by d and wakes every waiter whose deadline
// has been reached.
func (m *Mock) Advance(d time.Duration) {
	m.lock.Lock()
	m.locked.now = m.locked.now.Add(d)
	m.wakeLocked()
	m.lock.Unlock()
}

// Set moves the clock to t, which must not be earlier than the current time,
// and wakes every waiter whose deadline has been reached.
func (m *Mock) Set(t time.Time) {
	m.lock.Lock()
	if t.After(m.locked.now) {
		m.locked.now = t
	}
	m.wakeLocked()
	m.lock.Unlock()
}

// Sleepers returns the number of goroutines currently blocked on this clock.
// Tests use this to wait for the code under test to reach a sleep before
// advancing the clock.
func (m *Mock) Sleepers() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.locked.waiters)
}

func (m *Mock) wakeLocked() {
	remaining := m.locked.waiters[:0]
	for _, w := range m.locked.waiters {
		if !m.locked.now.Before(w.deadline) {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.locked.waiters = remaining
}

func (m *Mock) cancel(w *mockWaiter) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, got := range m.locked.waiters {
		if got == w {
			m.locked.waiters = append(m.locked.waiters[:i], m.locked.waiters[i+1:]...)
			close(w.ch)
			return
		}
	}
}
