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

package docclient

import (
	"time"

	"github.com/sfescape/bayou/util/clocks"
)

// Error budget defaults: more than 2.25 errors per minute over a trailing
// 180 second window marks the client unrecoverable.
const (
	defaultErrorWindow  = 180 * time.Second
	defaultErrorsPerMin = 2.25
)

// An ErrorBudget tracks how often the client hits API errors. When the
// windowed rate crosses the threshold the client is not going to recover by
// retrying, and higher-level code must re-initialize with a fresh session.
//
// The budget is driven from the client's event loop and is not safe for
// concurrent use.
type ErrorBudget struct {
	clock       clocks.Source
	window      time.Duration
	perMinLimit float64
	times       []time.Time
}

// NewErrorBudget constructs a budget with the given limits; zero values
// select the defaults.
func NewErrorBudget(clock clocks.Source, window time.Duration, perMinLimit float64) *ErrorBudget {
	if clock == nil {
		clock = clocks.Wall
	}
	if window <= 0 {
		window = defaultErrorWindow
	}
	if perMinLimit <= 0 {
		perMinLimit = defaultErrorsPerMin
	}
	return &ErrorBudget{clock: clock, window: window, perMinLimit: perMinLimit}
}

// Record notes one error at the current time and reports whether the
// trailing error rate now exceeds the budget.
func (b *ErrorBudget) Record() bool {
	now := b.clock.Now()
	b.times = append(b.times, now)
	b.prune(now)
	perMin := float64(len(b.times)) / b.window.Minutes()
	return perMin > b.perMinLimit
}

func (b *ErrorBudget) prune(now time.Time) {
	floor := now.Add(-b.window)
	keep := b.times[:0]
	for _, t := range b.times {
		if t.After(floor) {
			keep = append(keep, t)
		}
	}
	b.times = keep
}
