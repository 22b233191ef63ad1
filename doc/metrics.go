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

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	metricsutil "github.com/sfescape/bayou/util/metrics"
)

// metrics has a set of metrics on document control activity. The metrics
// are aggregated across documents and payload kinds.
var metrics struct {
	updateAttempts         prometheus.Counter
	updateContention       prometheus.Counter
	updateContentionGaveUp prometheus.Counter
	changesAppended        prometheus.Counter
	longPollTimeouts       prometheus.Counter
	longPollWakeups        prometheus.Counter
	caretFlushes           prometheus.Counter
	caretFlushFailures     prometheus.Counter
}

var initMetricsOnce sync.Once

func initMetrics() {
	initMetricsOnce.Do(func() {
		mr := metricsutil.ForSubsystem("doc")
		metrics.updateAttempts = mr.NewCounter("update_attempts_total",
			"Total append attempts made by update, including retries.")
		metrics.updateContention = mr.NewCounter("update_contention_total",
			"Append attempts that lost the compare-and-swap.")
		metrics.updateContentionGaveUp = mr.NewCounter("update_contention_gave_up_total",
			"Updates that exceeded the contention retry limit.")
		metrics.changesAppended = mr.NewCounter("changes_appended_total",
			"Changes successfully appended to revision logs.")
		metrics.longPollTimeouts = mr.NewCounter("long_poll_timeouts_total",
			"getChangeAfter calls that timed out with no new change.")
		metrics.longPollWakeups = mr.NewCounter("long_poll_wakeups_total",
			"getChangeAfter calls that returned a new change.")
		metrics.caretFlushes = mr.NewCounter("caret_flushes_total",
			"Caret batches flushed to storage.")
		metrics.caretFlushFailures = mr.NewCounter("caret_flush_failures_total",
			"Caret flush attempts that failed and were retried or dropped.")
	})
}
