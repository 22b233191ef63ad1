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
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	metricsutil "github.com/sfescape/bayou/util/metrics"
)

var metrics struct {
	connectionsOpen prometheus.Gauge
	requests        prometheus.Counter
	requestErrors   prometheus.Counter
}

var initMetricsOnce sync.Once

func initMetrics() {
	initMetricsOnce.Do(func() {
		mr := metricsutil.ForSubsystem("api")
		metrics.connectionsOpen = mr.NewGauge("connections_open",
			"Currently open API connections.")
		metrics.requests = mr.NewCounter("requests_total",
			"API requests dispatched.")
		metrics.requestErrors = mr.NewCounter("request_errors_total",
			"API requests that returned an error response.")
	})
}
