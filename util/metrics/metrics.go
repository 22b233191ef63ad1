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

// Package metrics aids in defining the server's Prometheus metrics. All
// metrics live in the "bayou" namespace; a Registry carries the subsystem
// (such as "doc" for the revision-log controls or "api" for the connection
// layer) so call sites only name the metric itself.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// The namespace shared by every metric this server exports.
const Namespace = "bayou"

// Registry creates and registers the metrics of one subsystem.
type Registry struct {
	R         prometheus.Registerer
	Subsystem string
}

// ForSubsystem returns a Registry on the default Prometheus registerer.
func ForSubsystem(subsystem string) Registry {
	return Registry{R: prometheus.DefaultRegisterer, Subsystem: subsystem}
}

// NewCounter returns a new created and registered Prometheus Counter.
func (mr Registry) NewCounter(name, help string) prometheus.Counter {
	pm := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: mr.Subsystem,
		Name:      name,
		Help:      help,
	})
	mr.R.MustRegister(pm)
	return pm
}

// NewGauge returns a new created and registered Prometheus Gauge.
func (mr Registry) NewGauge(name, help string) prometheus.Gauge {
	pm := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: mr.Subsystem,
		Name:      name,
		Help:      help,
	})
	mr.R.MustRegister(pm)
	return pm
}

// NewHistogram returns a new created and registered Prometheus Histogram.
// Buckets may be nil for the Prometheus defaults.
func (mr Registry) NewHistogram(name, help string, buckets []float64) prometheus.Histogram {
	pm := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: mr.Subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	mr.R.MustRegister(pm)
	return pm
}
