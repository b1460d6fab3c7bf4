// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metricssink provides a Prometheus-backed wcpool.MetricsSink,
// for registering directly with a process's default registry or with one
// scoped to a single driver instance.
package metricssink

import (
	"time"

	"github.com/coldglass/wcpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements wcpool.MetricsSink by exporting a fixed set
// of counters, a gauge, and a histogram, each labeled by the target
// address.
type PrometheusSink struct {
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	connectAttempts   *prometheus.CounterVec
	connectLatency    *prometheus.HistogramVec
	inFlightRequests  *prometheus.GaugeVec
	bytesWritten      *prometheus.CounterVec
}

// NewPrometheusSink constructs a PrometheusSink. Callers register its
// collectors with a prometheus.Registerer of their choosing via Collectors.
func NewPrometheusSink(namespace string) *PrometheusSink {
	labels := []string{"address"}
	return &PrometheusSink{
		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of pooled connections successfully established.",
		}, labels),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of pooled connections closed, by error code.",
		}, []string{"address", "code"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Total number of connection attempts, by outcome.",
		}, []string{"address", "outcome"}),
		connectLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Latency of connection attempts, by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"address", "outcome"}),
		inFlightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Number of in-flight requests across a pool's connections.",
		}, labels),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_written_total",
			Help:      "Total bytes written to a pool's connections.",
		}, labels),
	}
}

// Collectors returns every collector this sink owns, for bulk
// registration: registry.MustRegister(sink.Collectors()...).
func (s *PrometheusSink) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.connectionsOpened,
		s.connectionsClosed,
		s.connectAttempts,
		s.connectLatency,
		s.inFlightRequests,
		s.bytesWritten,
	}
}

func (s *PrometheusSink) ConnectionOpened(addr wcpool.Address) {
	s.connectionsOpened.WithLabelValues(addr.String()).Inc()
}

func (s *PrometheusSink) ConnectionClosed(addr wcpool.Address, err *wcpool.ConnectionError) {
	code := "none"
	if err != nil {
		code = err.Code.String()
	}
	s.connectionsClosed.WithLabelValues(addr.String(), code).Inc()
}

func (s *PrometheusSink) ConnectAttempt(addr wcpool.Address, ok bool, latency time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	s.connectAttempts.WithLabelValues(addr.String(), outcome).Inc()
	s.connectLatency.WithLabelValues(addr.String(), outcome).Observe(latency.Seconds())
}

func (s *PrometheusSink) InFlightRequests(addr wcpool.Address, count int) {
	s.inFlightRequests.WithLabelValues(addr.String()).Set(float64(count))
}

func (s *PrometheusSink) BytesWritten(addr wcpool.Address, n int) {
	s.bytesWritten.WithLabelValues(addr.String()).Add(float64(n))
}

var _ wcpool.MetricsSink = (*PrometheusSink)(nil)
