/*
Mailboat - self-hosted mail server.
Copyright © 2020-2024 Mailboat contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics exposes the Prometheus instrumentation shared by the
// MTA and the HTTP gateway. All methods are safe on a nil collector so
// instrumentation can be left unwired in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Collector struct {
	queuedTotal       prometheus.Counter
	queueDepth        prometheus.Gauge
	deliveriesTotal   *prometheus.CounterVec
	authAttemptsTotal *prometheus.CounterVec
}

// New creates a collector with all metrics registered on reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		queuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailboat_queued_messages_total",
			Help: "Total number of envelopes accepted into the delivery queue.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailboat_queue_depth",
			Help: "Number of envelopes currently waiting in the delivery queue.",
		}),
		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboat_deliveries_total",
			Help: "Total number of completed delivery attempts.",
		}, []string{"kind", "result"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailboat_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.queuedTotal,
		c.queueDepth,
		c.deliveriesTotal,
		c.authAttemptsTotal,
	)

	return c
}

// MessageQueued counts one accepted envelope.
func (c *Collector) MessageQueued() {
	if c == nil {
		return
	}
	c.queuedTotal.Inc()
}

// QueueDepth records the current queue size.
func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// DeliveryCompleted counts one finished attempt. kind is "local" or
// "remote", result is "ok", "retry" or "drop".
func (c *Collector) DeliveryCompleted(kind, result string) {
	if c == nil {
		return
	}
	c.deliveriesTotal.WithLabelValues(kind, result).Inc()
}

// AuthAttempt counts one authentication attempt.
func (c *Collector) AuthAttempt(success bool) {
	if c == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(result).Inc()
}
