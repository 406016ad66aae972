// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mech

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts what the controller does.  A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	state      prometheus.Gauge
	running    prometheus.Gauge
	starts     prometheus.Counter
	exits      *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	restarts   prometheus.Counter
	changes    prometheus.Counter
}

// NewMetrics creates the controller metrics for id, and registers them
// with reg.
func NewMetrics(reg prometheus.Registerer, id Identity) *Metrics {
	labels := prometheus.Labels{"task": id.Task, "instance": id.InstanceID}
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mech_supervisor_state",
			Help:        "Current supervisor state (0 locking .. 5 terminated)",
			ConstLabels: labels,
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "mech_worker_running",
			Help:        "Whether the worker was running at the last poll",
			ConstLabels: labels,
		}),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mech_worker_starts_total",
			Help:        "Workers started",
			ConstLabels: labels,
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mech_worker_exits_total",
			Help:        "Worker exits observed, by exit code",
			ConstLabels: labels,
		}, []string{"code"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "mech_worker_recoveries_total",
			Help:        "Recovery attempts, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mech_worker_restarts_total",
			Help:        "Explicit worker restarts",
			ConstLabels: labels,
		}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "mech_watch_events_total",
			Help:        "Configuration change events received",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.state, m.running, m.starts, m.exits, m.recoveries, m.restarts, m.changes)
	return m
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) setRunning(b bool) {
	if m == nil {
		return
	}
	if b {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}

func (m *Metrics) started() {
	if m != nil {
		m.starts.Inc()
	}
}

func (m *Metrics) exited(code int) {
	if m != nil {
		m.exits.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

func (m *Metrics) recovery(permitted bool) {
	if m == nil {
		return
	}
	result := "refused"
	if permitted {
		result = "permitted"
	}
	m.recoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) restarted() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) changed() {
	if m != nil {
		m.changes.Inc()
	}
}
