// Copyright 2025 Vesta Team
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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// EngineMetrics carries the run-engine counters and gauges. The logic layer
// increments them; a nil *EngineMetrics is safe and records nothing, which
// keeps tests quiet.
type EngineMetrics struct {
	RunsTriggered      *prometheus.CounterVec
	RunsDequeued       prometheus.Counter
	RunsCompleted      *prometheus.CounterVec
	RunsExpired        prometheus.Counter
	AttemptsStarted    prometheus.Counter
	AttemptsRetried    prometheus.Counter
	WaitpointsCreated  *prometheus.CounterVec
	WaitpointsComplete *prometheus.CounterVec
	HeartbeatTimeouts  *prometheus.CounterVec
	DequeueLatency     prometheus.Histogram
	WarmPoolSize       prometheus.Gauge
	NotifySubscribers  prometheus.Gauge
}

// NewEngineMetrics allocates and registers the engine metric set.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		RunsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "runs_triggered_total",
			Help: "Runs accepted by the trigger API.",
		}, []string{"env_type"}),
		RunsDequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "runs_dequeued_total",
			Help: "Runs handed to workers from the master queue.",
		}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "runs_completed_total",
			Help: "Runs reaching a terminal status.",
		}, []string{"status"}),
		RunsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "runs_expired_total",
			Help: "Runs expired by TTL before execution started.",
		}),
		AttemptsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "attempts_started_total",
			Help: "Execution attempts started by workers.",
		}),
		AttemptsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "attempts_retried_total",
			Help: "Attempts scheduled for retry after failure.",
		}),
		WaitpointsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "waitpoints_created_total",
			Help: "Waitpoints created.",
		}, []string{"type"}),
		WaitpointsComplete: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "waitpoints_completed_total",
			Help: "Waitpoints completed.",
		}, []string{"type"}),
		HeartbeatTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "heartbeat_timeouts_total",
			Help: "Snapshot heartbeats that expired and triggered recovery.",
		}, []string{"execution_status"}),
		DequeueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "dequeue_latency_seconds",
			Help:    "Time from enqueue to dequeue.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		WarmPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "warm_pool_size",
			Help: "Runner instances currently registered for warm starts.",
		}),
		NotifySubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vesta", Subsystem: "engine", Name: "notify_subscribers",
			Help: "Open workload sockets.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RunsTriggered, m.RunsDequeued, m.RunsCompleted, m.RunsExpired,
			m.AttemptsStarted, m.AttemptsRetried,
			m.WaitpointsCreated, m.WaitpointsComplete, m.HeartbeatTimeouts,
			m.DequeueLatency, m.WarmPoolSize, m.NotifySubscribers,
		)
	}
	return m
}

// The nil-guarded helpers below let callers skip the nil checks.

func (m *EngineMetrics) IncTriggered(envType string) {
	if m != nil {
		m.RunsTriggered.WithLabelValues(envType).Inc()
	}
}

func (m *EngineMetrics) IncDequeued() {
	if m != nil {
		m.RunsDequeued.Inc()
	}
}

func (m *EngineMetrics) IncCompleted(status string) {
	if m != nil {
		m.RunsCompleted.WithLabelValues(status).Inc()
	}
}

func (m *EngineMetrics) IncExpired() {
	if m != nil {
		m.RunsExpired.Inc()
	}
}

func (m *EngineMetrics) IncAttemptStarted() {
	if m != nil {
		m.AttemptsStarted.Inc()
	}
}

func (m *EngineMetrics) IncAttemptRetried() {
	if m != nil {
		m.AttemptsRetried.Inc()
	}
}

func (m *EngineMetrics) IncWaitpointCreated(wpType string) {
	if m != nil {
		m.WaitpointsCreated.WithLabelValues(wpType).Inc()
	}
}

func (m *EngineMetrics) IncWaitpointCompleted(wpType string) {
	if m != nil {
		m.WaitpointsComplete.WithLabelValues(wpType).Inc()
	}
}

func (m *EngineMetrics) IncHeartbeatTimeout(executionStatus string) {
	if m != nil {
		m.HeartbeatTimeouts.WithLabelValues(executionStatus).Inc()
	}
}

func (m *EngineMetrics) ObserveDequeueLatency(seconds float64) {
	if m != nil {
		m.DequeueLatency.Observe(seconds)
	}
}

func (m *EngineMetrics) SetWarmPoolSize(n float64) {
	if m != nil {
		m.WarmPoolSize.Set(n)
	}
}

func (m *EngineMetrics) SetNotifySubscribers(n float64) {
	if m != nil {
		m.NotifySubscribers.Set(n)
	}
}
