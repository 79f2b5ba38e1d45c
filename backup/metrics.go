// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type orchestratorMetrics struct {
	pollsTotal        prometheus.Counter
	transportRetries  prometheus.Counter
	handoffsTotal     prometheus.Counter
	selfHealsTotal    prometheus.Counter
	refetchesTotal    prometheus.Counter
	verdictsTotal     *prometheus.CounterVec
	activeMonitors    prometheus.Gauge
	trackedEntries    prometheus.Gauge
	sessionInProgress prometheus.Gauge
}

func newOrchestratorMetrics(
	promRegistry prometheus.Registerer,
) *orchestratorMetrics {
	return &orchestratorMetrics{
		pollsTotal: promauto.With(promRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "manabak_polls_total",
				Help: "status polls issued by the polling engine",
			},
		),
		transportRetries: promauto.With(promRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "manabak_transport_retries_total",
				Help: "transient status query failures retried with backoff",
			},
		),
		handoffsTotal: promauto.With(promRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "manabak_handoffs_total",
				Help: "hand-offs from the polling engine to the background monitor",
			},
		),
		selfHealsTotal: promauto.With(promRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "manabak_self_heals_total",
				Help: "stale stored statuses proactively patched by the background monitor",
			},
		),
		refetchesTotal: promauto.With(promRegistry).NewCounter(
			prometheus.CounterOpts{
				Name: "manabak_history_refetches_total",
				Help: "throttled history refetches triggered by terminal verdicts",
			},
		),
		verdictsTotal: promauto.With(promRegistry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "manabak_verdicts_total",
				Help: "terminal verdicts announced, by kind and watcher",
			},
			[]string{"kind", "source"},
		),
		activeMonitors: promauto.With(promRegistry).NewGauge(
			prometheus.GaugeOpts{
				Name: "manabak_background_monitors",
				Help: "background monitors currently watching a dispatch handle",
			},
		),
		trackedEntries: promauto.With(promRegistry).NewGauge(
			prometheus.GaugeOpts{
				Name: "manabak_tracked_history_entries",
				Help: "in-progress history entries currently tracked",
			},
		),
		sessionInProgress: promauto.With(promRegistry).NewGauge(
			prometheus.GaugeOpts{
				Name: "manabak_manual_backup_running",
				Help: "1 while a manual backup poll session is in flight",
			},
		),
	}
}
