/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics are the Prometheus collectors for the orchestration engine.
type EngineMetrics struct {
	DeploymentsTotal  *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	ApprovalDecisions *prometheus.CounterVec
	QueueDepth        prometheus.Gauge
	NodeApplyFailures prometheus.Counter
	RollbacksTotal    *prometheus.CounterVec
}

// NewEngineMetrics builds and registers the engine collectors.
func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	m := &EngineMetrics{
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploynaut",
			Name:      "deployments_total",
			Help:      "Completed deployments by environment and terminal status.",
		}, []string{"environment", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deploynaut",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage"}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploynaut",
			Name:      "approval_decisions_total",
			Help:      "Approval gate outcomes.",
		}, []string{"decision"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deploynaut",
			Name:      "queue_depth",
			Help:      "Deployments waiting for a pipeline worker.",
		}),
		NodeApplyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deploynaut",
			Name:      "node_apply_failures_total",
			Help:      "Per-node apply or rollback failures observed by strategies.",
		}),
		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deploynaut",
			Name:      "rollbacks_total",
			Help:      "Strategy-level rollbacks by environment.",
		}, []string{"environment"}),
	}
	reg.MustRegister(
		m.DeploymentsTotal,
		m.StageDuration,
		m.ApprovalDecisions,
		m.QueueDepth,
		m.NodeApplyFailures,
		m.RollbacksTotal,
	)
	return m
}
