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

// Package strategy implements the four rollout strategies. All of them
// satisfy one contract: deploy an artifact to a cluster snapshot with
// bounded per-node concurrency, observe cancellation promptly, and roll
// back in reverse order of update when health or a node apply fails.
package strategy

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

// Status is the terminal outcome of one strategy run.
type Status string

const (
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// NodeOutcome records one per-node operation within a run.
type NodeOutcome struct {
	NodeID    string `json:"node_id"`
	Operation string `json:"operation"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a Deploy or Rollback call.
type Result struct {
	Status            Status        `json:"status"`
	NodeOutcomes      []NodeOutcome `json:"node_outcomes"`
	InconsistentNodes []string      `json:"inconsistent_nodes,omitempty"`
	Elapsed           time.Duration `json:"elapsed"`
	Message           string        `json:"message,omitempty"`
}

// SmokeCheck is the synthetic-request capability blue-green exercises
// against each candidate node during the smoke phase.
type SmokeCheck func(ctx context.Context, n *node.Node) error

// Config carries the tuning every strategy shares plus the per-strategy
// knobs. Zero values fall back to the stated defaults.
type Config struct {
	PerNodeConcurrency int
	Thresholds         node.Thresholds
	// NodeApplyTimeout bounds each per-node apply call. Zero disables
	// the bound; a timeout is indistinguishable from an apply failure.
	NodeApplyTimeout time.Duration
	// HealthPollInterval bounds polling loops; never above 100ms.
	HealthPollInterval time.Duration

	RollingBatchSize          int
	RollingHealthCheckTimeout time.Duration

	SmokeDuration time.Duration
	Smoke         SmokeCheck

	CanaryWaves  []float64
	SoakDuration time.Duration
	Degradation  metrics.DegradationPolicy
}

func (c Config) withDefaults() Config {
	if c.PerNodeConcurrency <= 0 {
		c.PerNodeConcurrency = 10
	}
	if c.Thresholds == (node.Thresholds{}) {
		c.Thresholds = node.DefaultThresholds()
	}
	if c.HealthPollInterval <= 0 || c.HealthPollInterval > 100*time.Millisecond {
		c.HealthPollInterval = 100 * time.Millisecond
	}
	if c.RollingBatchSize <= 0 {
		c.RollingBatchSize = 2
	}
	if c.RollingHealthCheckTimeout <= 0 {
		c.RollingHealthCheckTimeout = 2 * time.Minute
	}
	if c.SmokeDuration <= 0 {
		c.SmokeDuration = 5 * time.Minute
	}
	if len(c.CanaryWaves) == 0 {
		c.CanaryWaves = []float64{0.1, 0.3, 0.5, 1.0}
	}
	if c.SoakDuration <= 0 {
		c.SoakDuration = 5 * time.Minute
	}
	if c.Degradation == (metrics.DegradationPolicy{}) {
		c.Degradation = metrics.DefaultDegradationPolicy()
	}
	return c
}

// Strategy is the rollout contract the pipeline drives.
type Strategy interface {
	Name() string
	Deploy(ctx context.Context, desc artifact.Descriptor, target *cluster.Cluster) (*Result, error)
	Rollback(ctx context.Context, executionID string, target *cluster.Cluster) (*Result, error)
}

// ForEnvironment returns the strategy an environment deploys with.
func ForEnvironment(env platform.Environment, cfg Config, provider *metrics.Provider, logger *zap.Logger) Strategy {
	switch env {
	case platform.EnvironmentQA:
		return NewRolling(cfg, logger)
	case platform.EnvironmentStaging:
		return NewBlueGreen(cfg, logger)
	case platform.EnvironmentProduction:
		return NewCanary(cfg, provider, logger)
	default:
		return NewDirect(cfg, logger)
	}
}

// outcomeRecorder collects per-node outcomes from concurrent workers.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []NodeOutcome
	updated  []*node.Node
}

func (r *outcomeRecorder) record(o NodeOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *outcomeRecorder) markUpdated(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, n)
}

// applyToNodes applies desc to every node with bounded concurrency and a
// per-node timeout. The strategies operate on the node snapshot taken at
// start, but a node deregistered since then is treated as a per-node
// failure rather than silently updated. The first failure cancels the
// remaining applies. Nodes that were successfully updated are recorded in
// update-completion order so callers can roll back in reverse.
func applyToNodes(ctx context.Context, target *cluster.Cluster, nodes []*node.Node, desc artifact.Descriptor, cfg Config, rec *outcomeRecorder) error {
	if len(nodes) == 0 {
		return nil
	}
	limit := cfg.PerNodeConcurrency
	if limit > len(nodes) {
		limit = len(nodes)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, n := range nodes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if target.Node(n.ID) == nil {
				err := apperrors.Newf(apperrors.ErrorTypeNodeApplyFailed,
					"node %s was deregistered during the rollout", n.ID)
				rec.record(NodeOutcome{NodeID: n.ID, Operation: "apply", Error: err.Error()})
				return err
			}
			applyCtx := gctx
			if cfg.NodeApplyTimeout > 0 {
				var cancel context.CancelFunc
				applyCtx, cancel = context.WithTimeout(gctx, cfg.NodeApplyTimeout)
				defer cancel()
			}
			if err := n.ApplyArtifact(applyCtx, desc); err != nil {
				rec.record(NodeOutcome{NodeID: n.ID, Operation: "apply", Error: err.Error()})
				return err
			}
			rec.record(NodeOutcome{NodeID: n.ID, Operation: "apply", Succeeded: true})
			rec.markUpdated(n)
			return nil
		})
	}
	return g.Wait()
}

// rollbackNodes rolls back the given nodes sequentially in reverse order of
// update. It runs detached from the caller's cancellation because rollback
// must complete even when the deploy was cancelled. Nodes whose rollback
// fails are marked Inconsistent and returned.
func rollbackNodes(ctx context.Context, updated []*node.Node, rec *outcomeRecorder, logger *zap.Logger) []string {
	detached := context.WithoutCancel(ctx)
	var inconsistent []string
	for i := len(updated) - 1; i >= 0; i-- {
		n := updated[i]
		if err := n.Rollback(detached); err != nil {
			n.MarkInconsistent()
			inconsistent = append(inconsistent, n.ID)
			rec.record(NodeOutcome{NodeID: n.ID, Operation: "rollback", Error: err.Error()})
			logger.Error("node rollback failed, marking inconsistent",
				zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		rec.record(NodeOutcome{NodeID: n.ID, Operation: "rollback", Succeeded: true})
	}
	return inconsistent
}

// failedResult assembles the terminal result after a rollback attempt.
// Rollback failures dominate: they turn the run into a terminal Failed with
// the inconsistent node list. Otherwise the status follows the cause:
// degradation and cancellation report RolledBack because the cluster was
// restored; a node apply failure reports Failed.
func failedResult(rec *outcomeRecorder, inconsistent []string, started time.Time, cause error) (*Result, error) {
	res := &Result{
		NodeOutcomes:      rec.outcomes,
		InconsistentNodes: inconsistent,
		Elapsed:           time.Since(started),
	}
	if len(inconsistent) > 0 {
		res.Status = StatusFailed
		res.Message = "rollback failed on " + joinIDs(inconsistent)
		return res, apperrors.NewInconsistentError(inconsistent)
	}
	res.Status = abortStatus(cause)
	if cause != nil {
		res.Message = cause.Error()
	}
	return res, cause
}

func abortStatus(cause error) Status {
	if cause == nil ||
		errors.Is(cause, context.Canceled) ||
		apperrors.IsType(cause, apperrors.ErrorTypeHealthDegraded) {
		return StatusRolledBack
	}
	return StatusFailed
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += id
	}
	return out
}

// sleepOrCancel waits for d or until cancellation.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// waitAllHealthy polls the nodes until every one reports Healthy, the
// timeout lapses, or the context is cancelled.
func waitAllHealthy(ctx context.Context, nodes []*node.Node, t node.Thresholds, timeout, poll time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		healthy := true
		for _, n := range nodes {
			if n.Health(t) != node.StateHealthy {
				healthy = false
				break
			}
		}
		if healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return apperrors.NewTimeoutError("waiting for nodes to become healthy")
		}
		if err := sleepOrCancel(ctx, poll); err != nil {
			return err
		}
	}
}

// rollbackByCluster restores the previous artifact across the whole cluster
// snapshot. It backs the strategies' Rollback operation, which the
// orchestrator invokes for an administrative rollback; a failed deploy is
// reverted inside Deploy instead.
func rollbackByCluster(ctx context.Context, target *cluster.Cluster, limit int, logger *zap.Logger) (*Result, error) {
	started := time.Now()
	nodes := target.Nodes()
	rec := &outcomeRecorder{}

	// Only nodes that actually carry a previous artifact participate;
	// the rest never received the deployment being reverted.
	var updated []*node.Node
	for _, n := range nodes {
		if n.PreviousArtifact() != nil {
			updated = append(updated, n)
		}
	}

	inconsistent := rollbackNodes(ctx, updated, rec, logger)
	if len(inconsistent) > 0 {
		return failedResult(rec, inconsistent, started, nil)
	}
	return &Result{
		Status:       StatusRolledBack,
		NodeOutcomes: rec.outcomes,
		Elapsed:      time.Since(started),
	}, nil
}
