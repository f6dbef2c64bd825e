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

package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

// Canary rolls out in waves of cumulative cluster fractions, soaking after
// each wave and comparing fresh metrics for all updated nodes against the
// pre-rollout baseline. Degradation at any wave rolls back every updated
// node in reverse order.
type Canary struct {
	cfg      Config
	provider *metrics.Provider
	logger   *zap.Logger
}

func NewCanary(cfg Config, provider *metrics.Provider, logger *zap.Logger) *Canary {
	return &Canary{cfg: cfg.withDefaults(), provider: provider, logger: logger}
}

func (s *Canary) Name() string { return "canary" }

// waveCounts translates the cumulative wave fractions into cumulative node
// counts. Each wave takes at least one node; waves that would add zero new
// nodes coalesce into the next one; the final wave always takes the
// remainder.
func waveCounts(total int, fractions []float64) []int {
	counts := make([]int, 0, len(fractions))
	prev := 0
	for i, f := range fractions {
		cum := int(math.Ceil(f * float64(total)))
		if i == len(fractions)-1 || cum > total {
			cum = total
		}
		if cum <= prev {
			continue
		}
		counts = append(counts, cum)
		prev = cum
	}
	return counts
}

func (s *Canary) Deploy(ctx context.Context, desc artifact.Descriptor, target *cluster.Cluster) (*Result, error) {
	started := time.Now()
	// The node set is read once; registry changes during the rollout do
	// not add nodes to it.
	nodes := target.Nodes()
	if len(nodes) == 0 {
		return &Result{Status: StatusSucceeded, Elapsed: time.Since(started)}, nil
	}

	baseline, err := s.provider.Baseline(ctx, nodes)
	if err != nil {
		return &Result{Status: StatusFailed, Elapsed: time.Since(started), Message: err.Error()}, err
	}

	counts := waveCounts(len(nodes), s.cfg.CanaryWaves)
	s.logger.Info("canary rollout starting",
		zap.String("artifact", desc.ID()),
		zap.String("environment", target.Environment.String()),
		zap.Int("nodes", len(nodes)),
		zap.Ints("wave_counts", counts))

	rec := &outcomeRecorder{}
	updated := 0
	for wave, cum := range counts {
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, rec, started, err)
		}

		tranche := nodes[updated:cum]
		s.logger.Info("canary wave starting",
			zap.Int("wave", wave+1),
			zap.Int("tranche_size", len(tranche)),
			zap.Int("cumulative", cum))

		if err := applyToNodes(ctx, target, tranche, desc, s.cfg, rec); err != nil {
			return s.abort(ctx, rec, started, err)
		}
		updated = cum

		if err := sleepOrCancel(ctx, s.cfg.SoakDuration); err != nil {
			return s.abort(ctx, rec, started, err)
		}

		// Fresh snapshot of everything updated so far, compared against
		// the pre-rollout baseline.
		current, err := s.provider.Snapshot(ctx, nodes[:updated])
		if err != nil {
			return s.abort(ctx, rec, started, err)
		}
		if metrics.Degraded(current, subset(baseline, nodes[:updated]), s.cfg.Degradation) {
			s.logger.Warn("canary wave degraded, rolling back",
				zap.Int("wave", wave+1),
				zap.Int("updated_nodes", updated))
			return s.abort(ctx, rec, started,
				apperrors.NewHealthDegradedError(fmt.Sprintf("wave %d soak comparison failed", wave+1)))
		}
	}

	return &Result{
		Status:       StatusSucceeded,
		NodeOutcomes: rec.outcomes,
		Elapsed:      time.Since(started),
	}, nil
}

// subset restricts a snapshot to the given nodes so the comparison weighs
// only the fleet slice that has been updated.
func subset(s metrics.Snapshot, nodes []*node.Node) metrics.Snapshot {
	out := make(metrics.Snapshot, len(nodes))
	for _, n := range nodes {
		if sample, ok := s[n.ID]; ok {
			out[n.ID] = sample
		}
	}
	return out
}

// abort reverts every updated node in reverse order of update. Degradation
// aborts report RolledBack; rollback failures dominate and report Failed
// with the inconsistent node list.
func (s *Canary) abort(ctx context.Context, rec *outcomeRecorder, started time.Time, cause error) (*Result, error) {
	inconsistent := rollbackNodes(ctx, rec.updated, rec, s.logger)
	return failedResult(rec, inconsistent, started, cause)
}

func (s *Canary) Rollback(ctx context.Context, executionID string, target *cluster.Cluster) (*Result, error) {
	s.logger.Info("canary rollback starting",
		zap.String("execution_id", executionID),
		zap.String("environment", target.Environment.String()))
	return rollbackByCluster(ctx, target, s.cfg.PerNodeConcurrency, s.logger)
}
