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
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
)

// Direct applies the artifact to every node at once with bounded
// concurrency. Development clusters use it: fastest possible rollout, full
// rollback of the nodes updated in this call on any failure.
type Direct struct {
	cfg    Config
	logger *zap.Logger
}

func NewDirect(cfg Config, logger *zap.Logger) *Direct {
	return &Direct{cfg: cfg.withDefaults(), logger: logger}
}

func (s *Direct) Name() string { return "direct" }

func (s *Direct) Deploy(ctx context.Context, desc artifact.Descriptor, target *cluster.Cluster) (*Result, error) {
	started := time.Now()
	nodes := target.Nodes()
	if len(nodes) == 0 {
		return &Result{Status: StatusSucceeded, Elapsed: time.Since(started)}, nil
	}

	s.logger.Info("direct rollout starting",
		zap.String("artifact", desc.ID()),
		zap.String("environment", target.Environment.String()),
		zap.Int("nodes", len(nodes)))

	rec := &outcomeRecorder{}
	if err := applyToNodes(ctx, target, nodes, desc, s.cfg, rec); err != nil {
		inconsistent := rollbackNodes(ctx, rec.updated, rec, s.logger)
		return failedResult(rec, inconsistent, started, err)
	}

	return &Result{
		Status:       StatusSucceeded,
		NodeOutcomes: rec.outcomes,
		Elapsed:      time.Since(started),
	}, nil
}

func (s *Direct) Rollback(ctx context.Context, executionID string, target *cluster.Cluster) (*Result, error) {
	s.logger.Info("direct rollback starting",
		zap.String("execution_id", executionID),
		zap.String("environment", target.Environment.String()))
	return rollbackByCluster(ctx, target, s.cfg.PerNodeConcurrency, s.logger)
}
