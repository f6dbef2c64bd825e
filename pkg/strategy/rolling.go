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

// Rolling partitions the cluster into fixed-size batches and advances batch
// by batch. Batch i+1 begins only after every node of batch i is Healthy
// again. On failure it rolls back the failed batch and all previously
// updated batches in reverse order.
type Rolling struct {
	cfg    Config
	logger *zap.Logger
}

func NewRolling(cfg Config, logger *zap.Logger) *Rolling {
	return &Rolling{cfg: cfg.withDefaults(), logger: logger}
}

func (s *Rolling) Name() string { return "rolling" }

func (s *Rolling) Deploy(ctx context.Context, desc artifact.Descriptor, target *cluster.Cluster) (*Result, error) {
	started := time.Now()
	nodes := target.Nodes()
	if len(nodes) == 0 {
		return &Result{Status: StatusSucceeded, Elapsed: time.Since(started)}, nil
	}

	batchSize := s.cfg.RollingBatchSize
	if batchSize > len(nodes) {
		batchSize = len(nodes)
	}

	s.logger.Info("rolling rollout starting",
		zap.String("artifact", desc.ID()),
		zap.String("environment", target.Environment.String()),
		zap.Int("nodes", len(nodes)),
		zap.Int("batch_size", batchSize))

	rec := &outcomeRecorder{}
	for offset := 0; offset < len(nodes); offset += batchSize {
		// Cancellation observed between batches: no new batch starts
		// once the rollout is cancelled.
		if err := ctx.Err(); err != nil {
			return s.abort(ctx, rec, started, err)
		}

		end := offset + batchSize
		if end > len(nodes) {
			end = len(nodes)
		}
		batch := nodes[offset:end]

		if err := applyToNodes(ctx, target, batch, desc, s.cfg, rec); err != nil {
			return s.abort(ctx, rec, started, err)
		}

		if err := waitAllHealthy(ctx, batch, s.cfg.Thresholds,
			s.cfg.RollingHealthCheckTimeout, s.cfg.HealthPollInterval); err != nil {
			s.logger.Warn("batch did not reach healthy state",
				zap.Int("batch_offset", offset), zap.Error(err))
			return s.abort(ctx, rec, started, err)
		}
	}

	return &Result{
		Status:       StatusSucceeded,
		NodeOutcomes: rec.outcomes,
		Elapsed:      time.Since(started),
	}, nil
}

// abort rolls back every node updated so far, newest batch first.
func (s *Rolling) abort(ctx context.Context, rec *outcomeRecorder, started time.Time, cause error) (*Result, error) {
	inconsistent := rollbackNodes(ctx, rec.updated, rec, s.logger)
	return failedResult(rec, inconsistent, started, cause)
}

func (s *Rolling) Rollback(ctx context.Context, executionID string, target *cluster.Cluster) (*Result, error) {
	s.logger.Info("rolling rollback starting",
		zap.String("execution_id", executionID),
		zap.String("environment", target.Environment.String()))
	return rollbackByCluster(ctx, target, s.cfg.PerNodeConcurrency, s.logger)
}
