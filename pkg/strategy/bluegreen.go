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

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
)

// BlueGreen stages the artifact onto the idle pool, exercises it through a
// smoke phase, and atomically flips the traffic pointer. Failure before the
// switch tears the candidate pool down and leaves the serving pool alone.
type BlueGreen struct {
	cfg    Config
	logger *zap.Logger
}

func NewBlueGreen(cfg Config, logger *zap.Logger) *BlueGreen {
	return &BlueGreen{cfg: cfg.withDefaults(), logger: logger}
}

func (s *BlueGreen) Name() string { return "bluegreen" }

func (s *BlueGreen) Deploy(ctx context.Context, desc artifact.Descriptor, target *cluster.Cluster) (*Result, error) {
	started := time.Now()
	serving := target.TrafficPool()
	candidate := serving.Other()
	green := target.PoolNodes(candidate)

	if target.Size() == 0 {
		return &Result{Status: StatusSucceeded, Elapsed: time.Since(started)}, nil
	}

	s.logger.Info("blue-green rollout starting",
		zap.String("artifact", desc.ID()),
		zap.String("environment", target.Environment.String()),
		zap.String("serving_pool", string(serving)),
		zap.String("candidate_pool", string(candidate)),
		zap.Int("candidate_nodes", len(green)))

	rec := &outcomeRecorder{}
	if err := applyToNodes(ctx, target, green, desc, s.cfg, rec); err != nil {
		return s.tearDown(ctx, rec, started, err)
	}

	if err := s.smokePhase(ctx, green, rec); err != nil {
		return s.tearDown(ctx, rec, started, err)
	}

	// The switch is a single capability call; the prior pointer is
	// returned so a later rollback can swap back.
	prior := target.SwitchTraffic()
	s.logger.Info("traffic switched",
		zap.String("from", string(prior)),
		zap.String("to", string(target.TrafficPool())))

	return &Result{
		Status:       StatusSucceeded,
		NodeOutcomes: rec.outcomes,
		Elapsed:      time.Since(started),
		Message:      "traffic serving from " + string(target.TrafficPool()),
	}, nil
}

// smokePhase holds the candidate pool under observation for the configured
// duration. Every poll interval each candidate node must be Healthy and
// must pass the synthetic smoke request.
func (s *BlueGreen) smokePhase(ctx context.Context, green []*node.Node, rec *outcomeRecorder) error {
	deadline := time.Now().Add(s.cfg.SmokeDuration)
	for {
		for _, n := range green {
			if n.Health(s.cfg.Thresholds) != node.StateHealthy {
				rec.record(NodeOutcome{NodeID: n.ID, Operation: "smoke", Error: "node not healthy during smoke phase"})
				return apperrors.NewHealthDegradedError("node " + n.ID + " unhealthy during smoke phase")
			}
			if s.cfg.Smoke != nil {
				if err := s.cfg.Smoke(ctx, n); err != nil {
					rec.record(NodeOutcome{NodeID: n.ID, Operation: "smoke", Error: err.Error()})
					return err
				}
			}
		}
		if time.Now().After(deadline) {
			for _, n := range green {
				rec.record(NodeOutcome{NodeID: n.ID, Operation: "smoke", Succeeded: true})
			}
			return nil
		}
		if err := sleepOrCancel(ctx, s.cfg.HealthPollInterval); err != nil {
			return err
		}
	}
}

// tearDown reverts every candidate node updated in this call. The serving
// pool never changed, so the cluster keeps serving from it.
func (s *BlueGreen) tearDown(ctx context.Context, rec *outcomeRecorder, started time.Time, cause error) (*Result, error) {
	inconsistent := rollbackNodes(ctx, rec.updated, rec, s.logger)
	return failedResult(rec, inconsistent, started, cause)
}

// Rollback swaps traffic back to the prior pool and reverts the candidate
// nodes.
func (s *BlueGreen) Rollback(ctx context.Context, executionID string, target *cluster.Cluster) (*Result, error) {
	s.logger.Info("blue-green rollback starting",
		zap.String("execution_id", executionID),
		zap.String("environment", target.Environment.String()))

	// The pool serving now is the one the deploy switched to; point
	// traffic back at the other pool before reverting artifacts.
	target.SwitchTraffic()
	return rollbackByCluster(ctx, target, s.cfg.PerNodeConcurrency, s.logger)
}
