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

// Package orchestrator is the engine's public entry point. Submissions are
// validated, tracked, and queued onto a bounded worker pool that owns the
// pipeline runs; the request path never launches fire-and-forget work.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/pipeline"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/strategy"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

// Config tunes the worker pool.
type Config struct {
	QueueDepth int
	Workers    int
}

// Orchestrator accepts deployment requests and owns their pipelines.
type Orchestrator struct {
	cfg         Config
	pipe        *pipeline.Pipeline
	track       tracker.Tracker
	registry    cluster.Registry
	strategyFor func(req *deployment.Request) strategy.Strategy
	metrics     *metrics.EngineMetrics
	logger      *zap.Logger

	queue   chan *deployment.Request
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool
	stopped   bool
}

// New creates an orchestrator. Start must be called before Submit.
func New(cfg Config, pipe *pipeline.Pipeline, track tracker.Tracker, registry cluster.Registry,
	strategyFor func(req *deployment.Request) strategy.Strategy,
	engineMetrics *metrics.EngineMetrics, logger *zap.Logger) *Orchestrator {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	return &Orchestrator{
		cfg:         cfg,
		pipe:        pipe,
		track:       track,
		registry:    registry,
		strategyFor: strategyFor,
		metrics:     engineMetrics,
		logger:      logger,
		queue:       make(chan *deployment.Request, cfg.QueueDepth),
		running:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.baseCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Int("queue_depth", o.cfg.QueueDepth))
}

// Stop closes intake and drains the pool. When ctx expires first, running
// pipelines are cancelled and take their rollback path before exiting.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.mu.Unlock()

	close(o.queue)

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		o.cancel()
		<-drained
	}
	o.logger.Info("orchestrator stopped")
}

// Submit validates and accepts a deployment request, returning the assigned
// execution id. A full queue yields a typed Backpressure error; the caller
// may retry after a delay.
func (o *Orchestrator) Submit(ctx context.Context, req *deployment.Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	req.ExecutionID = uuid.NewString()
	req.CreatedAt = time.Now()

	if err := o.track.TrackInProgress(ctx, req); err != nil {
		return "", err
	}

	// The enqueue is non-blocking, so holding the mutex across it closes
	// the race between Submit and Stop closing the queue.
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		_ = o.track.RemoveInProgress(ctx, req.ExecutionID)
		return "", apperrors.New(apperrors.ErrorTypeConflict, "orchestrator is shutting down")
	}
	select {
	case o.queue <- req:
		if o.metrics != nil {
			o.metrics.QueueDepth.Inc()
		}
		o.mu.Unlock()
	default:
		o.mu.Unlock()
		_ = o.track.RemoveInProgress(ctx, req.ExecutionID)
		return "", apperrors.NewBackpressureError(o.cfg.QueueDepth)
	}

	o.logger.Info("deployment accepted",
		zap.String("execution_id", req.ExecutionID),
		zap.String("artifact", req.Artifact.ID()),
		zap.String("environment", req.Environment.String()),
		zap.String("requester", req.Requester))
	return req.ExecutionID, nil
}

// Get returns the terminal state when the execution has finished, otherwise
// a running view synthesized from the tracked request.
func (o *Orchestrator) Get(ctx context.Context, executionID string) (*deployment.Execution, error) {
	if exec, err := o.track.GetResult(ctx, executionID); err == nil {
		return exec, nil
	} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return nil, err
	}

	req, err := o.track.GetInProgress(ctx, executionID)
	if err != nil {
		return nil, err
	}
	exec := deployment.NewExecution(req, "", req.CreatedAt)
	exec.Status = deployment.StatusRunning
	return exec, nil
}

// List pages over terminal results.
func (o *Orchestrator) List(ctx context.Context, page tracker.Page) ([]*deployment.Execution, error) {
	return o.track.ListResults(ctx, page)
}

// ListInProgress returns the accepted, unfinished requests.
func (o *Orchestrator) ListInProgress(ctx context.Context) ([]*deployment.Request, error) {
	return o.track.ListInProgress(ctx)
}

// Rollback cancels a running execution, or performs an administrative
// strategy rollback for an execution that already terminated Succeeded. No
// fresh approval is required: the rollback target is the artifact a prior
// gate already approved, and the API layer restricts the call to
// administrators. An execution that already rolled back is a typed
// conflict.
func (o *Orchestrator) Rollback(ctx context.Context, executionID string) error {
	o.mu.Lock()
	if cancelRun, ok := o.running[executionID]; ok {
		o.mu.Unlock()
		o.logger.Info("cancelling running deployment", zap.String("execution_id", executionID))
		cancelRun()
		return nil
	}
	o.mu.Unlock()

	exec, err := o.track.GetResult(ctx, executionID)
	if apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		// Accepted but not yet picked up by a worker: flag it so the
		// worker closes it out without deploying.
		if _, inProgErr := o.track.GetInProgress(ctx, executionID); inProgErr == nil {
			o.mu.Lock()
			o.cancelled[executionID] = true
			o.mu.Unlock()
			return nil
		}
		return err
	}
	if err != nil {
		return err
	}

	switch exec.Status {
	case deployment.StatusSucceeded:
		return o.administrativeRollback(ctx, exec)
	default:
		return apperrors.NewConflictError("execution " + executionID + " already rolled back or failed")
	}
}

// administrativeRollback reverts a completed deployment and records the new
// terminal state.
func (o *Orchestrator) administrativeRollback(ctx context.Context, exec *deployment.Execution) error {
	target, err := o.registry.Get(exec.Environment)
	if err != nil {
		return err
	}
	req := &deployment.Request{
		ExecutionID: exec.ExecutionID,
		Artifact:    exec.Artifact,
		Environment: exec.Environment,
		Requester:   exec.Requester,
	}
	result, err := o.strategyFor(req).Rollback(ctx, exec.ExecutionID, target)
	if result != nil {
		exec.InconsistentNodes = result.InconsistentNodes
	}
	if err != nil {
		exec.Message = "administrative rollback failed: " + err.Error()
		_ = o.track.StoreResult(ctx, exec)
		return err
	}

	exec.Status = deployment.StatusRolledBack
	exec.Message = "administratively rolled back"
	if o.metrics != nil {
		o.metrics.RollbacksTotal.WithLabelValues(exec.Environment.String()).Inc()
	}
	return o.track.StoreResult(ctx, exec)
}

// ClusterStatus reports aggregate health for one environment.
func (o *Orchestrator) ClusterStatus(env string) (*cluster.Cluster, error) {
	parsed, err := platform.ParseEnvironment(env)
	if err != nil {
		return nil, err
	}
	return o.registry.Get(parsed)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for req := range o.queue {
		if o.metrics != nil {
			o.metrics.QueueDepth.Dec()
		}
		o.runOne(req)
	}
}

func (o *Orchestrator) runOne(req *deployment.Request) {
	o.mu.Lock()
	if o.cancelled[req.ExecutionID] {
		delete(o.cancelled, req.ExecutionID)
		o.mu.Unlock()
		o.closeOutCancelledBeforeStart(req)
		return
	}
	runCtx, cancelRun := context.WithCancel(o.baseCtx)
	o.running[req.ExecutionID] = cancelRun
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.running, req.ExecutionID)
		o.mu.Unlock()
		cancelRun()
	}()

	o.pipe.Run(runCtx, req)
}

// closeOutCancelledBeforeStart records a terminal state for an execution
// that was rolled back while still queued. No stage ran and no node was
// touched.
func (o *Orchestrator) closeOutCancelledBeforeStart(req *deployment.Request) {
	exec := deployment.NewExecution(req, "", time.Now())
	for i := range exec.Stages {
		exec.Stages[i].Status = deployment.StageSkipped
	}
	exec.Status = deployment.StatusRolledBack
	exec.Message = "cancelled before the pipeline started"
	now := time.Now()
	exec.EndedAt = &now
	if err := o.track.StoreResultAndClearInProgress(context.Background(), exec); err != nil {
		o.logger.Error("failed to close out cancelled execution",
			zap.String("execution_id", req.ExecutionID), zap.Error(err))
	}
}

func validateRequest(req *deployment.Request) error {
	if req == nil {
		return apperrors.NewValidationError("request is required")
	}
	if err := req.Artifact.Validate(); err != nil {
		return err
	}
	if req.Requester == "" || !strings.Contains(req.Requester, "@") {
		return apperrors.NewValidationError("requester must be an email address")
	}
	switch req.Environment {
	case "":
		return apperrors.NewValidationError("target environment is required")
	}
	return nil
}
