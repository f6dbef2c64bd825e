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

// Package pipeline runs the fixed deployment stages for one execution:
// Build, Test, SecurityScan, Deploy, Validation. A stage transition fires
// only from a Succeeded predecessor; any failure skips the remaining
// stages, rolls back partial deploy side effects, and closes the execution
// out through the tracker's atomic store-and-clear.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/approval"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/lock"
	"github.com/jordigilh/deploynaut/pkg/metrics"
	"github.com/jordigilh/deploynaut/pkg/platform"
	"github.com/jordigilh/deploynaut/pkg/platform/cluster"
	"github.com/jordigilh/deploynaut/pkg/platform/node"
	"github.com/jordigilh/deploynaut/pkg/signature"
	"github.com/jordigilh/deploynaut/pkg/strategy"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

// TestRunner is the injected test capability for the Test stage.
type TestRunner interface {
	Run(ctx context.Context, req *deployment.Request) error
}

// TestRunnerFunc adapts a function to TestRunner.
type TestRunnerFunc func(ctx context.Context, req *deployment.Request) error

func (f TestRunnerFunc) Run(ctx context.Context, req *deployment.Request) error {
	return f(ctx, req)
}

// Deps are the pipeline's injected collaborators.
type Deps struct {
	Verifier    *signature.Verifier
	StrategyFor func(req *deployment.Request) strategy.Strategy
	Registry    cluster.Registry
	Gate        *approval.Gate
	Tracker     tracker.Tracker
	Locker      lock.Locker
	TestRunner  TestRunner
	Thresholds  node.Thresholds
	Metrics     *metrics.EngineMetrics

	// StageTimeout bounds each stage; exceeding it is a stage failure.
	StageTimeout time.Duration
	// StrictSignatures aborts on invalid signatures. Production always
	// runs strict regardless.
	StrictSignatures bool

	Logger *zap.Logger
	Now    func() time.Time
}

// Pipeline executes deployments stage by stage.
type Pipeline struct {
	deps Deps
}

// New creates a pipeline. Now defaults to time.Now.
func New(deps Deps) *Pipeline {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{deps: deps}
}

// Run executes the pipeline for one accepted request and returns the
// terminal execution state, which has already been recorded through the
// tracker's atomic close-out. ctx carries the execution's cancellation; a
// rollback request cancels it mid-stage.
func (p *Pipeline) Run(ctx context.Context, req *deployment.Request) *deployment.Execution {
	ctx, span := otel.Tracer("deploynaut/pipeline").Start(ctx, "pipeline.run")
	defer span.End()

	exec := deployment.NewExecution(req, traceIDFrom(span), p.deps.Now())
	logger := p.deps.Logger.With(
		zap.String("execution_id", req.ExecutionID),
		zap.String("trace_id", exec.TraceID),
		zap.String("artifact", req.Artifact.ID()),
		zap.String("environment", req.Environment.String()))
	logger.Info("pipeline starting")

	p.runStages(ctx, req, exec, logger)

	now := p.deps.Now()
	exec.EndedAt = &now
	p.closeOut(ctx, exec, logger)
	if p.deps.Metrics != nil {
		p.deps.Metrics.DeploymentsTotal.
			WithLabelValues(req.Environment.String(), string(exec.Status)).Inc()
	}
	logger.Info("pipeline finished",
		zap.String("status", string(exec.Status)),
		zap.String("message", exec.Message))
	return exec
}

func (p *Pipeline) runStages(ctx context.Context, req *deployment.Request, exec *deployment.Execution, logger *zap.Logger) {
	for _, stage := range deployment.Stages() {
		record := exec.StageRecordFor(stage)

		if stage == deployment.StageDeploy && req.RequiresApproval() {
			if ok := p.awaitApproval(ctx, req, exec, record, logger); !ok {
				p.skipFrom(exec, stage)
				return
			}
		}

		p.startStage(record)
		err := p.runStage(ctx, stage, req, exec, record, logger)
		p.endStage(stage, record, err)

		if err != nil {
			// The deploy stage handles its own rollback through the
			// strategy; runStage already set the stage status for it.
			exec.Message = err.Error()
			switch {
			case record.Status == deployment.StageRolledBack:
				exec.Status = deployment.StatusRolledBack
			default:
				exec.Status = deployment.StatusFailed
			}
			p.skipAfter(exec, stage)
			logger.Warn("stage failed",
				zap.String("stage", string(stage)),
				zap.String("stage_status", string(record.Status)),
				zap.Error(err))
			return
		}
	}
	exec.Status = deployment.StatusSucceeded
}

// runStage dispatches one stage under its timeout.
func (p *Pipeline) runStage(ctx context.Context, stage deployment.Stage, req *deployment.Request, exec *deployment.Execution, record *deployment.StageRecord, logger *zap.Logger) error {
	stageCtx := ctx
	if p.deps.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, p.deps.StageTimeout)
		defer cancel()
	}

	var err error
	switch stage {
	case deployment.StageBuild:
		err = p.stageBuild(stageCtx, req, record)
	case deployment.StageTest:
		err = p.stageTest(stageCtx, req)
	case deployment.StageSecurityScan:
		err = p.stageSecurityScan(stageCtx, req, record, logger)
	case deployment.StageDeploy:
		err = p.stageDeploy(stageCtx, req, exec, record, logger)
	case deployment.StageValidation:
		err = p.stageValidation(stageCtx, req, record)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = apperrors.NewTimeoutError("stage " + string(stage))
	}
	return err
}

// stageBuild accepts the pre-built artifact. Requests always carry content
// in this engine, so the stage verifies presence and moves on.
func (p *Pipeline) stageBuild(ctx context.Context, req *deployment.Request, record *deployment.StageRecord) error {
	if len(req.Artifact.Content) == 0 {
		return apperrors.NewValidationError("artifact has no content to deploy")
	}
	record.Message = "artifact pre-built"
	return nil
}

func (p *Pipeline) stageTest(ctx context.Context, req *deployment.Request) error {
	if p.deps.TestRunner == nil {
		return nil
	}
	return p.deps.TestRunner.Run(ctx, req)
}

// stageSecurityScan verifies the artifact signature. Signature failures are
// terminal and never retried; permissive mode downgrades them to a logged
// warning outside Production.
func (p *Pipeline) stageSecurityScan(ctx context.Context, req *deployment.Request, record *deployment.StageRecord, logger *zap.Logger) error {
	verification, err := p.deps.Verifier.Verify(req.Artifact.Content, req.Artifact.Signature)
	if err != nil {
		strict := p.deps.StrictSignatures || req.Environment == platform.EnvironmentProduction
		if strict {
			return err
		}
		record.Message = "signature verification downgraded to warning: " + err.Error()
		logger.Warn("permissive mode accepted an invalid signature", zap.Error(err))
		return nil
	}
	record.Message = "signed by " + verification.SignerSubject
	return nil
}

// stageDeploy drives the environment's strategy while holding the
// per-cluster lock, so concurrent deployments to the same environment are
// serialized. Lock contention is a stage failure.
func (p *Pipeline) stageDeploy(ctx context.Context, req *deployment.Request, exec *deployment.Execution, record *deployment.StageRecord, logger *zap.Logger) error {
	target, err := p.deps.Registry.Get(req.Environment)
	if err != nil {
		return err
	}

	handle, err := p.deps.Locker.Acquire(ctx, "cluster:"+req.Environment.String(),
		p.deps.StageTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	defer handle.Release()

	strat := p.deps.StrategyFor(req)
	result, err := strat.Deploy(ctx, req.Artifact, target)
	if result != nil {
		record.Counters = map[string]int{
			"node_outcomes":      len(result.NodeOutcomes),
			"inconsistent_nodes": len(result.InconsistentNodes),
		}
		exec.InconsistentNodes = result.InconsistentNodes
		if result.Message != "" {
			record.Message = result.Message
		}
		if p.deps.Metrics != nil {
			for _, o := range result.NodeOutcomes {
				if !o.Succeeded {
					p.deps.Metrics.NodeApplyFailures.Inc()
				}
			}
			if result.Status == strategy.StatusRolledBack {
				p.deps.Metrics.RollbacksTotal.WithLabelValues(req.Environment.String()).Inc()
			}
		}
		// The strategy already rolled partial work back; reflect that in
		// the stage status instead of plain Failed.
		if err != nil && result.Status == strategy.StatusRolledBack {
			record.Status = deployment.StageRolledBack
		}
	}
	return err
}

// stageValidation samples cluster health and confirms the fleet reports the
// requested artifact version. Nodes removed from the registry during the
// rollout are outside the assertion.
func (p *Pipeline) stageValidation(ctx context.Context, req *deployment.Request, record *deployment.StageRecord) error {
	target, err := p.deps.Registry.Get(req.Environment)
	if err != nil {
		return err
	}

	health := target.Health(p.deps.Thresholds)
	if health.State == cluster.StateUnhealthy {
		return apperrors.NewHealthDegradedError(
			fmt.Sprintf("cluster %s unhealthy after deploy (%d/%d healthy)",
				req.Environment, health.HealthyNodes, health.TotalNodes))
	}

	mismatched := 0
	for _, n := range target.Nodes() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := n.CurrentArtifact()
		if cur == nil || cur.ID() != req.Artifact.ID() {
			mismatched++
		}
	}
	// Blue-green intentionally leaves the idle pool on the prior version.
	if req.Environment == platform.EnvironmentStaging {
		if mismatched > target.Size()/2 {
			return apperrors.NewValidationError(
				fmt.Sprintf("%d nodes of the serving pool report the wrong version", mismatched))
		}
	} else if mismatched > 0 {
		return apperrors.NewValidationError(
			fmt.Sprintf("%d nodes report a version other than %s", mismatched, req.Artifact.ID()))
	}

	record.Message = fmt.Sprintf("cluster %s, %d/%d nodes healthy",
		health.State, health.HealthyNodes, health.TotalNodes)
	return nil
}

// awaitApproval gates the deploy stage. A Rejected or Expired decision (or
// a gate error) terminates the pipeline with the deploy stage Skipped.
func (p *Pipeline) awaitApproval(ctx context.Context, req *deployment.Request, exec *deployment.Execution, record *deployment.StageRecord, logger *zap.Logger) bool {
	a, err := p.deps.Gate.Create(ctx, req)
	if err != nil {
		if !apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			exec.Status = deployment.StatusFailed
			exec.Message = err.Error()
			record.Message = err.Error()
			return false
		}
		// An approval already exists for this execution (restart path);
		// await the existing record.
		logger.Info("reusing existing approval record")
	} else {
		logger.Info("approval requested",
			zap.String("approval_id", a.ID),
			zap.Time("expires_at", a.ExpiresAt))
	}

	decision, err := p.deps.Gate.Await(ctx, req.ExecutionID)
	if err != nil {
		exec.Status = deployment.StatusFailed
		exec.Message = "approval await aborted: " + err.Error()
		record.Message = exec.Message
		return false
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.ApprovalDecisions.WithLabelValues(string(decision.Status)).Inc()
	}

	switch decision.Status {
	case approval.StatusApproved:
		logger.Info("approval granted", zap.String("resolver", decision.Resolver))
		return true
	case approval.StatusRejected:
		exec.Status = deployment.StatusFailed
		exec.Message = fmt.Sprintf("approval rejected by %s: %s", decision.Resolver, decision.Reason)
		record.Message = exec.Message
		return false
	default:
		exec.Status = deployment.StatusFailed
		exec.Message = "approval expired without a decision"
		record.Message = exec.Message
		return false
	}
}

// skipFrom marks the given stage and everything after it Skipped. Used when
// the approval gate terminates the pipeline before the stage starts.
func (p *Pipeline) skipFrom(exec *deployment.Execution, from deployment.Stage) {
	seen := false
	for i := range exec.Stages {
		if exec.Stages[i].Stage == from {
			seen = true
		}
		if seen {
			exec.Stages[i].Status = deployment.StageSkipped
		}
	}
}

// skipAfter marks every stage after the given one Skipped.
func (p *Pipeline) skipAfter(exec *deployment.Execution, after deployment.Stage) {
	seen := false
	for i := range exec.Stages {
		if seen {
			exec.Stages[i].Status = deployment.StageSkipped
		}
		if exec.Stages[i].Stage == after {
			seen = true
		}
	}
}

func (p *Pipeline) startStage(record *deployment.StageRecord) {
	now := p.deps.Now()
	record.Status = deployment.StageRunning
	record.StartedAt = &now
}

func (p *Pipeline) endStage(stage deployment.Stage, record *deployment.StageRecord, err error) {
	now := p.deps.Now()
	record.EndedAt = &now
	if err == nil {
		record.Status = deployment.StageSucceeded
	} else if record.Status == deployment.StageRunning {
		record.Status = deployment.StageFailed
	}
	if err != nil && record.Message == "" {
		record.Message = err.Error()
	}
	if p.deps.Metrics != nil && record.StartedAt != nil {
		p.deps.Metrics.StageDuration.WithLabelValues(string(stage)).
			Observe(now.Sub(*record.StartedAt).Seconds())
	}
}

// closeOut records the terminal state and clears the in-progress entry in
// one atomic operation under the per-execution lock. The tracker call never
// blocks beyond its configured wait; on lock contention the close-out is
// retried once and otherwise surfaced in the log for operator retry.
func (p *Pipeline) closeOut(ctx context.Context, exec *deployment.Execution, logger *zap.Logger) {
	// Close-out must complete even when the execution was cancelled.
	detached := context.WithoutCancel(ctx)

	handle, err := p.deps.Locker.Acquire(detached, "closeout:"+exec.ExecutionID,
		10*time.Second, 5*time.Second)
	if apperrors.IsType(err, apperrors.ErrorTypeLockContention) {
		handle, err = p.deps.Locker.Acquire(detached, "closeout:"+exec.ExecutionID,
			10*time.Second, 5*time.Second)
	}
	if err != nil {
		logger.Error("close-out lock unavailable, result not recorded", zap.Error(err))
		return
	}
	defer handle.Release()

	if err := p.deps.Tracker.StoreResultAndClearInProgress(detached, exec); err != nil {
		logger.Error("atomic close-out failed", zap.Error(err))
	}
}

func traceIDFrom(span trace.Span) string {
	sc := span.SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	// No tracer provider configured; correlation still needs an id.
	return uuid.NewString()
}
