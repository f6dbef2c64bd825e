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

// Package deployment holds the request and execution-state types shared by
// the orchestrator, the pipeline, the tracker, and the API surface.
package deployment

import (
	"time"

	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/platform"
)

// Request is one accepted deployment submission. Immutable.
type Request struct {
	ExecutionID string               `json:"execution_id"`
	Artifact    artifact.Descriptor  `json:"artifact"`
	Environment platform.Environment `json:"environment"`
	Requester   string               `json:"requester"`
	CreatedAt   time.Time            `json:"created_at"`
	// ApprovalOverride forces the approval gate on or off for this
	// execution, overriding the environment policy. Nil keeps the policy.
	ApprovalOverride *bool `json:"approval_override,omitempty"`
}

// RequiresApproval resolves the effective approval policy.
func (r *Request) RequiresApproval() bool {
	if r.ApprovalOverride != nil {
		return *r.ApprovalOverride
	}
	return r.Environment.RequiresApproval()
}

// Stage names the fixed pipeline stages in order.
type Stage string

const (
	StageBuild        Stage = "build"
	StageTest         Stage = "test"
	StageSecurityScan Stage = "security_scan"
	StageDeploy       Stage = "deploy"
	StageValidation   Stage = "validation"
)

// Stages returns the pipeline order.
func Stages() []Stage {
	return []Stage{StageBuild, StageTest, StageSecurityScan, StageDeploy, StageValidation}
}

// StageStatus is the per-stage state.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageRunning    StageStatus = "running"
	StageSucceeded  StageStatus = "succeeded"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
	StageRolledBack StageStatus = "rolled_back"
)

// Status is the overall execution state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRolledBack
}

// StageRecord is the mutable per-stage bookkeeping.
type StageRecord struct {
	Stage     Stage          `json:"stage"`
	Status    StageStatus    `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Message   string         `json:"message,omitempty"`
	Counters  map[string]int `json:"counters,omitempty"`
}

// Execution is the pipeline execution state. It is owned by the pipeline
// while running; the tracker takes ownership of the terminal state.
type Execution struct {
	ExecutionID       string               `json:"execution_id"`
	Artifact          artifact.Descriptor  `json:"artifact"`
	Environment       platform.Environment `json:"environment"`
	Requester         string               `json:"requester"`
	TraceID           string               `json:"trace_id"`
	Stages            []StageRecord        `json:"stages"`
	Status            Status               `json:"status"`
	Message           string               `json:"message,omitempty"`
	InconsistentNodes []string             `json:"inconsistent_nodes,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
	EndedAt           *time.Time           `json:"ended_at,omitempty"`
}

// NewExecution initializes the execution state for a request with every
// stage Pending.
func NewExecution(req *Request, traceID string, startedAt time.Time) *Execution {
	stages := make([]StageRecord, 0, len(Stages()))
	for _, s := range Stages() {
		stages = append(stages, StageRecord{Stage: s, Status: StagePending})
	}
	return &Execution{
		ExecutionID: req.ExecutionID,
		Artifact:    req.Artifact,
		Environment: req.Environment,
		Requester:   req.Requester,
		TraceID:     traceID,
		Stages:      stages,
		Status:      StatusRunning,
		StartedAt:   startedAt,
	}
}

// StageRecordFor returns the record for a stage, or nil.
func (e *Execution) StageRecordFor(stage Stage) *StageRecord {
	for i := range e.Stages {
		if e.Stages[i].Stage == stage {
			return &e.Stages[i]
		}
	}
	return nil
}
