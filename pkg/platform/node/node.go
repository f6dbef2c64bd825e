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

// Package node models a single worker node: its installed artifact, its
// heartbeat and health counters, and the apply/rollback operations the
// rollout strategies drive. Apply and rollback hold the node's lock for
// their full duration, which is the per-node logical lock the strategies
// rely on.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/artifact"
	"github.com/jordigilh/deploynaut/pkg/platform"
)

// HealthSample holds one observation of a node's health counters.
type HealthSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LatencyMillis float64 `json:"latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}

// Thresholds bound what counts as a healthy node.
type Thresholds struct {
	HeartbeatTimeout time.Duration
	CPUMax           float64
	MemMax           float64
	ErrorRateMax     float64
}

// DefaultThresholds mirror the engine's configuration defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HeartbeatTimeout: 2 * time.Minute,
		CPUMax:           90,
		MemMax:           90,
		ErrorRateMax:     0.05,
	}
}

// State is the node health classification.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
	// StateInconsistent marks a node whose rollback failed. It requires
	// operator attention and is never cleared automatically.
	StateInconsistent State = "inconsistent"
)

// EvaluateHealth classifies a node from its counters. A node is Healthy iff
// its heartbeat is fresh and every counter is under threshold. A fresh
// heartbeat with counters over threshold is Degraded; a stale heartbeat is
// Unhealthy.
func EvaluateHealth(sample HealthSample, lastHeartbeat, now time.Time, t Thresholds) State {
	if now.Sub(lastHeartbeat) >= t.HeartbeatTimeout {
		return StateUnhealthy
	}
	if sample.CPUPercent >= t.CPUMax ||
		sample.MemoryPercent >= t.MemMax ||
		sample.ErrorRate >= t.ErrorRateMax {
		return StateDegraded
	}
	return StateHealthy
}

// ApplyFunc performs the node-side artifact installation. The default
// implementation simulates I/O by sleeping for the configured duration.
type ApplyFunc func(ctx context.Context, desc artifact.Descriptor) error

// Node is one worker node. All mutation goes through its methods; the
// internal mutex is the per-node logical lock.
type Node struct {
	ID          string
	Hostname    string
	Environment platform.Environment

	mu            sync.Mutex
	current       *artifact.Descriptor
	previous      *artifact.Descriptor
	lastHeartbeat time.Time
	sample        HealthSample
	inconsistent  bool

	applyDelay time.Duration
	applyFn    ApplyFunc
	now        func() time.Time
}

// Option configures a Node at construction.
type Option func(*Node)

// WithApplyDelay sets the simulated apply duration.
func WithApplyDelay(d time.Duration) Option {
	return func(n *Node) { n.applyDelay = d }
}

// WithApplyFunc replaces the node-side apply capability.
func WithApplyFunc(fn ApplyFunc) Option {
	return func(n *Node) { n.applyFn = fn }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(n *Node) { n.now = now }
}

// WithID fixes the node id instead of generating one.
func WithID(id string) Option {
	return func(n *Node) { n.ID = id }
}

// New registers a node for an environment. The node reports an initial
// heartbeat so a freshly registered fleet starts Healthy.
func New(hostname string, env platform.Environment, opts ...Option) *Node {
	n := &Node{
		ID:          uuid.NewString(),
		Hostname:    hostname,
		Environment: env,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.lastHeartbeat = n.now()
	return n
}

// Heartbeat records a health report from the node agent.
func (n *Node) Heartbeat(sample HealthSample) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sample = sample
	n.lastHeartbeat = n.now()
}

// Health classifies the node right now. An inconsistent node stays
// inconsistent until an operator intervenes out of band.
func (n *Node) Health(t Thresholds) State {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.inconsistent {
		return StateInconsistent
	}
	return EvaluateHealth(n.sample, n.lastHeartbeat, n.now(), t)
}

// Sample returns the latest health counters.
func (n *Node) Sample() HealthSample {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sample
}

// LastHeartbeat returns the time of the latest health report.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat
}

// CurrentArtifact returns the installed artifact, or nil.
func (n *Node) CurrentArtifact() *artifact.Descriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyDescriptor(n.current)
}

// PreviousArtifact returns the artifact installed before the current one,
// or nil. It is the rollback target.
func (n *Node) PreviousArtifact() *artifact.Descriptor {
	n.mu.Lock()
	defer n.mu.Unlock()
	return copyDescriptor(n.previous)
}

// ApplyArtifact installs desc on the node. Reapplying the currently
// installed artifact is a no-op success. The node lock is held for the
// duration of the simulated I/O, serializing apply against rollback.
// A successful apply doubles as a liveness report from the node agent.
func (n *Node) ApplyArtifact(ctx context.Context, desc artifact.Descriptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.current != nil && n.current.ID() == desc.ID() {
		return nil
	}

	if err := n.runApply(ctx, desc); err != nil {
		return apperrors.NewNodeApplyError(n.ID, err)
	}

	n.previous = n.current
	d := desc
	n.current = &d
	n.lastHeartbeat = n.now()
	return nil
}

// Rollback reinstalls the previous artifact. It fails when no previous
// artifact exists and is a no-op when the previous artifact is already
// installed.
func (n *Node) Rollback(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.previous == nil {
		return apperrors.New(apperrors.ErrorTypeNodeApplyFailed, "no previous artifact to roll back to").
			WithDetails(n.ID)
	}
	if n.current != nil && n.current.ID() == n.previous.ID() {
		return nil
	}

	if err := n.runApply(ctx, *n.previous); err != nil {
		return apperrors.NewNodeApplyError(n.ID, err)
	}

	n.current = n.previous
	n.lastHeartbeat = n.now()
	return nil
}

// runApply executes the node-side apply capability under the held lock.
func (n *Node) runApply(ctx context.Context, desc artifact.Descriptor) error {
	if n.applyFn != nil {
		return n.applyFn(ctx, desc)
	}
	if n.applyDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(n.applyDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MarkInconsistent flags the node for operator attention after a failed
// rollback.
func (n *Node) MarkInconsistent() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inconsistent = true
}

// IsInconsistent reports whether the node needs operator attention.
func (n *Node) IsInconsistent() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inconsistent
}

func copyDescriptor(d *artifact.Descriptor) *artifact.Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
