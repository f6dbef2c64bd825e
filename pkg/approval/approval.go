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

// Package approval implements the human approval gate guarding Staging and
// Production deployments: durable approval records, cooperative awaiting,
// exactly-one-decision transitions, and expiry.
package approval

import (
	"context"
	"time"

	"github.com/jordigilh/deploynaut/pkg/platform"
)

// Status is the approval state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Resolved reports whether the status is terminal.
func (s Status) Resolved() bool {
	return s != StatusPending
}

// Approval is one approval record. At most one exists per execution id.
// Resolved records are retained for audit until the retention sweep.
type Approval struct {
	ID              string               `json:"approval_id" db:"approval_id"`
	ExecutionID     string               `json:"execution_id" db:"execution_id"`
	Requester       string               `json:"requester_email" db:"requester_email"`
	Environment     platform.Environment `json:"environment" db:"environment"`
	ArtifactName    string               `json:"artifact_name" db:"artifact_name"`
	ArtifactVersion string               `json:"artifact_version" db:"artifact_version"`
	Status          Status               `json:"status" db:"status"`
	CreatedAt       time.Time            `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time            `json:"expires_at" db:"expires_at"`
	Resolver        *string              `json:"resolver_email,omitempty" db:"resolver_email"`
	Reason          *string              `json:"reason,omitempty" db:"reason"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Decision is what waiters receive when an approval resolves.
type Decision struct {
	Status   Status `json:"status"`
	Resolver string `json:"resolver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Store persists approval records. The record must outlive a process
// restart when a durable implementation is configured; the in-memory store
// is acceptable for single-instance, best-effort deployments only.
type Store interface {
	// Create inserts a Pending approval. A second approval for the same
	// execution id is a typed Conflict error.
	Create(ctx context.Context, a *Approval) error

	// GetByExecutionID returns the approval or a typed NotFound error.
	GetByExecutionID(ctx context.Context, executionID string) (*Approval, error)

	// GetByID returns the approval or a typed NotFound error.
	GetByID(ctx context.Context, id string) (*Approval, error)

	// Resolve transitions a Pending approval to a terminal status. A
	// non-pending record yields a typed Conflict error; the stored
	// decision is immutable once set.
	Resolve(ctx context.Context, executionID string, status Status, resolver, reason string, resolvedAt time.Time) (*Approval, error)

	// ListPendingExpired returns Pending approvals whose expiry has
	// passed, for the sweeper.
	ListPendingExpired(ctx context.Context, now time.Time) ([]*Approval, error)

	// DeleteResolvedBefore removes resolved approvals whose resolution
	// time is older than cutoff, per the retention policy.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Notifier delivers approval lifecycle notifications to approvers. The
// gate treats delivery as best effort; failures are logged, never fatal.
type Notifier interface {
	ApprovalRequested(ctx context.Context, a *Approval) error
	ApprovalResolved(ctx context.Context, a *Approval) error
}

// ComputeTimeRemaining renders how long remains until requiredBy, for
// notification messages. A passed deadline renders as "0s".
func ComputeTimeRemaining(requiredBy, now time.Time) string {
	remaining := requiredBy.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.String()
}
