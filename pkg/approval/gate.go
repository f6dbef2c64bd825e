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

package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/deployment"
	"github.com/jordigilh/deploynaut/pkg/lock"
)

// lockRetryBackoff is the single retry delay when the per-approval lock is
// contended during a transition.
const lockRetryBackoff = 100 * time.Millisecond

// Gate creates approvals, awaits their resolution without pinning a
// goroutine per poll, and adjudicates admin decisions with exactly-one
// semantics under a per-approval lock.
type Gate struct {
	store    Store
	notifier Notifier
	locker   lock.Locker
	logger   *zap.Logger
	timeout  time.Duration
	now      func() time.Time

	waitersMu sync.Mutex
	waiters   map[string][]chan Decision
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock injects the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates the approval gate. timeout is how long a Pending approval
// lives before expiry.
func NewGate(store Store, notifier Notifier, locker lock.Locker, timeout time.Duration, logger *zap.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		store:    store,
		notifier: notifier,
		locker:   locker,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
		waiters:  make(map[string][]chan Decision),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Create opens a Pending approval for the execution and notifies the
// approvers. Creating a second approval for the same execution fails with
// a typed conflict.
func (g *Gate) Create(ctx context.Context, req *deployment.Request) (*Approval, error) {
	now := g.now()
	a := &Approval{
		ID:              uuid.NewString(),
		ExecutionID:     req.ExecutionID,
		Requester:       req.Requester,
		Environment:     req.Environment,
		ArtifactName:    req.Artifact.Name,
		ArtifactVersion: req.Artifact.Version,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(g.timeout),
	}
	if err := g.store.Create(ctx, a); err != nil {
		return nil, err
	}

	if err := g.notifier.ApprovalRequested(ctx, a); err != nil {
		g.logger.Warn("approval notification failed",
			zap.String("execution_id", a.ExecutionID), zap.Error(err))
	}
	return a, nil
}

// Get returns the approval for an execution id.
func (g *Gate) Get(ctx context.Context, executionID string) (*Approval, error) {
	return g.store.GetByExecutionID(ctx, executionID)
}

// ExecutionIDFor accepts either an execution id or an approval id and
// resolves it to the approval's execution id, so admin endpoints can take
// both.
func (g *Gate) ExecutionIDFor(ctx context.Context, id string) (string, error) {
	if _, err := g.store.GetByExecutionID(ctx, id); err == nil {
		return id, nil
	}
	a, err := g.store.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return a.ExecutionID, nil
}

// Await blocks until the execution's approval resolves, its expiry lapses,
// or ctx is cancelled. Many executions may await concurrently; each waiter
// observes the same immutable final decision.
func (g *Gate) Await(ctx context.Context, executionID string) (Decision, error) {
	ch := make(chan Decision, 1)
	g.addWaiter(executionID, ch)
	defer g.removeWaiter(executionID, ch)

	// Resolve-before-register race: the decision may already be stored.
	a, err := g.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return Decision{}, err
	}
	if a.Status.Resolved() {
		return decisionOf(a), nil
	}

	expiry := time.NewTimer(a.ExpiresAt.Sub(g.now()))
	defer expiry.Stop()

	for {
		select {
		case d := <-ch:
			return d, nil
		case <-ctx.Done():
			return Decision{}, ctx.Err()
		case <-expiry.C:
			// The sweeper normally owns expiry; transitioning here as
			// well keeps Await live when no sweeper runs. The atomic
			// transition makes the race benign.
			if err := g.Expire(ctx, executionID); err != nil &&
				!apperrors.IsType(err, apperrors.ErrorTypeConflict) {
				return Decision{}, err
			}
			latest, err := g.store.GetByExecutionID(ctx, executionID)
			if err != nil {
				return Decision{}, err
			}
			if latest.Status.Resolved() {
				return decisionOf(latest), nil
			}
		}
	}
}

// Approve transitions a Pending approval to Approved.
func (g *Gate) Approve(ctx context.Context, executionID, resolver, reason string) (*Approval, error) {
	return g.resolve(ctx, executionID, StatusApproved, resolver, reason)
}

// Reject transitions a Pending approval to Rejected.
func (g *Gate) Reject(ctx context.Context, executionID, resolver, reason string) (*Approval, error) {
	return g.resolve(ctx, executionID, StatusRejected, resolver, reason)
}

// Expire transitions a Pending approval whose deadline has passed to
// Expired. A still-live approval is left alone.
func (g *Gate) Expire(ctx context.Context, executionID string) error {
	a, err := g.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return err
	}
	if a.Status == StatusPending && g.now().Before(a.ExpiresAt) {
		return nil
	}
	_, err = g.transition(ctx, executionID, StatusExpired, "", "approval timed out")
	return err
}

// resolve applies an admin decision. A Pending approval whose expiry time
// has already passed is expired first, so no late Approve or Reject can
// succeed on it.
func (g *Gate) resolve(ctx context.Context, executionID string, status Status, resolver, reason string) (*Approval, error) {
	a, err := g.store.GetByExecutionID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPending && g.now().After(a.ExpiresAt) {
		if err := g.Expire(ctx, executionID); err != nil &&
			!apperrors.IsType(err, apperrors.ErrorTypeConflict) {
			return nil, err
		}
		return nil, apperrors.NewApprovalExpiredError(executionID)
	}
	return g.transition(ctx, executionID, status, resolver, reason)
}

// transition is the single writer for approval state. It holds the
// per-approval lock, performs the store transition, wakes every waiter,
// and notifies approvers. Lock contention is retried once after a short
// backoff.
func (g *Gate) transition(ctx context.Context, executionID string, status Status, resolver, reason string) (*Approval, error) {
	handle, err := g.locker.Acquire(ctx, "approval:"+executionID, 10*time.Second, time.Second)
	if apperrors.IsType(err, apperrors.ErrorTypeLockContention) {
		if serr := sleepCtx(ctx, lockRetryBackoff); serr != nil {
			return nil, serr
		}
		handle, err = g.locker.Acquire(ctx, "approval:"+executionID, 10*time.Second, time.Second)
	}
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	resolved, err := g.store.Resolve(ctx, executionID, status, resolver, reason, g.now())
	if err != nil {
		return nil, err
	}

	g.wake(executionID, decisionOf(resolved))

	if err := g.notifier.ApprovalResolved(ctx, resolved); err != nil {
		g.logger.Warn("approval resolution notification failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
	g.logger.Info("approval resolved",
		zap.String("execution_id", executionID),
		zap.String("status", string(status)),
		zap.String("resolver", resolver))
	return resolved, nil
}

// ExpireDue transitions every Pending approval whose expiry has passed.
// The sweeper calls it periodically; it is idempotent and safe to run on
// multiple instances because each transition is guarded.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	due, err := g.store.ListPendingExpired(ctx, g.now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, a := range due {
		if err := g.Expire(ctx, a.ExecutionID); err != nil {
			if apperrors.IsType(err, apperrors.ErrorTypeConflict) {
				continue // another instance won the transition
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// PurgeResolved applies the audit retention policy.
func (g *Gate) PurgeResolved(ctx context.Context, retention time.Duration) (int, error) {
	return g.store.DeleteResolvedBefore(ctx, g.now().Add(-retention))
}

func (g *Gate) addWaiter(executionID string, ch chan Decision) {
	g.waitersMu.Lock()
	defer g.waitersMu.Unlock()
	g.waiters[executionID] = append(g.waiters[executionID], ch)
}

func (g *Gate) removeWaiter(executionID string, ch chan Decision) {
	g.waitersMu.Lock()
	defer g.waitersMu.Unlock()
	remaining := g.waiters[executionID][:0]
	for _, c := range g.waiters[executionID] {
		if c != ch {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(g.waiters, executionID)
	} else {
		g.waiters[executionID] = remaining
	}
}

// wake delivers the decision to every registered waiter. Buffered channels
// make the send non-blocking; a waiter that raced its own removal simply
// drops the buffered value.
func (g *Gate) wake(executionID string, d Decision) {
	g.waitersMu.Lock()
	defer g.waitersMu.Unlock()
	for _, ch := range g.waiters[executionID] {
		select {
		case ch <- d:
		default:
		}
	}
	delete(g.waiters, executionID)
}

func decisionOf(a *Approval) Decision {
	d := Decision{Status: a.Status}
	if a.Resolver != nil {
		d.Resolver = *a.Resolver
	}
	if a.Reason != nil {
		d.Reason = *a.Reason
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
