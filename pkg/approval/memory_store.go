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

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

// MemoryStore is a concurrent in-memory Store for single-instance runs and
// tests. Approvals held here do not survive a restart.
type MemoryStore struct {
	mu          sync.Mutex
	byExecution map[string]*Approval
	byID        map[string]string // approval id -> execution id
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byExecution: make(map[string]*Approval),
		byID:        make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byExecution[a.ExecutionID]; exists {
		return apperrors.NewConflictError("approval already exists for execution " + a.ExecutionID)
	}
	copied := *a
	s.byExecution[a.ExecutionID] = &copied
	s.byID[a.ID] = a.ExecutionID
	return nil
}

func (s *MemoryStore) GetByExecutionID(ctx context.Context, executionID string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byExecution[executionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("approval for execution " + executionID)
	}
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	executionID, ok := s.byID[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("approval " + id)
	}
	copied := *s.byExecution[executionID]
	return &copied, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, executionID string, status Status, resolver, reason string, resolvedAt time.Time) (*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byExecution[executionID]
	if !ok {
		return nil, apperrors.NewNotFoundError("approval for execution " + executionID)
	}
	if a.Status.Resolved() {
		return nil, apperrors.NewConflictError("approval for execution " + executionID + " already resolved")
	}
	a.Status = status
	if resolver != "" {
		a.Resolver = &resolver
	}
	if reason != "" {
		a.Reason = &reason
	}
	t := resolvedAt
	a.ResolvedAt = &t
	copied := *a
	return &copied, nil
}

func (s *MemoryStore) ListPendingExpired(ctx context.Context, now time.Time) ([]*Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Approval
	for _, a := range s.byExecution {
		if a.Status == StatusPending && now.After(a.ExpiresAt) {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for executionID, a := range s.byExecution {
		if a.Status.Resolved() && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			delete(s.byExecution, executionID)
			delete(s.byID, a.ID)
			deleted++
		}
	}
	return deleted, nil
}
