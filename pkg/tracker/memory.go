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

package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/deployment"
)

// Memory is a single-instance Tracker. One mutex covers both stores and
// their id-sets, which makes the close-out critical section trivially
// atomic.
type Memory struct {
	mu         sync.Mutex
	inProgress map[string]memoryEntry[*deployment.Request]
	results    map[string]memoryEntry[*deployment.Execution]

	inProgressTTL time.Duration
	resultTTL     time.Duration
	now           func() time.Time
}

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// MemoryOption configures a Memory tracker.
type MemoryOption func(*Memory)

// WithClock injects the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an in-memory tracker with the given TTLs.
func NewMemory(inProgressTTL, resultTTL time.Duration, opts ...MemoryOption) *Memory {
	m := &Memory{
		inProgress:    make(map[string]memoryEntry[*deployment.Request]),
		results:       make(map[string]memoryEntry[*deployment.Execution]),
		inProgressTTL: inProgressTTL,
		resultTTL:     resultTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) TrackInProgress(ctx context.Context, req *deployment.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inProgress[req.ExecutionID] = memoryEntry[*deployment.Request]{
		value:     req,
		expiresAt: m.now().Add(m.inProgressTTL),
	}
	return nil
}

func (m *Memory) StoreResult(ctx context.Context, exec *deployment.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeResultLocked(exec)
	return nil
}

func (m *Memory) storeResultLocked(exec *deployment.Execution) {
	m.results[exec.ExecutionID] = memoryEntry[*deployment.Execution]{
		value:     exec,
		expiresAt: m.now().Add(m.resultTTL),
	}
}

func (m *Memory) RemoveInProgress(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inProgress, executionID)
	return nil
}

func (m *Memory) StoreResultAndClearInProgress(ctx context.Context, exec *deployment.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeResultLocked(exec)
	delete(m.inProgress, exec.ExecutionID)
	return nil
}

func (m *Memory) GetResult(ctx context.Context, executionID string) (*deployment.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.results[executionID]
	if !ok || m.now().After(entry.expiresAt) {
		return nil, apperrors.NewNotFoundError("deployment result " + executionID)
	}
	return entry.value, nil
}

func (m *Memory) GetInProgress(ctx context.Context, executionID string) (*deployment.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.inProgress[executionID]
	if !ok || m.now().After(entry.expiresAt) {
		return nil, apperrors.NewNotFoundError("in-progress deployment " + executionID)
	}
	return entry.value, nil
}

func (m *Memory) ListResults(ctx context.Context, page Page) ([]*deployment.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()

	all := make([]*deployment.Execution, 0, len(m.results))
	for _, entry := range m.results {
		all = append(all, entry.value)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if page.Limit <= 0 {
		page.Limit = len(all)
	}
	if page.Offset >= len(all) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[page.Offset:end], nil
}

func (m *Memory) ListInProgress(ctx context.Context) ([]*deployment.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()

	all := make([]*deployment.Request, 0, len(m.inProgress))
	for _, entry := range m.inProgress {
		all = append(all, entry.value)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return all, nil
}

func (m *Memory) EvictStaleIDs(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictLocked()
	return nil
}

func (m *Memory) evictLocked() {
	now := m.now()
	for id, entry := range m.inProgress {
		if now.After(entry.expiresAt) {
			delete(m.inProgress, id)
		}
	}
	for id, entry := range m.results {
		if now.After(entry.expiresAt) {
			delete(m.results, id)
		}
	}
}
