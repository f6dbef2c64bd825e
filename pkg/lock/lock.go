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

// Package lock provides named-resource mutual exclusion. The Redis
// implementation is safe across process instances; the in-process
// implementation is valid for single-instance deployments only.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

// pollInterval bounds acquisition polling. Never above 100ms.
const pollInterval = 50 * time.Millisecond

// Handle represents a held lock. Release is idempotent and only the holder
// that acquired the lock can release it.
type Handle interface {
	Release() error
}

// Locker acquires named locks with a TTL bounding the blast radius of a
// crashed holder. A nil-handle outcome is expressed as a typed
// LockContention error when the wait timeout lapses.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error)
}

// InProcess is a single-instance Locker backed by a mutex-guarded map.
type InProcess struct {
	mu      sync.Mutex
	holders map[string]inProcessEntry
	now     func() time.Time
}

type inProcessEntry struct {
	token     string
	expiresAt time.Time
}

// Option configures an InProcess locker.
type Option func(*InProcess)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(l *InProcess) { l.now = now }
}

// NewInProcess creates a single-instance locker.
func NewInProcess(opts ...Option) *InProcess {
	l := &InProcess{
		holders: make(map[string]inProcessEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *InProcess) Acquire(ctx context.Context, name string, ttl, waitTimeout time.Duration) (Handle, error) {
	deadline := l.now().Add(waitTimeout)
	for {
		if token, ok := l.tryAcquire(name, ttl); ok {
			return &inProcessHandle{locker: l, name: name, token: token}, nil
		}
		if l.now().After(deadline) {
			return nil, apperrors.NewLockContentionError(name)
		}
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *InProcess) tryAcquire(name string, ttl time.Duration) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, held := l.holders[name]; held && now.Before(entry.expiresAt) {
		return "", false
	}
	token := uuid.NewString()
	l.holders[name] = inProcessEntry{token: token, expiresAt: now.Add(ttl)}
	return token, true
}

func (l *InProcess) release(name, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, held := l.holders[name]; held && entry.token == token {
		delete(l.holders, name)
	}
}

type inProcessHandle struct {
	locker   *InProcess
	name     string
	token    string
	released sync.Once
}

func (h *inProcessHandle) Release() error {
	h.released.Do(func() {
		h.locker.release(h.name, h.token)
	})
	return nil
}
