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

// Package sweeper runs the periodic maintenance loops: approval expiry and
// tracker id-set eviction. Both are idempotent and guarded by the
// distributed lock, so running them on every engine instance is safe.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
	"github.com/jordigilh/deploynaut/pkg/approval"
	"github.com/jordigilh/deploynaut/pkg/lock"
	"github.com/jordigilh/deploynaut/pkg/tracker"
)

// ApprovalSweeper expires Pending approvals whose deadline has passed and
// purges resolved records past the retention window.
type ApprovalSweeper struct {
	gate      *approval.Gate
	locker    lock.Locker
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

// NewApprovalSweeper creates the approval maintenance loop.
func NewApprovalSweeper(gate *approval.Gate, locker lock.Locker, interval, retention time.Duration, logger *zap.Logger) *ApprovalSweeper {
	return &ApprovalSweeper{
		gate:      gate,
		locker:    locker,
		interval:  interval,
		retention: retention,
		logger:    logger,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *ApprovalSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Another instance holding the sweep lock is not
// an error; this instance simply skips the round.
func (s *ApprovalSweeper) Sweep(ctx context.Context) {
	handle, err := s.locker.Acquire(ctx, "sweep:approvals", s.interval, 100*time.Millisecond)
	if err != nil {
		if !apperrors.IsType(err, apperrors.ErrorTypeLockContention) && ctx.Err() == nil {
			s.logger.Warn("approval sweep lock error", zap.Error(err))
		}
		return
	}
	defer handle.Release()

	expired, err := s.gate.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("approval expiry sweep failed", zap.Error(err))
	} else if expired > 0 {
		s.logger.Info("expired pending approvals", zap.Int("count", expired))
	}

	purged, err := s.gate.PurgeResolved(ctx, s.retention)
	if err != nil {
		s.logger.Error("approval retention sweep failed", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("purged resolved approvals", zap.Int("count", purged))
	}
}

// TrackerSweeper prunes tracker id-set members whose cache entries have
// already expired.
type TrackerSweeper struct {
	track    tracker.Tracker
	locker   lock.Locker
	interval time.Duration
	logger   *zap.Logger
}

// NewTrackerSweeper creates the tracker maintenance loop.
func NewTrackerSweeper(track tracker.Tracker, locker lock.Locker, interval time.Duration, logger *zap.Logger) *TrackerSweeper {
	return &TrackerSweeper{
		track:    track,
		locker:   locker,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, sweeping every interval.
func (s *TrackerSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one eviction pass.
func (s *TrackerSweeper) Sweep(ctx context.Context) {
	handle, err := s.locker.Acquire(ctx, "sweep:tracker", s.interval, 100*time.Millisecond)
	if err != nil {
		if !apperrors.IsType(err, apperrors.ErrorTypeLockContention) && ctx.Err() == nil {
			s.logger.Warn("tracker sweep lock error", zap.Error(err))
		}
		return
	}
	defer handle.Release()

	if err := s.track.EvictStaleIDs(ctx); err != nil {
		s.logger.Error("tracker eviction sweep failed", zap.Error(err))
	}
}
