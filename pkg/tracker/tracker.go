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

// Package tracker keeps per-execution in-progress state and terminal
// results, each with a bounded TTL and an id-set for listing. Closing out
// an execution goes through StoreResultAndClearInProgress exclusively: the
// split store-then-remove sequence admits a race with concurrent rollback
// reads, so no close-out path composes StoreResult and RemoveInProgress.
package tracker

import (
	"context"

	"github.com/jordigilh/deploynaut/pkg/deployment"
)

// Page bounds a result listing.
type Page struct {
	Offset int
	Limit  int
}

// Tracker is the execution state store.
type Tracker interface {
	// TrackInProgress records an accepted request. Idempotent.
	TrackInProgress(ctx context.Context, req *deployment.Request) error

	// StoreResult records a terminal execution state. Idempotent. Most
	// callers want StoreResultAndClearInProgress instead.
	StoreResult(ctx context.Context, exec *deployment.Execution) error

	// RemoveInProgress drops the in-progress entry. Idempotent.
	RemoveInProgress(ctx context.Context, executionID string) error

	// StoreResultAndClearInProgress atomically records the terminal state
	// and removes the in-progress entry. Calling it twice with the same
	// arguments is equivalent to calling it once.
	StoreResultAndClearInProgress(ctx context.Context, exec *deployment.Execution) error

	// GetResult returns the terminal state or a typed NotFound error.
	GetResult(ctx context.Context, executionID string) (*deployment.Execution, error)

	// GetInProgress returns the tracked request or a typed NotFound error.
	GetInProgress(ctx context.Context, executionID string) (*deployment.Request, error)

	// ListResults pages over terminal states, newest first by started-at.
	ListResults(ctx context.Context, page Page) ([]*deployment.Execution, error)

	// ListInProgress returns all tracked requests.
	ListInProgress(ctx context.Context) ([]*deployment.Request, error)

	// EvictStaleIDs drops id-set members whose underlying entry has
	// expired. The eviction sweeper calls it periodically; list
	// operations also evict lazily.
	EvictStaleIDs(ctx context.Context) error
}
