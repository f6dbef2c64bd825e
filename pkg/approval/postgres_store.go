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
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/jordigilh/deploynaut/internal/errors"
)

// PostgresStore is the durable Store. Approval records survive process
// restarts and are shared across engine instances.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore wraps an open database handle. Schema management is the
// caller's responsibility (see internal/database migrations).
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const approvalColumns = `approval_id, execution_id, requester_email, environment,
	artifact_name, artifact_version, status, created_at, expires_at,
	resolver_email, reason, resolved_at`

func (s *PostgresStore) Create(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, execution_id, requester_email, environment,
			artifact_name, artifact_version, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.ExecutionID, a.Requester, a.Environment,
		a.ArtifactName, a.ArtifactVersion, a.Status, a.CreatedAt, a.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflictError("approval already exists for execution " + a.ExecutionID)
		}
		return apperrors.NewDatabaseError("insert approval", err)
	}
	return nil
}

func (s *PostgresStore) GetByExecutionID(ctx context.Context, executionID string) (*Approval, error) {
	var a Approval
	err := s.db.GetContext(ctx, &a,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = $1`, executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("approval for execution " + executionID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("select approval", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Approval, error) {
	var a Approval
	err := s.db.GetContext(ctx, &a,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("approval " + id)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("select approval", err)
	}
	return &a, nil
}

// Resolve performs the single-writer transition: the WHERE clause only
// matches a Pending row, so a lost race shows up as zero rows and maps to
// the typed already-resolved conflict.
func (s *PostgresStore) Resolve(ctx context.Context, executionID string, status Status, resolver, reason string, resolvedAt time.Time) (*Approval, error) {
	var a Approval
	err := s.db.GetContext(ctx, &a, `
		UPDATE approvals
		SET status = $2, resolver_email = NULLIF($3, ''), reason = NULLIF($4, ''), resolved_at = $5
		WHERE execution_id = $1 AND status = 'pending'
		RETURNING `+approvalColumns,
		executionID, status, resolver, reason, resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetByExecutionID(ctx, executionID); getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.NewConflictError("approval for execution " + executionID + " already resolved")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("resolve approval", err)
	}
	return &a, nil
}

func (s *PostgresStore) ListPendingExpired(ctx context.Context, now time.Time) ([]*Approval, error) {
	var out []*Approval
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list expired approvals", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE status <> 'pending' AND resolved_at < $1`, cutoff)
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete resolved approvals", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete resolved approvals", err)
	}
	return int(n), nil
}

func isUniqueViolation(err error) bool {
	// 23505 is the Postgres unique_violation class.
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key")
}
