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

// Package notification delivers approval lifecycle messages to approvers.
// Delivery is best effort; the gate logs failures and proceeds.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/deploynaut/pkg/approval"
)

// ZapNotifier writes approval notifications to the service log. It is the
// default sink when no chat integration is configured.
type ZapNotifier struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewZapNotifier creates a log-backed notifier.
func NewZapNotifier(logger *zap.Logger) *ZapNotifier {
	return &ZapNotifier{logger: logger, now: time.Now}
}

func (n *ZapNotifier) ApprovalRequested(ctx context.Context, a *approval.Approval) error {
	n.logger.Info("approval requested",
		zap.String("execution_id", a.ExecutionID),
		zap.String("environment", a.Environment.String()),
		zap.String("artifact", a.ArtifactName+"@"+a.ArtifactVersion),
		zap.String("requester", a.Requester),
		zap.String("time_remaining", approval.ComputeTimeRemaining(a.ExpiresAt, n.now())))
	return nil
}

func (n *ZapNotifier) ApprovalResolved(ctx context.Context, a *approval.Approval) error {
	resolver := ""
	if a.Resolver != nil {
		resolver = *a.Resolver
	}
	n.logger.Info("approval resolved",
		zap.String("execution_id", a.ExecutionID),
		zap.String("status", string(a.Status)),
		zap.String("resolver", resolver))
	return nil
}

// requestedMessage renders the approver-facing text for a new approval.
func requestedMessage(a *approval.Approval, now time.Time) string {
	return fmt.Sprintf(
		"Deployment approval required: %s@%s to %s, requested by %s. Time remaining: %s.",
		a.ArtifactName, a.ArtifactVersion, a.Environment, a.Requester,
		approval.ComputeTimeRemaining(a.ExpiresAt, now))
}

// resolvedMessage renders the approver-facing text for a decision.
func resolvedMessage(a *approval.Approval) string {
	resolver := "system"
	if a.Resolver != nil {
		resolver = *a.Resolver
	}
	reason := ""
	if a.Reason != nil && *a.Reason != "" {
		reason = fmt.Sprintf(" (%s)", *a.Reason)
	}
	return fmt.Sprintf("Deployment %s@%s to %s: %s by %s%s.",
		a.ArtifactName, a.ArtifactVersion, a.Environment, a.Status, resolver, reason)
}
