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

package notification

import (
	"context"
	"time"

	"github.com/slack-go/slack"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/deploynaut/pkg/approval"
)

// slackAPI is the slice of the Slack client the notifier uses, split out so
// tests can stub delivery.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts approval notifications to a channel. A circuit
// breaker sheds delivery attempts while Slack is unavailable so a chat
// outage cannot slow down approval creation.
type SlackNotifier struct {
	api     slackAPI
	channel string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	now     func() time.Time
}

// NewSlackNotifier creates a Slack-backed notifier.
func NewSlackNotifier(token, channel string, logger *zap.Logger) *SlackNotifier {
	return newSlackNotifier(slack.New(token), channel, logger)
}

func newSlackNotifier(api slackAPI, channel string, logger *zap.Logger) *SlackNotifier {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "slack-notifier",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &SlackNotifier{
		api:     api,
		channel: channel,
		breaker: breaker,
		logger:  logger,
		now:     time.Now,
	}
}

func (n *SlackNotifier) ApprovalRequested(ctx context.Context, a *approval.Approval) error {
	return n.post(ctx, requestedMessage(a, n.now()))
}

func (n *SlackNotifier) ApprovalResolved(ctx context.Context, a *approval.Approval) error {
	return n.post(ctx, resolvedMessage(a))
}

func (n *SlackNotifier) post(ctx context.Context, text string) error {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		_, _, err := n.api.PostMessageContext(ctx, n.channel,
			slack.MsgOptionText(text, false))
		return nil, err
	})
	if err != nil {
		n.logger.Warn("slack delivery failed", zap.Error(err))
	}
	return err
}
