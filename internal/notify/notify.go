// Package notify sends operator alerts for events that need a human.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/sigortampanel/wabridge/internal/config"
)

// Kind names an alert.
type Kind string

const (
	// KindSessionTerminated fires when a tenant was logged out or replaced remotely.
	KindSessionTerminated Kind = "session_terminated"
	// KindGroupCreateFailed fires when a requested group could not be created.
	KindGroupCreateFailed Kind = "group_create_failed"
)

// Event is one alert.
type Event struct {
	Kind     Kind
	TenantID string
	Detail   string
}

func (e Event) text() string {
	var b strings.Builder
	switch e.Kind {
	case KindSessionTerminated:
		b.WriteString(":warning: WhatsApp session terminated")
	case KindGroupCreateFailed:
		b.WriteString(":x: WhatsApp group creation failed")
	default:
		b.WriteString(string(e.Kind))
	}
	if e.TenantID != "" {
		fmt.Fprintf(&b, " for tenant `%s`", e.TenantID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, evt Event) error
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// SlackNotifier posts alerts to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	channel    string
}

// NewSlackNotifier posts to webhookURL, optionally overriding the channel.
func NewSlackNotifier(webhookURL, channel string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, channel: channel}
}

func (s *SlackNotifier) Notify(ctx context.Context, evt Event) error {
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    evt.text(),
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// New returns a Slack notifier when a webhook is configured, otherwise Nop.
func New(cfg config.NotifyConfig) Notifier {
	if strings.TrimSpace(cfg.SlackWebhookURL) == "" {
		return Nop{}
	}
	return NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel)
}
