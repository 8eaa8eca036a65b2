// Package notify pushes security alerts raised on the event bus to
// external chat channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"swapmesh/internal/domain"
)

const postTimeout = 10 * time.Second

// Poster is the slice of the Slack client the notifier uses.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackOption configures the Slack notifier.
type SlackOption func(*SlackNotifier)

// WithMinSeverity drops alerts graded below min.
func WithMinSeverity(min domain.Severity) SlackOption {
	return func(n *SlackNotifier) { n.minRank = severityRank(min) }
}

// WithPoster replaces the Slack API client.
func WithPoster(p Poster) SlackOption {
	return func(n *SlackNotifier) { n.api = p }
}

// SlackNotifier posts SecurityAlert events to a Slack channel.
type SlackNotifier struct {
	api     Poster
	channel string
	minRank int
	logger  *slog.Logger
	unsub   func()
}

// NewSlackNotifier creates a notifier posting as the bot behind token.
func NewSlackNotifier(token, channel string, logger *slog.Logger, opts ...SlackOption) *SlackNotifier {
	n := &SlackNotifier{
		api:     slack.New(token),
		channel: channel,
		logger:  logger,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *SlackNotifier) Name() string { return "slack" }

// Start subscribes the notifier to security alerts on bus.
func (n *SlackNotifier) Start(bus domain.EventBus) {
	n.unsub = bus.Subscribe(domain.EventSecurityAlert, n.handle)
	n.logger.Info("slack notifier started", "channel", n.channel)
}

func (n *SlackNotifier) Stop() {
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
}

func (n *SlackNotifier) handle(ctx context.Context, event domain.Event) {
	alert, err := decodeAlert(event)
	if err != nil {
		n.logger.Warn("slack: undecodable security alert", "error", err)
		return
	}
	if err := n.Notify(ctx, alert); err != nil {
		n.logger.Error("slack: post failed", "error", err, "route", alert.RouteID)
	}
}

// Notify posts a single alert. Alerts below the minimum severity are skipped.
func (n *SlackNotifier) Notify(ctx context.Context, alert domain.SecurityAlert) error {
	if severityRank(alert.Severity) < n.minRank {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	_, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(FormatAlert(alert), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// FormatAlert renders an alert as Slack mrkdwn.
func FormatAlert(alert domain.SecurityAlert) string {
	return formatAlert(alert, "*")
}

func formatAlert(alert domain.SecurityAlert, bold string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s%s security alert%s", severityEmoji(alert.Severity), bold, strings.ToUpper(string(alert.Severity)), bold)
	if alert.RouteID != "" {
		fmt.Fprintf(&b, " on route `%s`", alert.RouteID)
	}
	b.WriteString("\n")
	b.WriteString(alert.Reason)
	if alert.Count > 1 {
		fmt.Fprintf(&b, " (%d signals)", alert.Count)
	}
	if alert.AgentID != "" {
		fmt.Fprintf(&b, "\nreported by %s", alert.AgentID)
	}
	if !alert.Time.IsZero() {
		fmt.Fprintf(&b, " at %s", alert.Time.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// decodeAlert extracts the alert carried by a security event.
func decodeAlert(event domain.Event) (domain.SecurityAlert, error) {
	var alert domain.SecurityAlert
	if err := json.Unmarshal(event.Payload, &alert); err != nil {
		return alert, err
	}
	if alert.AgentID == "" {
		alert.AgentID = event.AgentID
	}
	return alert, nil
}

func severityRank(s domain.Severity) int {
	switch s {
	case domain.SeverityLow:
		return 1
	case domain.SeverityMedium:
		return 2
	case domain.SeverityHigh:
		return 3
	case domain.SeverityCritical:
		return 4
	}
	return 0
}

func severityEmoji(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return ":rotating_light:"
	case domain.SeverityHigh:
		return ":warning:"
	}
	return ":information_source:"
}
