package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"swapmesh/internal/domain"
)

// discordMaxLen is Discord's per-message content limit.
const discordMaxLen = 2000

// Sender is the slice of the discordgo session the notifier uses.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordOption configures the Discord notifier.
type DiscordOption func(*DiscordNotifier)

// WithDiscordMinSeverity drops alerts graded below min.
func WithDiscordMinSeverity(min domain.Severity) DiscordOption {
	return func(n *DiscordNotifier) { n.minRank = severityRank(min) }
}

// WithSender replaces the Discord REST session.
func WithSender(s Sender) DiscordOption {
	return func(n *DiscordNotifier) { n.api = s }
}

// DiscordNotifier posts SecurityAlert events to a Discord channel over the
// REST API. It never opens a gateway connection.
type DiscordNotifier struct {
	api       Sender
	channelID string
	minRank   int
	logger    *slog.Logger
	unsub     func()
}

// NewDiscordNotifier creates a notifier posting as the bot behind token.
func NewDiscordNotifier(token, channelID string, logger *slog.Logger, opts ...DiscordOption) (*DiscordNotifier, error) {
	n := &DiscordNotifier{channelID: channelID, logger: logger}
	for _, o := range opts {
		o(n)
	}
	if n.api == nil {
		dg, err := discordgo.New("Bot " + token)
		if err != nil {
			return nil, fmt.Errorf("create discord session: %w", err)
		}
		n.api = dg
	}
	return n, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

// Start subscribes the notifier to security alerts on bus.
func (n *DiscordNotifier) Start(bus domain.EventBus) {
	n.unsub = bus.Subscribe(domain.EventSecurityAlert, n.handle)
	n.logger.Info("discord notifier started", "channel_id", n.channelID)
}

func (n *DiscordNotifier) Stop() {
	if n.unsub != nil {
		n.unsub()
		n.unsub = nil
	}
}

func (n *DiscordNotifier) handle(ctx context.Context, event domain.Event) {
	alert, err := decodeAlert(event)
	if err != nil {
		n.logger.Warn("discord: undecodable security alert", "error", err)
		return
	}
	if err := n.Notify(ctx, alert); err != nil {
		n.logger.Error("discord: send failed", "error", err, "route", alert.RouteID)
	}
}

// Notify sends a single alert. Alerts below the minimum severity are skipped.
func (n *DiscordNotifier) Notify(ctx context.Context, alert domain.SecurityAlert) error {
	if severityRank(alert.Severity) < n.minRank {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()
	if _, err := n.api.ChannelMessageSend(n.channelID, FormatDiscordAlert(alert), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// FormatDiscordAlert renders an alert as Discord markdown, truncated to the
// message limit.
func FormatDiscordAlert(alert domain.SecurityAlert) string {
	text := formatAlert(alert, "**")
	if r := []rune(text); len(r) > discordMaxLen {
		text = string(r[:discordMaxLen-3]) + "..."
	}
	return text
}
