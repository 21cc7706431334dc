// Package notify delivers end-of-round notifications to a configured sink.
package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"

	"github.com/zulandar/switchboard/internal/config"
)

// Event describes a chat that reached a terminal status.
type Event struct {
	ChatID  string
	OwnerID string
	Status  string
	Error   string
}

// Notifier is a completion sink.
type Notifier interface {
	ChatCompleted(ctx context.Context, ev Event) error
}

// LogNotifier writes completions to the log. It is the default sink.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) ChatCompleted(_ context.Context, ev Event) error {
	n.logger.Info().
		Str("chat", ev.ChatID).
		Str("owner", ev.OwnerID).
		Str("status", ev.Status).
		Msg("chat finished")
	return nil
}

func formatEvent(ev Event) string {
	msg := fmt.Sprintf("chat %s (owner %s) finished with status %s", ev.ChatID, ev.OwnerID, ev.Status)
	if ev.Error != "" {
		msg += ": " + ev.Error
	}
	return msg
}

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackNotifier posts completions to a Slack channel.
type SlackNotifier struct {
	client  slackClient
	channel string
}

func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slackapi.New(token), channel: channel}
}

func (n *SlackNotifier) ChatCompleted(ctx context.Context, ev Event) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slackapi.MsgOptionText(formatEvent(ev), false))
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordNotifier posts completions to a Discord channel.
type DiscordNotifier struct {
	sess    session
	channel string
}

func NewDiscordNotifier(token, channel string) (*DiscordNotifier, error) {
	sess, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &DiscordNotifier{sess: sess, channel: channel}, nil
}

func (n *DiscordNotifier) ChatCompleted(_ context.Context, ev Event) error {
	if _, err := n.sess.ChannelMessageSend(n.channel, formatEvent(ev)); err != nil {
		return fmt.Errorf("notify: discord post: %w", err)
	}
	return nil
}

// FromConfig builds the configured sink.
func FromConfig(cfg config.NotifyConfig, logger zerolog.Logger) (Notifier, error) {
	switch cfg.Sink {
	case "", "log":
		return NewLogNotifier(logger), nil
	case "slack":
		return NewSlackNotifier(cfg.Slack.Token, cfg.Slack.Channel), nil
	case "discord":
		return NewDiscordNotifier(cfg.Discord.Token, cfg.Discord.Channel)
	default:
		return nil, fmt.Errorf("notify: unsupported sink %q", cfg.Sink)
	}
}
