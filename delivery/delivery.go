// Package delivery sends live announcements to channels and users.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/onnwee/livewatch/backend/live"
)

var (
	// ErrRateLimited means the recipient's endpoint refused the message for now.
	ErrRateLimited = errors.New("delivery rate limited")
	// ErrUnsupported means the driver has no way to reach this kind of recipient.
	ErrUnsupported = errors.New("delivery not supported by driver")
)

// Driver names accepted by New.
const (
	DriverLog     = "log"
	DriverWebhook = "webhook"
	DriverIRC     = "irc"
)

// Message is a plain informational announcement.
type Message struct {
	Platform   live.Platform `json:"platform"`
	LiveKey    string        `json:"live_key"`
	MemberName string        `json:"member_name"`
	Title      string        `json:"title"`
	Body       string        `json:"body"`
	URL        string        `json:"url"`
	Image      string        `json:"image,omitempty"`
}

// Text renders the message as a single line of chat text.
func (m Message) Text() string {
	parts := []string{m.Body}
	if m.URL != "" {
		parts = append(parts, m.URL)
	}
	return strings.Join(parts, " ")
}

// Deliverer is the capability the notifier fans out to.
type Deliverer interface {
	DeliverToChannel(ctx context.Context, channelID string, msg Message) error
	DeliverDirect(ctx context.Context, userID string, msg Message) error
}

// Log writes announcements to the structured log. Useful in development and dry runs.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With(slog.String("component", "delivery"))
}

func (l Log) DeliverToChannel(ctx context.Context, channelID string, msg Message) error {
	l.logger().InfoContext(ctx, "announce to channel",
		slog.String("channel_id", channelID), slog.String("live_key", msg.LiveKey), slog.String("text", msg.Text()))
	return nil
}

func (l Log) DeliverDirect(ctx context.Context, userID string, msg Message) error {
	l.logger().InfoContext(ctx, "announce to user",
		slog.String("user_id", userID), slog.String("live_key", msg.LiveKey), slog.String("text", msg.Text()))
	return nil
}

// Options configures New.
type Options struct {
	Driver           string
	ChannelURL       string
	DirectURL        string
	IRCUsername      string
	IRCOAuthToken    string
	WebhookTransport WebhookDoer
}

// New builds the deliverer named by opts.Driver. The returned close func releases driver resources.
func New(ctx context.Context, opts Options) (Deliverer, func(), error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverLog:
		return Log{}, func() {}, nil
	case DriverWebhook:
		if opts.ChannelURL == "" && opts.DirectURL == "" {
			return nil, nil, fmt.Errorf("webhook delivery needs WEBHOOK_CHANNEL_URL or WEBHOOK_DIRECT_URL")
		}
		return NewWebhook(opts.ChannelURL, opts.DirectURL, opts.WebhookTransport), func() {}, nil
	case DriverIRC:
		if opts.IRCUsername == "" || opts.IRCOAuthToken == "" {
			return nil, nil, fmt.Errorf("irc delivery needs IRC_USERNAME and IRC_OAUTH_TOKEN")
		}
		irc := NewIRC(NewTwitchChat(opts.IRCUsername, opts.IRCOAuthToken))
		if err := irc.Start(ctx); err != nil {
			return nil, nil, err
		}
		return irc, irc.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown delivery driver %q", opts.Driver)
}
