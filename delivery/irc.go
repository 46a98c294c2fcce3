package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// ChatClient is the part of the Twitch IRC client the driver uses.
type ChatClient interface {
	OnConnect(func())
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// NewTwitchChat returns a go-twitch-irc client authenticated as username.
func NewTwitchChat(username, oauthToken string) ChatClient {
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	return twitch.NewClient(username, oauthToken)
}

// IRC announces to Twitch chat channels. Direct messages are not supported.
type IRC struct {
	client         ChatClient
	ConnectTimeout time.Duration

	mu     sync.Mutex
	joined map[string]bool
	done   chan struct{}
}

func NewIRC(client ChatClient) *IRC {
	return &IRC{client: client, ConnectTimeout: 15 * time.Second, joined: make(map[string]bool)}
}

// Start connects in the background and waits until the connection is up.
func (i *IRC) Start(ctx context.Context) error {
	connected := make(chan struct{})
	var once sync.Once
	i.client.OnConnect(func() {
		once.Do(func() { close(connected) })
		slog.Info("irc delivery connected", slog.String("component", "delivery"))
	})

	failed := make(chan error, 1)
	i.done = make(chan struct{})
	go func() {
		defer close(i.done)
		if err := i.client.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
			slog.Error("irc connection ended", slog.String("component", "delivery"), slog.Any("err", err))
			failed <- err
		}
	}()

	timer := time.NewTimer(i.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-connected:
		return nil
	case err := <-failed:
		return fmt.Errorf("irc connect: %w", err)
	case <-timer.C:
		_ = i.client.Disconnect()
		return fmt.Errorf("irc connect: timed out after %s", i.ConnectTimeout)
	case <-ctx.Done():
		_ = i.client.Disconnect()
		return ctx.Err()
	}
}

// Close disconnects and waits for the connection goroutine.
func (i *IRC) Close() {
	if err := i.client.Disconnect(); err != nil && !errors.Is(err, twitch.ErrConnectionIsNotOpen) {
		slog.Warn("irc disconnect", slog.String("component", "delivery"), slog.Any("err", err))
	}
	if i.done != nil {
		<-i.done
	}
}

func (i *IRC) DeliverToChannel(ctx context.Context, channelID string, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channel := strings.ToLower(strings.TrimPrefix(channelID, "#"))
	if channel == "" {
		return fmt.Errorf("irc: empty channel")
	}
	i.mu.Lock()
	if !i.joined[channel] {
		i.client.Join(channel)
		i.joined[channel] = true
	}
	i.mu.Unlock()
	i.client.Say(channel, msg.Text())
	return nil
}

func (i *IRC) DeliverDirect(context.Context, string, Message) error {
	return ErrUnsupported
}
