package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/onnwee/livewatch/backend/httpclient"
)

// WebhookDoer is the subset of *http.Client the webhook driver needs.
type WebhookDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Webhook POSTs announcements as JSON. URL templates may contain {channel} and {user}.
type Webhook struct {
	ChannelURL string
	DirectURL  string
	client     WebhookDoer
}

type webhookPayload struct {
	Kind      string  `json:"kind"`
	Recipient string  `json:"recipient"`
	Text      string  `json:"text"`
	Message   Message `json:"message"`
}

// NewWebhook builds the driver; a nil doer uses an http.Client with a 10s timeout.
func NewWebhook(channelURL, directURL string, doer WebhookDoer) *Webhook {
	if doer == nil {
		doer = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{ChannelURL: channelURL, DirectURL: directURL, client: doer}
}

func (w *Webhook) DeliverToChannel(ctx context.Context, channelID string, msg Message) error {
	if w.ChannelURL == "" {
		return ErrUnsupported
	}
	target := strings.ReplaceAll(w.ChannelURL, "{channel}", url.PathEscape(channelID))
	return w.post(ctx, target, webhookPayload{Kind: "channel", Recipient: channelID, Text: msg.Text(), Message: msg})
}

func (w *Webhook) DeliverDirect(ctx context.Context, userID string, msg Message) error {
	if w.DirectURL == "" {
		return ErrUnsupported
	}
	target := strings.ReplaceAll(w.DirectURL, "{user}", url.PathEscape(userID))
	return w.post(ctx, target, webhookPayload{Kind: "direct", Recipient: userID, Text: msg.Text(), Message: msg})
}

func (w *Webhook) post(ctx context.Context, target string, payload webhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, resp.Header.Get("Retry-After"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &httpclient.StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}
