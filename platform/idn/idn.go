// Package idn is the platform adapter for IDN Live. Calls authenticate with a static API key or,
// when client credentials are configured, an OAuth2 bearer token.
package idn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/onnwee/livewatch/backend/coalesce"
	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/telemetry"
)

// DefaultBaseURL is the public IDN API host.
const DefaultBaseURL = "https://api.idn.app"

// SourceGifts is the secondary history source (gift transaction log).
const SourceGifts = "gifts"

// Credentials selects how requests authenticate. ClientID/ClientSecret/TokenURL take precedence over APIKey.
type Credentials struct {
	APIKey       string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Client implements platform.Adapter.
type Client struct {
	BaseURL   string
	WebURL    string
	Roster    platform.Roster
	Cooldowns *platform.Cooldowns

	http   *httpclient.Client
	apiKey string
	tokens oauth2.TokenSource
}

var _ platform.Adapter = (*Client)(nil)

// New builds a client.
func New(baseURL string, hc *httpclient.Client, creds Credentials, roster platform.Roster, cooldowns *platform.Cooldowns) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = httpclient.New(nil, 0, 0, 0)
	}
	if cooldowns == nil {
		cooldowns = platform.NewCooldowns(live.PlatformIDN, 0, 0)
	}
	c := &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		WebURL:    "https://www.idn.app",
		Roster:    roster,
		Cooldowns: cooldowns,
		http:      hc,
		apiKey:    creds.APIKey,
	}
	if creds.ClientID != "" && creds.ClientSecret != "" && creds.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
		}
		tctx := context.Background()
		if hc.HTTPClient != nil {
			tctx = context.WithValue(tctx, oauth2.HTTPClient, hc.HTTPClient)
		}
		c.tokens = cc.TokenSource(tctx)
	}
	return c
}

func (c *Client) Platform() live.Platform { return live.PlatformIDN }

func (c *Client) auth() ([]httpclient.RequestOption, error) {
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("idn token: %w", err)
		}
		return []httpclient.RequestOption{httpclient.WithHeader("Authorization", tok.Type()+" "+tok.AccessToken)}, nil
	}
	if c.apiKey != "" {
		return []httpclient.RequestOption{httpclient.WithHeader("X-Api-Key", c.apiKey)}, nil
	}
	return nil, nil
}

func (c *Client) get(ctx context.Context, path string, opts ...httpclient.RequestOption) (*httpclient.Response, error) {
	auth, err := c.auth()
	if err != nil {
		return nil, err
	}
	return c.http.Get(ctx, c.BaseURL+path, append(auth, opts...)...)
}

type creator struct {
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

type liveItem struct {
	Slug      string  `json:"slug"`
	Title     string  `json:"title"`
	ImageURL  string  `json:"image_url"`
	ViewCount any     `json:"view_count"`
	LiveAt    string  `json:"live_at"`
	Creator   creator `json:"creator"`
}

// ListLiveRooms lists roster creators that are currently live.
func (c *Client) ListLiveRooms(ctx context.Context) (rooms []live.LiveRoom, err error) {
	ctx, span := telemetry.StartSpan(ctx, "idn.ListLiveRooms")
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := c.get(ctx, "/api/v1/lives", httpclient.WithQuery("status", "live"))
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []liveItem `json:"data"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, l := range body.Data {
		id := strings.ToLower(l.Creator.Username)
		if id == "" {
			if l.Slug == "" {
				continue
			}
			slog.Warn("idn live without creator username, keying by slug",
				slog.String("component", "idn"), slog.String("slug", l.Slug))
			id = l.Slug
		}
		if seen[id] || !c.Roster.Allows(l.Creator.Username, l.Creator.Name) {
			continue
		}
		seen[id] = true
		name := l.Creator.Name
		if name == "" {
			name = l.Creator.Username
		}
		room := live.LiveRoom{
			Platform:   live.PlatformIDN,
			RoomID:     id,
			RoomKey:    l.Slug,
			MemberName: name,
			Title:      l.Title,
			URL:        c.LiveURL(l.Creator.Username, l.Slug),
			Image:      l.ImageURL,
			Viewers:    coalesce.Ptr(l.ViewCount),
		}
		if t, perr := time.Parse(time.RFC3339, l.LiveAt); perr == nil {
			room.StartedAt = t.UTC()
		}
		rooms = append(rooms, room)
	}
	span.SetAttributes(attribute.Int("rooms", len(rooms)))
	return rooms, nil
}

// LiveURL is the public page of a broadcast.
func (c *Client) LiveURL(username, slug string) string {
	if username == "" {
		return c.WebURL + "/live/" + slug
	}
	return c.WebURL + "/" + username + "/live/" + slug
}

// FindMember resolves a creator by username ("@" prefix allowed).
func (c *Client) FindMember(ctx context.Context, query string) (*live.Member, error) {
	username := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(query), "@"))
	if username == "" {
		return nil, nil
	}
	resp, err := c.get(ctx, "/api/v1/creators/"+url.PathEscape(username))
	if err != nil {
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var body struct {
		Data *creator `json:"data"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	if body.Data == nil || body.Data.Username == "" {
		return nil, nil
	}
	name := body.Data.Name
	if name == "" {
		name = body.Data.Username
	}
	return &live.Member{
		Platform:   live.PlatformIDN,
		Identifier: strings.ToLower(body.Data.Username),
		Name:       name,
		Image:      body.Data.Avatar,
	}, nil
}

// FetchHistoryMetrics reads the live summary and sums the gift log when gold is missing.
func (c *Client) FetchHistoryMetrics(ctx context.Context, session live.LiveSession) (m live.HistoryMetrics, err error) {
	ctx, span := telemetry.StartSpan(ctx, "idn.FetchHistoryMetrics", attribute.String("live_key", session.LiveKey))
	defer func() { telemetry.EndSpan(span, err) }()

	if session.RoomKey == "" {
		return m, fmt.Errorf("idn session %s has no live slug", session.LiveKey)
	}
	slug := url.PathEscape(session.RoomKey)

	var primaryErr error
	if resp, err := c.get(ctx, "/api/v1/lives/"+slug+"/summary"); err != nil {
		primaryErr = fmt.Errorf("live summary: %w", err)
		telemetry.LoggerWithCorr(ctx).Warn("idn live summary unavailable",
			slog.String("live_key", session.LiveKey), slog.Any("err", err))
	} else if doc, err := coalesce.Decode(resp.Body); err != nil {
		primaryErr = fmt.Errorf("live summary: %w", err)
	} else {
		m.Viewers = coalesce.Field(doc, "data.view_count", "data.max_viewers", "data.viewers", "view_count")
		m.Comments = coalesce.Field(doc, "data.comment_count", "data.comments", "comment_count")
		m.CommentUsers = coalesce.Field(doc, "data.comment_user_count", "data.comment_users")
		m.TotalGold = coalesce.Field(doc, "data.total_gold", "data.gift_total", "data.gold", "total_gold")
	}

	if m.TotalGold == nil {
		attempted, _ := c.Cooldowns.Run(ctx, SourceGifts, func(ctx context.Context) error {
			total, err := c.giftTotal(ctx, slug)
			if err == nil {
				m.TotalGold = &total
			}
			return err
		})
		if attempted && m.TotalGold == nil {
			var z int64
			m.TotalGold = &z
		}
	}

	if primaryErr != nil && m.Viewers == nil && m.Comments == nil && m.CommentUsers == nil && m.TotalGold == nil {
		return m, primaryErr
	}
	return m, nil
}

func (c *Client) giftTotal(ctx context.Context, slug string) (int64, error) {
	resp, err := c.get(ctx, "/api/v1/lives/"+slug+"/gifts")
	if err != nil {
		return 0, err
	}
	var body struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, fmt.Errorf("decode gifts: %w", err)
	}
	var total int64
	for _, g := range body.Data {
		gold, ok := coalesce.Number(g["gold"], g["price"], g["amount"])
		if !ok {
			continue
		}
		qty, ok := coalesce.Number(g["quantity"], g["qty"], g["num"])
		if !ok {
			qty = 1
		}
		total += gold * qty
	}
	return total, nil
}
