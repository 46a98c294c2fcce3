// Package showroom is the platform adapter for SHOWROOM. Requests ride on a bootstrap session
// cookie that is established lazily and refreshed once when the API answers 401.
package showroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/livewatch/backend/coalesce"
	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultBaseURL is the public SHOWROOM host.
const DefaultBaseURL = "https://www.showroom-live.com"

// Secondary history sources.
const (
	SourceGiftLog    = "gift_log"
	SourceCommentLog = "comment_log"
)

// Client implements platform.Adapter.
type Client struct {
	BaseURL   string
	Roster    platform.Roster
	Cooldowns *platform.Cooldowns

	http *httpclient.Client

	mu        sync.Mutex
	csrfToken string
	ready     bool
}

var _ platform.Adapter = (*Client)(nil)

// New builds a client. base supplies retry settings and transport; the client gets its own cookie jar.
func New(baseURL string, base *httpclient.Client, roster platform.Roster, cooldowns *platform.Cooldowns) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if base == nil {
		base = httpclient.New(nil, 0, 0, 0)
	}
	if cooldowns == nil {
		cooldowns = platform.NewCooldowns(live.PlatformShowroom, 0, 0)
	}
	jar, _ := cookiejar.New(nil) // never fails with nil options
	hc := &http.Client{Jar: jar}
	if base.HTTPClient != nil {
		hc.Transport = base.HTTPClient.Transport
	}
	cp := *base
	cp.HTTPClient = hc
	return &Client{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Roster:    roster,
		Cooldowns: cooldowns,
		http:      &cp,
	}
}

func (c *Client) Platform() live.Platform { return live.PlatformShowroom }

// RoomURL is the public page for a room.
func (c *Client) RoomURL(roomKey string) string { return c.BaseURL + "/r/" + roomKey }

func (c *Client) ensureSession(ctx context.Context, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready && !force {
		return nil
	}
	resp, err := c.http.Get(ctx, c.BaseURL+"/api/csrf_token")
	if err != nil {
		c.ready = false
		return fmt.Errorf("showroom session bootstrap: %w", err)
	}
	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := resp.JSON(&body); err != nil {
		return fmt.Errorf("showroom session bootstrap: %w", err)
	}
	c.csrfToken = body.CSRFToken
	c.ready = true
	slog.Debug("showroom session established", slog.String("component", "showroom"))
	return nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrfToken
}

// get performs an API call inside the bootstrap session, refreshing it once on 401.
func (c *Client) get(ctx context.Context, path string, opts ...httpclient.RequestOption) (*httpclient.Response, error) {
	if err := c.ensureSession(ctx, false); err != nil {
		return nil, err
	}
	do := func() (*httpclient.Response, error) {
		all := append([]httpclient.RequestOption{httpclient.WithHeader("X-CSRF-Token", c.token())}, opts...)
		return c.http.Get(ctx, c.BaseURL+path, all...)
	}
	resp, err := do()
	if httpclient.StatusCode(err) == http.StatusUnauthorized {
		slog.Info("showroom session rejected, refreshing", slog.String("component", "showroom"), slog.String("path", path))
		if berr := c.ensureSession(ctx, true); berr != nil {
			return nil, errors.Join(err, berr)
		}
		resp, err = do()
	}
	return resp, err
}

type onliveRoom struct {
	RoomID     platform.ID `json:"room_id"`
	RoomURLKey string      `json:"room_url_key"`
	MainName   string      `json:"main_name"`
	Telop      string      `json:"telop"`
	ViewNum    any         `json:"view_num"`
	StartedAt  any         `json:"started_at"`
	Image      string      `json:"image"`
}

// ListLiveRooms lists roster rooms that are currently on air.
func (c *Client) ListLiveRooms(ctx context.Context) (rooms []live.LiveRoom, err error) {
	ctx, span := telemetry.StartSpan(ctx, "showroom.ListLiveRooms")
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := c.get(ctx, "/api/live/onlives")
	if err != nil {
		return nil, err
	}
	var body struct {
		Onlives []struct {
			Lives []onliveRoom `json:"lives"`
		} `json:"onlives"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, genre := range body.Onlives {
		for _, l := range genre.Lives {
			id := l.RoomID.String()
			if id == "" {
				if l.RoomURLKey == "" {
					continue
				}
				slog.Warn("showroom room without room_id, keying by room_url_key",
					slog.String("component", "showroom"), slog.String("room_url_key", l.RoomURLKey))
				id = l.RoomURLKey
			}
			if seen[id] || !c.Roster.Allows(l.RoomURLKey, l.MainName) {
				continue
			}
			seen[id] = true
			room := live.LiveRoom{
				Platform:   live.PlatformShowroom,
				RoomID:     id,
				RoomKey:    l.RoomURLKey,
				MemberName: l.MainName,
				Title:      l.Telop,
				URL:        c.RoomURL(l.RoomURLKey),
				Image:      l.Image,
				Viewers:    coalesce.Ptr(l.ViewNum),
			}
			if ts, ok := coalesce.Number(l.StartedAt); ok && ts > 0 {
				room.StartedAt = time.Unix(ts, 0).UTC()
			}
			rooms = append(rooms, room)
		}
	}
	span.SetAttributes(attribute.Int("rooms", len(rooms)))
	return rooms, nil
}

// FindMember searches rooms by keyword. Exact id, url key or name matches win over the first result.
func (c *Client) FindMember(ctx context.Context, query string) (*live.Member, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	resp, err := c.get(ctx, "/api/room/search", httpclient.WithQuery("keyword", query))
	if err != nil {
		if httpclient.StatusCode(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	var body struct {
		Rooms []struct {
			RoomID     platform.ID `json:"room_id"`
			RoomURLKey string      `json:"room_url_key"`
			RoomName   string      `json:"room_name"`
			MainName   string      `json:"main_name"`
			ImageURL   string      `json:"image_url"`
		} `json:"rooms"`
	}
	if err := resp.JSON(&body); err != nil {
		return nil, err
	}
	if len(body.Rooms) == 0 {
		return nil, nil
	}
	pick := 0
	for i, r := range body.Rooms {
		if r.RoomID.String() == query || strings.EqualFold(r.RoomURLKey, query) ||
			strings.EqualFold(r.MainName, query) || strings.EqualFold(r.RoomName, query) {
			pick = i
			break
		}
	}
	r := body.Rooms[pick]
	name := r.MainName
	if name == "" {
		name = r.RoomName
	}
	return &live.Member{
		Platform:   live.PlatformShowroom,
		Identifier: r.RoomID.String(),
		Name:       name,
		RoomKey:    r.RoomURLKey,
		Image:      r.ImageURL,
	}, nil
}

// FetchHistoryMetrics reads the live summary, then fills gold from the gift log and
// comment counts from the comment log when the summary lacks them.
func (c *Client) FetchHistoryMetrics(ctx context.Context, session live.LiveSession) (m live.HistoryMetrics, err error) {
	ctx, span := telemetry.StartSpan(ctx, "showroom.FetchHistoryMetrics", attribute.String("live_key", session.LiveKey))
	defer func() { telemetry.EndSpan(span, err) }()

	roomID := httpclient.WithQuery("room_id", session.ExternalID)
	var primaryErr error
	if resp, err := c.get(ctx, "/api/live/summary", roomID); err != nil {
		primaryErr = fmt.Errorf("live summary: %w", err)
		telemetry.LoggerWithCorr(ctx).Warn("showroom live summary unavailable",
			slog.String("live_key", session.LiveKey), slog.Any("err", err))
	} else if doc, err := coalesce.Decode(resp.Body); err != nil {
		primaryErr = fmt.Errorf("live summary: %w", err)
	} else {
		m.Viewers = coalesce.Field(doc, "view_num", "viewers", "live.view_num")
		m.Comments = coalesce.Field(doc, "comment_num", "comments", "live.comment_num")
		m.CommentUsers = coalesce.Field(doc, "comment_user_num", "comment_users", "live.comment_user_num")
		m.TotalGold = coalesce.Field(doc, "total_gold", "gift_gold", "gold", "live.total_gold")
	}

	if m.TotalGold == nil {
		attempted, _ := c.Cooldowns.Run(ctx, SourceGiftLog, func(ctx context.Context) error {
			total, err := c.giftTotal(ctx, session.ExternalID)
			if err == nil {
				m.TotalGold = &total
			}
			return err
		})
		if attempted && m.TotalGold == nil {
			m.TotalGold = zero()
		}
	}

	if m.Comments == nil || m.CommentUsers == nil {
		attempted, _ := c.Cooldowns.Run(ctx, SourceCommentLog, func(ctx context.Context) error {
			count, users, err := c.commentStats(ctx, session.ExternalID)
			if err == nil {
				m.Comments = coalesce.First(m.Comments, &count)
				m.CommentUsers = coalesce.First(m.CommentUsers, &users)
			}
			return err
		})
		if attempted {
			m.Comments = coalesce.First(m.Comments, zero())
			m.CommentUsers = coalesce.First(m.CommentUsers, zero())
		}
	}

	if primaryErr != nil && m.Viewers == nil && m.Comments == nil && m.CommentUsers == nil && m.TotalGold == nil {
		return m, primaryErr
	}
	return m, nil
}

func (c *Client) giftTotal(ctx context.Context, roomID string) (int64, error) {
	resp, err := c.get(ctx, "/api/live/gift_log", httpclient.WithQuery("room_id", roomID))
	if err != nil {
		return 0, err
	}
	var body struct {
		GiftLog []map[string]any `json:"gift_log"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, fmt.Errorf("decode gift log: %w", err)
	}
	var total int64
	for _, g := range body.GiftLog {
		gold, ok := coalesce.Number(g["gold"], g["point"])
		if !ok {
			continue
		}
		num, ok := coalesce.Number(g["num"], g["quantity"])
		if !ok {
			num = 1
		}
		total += gold * num
	}
	return total, nil
}

func (c *Client) commentStats(ctx context.Context, roomID string) (count, users int64, err error) {
	resp, err := c.get(ctx, "/api/live/comment_log", httpclient.WithQuery("room_id", roomID))
	if err != nil {
		return 0, 0, err
	}
	var body struct {
		CommentLog []struct {
			UserID platform.ID `json:"user_id"`
		} `json:"comment_log"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, 0, fmt.Errorf("decode comment log: %w", err)
	}
	distinct := make(map[string]struct{})
	for _, cm := range body.CommentLog {
		if id := cm.UserID.String(); id != "" {
			distinct[id] = struct{}{}
		}
	}
	return int64(len(body.CommentLog)), int64(len(distinct)), nil
}

func zero() *int64 {
	var z int64
	return &z
}
