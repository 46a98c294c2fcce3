package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/onnwee/livewatch/backend/live"
)

// subscriptionRequest is the body of POST and DELETE /subscriptions.
type subscriptionRequest struct {
	UserID   string `json:"user_id" query:"user_id"`
	Platform string `json:"platform" query:"platform"`
	Member   string `json:"member" query:"member"`
}

// channelRequest is the body of PUT /channels.
type channelRequest struct {
	CommunityID string `json:"community_id"`
	ChannelID   string `json:"channel_id"`
	Platform    string `json:"platform"`
}

// ListLive returns sessions currently live.
// GET /live?platform=
func (h *Handlers) ListLive(c echo.Context) error {
	p, err := optionalPlatform(c)
	if err != nil {
		return serviceError(c, err)
	}
	sessions, err := h.service.ListCurrentlyLive(c.Request().Context(), p)
	if err != nil {
		return serviceError(c, err)
	}
	if sessions == nil {
		sessions = []live.LiveSession{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": sessions})
}

// ListHistory returns archived broadcasts.
// GET /history?platform=&external_id=&limit=
func (h *Handlers) ListHistory(c echo.Context) error {
	p, err := optionalPlatform(c)
	if err != nil {
		return serviceError(c, err)
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errorJSON(c, http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, 500)
	}
	records, err := h.service.ListHistory(c.Request().Context(), live.HistoryQuery{
		Platform:   p,
		ExternalID: c.QueryParam("external_id"),
		Limit:      limit,
	})
	if err != nil {
		return serviceError(c, err)
	}
	if records == nil {
		records = []live.HistoryRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{"history": records})
}

// ListSubscriptions returns a user's subscriptions.
// GET /subscriptions?user_id=
func (h *Handlers) ListSubscriptions(c echo.Context) error {
	subs, err := h.service.ListSubscriptions(c.Request().Context(), c.QueryParam("user_id"))
	if err != nil {
		return serviceError(c, err)
	}
	if subs == nil {
		subs = []live.Subscription{}
	}
	return c.JSON(http.StatusOK, map[string]any{"subscriptions": subs})
}

// AddSubscription subscribes a user to a member.
// POST /subscriptions
func (h *Handlers) AddSubscription(c echo.Context) error {
	var req subscriptionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p, err := live.ParsePlatform(req.Platform)
	if err != nil {
		return serviceError(c, err)
	}
	sub, err := h.service.AddSubscription(c.Request().Context(), req.UserID, p, req.Member)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusCreated, sub)
}

// RemoveSubscription unsubscribes a user.
// DELETE /subscriptions
func (h *Handlers) RemoveSubscription(c echo.Context) error {
	var req subscriptionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p, err := live.ParsePlatform(req.Platform)
	if err != nil {
		return serviceError(c, err)
	}
	if err := h.service.RemoveSubscription(c.Request().Context(), req.UserID, p, req.Member); err != nil {
		return serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListChannels returns a community's channel settings.
// GET /channels?community_id=
func (h *Handlers) ListChannels(c echo.Context) error {
	community := c.QueryParam("community_id")
	if community == "" {
		return errorJSON(c, http.StatusBadRequest, "community_id is required")
	}
	settings, err := h.service.ListChannelNotifications(c.Request().Context(), community)
	if err != nil {
		return serviceError(c, err)
	}
	if settings == nil {
		settings = []live.ChannelNotificationSetting{}
	}
	return c.JSON(http.StatusOK, map[string]any{"channels": settings})
}

// SetChannel routes a platform's announcements for a community to a channel.
// PUT /channels
func (h *Handlers) SetChannel(c echo.Context) error {
	var req channelRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	p, err := live.ParsePlatform(req.Platform)
	if err != nil {
		return serviceError(c, err)
	}
	setting, err := h.service.SetChannelNotification(c.Request().Context(), req.CommunityID, req.ChannelID, p)
	if err != nil {
		return serviceError(c, err)
	}
	return c.JSON(http.StatusOK, setting)
}

// RemoveChannel stops a platform's announcements for a community.
// DELETE /channels?community_id=&platform=
func (h *Handlers) RemoveChannel(c echo.Context) error {
	p, err := live.ParsePlatform(c.QueryParam("platform"))
	if err != nil {
		return serviceError(c, err)
	}
	if err := h.service.RemoveChannelNotification(c.Request().Context(), c.QueryParam("community_id"), p); err != nil {
		return serviceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
