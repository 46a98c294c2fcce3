// Package live holds the domain model shared by the tracker, the platform adapters and the HTTP API:
// platforms, live sessions, subscriptions, channel settings and archived history.
package live

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store collections.
const (
	CollectionSessions        = "live_sessions"
	CollectionSubscriptions   = "subscriptions"
	CollectionChannelSettings = "channel_notification_settings"
	CollectionHistory         = "live_history"
)

var (
	ErrInvalidPlatform      = errors.New("invalid platform")
	ErrAlreadySubscribed    = errors.New("already subscribed")
	ErrNotSubscribed        = errors.New("not subscribed")
	ErrMemberNotFound       = errors.New("member not found")
	ErrChannelNotConfigured = errors.New("channel notifications not configured")
	ErrInvalidArgument      = errors.New("invalid argument")
)

// Platform identifies a streaming platform.
type Platform string

const (
	PlatformShowroom Platform = "showroom"
	PlatformIDN      Platform = "idn"
)

// Platforms lists every supported platform in display order.
var Platforms = []Platform{PlatformShowroom, PlatformIDN}

// ParsePlatform accepts platform names case-insensitively, plus the short aliases "a" and "b".
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "showroom", "sr", "a":
		return PlatformShowroom, nil
	case "idn", "idnlive", "b":
		return PlatformIDN, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, s)
}

// Valid reports whether p is a supported platform.
func (p Platform) Valid() bool {
	return p == PlatformShowroom || p == PlatformIDN
}

// Label is the human-facing platform name.
func (p Platform) Label() string {
	switch p {
	case PlatformShowroom:
		return "SHOWROOM"
	case PlatformIDN:
		return "IDN Live"
	}
	return string(p)
}

// LiveRoom is one currently-live room as reported by a platform adapter.
type LiveRoom struct {
	Platform   Platform
	RoomID     string // stable: showroom room_id, idn creator username
	RoomKey    string // showroom room_url_key, idn live slug
	MemberName string
	Title      string
	URL        string
	Image      string
	Viewers    *int64
	StartedAt  time.Time
}

// Member is a platform account resolved by name or identifier.
type Member struct {
	Platform   Platform `json:"platform"`
	Identifier string   `json:"identifier"`
	Name       string   `json:"name"`
	RoomKey    string   `json:"room_key"`
	Image      string   `json:"image,omitempty"`
}

// HistoryMetrics are end-of-stream metrics; nil means the source did not provide the value.
type HistoryMetrics struct {
	Viewers      *int64
	Comments     *int64
	CommentUsers *int64
	TotalGold    *int64
}

// LiveSession is the durable live signal for one room: the row exists exactly while the room is live.
type LiveSession struct {
	LiveKey              string    `json:"live_key"`
	Platform             Platform  `json:"platform"`
	MemberName           string    `json:"member_name"`
	ExternalID           string    `json:"external_id"`
	RoomKey              string    `json:"room_key"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	Image                string    `json:"image"`
	Viewers              *int64    `json:"viewers"`
	StartedAt            time.Time `json:"started_at"`
	NotifiedRecipientIDs []string  `json:"notified_recipient_ids"`
	IsLive               bool      `json:"is_live"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// NewSession builds the session for a room seen live for the first time.
func NewSession(room LiveRoom, now time.Time) LiveSession {
	started := room.StartedAt
	if started.IsZero() {
		started = now
	}
	return LiveSession{
		LiveKey:              LiveKey(room.Platform, room.RoomID),
		Platform:             room.Platform,
		MemberName:           room.MemberName,
		ExternalID:           room.RoomID,
		RoomKey:              room.RoomKey,
		Title:                room.Title,
		URL:                  room.URL,
		Image:                room.Image,
		Viewers:              room.Viewers,
		StartedAt:            started.UTC(),
		NotifiedRecipientIDs: []string{},
		IsLive:               true,
		UpdatedAt:            now.UTC(),
	}
}

// Subscription asks for a direct message when a member goes live. Unique per (UserID, Platform, ExternalID).
type Subscription struct {
	UserID     string    `json:"user_id"`
	Platform   Platform  `json:"platform"`
	MemberName string    `json:"member_name"`
	ExternalID string    `json:"external_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ChannelNotificationSetting routes a platform's live announcements to one channel of a community.
type ChannelNotificationSetting struct {
	CommunityID string    `json:"community_id"`
	ChannelID   string    `json:"channel_id"`
	Platform    Platform  `json:"platform"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HistoryRecord is the archived summary of one broadcast. Duration is in seconds.
type HistoryRecord struct {
	ArchiveKey   string    `json:"archive_key"`
	LiveKey      string    `json:"live_key"`
	Platform     Platform  `json:"platform"`
	MemberName   string    `json:"member_name"`
	ExternalID   string    `json:"external_id"`
	RoomKey      string    `json:"room_key"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Image        string    `json:"image"`
	Viewers      int64     `json:"viewers"`
	Comments     int64     `json:"comments"`
	CommentUsers int64     `json:"comment_users"`
	TotalGold    int64     `json:"total_gold"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Duration     int64     `json:"duration"`
}
