package live

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// MemberFinder resolves a member on one platform. Implementations return nil, nil when nothing matches.
type MemberFinder interface {
	FindMember(ctx context.Context, query string) (*Member, error)
}

// Service is the produced interface: subscription management, channel opt-in and read-only views.
type Service struct {
	repo    *Repository
	finders map[Platform]MemberFinder
	now     func() time.Time
}

// NewService wires a Service. finders may omit platforms that are disabled.
func NewService(repo *Repository, finders map[Platform]MemberFinder) *Service {
	return &Service{repo: repo, finders: finders, now: time.Now}
}

// AddSubscription resolves query on platform p and subscribes userID to that member.
func (s *Service) AddSubscription(ctx context.Context, userID string, p Platform, query string) (Subscription, error) {
	userID, query = strings.TrimSpace(userID), strings.TrimSpace(query)
	if userID == "" || query == "" {
		return Subscription{}, fmt.Errorf("%w: user id and member are required", ErrInvalidArgument)
	}
	if !p.Valid() {
		return Subscription{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, p)
	}
	finder, ok := s.finders[p]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %s is not enabled", ErrInvalidPlatform, p)
	}
	m, err := finder.FindMember(ctx, query)
	if err != nil {
		return Subscription{}, fmt.Errorf("find member: %w", err)
	}
	if m == nil {
		return Subscription{}, fmt.Errorf("%w: %q on %s", ErrMemberNotFound, query, p)
	}
	sub := Subscription{
		UserID:     userID,
		Platform:   p,
		MemberName: m.Name,
		ExternalID: m.Identifier,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.repo.InsertSubscription(ctx, sub); err != nil {
		return Subscription{}, err
	}
	slog.Info("subscription added",
		slog.String("component", "live_service"),
		slog.String("user_id", userID),
		slog.String("platform", string(p)),
		slog.String("external_id", m.Identifier))
	return sub, nil
}

// RemoveSubscription deletes the user's subscription whose external id or member name matches query.
func (s *Service) RemoveSubscription(ctx context.Context, userID string, p Platform, query string) error {
	query = strings.TrimSpace(query)
	subs, err := s.repo.UserSubscriptions(ctx, userID)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if sub.Platform != p {
			continue
		}
		if sub.ExternalID == query || strings.EqualFold(sub.MemberName, query) {
			deleted, err := s.repo.DeleteSubscription(ctx, userID, p, sub.ExternalID)
			if err != nil {
				return err
			}
			if !deleted {
				return ErrNotSubscribed
			}
			return nil
		}
	}
	return ErrNotSubscribed
}

// ListSubscriptions returns the user's subscriptions.
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	return s.repo.UserSubscriptions(ctx, userID)
}

// ListCurrentlyLive returns sessions known to be live, optionally for one platform.
func (s *Service) ListCurrentlyLive(ctx context.Context, p Platform) ([]LiveSession, error) {
	return s.repo.ListSessions(ctx, p)
}

// ListHistory returns archived broadcasts, most recently ended first.
func (s *Service) ListHistory(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	return s.repo.ListHistory(ctx, q)
}

// SetChannelNotification routes platform p announcements for a community to channelID.
func (s *Service) SetChannelNotification(ctx context.Context, communityID, channelID string, p Platform) (ChannelNotificationSetting, error) {
	if strings.TrimSpace(communityID) == "" || strings.TrimSpace(channelID) == "" {
		return ChannelNotificationSetting{}, fmt.Errorf("%w: community and channel are required", ErrInvalidArgument)
	}
	if !p.Valid() {
		return ChannelNotificationSetting{}, fmt.Errorf("%w: %q", ErrInvalidPlatform, p)
	}
	setting := ChannelNotificationSetting{CommunityID: communityID, ChannelID: channelID, Platform: p, UpdatedAt: s.now().UTC()}
	if err := s.repo.SaveChannelSetting(ctx, setting); err != nil {
		return ChannelNotificationSetting{}, err
	}
	return setting, nil
}

// RemoveChannelNotification stops platform p announcements for a community.
func (s *Service) RemoveChannelNotification(ctx context.Context, communityID string, p Platform) error {
	deleted, err := s.repo.DeleteChannelSetting(ctx, communityID, p)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrChannelNotConfigured
	}
	return nil
}

// ListChannelNotifications returns a community's settings.
func (s *Service) ListChannelNotifications(ctx context.Context, communityID string) ([]ChannelNotificationSetting, error) {
	return s.repo.CommunityChannelSettings(ctx, communityID)
}
