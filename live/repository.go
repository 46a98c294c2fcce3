package live

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/onnwee/livewatch/backend/store"
)

// Repository maps the domain types onto store collections.
type Repository struct {
	Store store.Store
}

// NewRepository wraps s.
func NewRepository(s store.Store) *Repository { return &Repository{Store: s} }

// FindSession returns the session for liveKey, or nil when the room is not known to be live.
func (r *Repository) FindSession(ctx context.Context, liveKey string) (*LiveSession, error) {
	var s LiveSession
	found, err := r.Store.FindOne(ctx, CollectionSessions, store.Filter{"live_key": liveKey}, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns stored sessions, optionally restricted to one platform.
func (r *Repository) ListSessions(ctx context.Context, p Platform) ([]LiveSession, error) {
	f := store.Filter{}
	if p != "" {
		f["platform"] = string(p)
	}
	var out []LiveSession
	if err := r.Store.FindMany(ctx, CollectionSessions, f, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSession upserts s by live_key.
func (r *Repository) SaveSession(ctx context.Context, s LiveSession) error {
	if s.NotifiedRecipientIDs == nil {
		s.NotifiedRecipientIDs = []string{}
	}
	_, err := r.Store.UpdateOne(ctx, CollectionSessions, store.Filter{"live_key": s.LiveKey}, s, true)
	return err
}

// DeleteSession removes the session for liveKey.
func (r *Repository) DeleteSession(ctx context.Context, liveKey string) (bool, error) {
	return r.Store.DeleteOne(ctx, CollectionSessions, store.Filter{"live_key": liveKey})
}

// UpsertHistory writes h keyed by archive_key, replacing any earlier archive of the same broadcast.
func (r *Repository) UpsertHistory(ctx context.Context, h HistoryRecord) error {
	if h.ArchiveKey == "" {
		return fmt.Errorf("%w: history record without archive_key", ErrInvalidArgument)
	}
	_, err := r.Store.UpdateOne(ctx, CollectionHistory, store.Filter{"archive_key": h.ArchiveKey}, h, true)
	return err
}

// HistoryQuery narrows ListHistory. Zero fields do not filter; Limit <= 0 returns everything.
type HistoryQuery struct {
	Platform   Platform
	ExternalID string
	Limit      int
}

// ListHistory returns archived broadcasts, most recently ended first.
func (r *Repository) ListHistory(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error) {
	f := store.Filter{}
	if q.Platform != "" {
		f["platform"] = string(q.Platform)
	}
	if q.ExternalID != "" {
		f["external_id"] = q.ExternalID
	}
	var out []HistoryRecord
	if err := r.Store.FindMany(ctx, CollectionHistory, f, &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EndedAt.After(out[j].EndedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SubscribersOf lists subscriptions for one member.
func (r *Repository) SubscribersOf(ctx context.Context, p Platform, externalID string) ([]Subscription, error) {
	var out []Subscription
	err := r.Store.FindMany(ctx, CollectionSubscriptions, store.Filter{"platform": string(p), "external_id": externalID}, &out)
	return out, err
}

// UserSubscriptions lists a user's subscriptions.
func (r *Repository) UserSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	var out []Subscription
	err := r.Store.FindMany(ctx, CollectionSubscriptions, store.Filter{"user_id": userID}, &out)
	return out, err
}

// InsertSubscription stores sub, mapping unique-key violations to ErrAlreadySubscribed.
func (r *Repository) InsertSubscription(ctx context.Context, sub Subscription) error {
	filter := store.Filter{"user_id": sub.UserID, "platform": string(sub.Platform), "external_id": sub.ExternalID}
	found, err := r.Store.FindOne(ctx, CollectionSubscriptions, filter, &Subscription{})
	if err != nil {
		return err
	}
	if found {
		return ErrAlreadySubscribed
	}
	if err := r.Store.InsertOne(ctx, CollectionSubscriptions, sub); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return ErrAlreadySubscribed
		}
		return err
	}
	return nil
}

// DeleteSubscription removes one subscription.
func (r *Repository) DeleteSubscription(ctx context.Context, userID string, p Platform, externalID string) (bool, error) {
	return r.Store.DeleteOne(ctx, CollectionSubscriptions, store.Filter{"user_id": userID, "platform": string(p), "external_id": externalID})
}

// ChannelSettings lists channel settings for a platform.
func (r *Repository) ChannelSettings(ctx context.Context, p Platform) ([]ChannelNotificationSetting, error) {
	var out []ChannelNotificationSetting
	err := r.Store.FindMany(ctx, CollectionChannelSettings, store.Filter{"platform": string(p)}, &out)
	return out, err
}

// CommunityChannelSettings lists every setting of one community.
func (r *Repository) CommunityChannelSettings(ctx context.Context, communityID string) ([]ChannelNotificationSetting, error) {
	var out []ChannelNotificationSetting
	err := r.Store.FindMany(ctx, CollectionChannelSettings, store.Filter{"community_id": communityID}, &out)
	return out, err
}

// SaveChannelSetting upserts by (community_id, platform).
func (r *Repository) SaveChannelSetting(ctx context.Context, s ChannelNotificationSetting) error {
	_, err := r.Store.UpdateOne(ctx, CollectionChannelSettings,
		store.Filter{"community_id": s.CommunityID, "platform": string(s.Platform)}, s, true)
	return err
}

// DeleteChannelSetting removes a community's setting for p.
func (r *Repository) DeleteChannelSetting(ctx context.Context, communityID string, p Platform) (bool, error) {
	return r.Store.DeleteOne(ctx, CollectionChannelSettings, store.Filter{"community_id": communityID, "platform": string(p)})
}
