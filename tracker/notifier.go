package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livewatch/backend/cache"
	"github.com/onnwee/livewatch/backend/delivery"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/telemetry"
)

// DefaultFanout bounds parallel deliveries for one room.
const DefaultFanout = 10

// Notifier announces new sessions and records them as known.
type Notifier struct {
	Repo      *live.Repository
	Cache     *cache.Cache[live.LiveSession]
	Deliverer delivery.Deliverer
	Fanout    int
	CacheTTL  time.Duration

	now func() time.Time
}

// NewNotifier wires a notifier with default fan-out.
func NewNotifier(repo *live.Repository, c *cache.Cache[live.LiveSession], d delivery.Deliverer) *Notifier {
	return &Notifier{Repo: repo, Cache: c, Deliverer: d, Fanout: DefaultFanout, now: time.Now}
}

type recipient struct {
	id   string
	kind string
	send func(ctx context.Context) error
}

// Announce delivers the live announcement for room and persists its session.
// Recipient lookups failing aborts before anything is delivered or stored, so the room stays new.
func (n *Notifier) Announce(ctx context.Context, room live.LiveRoom) (sess live.LiveSession, err error) {
	now := time.Now
	if n.now != nil {
		now = n.now
	}
	sess = live.NewSession(room, now())
	ctx, span := telemetry.StartSpan(ctx, "tracker.Announce", attribute.String("live_key", sess.LiveKey))
	defer func() { telemetry.EndSpan(span, err) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("live_key", sess.LiveKey))

	channels, err := n.Repo.ChannelSettings(ctx, room.Platform)
	if err != nil {
		return sess, fmt.Errorf("channel settings: %w", err)
	}
	subs, err := n.Repo.SubscribersOf(ctx, room.Platform, room.RoomID)
	if err != nil {
		return sess, fmt.Errorf("subscribers: %w", err)
	}

	var recipients []recipient
	seen := make(map[string]bool)
	chMsg, dmMsg := ChannelMessage(sess), DirectMessage(sess)
	for _, c := range channels {
		id := recipientChannel + c.ChannelID
		if c.ChannelID == "" || seen[id] {
			continue
		}
		seen[id] = true
		channelID := c.ChannelID
		recipients = append(recipients, recipient{id: id, kind: "channel", send: func(ctx context.Context) error {
			return n.Deliverer.DeliverToChannel(ctx, channelID, chMsg)
		}})
	}
	for _, s := range subs {
		id := recipientUser + s.UserID
		if s.UserID == "" || seen[id] {
			continue
		}
		seen[id] = true
		userID := s.UserID
		recipients = append(recipients, recipient{id: id, kind: "direct", send: func(ctx context.Context) error {
			return n.Deliverer.DeliverDirect(ctx, userID, dmMsg)
		}})
	}

	notified := n.fanout(ctx, logger, recipients)
	sort.Strings(notified)
	sess.NotifiedRecipientIDs = notified

	if err := n.Repo.SaveSession(ctx, sess); err != nil {
		return sess, fmt.Errorf("save session: %w", err)
	}
	if n.Cache != nil {
		n.Cache.Set(sess.LiveKey, sess, n.CacheTTL)
	}
	telemetry.IncSessionStarted(string(room.Platform))
	logger.Info("session started",
		slog.Int("recipients", len(recipients)), slog.Int("notified", len(notified)))
	return sess, nil
}

// fanout delivers to every recipient with bounded parallelism and returns the ids that succeeded.
func (n *Notifier) fanout(ctx context.Context, logger *slog.Logger, recipients []recipient) []string {
	limit := n.Fanout
	if limit <= 0 {
		limit = DefaultFanout
	}
	var (
		mu       sync.Mutex
		notified = []string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, r := range recipients {
		g.Go(func() error {
			err := r.send(gctx)
			telemetry.RecordNotification(r.kind, err == nil)
			if err != nil {
				lvl := slog.LevelWarn
				if errors.Is(err, delivery.ErrUnsupported) {
					lvl = slog.LevelDebug
				}
				logger.Log(gctx, lvl, "delivery failed", slog.String("recipient", r.id), slog.Any("err", err))
				return nil
			}
			mu.Lock()
			notified = append(notified, r.id)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return notified
}
