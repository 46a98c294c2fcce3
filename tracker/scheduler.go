// Package tracker runs the reconciliation loop: it lists live rooms from every platform,
// announces rooms that just went live and archives sessions that ended.
package tracker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/livewatch/backend/cache"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/telemetry"
)

// ErrTickInProgress is returned by Tick when another tick has not finished yet.
var ErrTickInProgress = errors.New("tick already in progress")

// DefaultInterval is the delay between ticks.
const DefaultInterval = 60 * time.Second

// PlatformStatus describes one platform's listing in a tick.
type PlatformStatus struct {
	OK    bool   `json:"ok"`
	Rooms int    `json:"rooms"`
	Error string `json:"error,omitempty"`
}

// TickResult summarizes a finished tick.
type TickResult struct {
	CorrelationID string                           `json:"correlation_id"`
	StartedAt     time.Time                        `json:"started_at"`
	FinishedAt    time.Time                        `json:"finished_at"`
	Platforms     map[live.Platform]PlatformStatus `json:"platforms"`
	Live          int                              `json:"live"`
	Known         int                              `json:"known"`
	Started       int                              `json:"started"`
	Ended         int                              `json:"ended"`
	Failures      int                              `json:"failures"`
}

// Scheduler drives ticks. At most one tick runs at a time.
type Scheduler struct {
	Adapters []platform.Adapter
	Repo     *live.Repository
	Cache    *cache.Cache[live.LiveSession]
	Notifier *Notifier
	Enricher *Enricher
	Interval time.Duration
	// Parallelism bounds per-room work inside the new and ended paths.
	Parallelism int
	// RefreshKnown updates viewers and title of sessions already known to be live.
	RefreshKnown bool

	running atomic.Bool
	wg      sync.WaitGroup

	mu      sync.RWMutex
	last    *TickResult
	skipped int64
}

// NewScheduler wires the loop with the default interval and parallelism.
func NewScheduler(adapters []platform.Adapter, repo *live.Repository, c *cache.Cache[live.LiveSession], n *Notifier, e *Enricher) *Scheduler {
	return &Scheduler{
		Adapters:    adapters,
		Repo:        repo,
		Cache:       c,
		Notifier:    n,
		Enricher:    e,
		Interval:    DefaultInterval,
		Parallelism: DefaultFanout,
	}
}

// Run ticks immediately and then every Interval until ctx is canceled.
// It returns after any in-flight tick has drained.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	slog.Info("tracker started", slog.String("component", "tracker"), slog.Duration("interval", interval), slog.Int("adapters", len(s.Adapters)))

	spawn := func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrTickInProgress) {
				slog.Error("tick failed", slog.String("component", "tracker"), slog.Any("err", err))
			}
		}()
	}

	spawn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("tracker stopping, draining in-flight tick", slog.String("component", "tracker"))
			s.wg.Wait()
			return nil
		case <-ticker.C:
			spawn()
		}
	}
}

// Wait blocks until ticks started by Run have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// LastTick returns the most recent tick summary, or nil before the first tick completes.
func (s *Scheduler) LastTick() *TickResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// Skipped counts ticks dropped because one was already running.
func (s *Scheduler) Skipped() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skipped
}

// Tick runs one reconciliation synchronously. The work ignores cancellation of ctx
// so that a shutdown never leaves a session half written.
func (s *Scheduler) Tick(ctx context.Context) (*TickResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.IncTickSkipped()
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		slog.Warn("tick skipped, previous tick still running", slog.String("component", "tracker"))
		return nil, ErrTickInProgress
	}
	defer s.running.Store(false)

	ctx = telemetry.WithCorrelation(context.WithoutCancel(ctx), uuid.NewString())
	res := &TickResult{
		CorrelationID: telemetry.GetCorrelation(ctx),
		StartedAt:     time.Now().UTC(),
		Platforms:     make(map[live.Platform]PlatformStatus),
	}
	ctx, span := telemetry.StartSpan(ctx, "tracker.Tick", attribute.String("correlation_id", res.CorrelationID))
	defer span.End()
	telemetry.IncTick()

	took := telemetry.TimeFunc(telemetry.TickDuration, func() { s.reconcile(ctx, res) })
	res.FinishedAt = time.Now().UTC()
	span.SetAttributes(
		attribute.Int("rooms", res.Live),
		attribute.Int("started", res.Started),
		attribute.Int("ended", res.Ended),
	)
	telemetry.LoggerWithCorr(ctx).Info("tick complete",
		slog.Int("live", res.Live), slog.Int("started", res.Started), slog.Int("ended", res.Ended),
		slog.Int("failures", res.Failures), slog.Duration("took", took))

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
	return res, nil
}

// reconcile lists, partitions and dispatches the new and ended paths, filling res.
func (s *Scheduler) reconcile(ctx context.Context, res *TickResult) {
	logger := telemetry.LoggerWithCorr(ctx)
	rooms, listed := s.listAll(ctx, res)

	known, fresh := s.partition(ctx, rooms)
	known, restarted := splitRestarted(known)
	res.Live = len(rooms)
	res.Known = len(known)
	telemetry.SetLiveSessions(len(rooms))

	var ended []live.LiveSession
	stored, err := s.Repo.ListSessions(ctx, "")
	if err != nil {
		logger.Error("list stored sessions failed, skipping end detection", slog.Any("err", err))
		res.Failures++
	} else {
		current := make(map[string]bool, len(rooms))
		for _, r := range rooms {
			current[live.LiveKey(r.Platform, r.RoomID)] = true
		}
		for _, sess := range stored {
			if listed[sess.Platform] && !current[sess.LiveKey] {
				ended = append(ended, sess)
			}
		}
	}

	var started, archived, failed atomic.Int64
	var paths errgroup.Group
	paths.Go(func() error {
		s.each(len(fresh), func(i int) {
			if _, err := s.Notifier.Announce(ctx, fresh[i]); err != nil {
				failed.Add(1)
				logger.Error("new session not recorded, will retry next tick",
					slog.String("live_key", live.LiveKey(fresh[i].Platform, fresh[i].RoomID)), slog.Any("err", err))
				return
			}
			started.Add(1)
		})
		return nil
	})
	paths.Go(func() error {
		s.each(len(ended), func(i int) {
			if _, err := s.Enricher.Archive(ctx, ended[i]); err != nil {
				failed.Add(1)
				logger.Error("archive failed, session kept for next tick",
					slog.String("live_key", ended[i].LiveKey), slog.Any("err", err))
				return
			}
			archived.Add(1)
		})
		return nil
	})
	paths.Go(func() error {
		// the old broadcast is archived before the new one is announced under the same live_key
		s.each(len(restarted), func(i int) {
			k := restarted[i]
			if _, err := s.Enricher.Archive(ctx, k.session); err != nil {
				failed.Add(1)
				logger.Error("archive of restarted room failed, session kept for next tick",
					slog.String("live_key", k.session.LiveKey), slog.Any("err", err))
				return
			}
			archived.Add(1)
			if _, err := s.Notifier.Announce(ctx, k.room); err != nil {
				failed.Add(1)
				logger.Error("new session not recorded, will retry next tick",
					slog.String("live_key", k.session.LiveKey), slog.Any("err", err))
				return
			}
			started.Add(1)
		})
		return nil
	})
	_ = paths.Wait()

	if s.RefreshKnown {
		s.refresh(ctx, known)
	}

	res.Started = int(started.Load())
	res.Ended = int(archived.Load())
	res.Failures += int(failed.Load())
}

// listAll queries every adapter concurrently. A failed platform contributes no rooms
// and is left out of the returned set of listed platforms.
func (s *Scheduler) listAll(ctx context.Context, res *TickResult) ([]live.LiveRoom, map[live.Platform]bool) {
	results := make([][]live.LiveRoom, len(s.Adapters))
	errs := make([]error, len(s.Adapters))
	var g errgroup.Group
	for i, a := range s.Adapters {
		g.Go(func() error {
			results[i], errs[i] = a.ListLiveRooms(ctx)
			return nil
		})
	}
	_ = g.Wait()

	listed := make(map[live.Platform]bool, len(s.Adapters))
	var rooms []live.LiveRoom
	seen := make(map[string]bool)
	for i, a := range s.Adapters {
		p := a.Platform()
		if errs[i] != nil {
			telemetry.IncAdapterError(string(p))
			telemetry.LoggerWithCorr(ctx).Warn("listing failed, platform treated as empty this tick",
				slog.String("platform", string(p)), slog.Any("err", errs[i]))
			res.Platforms[p] = PlatformStatus{Error: errs[i].Error()}
			continue
		}
		listed[p] = true
		res.Platforms[p] = PlatformStatus{OK: true, Rooms: len(results[i])}
		for _, r := range results[i] {
			if r.Platform == "" {
				r.Platform = p
			}
			key := live.LiveKey(r.Platform, r.RoomID)
			if r.RoomID == "" || seen[key] {
				continue
			}
			seen[key] = true
			rooms = append(rooms, r)
		}
	}
	return rooms, listed
}

type knownRoom struct {
	room    live.LiveRoom
	session live.LiveSession
}

// partition splits rooms into already known sessions and new rooms. The cache answers first;
// a miss falls through to the store. A store error keeps the room out of both sets for this tick.
func (s *Scheduler) partition(ctx context.Context, rooms []live.LiveRoom) ([]knownRoom, []live.LiveRoom) {
	type lookup struct {
		session *live.LiveSession
		err     error
	}
	found := make([]lookup, len(rooms))
	s.each(len(rooms), func(i int) {
		key := live.LiveKey(rooms[i].Platform, rooms[i].RoomID)
		if s.Cache != nil {
			if sess, ok := s.Cache.Get(key); ok {
				telemetry.RecordCacheLookup(true)
				found[i].session = &sess
				return
			}
			telemetry.RecordCacheLookup(false)
		}
		sess, err := s.Repo.FindSession(ctx, key)
		if err == nil && sess != nil && s.Cache != nil {
			s.Cache.Set(key, *sess, 0)
		}
		found[i] = lookup{session: sess, err: err}
	})

	var known []knownRoom
	var fresh []live.LiveRoom
	for i, f := range found {
		switch {
		case f.err != nil:
			telemetry.LoggerWithCorr(ctx).Error("session lookup failed, room deferred to next tick",
				slog.String("live_key", live.LiveKey(rooms[i].Platform, rooms[i].RoomID)), slog.Any("err", f.err))
		case f.session != nil:
			known = append(known, knownRoom{room: rooms[i], session: *f.session})
		default:
			fresh = append(fresh, rooms[i])
		}
	}
	return known, fresh
}

// restartSkew is how far a listed start time may move past the stored one before the room
// counts as restarted.
const restartSkew = time.Minute

// splitRestarted separates known rooms whose listing shows a different broadcast than the
// stored session: a new room key (idn slug) or a later start time.
func splitRestarted(known []knownRoom) (same, restarted []knownRoom) {
	for _, k := range known {
		newKey := k.room.RoomKey != "" && k.session.RoomKey != "" && k.room.RoomKey != k.session.RoomKey
		later := !k.room.StartedAt.IsZero() && k.room.StartedAt.Sub(k.session.StartedAt) > restartSkew
		if newKey || later {
			restarted = append(restarted, k)
			continue
		}
		same = append(same, k)
	}
	return same, restarted
}

// refresh persists changed viewers or title of known sessions.
func (s *Scheduler) refresh(ctx context.Context, known []knownRoom) {
	s.each(len(known), func(i int) {
		k := known[i]
		sess := k.session
		changed := false
		if k.room.Viewers != nil && (sess.Viewers == nil || *sess.Viewers != *k.room.Viewers) {
			sess.Viewers = k.room.Viewers
			changed = true
		}
		if k.room.Title != "" && k.room.Title != sess.Title {
			sess.Title = k.room.Title
			changed = true
		}
		if !changed {
			return
		}
		sess.UpdatedAt = time.Now().UTC()
		if err := s.Repo.SaveSession(ctx, sess); err != nil {
			telemetry.LoggerWithCorr(ctx).Warn("session refresh failed", slog.String("live_key", sess.LiveKey), slog.Any("err", err))
			return
		}
		if s.Cache != nil {
			s.Cache.Set(sess.LiveKey, sess, 0)
		}
	})
}

// each runs fn for 0..n-1 with bounded parallelism and waits for all of them.
func (s *Scheduler) each(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	limit := s.Parallelism
	if limit <= 0 {
		limit = DefaultFanout
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
