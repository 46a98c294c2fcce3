package tracker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/onnwee/livewatch/backend/cache"
	"github.com/onnwee/livewatch/backend/delivery"
	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
	"github.com/onnwee/livewatch/backend/platform"
	"github.com/onnwee/livewatch/backend/platform/idn"
	"github.com/onnwee/livewatch/backend/store"
	"github.com/onnwee/livewatch/backend/telemetry"
	"github.com/onnwee/livewatch/backend/testutil"
)

func ptr(v int64) *int64 { return &v }

// flakyStore fails reads or upserts of selected collections.
type flakyStore struct {
	store.Store
	mu         sync.Mutex
	fail       map[string]bool
	failUpdate map[string]bool
}

func (f *flakyStore) setFailUpdate(collection string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failUpdate[collection] = on
}

func (f *flakyStore) UpdateOne(ctx context.Context, collection string, filter store.Filter, doc any, upsert bool) (bool, error) {
	f.mu.Lock()
	fail := f.failUpdate[collection]
	f.mu.Unlock()
	if fail {
		return false, errors.New("store unavailable")
	}
	return f.Store.UpdateOne(ctx, collection, filter, doc, upsert)
}

func (f *flakyStore) setFail(collection string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[collection] = on
}

func (f *flakyStore) FindMany(ctx context.Context, collection string, filter store.Filter, out any) error {
	f.mu.Lock()
	fail := f.fail[collection]
	f.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return f.Store.FindMany(ctx, collection, filter, out)
}

type harness struct {
	repo  *live.Repository
	mem   *store.MemoryStore
	flaky *flakyStore
	cache *cache.Cache[live.LiveSession]
	sr    *testutil.FakeAdapter
	idn   *testutil.FakeAdapter
	dlv   *testutil.RecordingDeliverer
	sched *Scheduler
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem, fail: map[string]bool{}, failUpdate: map[string]bool{}}
	h := &harness{
		repo:  live.NewRepository(flaky),
		mem:   mem,
		flaky: flaky,
		cache: cache.New[live.LiveSession](10, time.Minute),
		sr:    testutil.NewFakeAdapter(live.PlatformShowroom),
		idn:   testutil.NewFakeAdapter(live.PlatformIDN),
		dlv:   &testutil.RecordingDeliverer{},
		now:   time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC),
	}
	adapters := []platform.Adapter{h.sr, h.idn}
	n := NewNotifier(h.repo, h.cache, h.dlv)
	n.now = func() time.Time { return h.now }
	e := NewEnricher(h.repo, h.cache, adapters)
	e.now = func() time.Time { return h.now }
	h.sched = NewScheduler(adapters, h.repo, h.cache, n, e)
	return h
}

func (h *harness) tick(t *testing.T) *TickResult {
	t.Helper()
	res, err := h.sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	return res
}

func (h *harness) subscribe(t *testing.T, userID string, p live.Platform, externalID string) {
	t.Helper()
	if err := h.repo.InsertSubscription(context.Background(), live.Subscription{UserID: userID, Platform: p, ExternalID: externalID}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

var freya = live.LiveRoom{
	Platform:   live.PlatformShowroom,
	RoomID:     "317625",
	RoomKey:    "JKT48_Freya",
	MemberName: "Freya",
	Title:      "Freya's room",
	URL:        "https://www.showroom-live.com/r/JKT48_Freya",
	Viewers:    ptr(1500),
	StartedAt:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestTickNewSessionNotifiedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.repo.SaveChannelSetting(ctx, live.ChannelNotificationSetting{CommunityID: "g1", ChannelID: "c1", Platform: live.PlatformShowroom}); err != nil {
		t.Fatal(err)
	}
	h.subscribe(t, "u1", live.PlatformShowroom, "317625")
	h.subscribe(t, "u2", live.PlatformShowroom, "999")
	h.sr.SetRooms(freya)

	res := h.tick(t)
	if res.Started != 1 || res.Live != 1 {
		t.Fatalf("result = %+v, want 1 started", res)
	}
	sess, err := h.repo.FindSession(ctx, "showroom:317625")
	if err != nil || sess == nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Viewers == nil || *sess.Viewers != 1500 || !sess.IsLive {
		t.Errorf("session = %+v", sess)
	}
	if got := sess.NotifiedRecipientIDs; len(got) != 2 || got[0] != "channel:c1" || got[1] != "user:u1" {
		t.Errorf("notified = %v", got)
	}
	if _, ok := h.cache.Get("showroom:317625"); !ok {
		t.Error("session not written through to cache")
	}

	res = h.tick(t)
	if res.Started != 0 || res.Known != 1 {
		t.Errorf("second tick = %+v, want room known", res)
	}
	h.cache.Purge()
	if res := h.tick(t); res.Started != 0 {
		t.Errorf("after cache purge the store must still prove the room known, got %+v", res)
	}
	if got := h.dlv.Attempts(); got != 2 {
		t.Errorf("delivery attempts = %d, want 2 (one channel, one subscriber)", got)
	}
	for _, d := range h.dlv.Delivered() {
		if d.Message.LiveKey != "showroom:317625" || d.Message.URL != freya.URL {
			t.Errorf("message = %+v", d.Message)
		}
	}
}

func TestTickEndedSessionArchived(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sr.SetRooms(freya)
	h.tick(t)

	h.sr.SetRooms()
	h.sr.Metrics["showroom:317625"] = live.HistoryMetrics{Comments: ptr(10), TotalGold: ptr(500)}
	res := h.tick(t)
	if res.Ended != 1 {
		t.Fatalf("result = %+v, want 1 ended", res)
	}

	recs, err := h.repo.ListHistory(ctx, live.HistoryQuery{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("history = %+v, %v", recs, err)
	}
	r := recs[0]
	if r.Viewers != 1500 || r.Comments != 10 || r.CommentUsers != 0 || r.TotalGold != 500 {
		t.Errorf("metrics = %+v", r)
	}
	if r.Duration != 3600 || r.ArchiveKey != "showroom:317625@1709294400" {
		t.Errorf("record = %+v", r)
	}
	if sess, _ := h.repo.FindSession(ctx, "showroom:317625"); sess != nil {
		t.Error("session still stored after archival")
	}
	if _, ok := h.cache.Get("showroom:317625"); ok {
		t.Error("session still cached after archival")
	}

	// Archiving the same broadcast again replaces the record.
	sess := live.NewSession(freya, h.now)
	if _, err := h.sched.Enricher.Archive(ctx, sess); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	if n := h.mem.Count(live.CollectionHistory); n != 1 {
		t.Errorf("history records = %d, want 1", n)
	}
}

func TestTickHistoryWriteFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sr.SetRooms(freya)
	h.tick(t)

	h.sr.SetRooms()
	h.flaky.setFailUpdate(live.CollectionHistory, true)
	res := h.tick(t)
	if res.Failures != 1 || res.Ended != 0 {
		t.Fatalf("result = %+v, want 1 failure and nothing ended", res)
	}
	if sess, err := h.repo.FindSession(ctx, "showroom:317625"); err != nil || sess == nil {
		t.Fatalf("session dropped after failed history write: %v", err)
	}
	if _, ok := h.cache.Get("showroom:317625"); !ok {
		t.Error("session evicted from cache after failed history write")
	}
	if n := h.mem.Count(live.CollectionHistory); n != 0 {
		t.Errorf("history records = %d, want 0", n)
	}

	h.flaky.setFailUpdate(live.CollectionHistory, false)
	if res := h.tick(t); res.Ended != 1 || res.Failures != 0 {
		t.Errorf("retry tick = %+v, want 1 ended", res)
	}
	if n := h.mem.Count(live.CollectionSessions); n != 0 {
		t.Errorf("sessions = %d after retry, want 0", n)
	}
}

func TestTickRestartedRoomArchivesThenAnnounces(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *live.LiveRoom)
	}{
		{"later start", func(r *live.LiveRoom) { r.StartedAt = r.StartedAt.Add(30 * time.Minute) }},
		{"new room key", func(r *live.LiveRoom) { r.RoomKey = "JKT48_Freya_2" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.subscribe(t, "u1", live.PlatformShowroom, "317625")
			h.sr.SetRooms(freya)
			h.tick(t)

			next := freya
			tt.mutate(&next)
			h.sr.SetRooms(next)
			res := h.tick(t)
			if res.Ended != 1 || res.Started != 1 || res.Failures != 0 {
				t.Fatalf("result = %+v, want 1 ended and 1 started", res)
			}

			recs, err := h.repo.ListHistory(ctx, live.HistoryQuery{})
			if err != nil || len(recs) != 1 {
				t.Fatalf("history = %+v, %v", recs, err)
			}
			if recs[0].ArchiveKey != "showroom:317625@1709294400" {
				t.Errorf("archived = %q", recs[0].ArchiveKey)
			}
			sess, err := h.repo.FindSession(ctx, "showroom:317625")
			if err != nil || sess == nil {
				t.Fatalf("new session not stored: %v", err)
			}
			if !sess.StartedAt.Equal(next.StartedAt) || sess.RoomKey != next.RoomKey {
				t.Errorf("session = %+v, want the new broadcast", sess)
			}
			if got := h.dlv.Attempts(); got != 2 {
				t.Errorf("delivery attempts = %d, want the subscriber notified for each broadcast", got)
			}

			if res := h.tick(t); res.Started != 0 || res.Ended != 0 || res.Known != 1 {
				t.Errorf("steady tick = %+v", res)
			}
		})
	}
}

func TestTickFailedAdapterNeverArchives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sr.SetRooms(freya)
	h.idn.SetRooms(live.LiveRoom{Platform: live.PlatformIDN, RoomID: "gita", RoomKey: "s1"})
	h.tick(t)

	h.sr.FailListing(errors.New("upstream 502"))
	h.idn.SetRooms()
	res := h.tick(t)
	if res.Platforms[live.PlatformShowroom].OK || !res.Platforms[live.PlatformIDN].OK {
		t.Errorf("platforms = %+v", res.Platforms)
	}
	if res.Ended != 1 {
		t.Errorf("ended = %d, want only the idn session", res.Ended)
	}
	if sess, _ := h.repo.FindSession(ctx, "showroom:317625"); sess == nil {
		t.Error("session of failed platform was archived")
	}
	if h.sr.HistoryCalls != 0 {
		t.Error("enrichment ran for failed platform")
	}
}

func TestNotifierIsolatesDeliveryFailures(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 6; i++ {
		h.subscribe(t, fmt.Sprintf("u%d", i), live.PlatformShowroom, "317625")
	}
	h.dlv.Fail = func(kind, recipient string) error {
		if recipient != "u6" {
			return delivery.ErrRateLimited
		}
		return nil
	}
	h.sr.SetRooms(freya)

	res := h.tick(t)
	if res.Started != 1 {
		t.Fatalf("result = %+v", res)
	}
	if h.dlv.Attempts() != 6 {
		t.Errorf("attempts = %d, want 6", h.dlv.Attempts())
	}
	sess, _ := h.repo.FindSession(context.Background(), "showroom:317625")
	if sess == nil {
		t.Fatal("session not persisted despite delivery failures")
	}
	if len(sess.NotifiedRecipientIDs) != 1 || sess.NotifiedRecipientIDs[0] != "user:u6" {
		t.Errorf("notified = %v", sess.NotifiedRecipientIDs)
	}
}

func TestNotifierLookupFailureLeavesRoomNew(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", live.PlatformShowroom, "317625")
	h.flaky.setFail(live.CollectionSubscriptions, true)
	h.sr.SetRooms(freya)

	res := h.tick(t)
	if res.Started != 0 || res.Failures != 1 {
		t.Errorf("result = %+v", res)
	}
	if h.dlv.Attempts() != 0 {
		t.Error("delivered although recipient lookup failed")
	}
	if _, ok := h.cache.Get("showroom:317625"); ok {
		t.Error("room cached although it was not recorded")
	}

	h.flaky.setFail(live.CollectionSubscriptions, false)
	if res := h.tick(t); res.Started != 1 {
		t.Errorf("retry tick = %+v, want started", res)
	}
	if len(h.dlv.Delivered()) != 1 {
		t.Errorf("deliveries = %d, want 1", len(h.dlv.Delivered()))
	}
}

func TestEndDetectionSkippedWhenStoreListFails(t *testing.T) {
	h := newHarness(t)
	h.sr.SetRooms(freya)
	h.tick(t)

	h.sr.SetRooms()
	h.flaky.setFail(live.CollectionSessions, true)
	res := h.tick(t)
	if res.Ended != 0 || res.Failures == 0 {
		t.Errorf("result = %+v", res)
	}
	h.flaky.setFail(live.CollectionSessions, false)
	if res := h.tick(t); res.Ended != 1 {
		t.Errorf("next tick = %+v, want archived", res)
	}
}

func TestSplitRestarted(t *testing.T) {
	sess := live.NewSession(freya, freya.StartedAt)
	tests := []struct {
		name      string
		room      func(r live.LiveRoom) live.LiveRoom
		restarted bool
	}{
		{"same broadcast", func(r live.LiveRoom) live.LiveRoom { return r }, false},
		{"start jitter", func(r live.LiveRoom) live.LiveRoom { r.StartedAt = r.StartedAt.Add(20 * time.Second); return r }, false},
		{"earlier start", func(r live.LiveRoom) live.LiveRoom { r.StartedAt = r.StartedAt.Add(-time.Hour); return r }, false},
		{"no start reported", func(r live.LiveRoom) live.LiveRoom { r.StartedAt = time.Time{}; return r }, false},
		{"no room key reported", func(r live.LiveRoom) live.LiveRoom { r.RoomKey = ""; return r }, false},
		{"later start", func(r live.LiveRoom) live.LiveRoom { r.StartedAt = r.StartedAt.Add(10 * time.Minute); return r }, true},
		{"new room key", func(r live.LiveRoom) live.LiveRoom { r.RoomKey = "other"; return r }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			same, restarted := splitRestarted([]knownRoom{{room: tt.room(freya), session: sess}})
			if got := len(restarted) == 1; got != tt.restarted || len(same)+len(restarted) != 1 {
				t.Errorf("restarted = %v, same = %v", restarted, same)
			}
		})
	}
}

func TestTickRecordsDuration(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tick_duration_test_seconds", Help: "test"})
	prev := telemetry.TickDuration
	telemetry.TickDuration = hist
	t.Cleanup(func() { telemetry.TickDuration = prev })

	h := newHarness(t)
	h.sr.SetRooms(freya)
	h.tick(t)
	h.tick(t)

	m := &dto.Metric{}
	if err := hist.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("tick duration samples = %d, want 2", got)
	}
}

func TestTickSkippedWhileRunning(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.sr.Lock()
	h.sr.Block = block
	h.sr.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := h.sched.Tick(context.Background())
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		h.sr.Lock()
		calls := h.sr.ListCalls
		h.sr.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first tick never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := h.sched.Tick(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("overlapping Tick() = %v, want ErrTickInProgress", err)
	}
	if h.sched.Skipped() != 1 {
		t.Errorf("skipped = %d", h.sched.Skipped())
	}
	close(block)
	if err := <-done; err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if _, err := h.sched.Tick(context.Background()); err != nil {
		t.Errorf("tick after drain = %v", err)
	}
}

func TestTickDetachedFromCancellation(t *testing.T) {
	h := newHarness(t)
	h.sr.SetRooms(freya)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.sched.Tick(ctx)
	if err != nil || res.Started != 1 {
		t.Errorf("Tick(canceled) = %+v, %v; want work to complete", res, err)
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	h := newHarness(t)
	h.sr.SetRooms(freya)
	h.sched.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- h.sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for h.sched.LastTick() == nil {
		if time.Now().After(deadline) {
			t.Fatal("no tick completed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := h.dlv.Attempts(); got != 0 {
		t.Errorf("attempts = %d, nobody subscribed", got)
	}
	if sess, _ := h.repo.FindSession(context.Background(), "showroom:317625"); sess == nil {
		t.Error("session missing after run")
	}
}

func TestRefreshKnownSessions(t *testing.T) {
	h := newHarness(t)
	h.sched.RefreshKnown = true
	h.sr.SetRooms(freya)
	h.tick(t)

	updated := freya
	updated.Viewers = ptr(2100)
	updated.Title = "new title"
	h.sr.SetRooms(updated)
	h.tick(t)

	sess, _ := h.repo.FindSession(context.Background(), "showroom:317625")
	if sess == nil || *sess.Viewers != 2100 || sess.Title != "new title" {
		t.Errorf("session = %+v", sess)
	}
	cached, _ := h.cache.Get("showroom:317625")
	if *cached.Viewers != 2100 {
		t.Errorf("cached viewers = %d", *cached.Viewers)
	}
}

func TestArchiveZeroesMetricsWhenHistoryTimesOut(t *testing.T) {
	srv := testutil.NewMockPlatformServer(t)
	slow := func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}
	srv.Handle("/api/v1/lives/s1/summary", slow)
	srv.Handle("/api/v1/lives/s1/gifts", slow)

	hc := httpclient.New(srv.Client(), 3, time.Millisecond, 20*time.Millisecond)
	adapter := idn.New(srv.URL, hc, idn.Credentials{}, nil, nil)
	repo, mem := testutil.NewMemoryRepo()
	e := NewEnricher(repo, nil, []platform.Adapter{adapter})

	sess := live.NewSession(live.LiveRoom{Platform: live.PlatformIDN, RoomID: "gita", RoomKey: "s1"}, time.Now().Add(-time.Minute))
	if err := repo.SaveSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	rec, err := e.Archive(context.Background(), sess)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if srv.Hits("/api/v1/lives/s1/summary") != 3 {
		t.Errorf("summary hits = %d, want 3 attempts", srv.Hits("/api/v1/lives/s1/summary"))
	}
	if rec.Viewers != 0 || rec.Comments != 0 || rec.CommentUsers != 0 || rec.TotalGold != 0 {
		t.Errorf("record = %+v, want zeroed metrics", rec)
	}
	if rec.Duration < 59 {
		t.Errorf("duration = %d", rec.Duration)
	}
	if mem.Count(live.CollectionSessions) != 0 || mem.Count(live.CollectionHistory) != 1 {
		t.Error("archive-then-delete did not complete")
	}
}

func TestArchiveClampsNegativeDuration(t *testing.T) {
	repo, _ := testutil.NewMemoryRepo()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEnricher(repo, nil, nil)
	e.now = func() time.Time { return now }
	sess := live.NewSession(live.LiveRoom{Platform: live.PlatformIDN, RoomID: "x", StartedAt: now.Add(time.Hour)}, now)
	rec, err := e.Archive(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Duration != 0 {
		t.Errorf("duration = %d, want 0", rec.Duration)
	}
}

func TestTickWithSQLiteStore(t *testing.T) {
	h := newHarness(t)
	repo := live.NewRepository(testutil.NewSQLiteStore(t))
	h.repo = repo
	h.sched.Repo = repo
	h.sched.Notifier.Repo = repo
	h.sched.Enricher.Repo = repo
	h.subscribe(t, "u1", live.PlatformShowroom, "317625")

	h.sr.SetRooms(freya)
	if res := h.tick(t); res.Started != 1 {
		t.Fatalf("tick = %+v", res)
	}
	h.sr.SetRooms()
	if res := h.tick(t); res.Ended != 1 {
		t.Fatalf("tick = %+v", res)
	}
	recs, err := repo.ListHistory(context.Background(), live.HistoryQuery{Platform: live.PlatformShowroom})
	if err != nil || len(recs) != 1 || recs[0].Viewers != 1500 {
		t.Errorf("history = %+v, %v", recs, err)
	}
}

func TestMessages(t *testing.T) {
	sess := live.NewSession(freya, time.Now())
	ch := ChannelMessage(sess)
	if ch.Body != "Freya is live on SHOWROOM: Freya's room" || ch.URL != freya.URL {
		t.Errorf("channel message = %+v", ch)
	}
	dm := DirectMessage(sess)
	if dm.Body != `Freya, whom you follow, just went live on SHOWROOM with "Freya's room"` {
		t.Errorf("direct message = %q", dm.Body)
	}
	sess.MemberName, sess.Title = "", ""
	if got := ChannelMessage(sess).Body; got != "317625 is live on SHOWROOM" {
		t.Errorf("fallback body = %q", got)
	}
}
