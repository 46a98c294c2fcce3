package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/livewatch/backend/httpclient"
	"github.com/onnwee/livewatch/backend/live"
)

var testMsg = Message{
	Platform:   live.PlatformShowroom,
	LiveKey:    "showroom:317625",
	MemberName: "Freya",
	Body:       "Freya is live on SHOWROOM",
	URL:        "https://www.showroom-live.com/r/JKT48_Freya",
}

func TestMessageText(t *testing.T) {
	if got := testMsg.Text(); got != "Freya is live on SHOWROOM https://www.showroom-live.com/r/JKT48_Freya" {
		t.Errorf("Text() = %q", got)
	}
	if got := (Message{Body: "x"}).Text(); got != "x" {
		t.Errorf("Text() without url = %q", got)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookPayload
	paths := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var p webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode: %v", err)
		}
		mu.Lock()
		got = append(got, p)
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/users/limited":
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/users/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL+"/channels/{channel}", srv.URL+"/users/{user}", srv.Client())
	ctx := context.Background()

	if err := wh.DeliverToChannel(ctx, "c1", testMsg); err != nil {
		t.Fatalf("DeliverToChannel() error = %v", err)
	}
	if err := wh.DeliverDirect(ctx, "u1", testMsg); err != nil {
		t.Fatalf("DeliverDirect() error = %v", err)
	}
	if err := wh.DeliverDirect(ctx, "limited", testMsg); !errors.Is(err, ErrRateLimited) {
		t.Errorf("429 error = %v, want ErrRateLimited", err)
	}
	err := wh.DeliverDirect(ctx, "gone", testMsg)
	if httpclient.StatusCode(err) != http.StatusNotFound {
		t.Errorf("404 error = %v, want status error", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if paths[0] != "/channels/c1" || paths[1] != "/users/u1" {
		t.Errorf("paths = %v", paths)
	}
	if got[0].Kind != "channel" || got[0].Recipient != "c1" || got[0].Message.LiveKey != testMsg.LiveKey {
		t.Errorf("channel payload = %+v", got[0])
	}
	if got[1].Kind != "direct" || got[1].Text != testMsg.Text() {
		t.Errorf("direct payload = %+v", got[1])
	}
}

func TestWebhookUnconfiguredTarget(t *testing.T) {
	wh := NewWebhook("", "", nil)
	if err := wh.DeliverToChannel(context.Background(), "c", testMsg); !errors.Is(err, ErrUnsupported) {
		t.Errorf("channel err = %v", err)
	}
	if err := wh.DeliverDirect(context.Background(), "u", testMsg); !errors.Is(err, ErrUnsupported) {
		t.Errorf("direct err = %v", err)
	}
}

type fakeChat struct {
	mu        sync.Mutex
	onConnect func()
	joins     []string
	said      map[string][]string
	stop      chan struct{}
}

func newFakeChat() *fakeChat {
	return &fakeChat{said: make(map[string][]string), stop: make(chan struct{})}
}

func (f *fakeChat) OnConnect(cb func()) { f.onConnect = cb }
func (f *fakeChat) Join(ch ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, ch...)
}
func (f *fakeChat) Say(ch, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said[ch] = append(f.said[ch], text)
}
func (f *fakeChat) Connect() error {
	f.onConnect()
	<-f.stop
	return nil
}
func (f *fakeChat) Disconnect() error {
	close(f.stop)
	return nil
}

func TestIRCDelivery(t *testing.T) {
	chat := newFakeChat()
	irc := NewIRC(chat)
	if err := irc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer irc.Close()

	ctx := context.Background()
	for _, ch := range []string{"#JKT48Live", "jkt48live"} {
		if err := irc.DeliverToChannel(ctx, ch, testMsg); err != nil {
			t.Fatalf("DeliverToChannel(%q) error = %v", ch, err)
		}
	}
	if err := irc.DeliverDirect(ctx, "u", testMsg); !errors.Is(err, ErrUnsupported) {
		t.Errorf("DeliverDirect() = %v, want ErrUnsupported", err)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	if len(chat.joins) != 1 || chat.joins[0] != "jkt48live" {
		t.Errorf("joins = %v, want single join", chat.joins)
	}
	if len(chat.said["jkt48live"]) != 2 {
		t.Errorf("said = %v", chat.said)
	}
}

func TestNewDriverSelection(t *testing.T) {
	ctx := context.Background()
	d, closeFn, err := New(ctx, Options{})
	if err != nil {
		t.Fatalf("New(log) error = %v", err)
	}
	closeFn()
	if _, ok := d.(Log); !ok {
		t.Errorf("default driver = %T, want Log", d)
	}
	if _, _, err := New(ctx, Options{Driver: DriverWebhook}); err == nil {
		t.Error("webhook without urls should fail")
	}
	if _, _, err := New(ctx, Options{Driver: DriverIRC}); err == nil {
		t.Error("irc without credentials should fail")
	}
	if _, _, err := New(ctx, Options{Driver: "pigeon"}); err == nil {
		t.Error("unknown driver should fail")
	}
	if err := (Log{}).DeliverDirect(ctx, "u", testMsg); err != nil {
		t.Errorf("Log.DeliverDirect() = %v", err)
	}
}
