package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func newTestRelay(store Store) *Relay {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(store, log)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"offer", KindOffer, false},
		{"answer", KindAnswer, false},
		{"", "", true},
		{"candidate", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKind(%q) = %q, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("ParseKind(%q) error = %v, want ErrInvalidArgument", tt.in, err)
		}
	}
}

func exerciseRelay(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	r := newTestRelay(store)

	if p, err := r.GetOffer(ctx, "band"); err != nil || p != nil {
		t.Fatalf("GetOffer() on empty slot = %s, %v", p, err)
	}
	if err := r.PostOffer(ctx, "band", json.RawMessage(`{"endpoint":"ws://a"}`)); err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	if err := r.PostAnswer(ctx, "band", json.RawMessage(`{"peer":"f1"}`)); err != nil {
		t.Fatalf("PostAnswer() error = %v", err)
	}
	if p, _ := r.GetAnswer(ctx, "band"); string(p) != `{"peer":"f1"}` {
		t.Errorf("GetAnswer() = %s", p)
	}

	// A fresh offer withdraws the old answer.
	if err := r.PostOffer(ctx, "band", json.RawMessage(`{"endpoint":"ws://b"}`)); err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	if p, _ := r.GetAnswer(ctx, "band"); p != nil {
		t.Errorf("answer survived a new offer: %s", p)
	}
	if p, _ := r.GetOffer(ctx, "band"); string(p) != `{"endpoint":"ws://b"}` {
		t.Errorf("GetOffer() = %s", p)
	}
	if p, _ := r.GetOffer(ctx, "other"); p != nil {
		t.Errorf("GetOffer(other) = %s", p)
	}

	bad := []struct {
		name    string
		kind    Kind
		label   string
		payload string
	}{
		{"unknown kind", "candidate", "band", `{}`},
		{"blank label", KindOffer, "  ", `{}`},
		{"null payload", KindOffer, "band", `null`},
		{"empty payload", KindAnswer, "band", ``},
	}
	for _, tt := range bad {
		if err := r.Post(ctx, tt.kind, tt.label, json.RawMessage(tt.payload)); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("%s: Post() error = %v, want ErrInvalidArgument", tt.name, err)
		}
	}
	if _, err := r.Get(ctx, KindOffer, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Get(blank label) error = %v", err)
	}
}

func TestRelayMemory(t *testing.T) {
	exerciseRelay(t, NewMemoryStore())
}

func TestRelayRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	exerciseRelay(t, NewRedisStore(rdb))

	ctx := context.Background()
	store := NewRedisStore(rdb)
	if err := store.Put(ctx, KindOffer, "ttl", json.RawMessage(`{}`), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !mr.Exists("beatsync:offer:ttl") {
		t.Fatal("offer key missing")
	}
	mr.FastForward(2 * time.Minute)
	if p, err := store.Get(ctx, KindOffer, "ttl"); err != nil || p != nil {
		t.Errorf("Get() after TTL = %s, %v", p, err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := NewMemoryStore()
	store.Now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Put(ctx, KindOffer, "band", json.RawMessage(`{}`), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	now = now.Add(59 * time.Second)
	if p, _ := store.Get(ctx, KindOffer, "band"); p == nil {
		t.Error("offer expired early")
	}
	now = now.Add(time.Second)
	if p, _ := store.Get(ctx, KindOffer, "band"); p != nil {
		t.Errorf("offer outlived its TTL: %s", p)
	}
}

// signalHandler serves /api/signal over r the way the server does.
func signalHandler(r *Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var err error
		switch req.Method {
		case http.MethodPost:
			var body PostBody
			if err = json.NewDecoder(req.Body).Decode(&body); err == nil {
				err = r.Post(req.Context(), body.Type, body.Label, body.Payload)
			}
			if err == nil {
				json.NewEncoder(w).Encode(map[string]bool{"ok": true})
				return
			}
		case http.MethodGet:
			var p json.RawMessage
			p, err = r.Get(req.Context(), Kind(req.URL.Query().Get("type")), req.URL.Query().Get("label"))
			if err == nil {
				json.NewEncoder(w).Encode(GetBody{Payload: p})
				return
			}
		}
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
	}
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL)
	c.PollInterval = time.Millisecond
	c.MaxPollInterval = 5 * time.Millisecond
	return c
}

func TestClientPostGet(t *testing.T) {
	srv := httptest.NewServer(signalHandler(newTestRelay(NewMemoryStore())))
	defer srv.Close()
	c := newTestClient(srv)
	ctx := context.Background()

	var offer Offer
	if ok, err := c.Get(ctx, KindOffer, "band", &offer); ok || err != nil {
		t.Fatalf("Get() on empty slot = %v, %v", ok, err)
	}
	want := Offer{Endpoint: "ws://10.0.0.2:7000/peer", SessionID: "s1", Leader: "laptop"}
	if err := c.Post(ctx, KindOffer, "band", want); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	ok, err := c.Get(ctx, KindOffer, "band", &offer)
	if !ok || err != nil || offer != want {
		t.Errorf("Get() = %+v, %v, %v, want %+v", offer, ok, err, want)
	}
	if err := c.Post(ctx, "bogus", "band", want); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Post(bogus) error = %v, want ErrInvalidArgument", err)
	}
}

func TestClientAwait(t *testing.T) {
	rel := newTestRelay(NewMemoryStore())
	var polls atomic.Int32
	h := signalHandler(rel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && polls.Add(1) == 3 {
			rel.PostAnswer(r.Context(), "band", json.RawMessage(`{"peer":"f9"}`))
		}
		h(w, r)
	}))
	defer srv.Close()
	c := newTestClient(srv)

	var ans Answer
	if err := c.Await(context.Background(), KindAnswer, "band", &ans); err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if ans.Peer != "f9" || polls.Load() != 3 {
		t.Errorf("Await() = %+v after %d polls", ans, polls.Load())
	}
}

func TestClientAwaitGivesUp(t *testing.T) {
	srv := httptest.NewServer(signalHandler(newTestRelay(NewMemoryStore())))
	defer srv.Close()
	c := newTestClient(srv)
	c.MaxPolls = 2

	var ans Answer
	if err := c.Await(context.Background(), KindAnswer, "band", &ans); !errors.Is(err, ErrNoDescriptor) {
		t.Errorf("Await() error = %v, want ErrNoDescriptor", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Await(ctx, KindAnswer, "band", &ans); err != context.Canceled {
		t.Errorf("Await(cancelled) error = %v, want context.Canceled", err)
	}

	if err := c.Await(context.Background(), KindAnswer, "", &ans); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Await(blank label) error = %v, want ErrInvalidArgument", err)
	}
}
