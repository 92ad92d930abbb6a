package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	storetest "github.com/g960059/ridewatch/internal/testutil"
)

type feedServer struct {
	*httptest.Server

	mu      sync.Mutex
	conns   int
	apiKeys []string
}

// newFeedServer accepts the first connection, writes frames, closes it
// and rejects every later connection.
func newFeedServer(t *testing.T, frames []Envelope, hold bool) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		fs.conns++
		n := fs.conns
		fs.apiKeys = append(fs.apiKeys, r.URL.Query().Get("apikey"))
		fs.mu.Unlock()
		if n > 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range frames {
			if err := wsjson.Write(r.Context(), conn, f); err != nil {
				return
			}
		}
		if hold {
			// Blocks until the client goes away.
			_, _, _ = conn.Read(context.Background())
			conn.Close(websocket.StatusGoingAway, "")
			return
		}
		conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns
}

func locationFrame(t *testing.T, loc model.Location) Envelope {
	t.Helper()
	data, err := json.Marshal(loc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Envelope{Type: TypeLocation, Payload: data}
}

func testConfig(url string) config.Config {
	cfg := config.DefaultConfig()
	cfg.RealtimeURL = url
	cfg.APIKey = "anon"
	cfg.RealtimeMaxAttempts = 1
	cfg.RealtimeBaseDelay = time.Millisecond
	cfg.RealtimeMaxDelay = 5 * time.Millisecond
	return cfg
}

func TestFeedAppliesLocationsAndGivesUp(t *testing.T) {
	store, ctx := storetest.NewStore(t)
	t0 := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	srv := newFeedServer(t, []Envelope{
		locationFrame(t, model.Location{VehicleID: "V1", Lat: 1, Lng: 2, RecordedAt: t0.Add(time.Minute)}),
		locationFrame(t, model.Location{VehicleID: "V1", Lat: 9, Lng: 9, RecordedAt: t0}),
		{Type: "presence", Payload: json.RawMessage(`{}`)},
		locationFrame(t, model.Location{VehicleID: "V2", Lat: 3, Lng: 4, RecordedAt: t0}),
		{Type: TypeLocation, Payload: json.RawMessage(`{"latitude":1}`)},
	}, false)

	reg := prometheus.NewRegistry()
	var seen []string
	feed, err := New(testConfig(srv.URL), Options{
		Store:      store,
		Metrics:    metrics.New(reg),
		OnLocation: func(loc model.Location) { seen = append(seen, loc.VehicleID) },
	})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	var slept []time.Duration
	feed.SetSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	if err := feed.Run(ctx); !errors.Is(err, ErrGaveUp) {
		t.Fatalf("run = %v, want ErrGaveUp", err)
	}
	if srv.connections() != 2 || len(slept) != 1 {
		t.Fatalf("connections = %d, sleeps = %v", srv.connections(), slept)
	}
	if srv.apiKeys[0] != "anon" {
		t.Fatalf("apikey = %q", srv.apiKeys[0])
	}
	if feed.Applied() != 2 || len(seen) != 2 || seen[0] != "V1" || seen[1] != "V2" {
		t.Fatalf("applied = %d, seen = %v", feed.Applied(), seen)
	}

	entry, err := store.GetEntry(ctx, model.KindLocation, "V1")
	if err != nil {
		t.Fatalf("cached V1: %v", err)
	}
	var got model.Location
	if err := json.Unmarshal(entry.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Lat != 1 || got.Lng != 2 {
		t.Fatalf("older position overwrote newer one: %+v", got)
	}
	if _, err := store.GetEntry(ctx, model.KindLocation, "V2"); err != nil {
		t.Fatalf("cached V2: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	counts := map[string]float64{}
	for _, f := range families {
		if m := f.GetMetric(); len(m) == 1 && m[0].GetCounter() != nil {
			counts[f.GetName()] = m[0].GetCounter().GetValue()
		}
	}
	if counts["ridewatch_realtime_messages_total"] != 5 || counts["ridewatch_realtime_reconnects_total"] != 1 {
		t.Fatalf("counters = %v", counts)
	}
}

func TestFeedStopsOnCancel(t *testing.T) {
	store, _ := storetest.NewStore(t)
	srv := newFeedServer(t, nil, true)
	feed, err := New(testConfig(srv.URL), Options{Store: store})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !feed.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("feed never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if feed.Connected() {
		t.Fatal("still connected after cancel")
	}
}

func TestBackoffIsBounded(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1")
	cfg.RealtimeBaseDelay = time.Second
	cfg.RealtimeMaxDelay = 30 * time.Second
	feed, err := New(cfg, Options{})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	if d := feed.backoff(0); d < time.Second || d > 1500*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
	if d := feed.backoff(2); d < 4*time.Second || d > 4500*time.Millisecond {
		t.Fatalf("third delay = %v", d)
	}
	if d := feed.backoff(10); d != 30*time.Second {
		t.Fatalf("capped delay = %v", d)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(config.DefaultConfig(), Options{}); !errors.Is(err, ErrNoURL) {
		t.Fatalf("err = %v, want ErrNoURL", err)
	}
	feed, err := New(testConfig("https://rt.example.com/realtime/v1"), Options{})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	if feed.url != "wss://rt.example.com/realtime/v1?apikey=anon" {
		t.Fatalf("url = %q", feed.url)
	}
}
