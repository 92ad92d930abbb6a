package offline_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/backend/backendtest"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/fallback"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/testutil"
)

type harness struct {
	t        *testing.T
	ctx      context.Context
	srv      *backendtest.Server
	client   *backend.Client
	store    *db.Store
	clock    *testutil.Clock
	state    *connstate.State
	ex       *resilience.Executor
	dispatch *recordingDispatcher
	mgr      *offline.Manager
	cfg      config.Config

	mu       sync.Mutex
	notified []offline.ReplayResult
}

type harnessOption func(*config.Config, *offline.Options)

func withMaxAttempts(n int) harnessOption {
	return func(cfg *config.Config, _ *offline.Options) { cfg.MaxAttempts = n }
}

func withDemo() harnessOption {
	return func(_ *config.Config, o *offline.Options) {
		o.Demo = true
		o.Fallbacks = fallback.Demo()
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	store, ctx := testutil.NewStore(t)
	clock := testutil.NewClock(time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))
	store.SetClock(clock.Now)

	srv := backendtest.Start()
	t.Cleanup(srv.Close)
	srv.CreateTable("trips", "vehicles", "routes", "students", "profiles", "vehicle_locations")

	cfg := config.DefaultConfig()
	cfg.RetryCount = 2
	cfg.RetryDelay = time.Millisecond
	cfg.MaxAttempts = 5

	h := &harness{
		t:      t,
		ctx:    ctx,
		srv:    srv,
		client: backend.New(srv.URL(), "anon-key", srv.HTTPClient()),
		store:  store,
		clock:  clock,
		state:  connstate.New(),
	}
	h.dispatch = &recordingDispatcher{inner: offline.NewBackendDispatcher(h.client, nil)}
	o := offline.Options{
		Store:      store,
		Dispatcher: h.dispatch,
		Fallbacks:  fallback.Default(),
		Now:        clock.Now,
		Notify: func(r offline.ReplayResult) {
			h.mu.Lock()
			h.notified = append(h.notified, r)
			h.mu.Unlock()
		},
	}
	for _, opt := range opts {
		opt(&cfg, &o)
	}
	h.cfg = cfg
	h.ex = resilience.NewExecutor(h.state, cfg, nil, nil)
	h.ex.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	o.Executor = h.ex
	h.mgr = offline.NewManager(cfg, o)
	return h
}

func (h *harness) goOffline() {
	h.state.SetConnected(false, errors.New("network offline"))
}

func (h *harness) goOnline() {
	h.state.SetConnected(true, nil)
}

func (h *harness) selectOne(table, id string) func(ctx context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		raw, err := h.client.Select(ctx, table, backend.Query{Eq: map[string]string{"id": id}, Limit: 1})
		if err != nil {
			return nil, err
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return rows[0], nil
	}
}

func (h *harness) queue() []model.PendingOperation {
	h.t.Helper()
	ops, err := h.store.ListOperations(h.ctx)
	if err != nil {
		h.t.Fatalf("list operations: %v", err)
	}
	return ops
}

func (h *harness) notifications() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notified)
}

// recordingDispatcher remembers the order operations were sent in and can
// hold them at a gate.
type recordingDispatcher struct {
	inner offline.Dispatcher

	mu   sync.Mutex
	sent []int64
	gate chan struct{}
}

func (d *recordingDispatcher) Path(op model.PendingOperation) string {
	return d.inner.Path(op)
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, op model.PendingOperation) (json.RawMessage, error) {
	d.mu.Lock()
	d.sent = append(d.sent, op.ID)
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return d.inner.Dispatch(ctx, op)
}

func (d *recordingDispatcher) order() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.sent...)
}
