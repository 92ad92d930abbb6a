package resilience_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/backend/backendtest"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/resilience"
)

type harness struct {
	srv    *backendtest.Server
	client *backend.Client
	state  *connstate.State
	ex     *resilience.Executor
	sleeps []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := backendtest.Start()
	t.Cleanup(srv.Close)
	h := &harness{
		srv:    srv,
		client: backend.New(srv.URL(), "anon-key", srv.HTTPClient()),
		state:  connstate.New(),
	}
	cfg := config.DefaultConfig()
	cfg.RetryCount = 3
	cfg.RetryDelay = 100 * time.Millisecond
	h.ex = resilience.NewExecutor(h.state, cfg, nil, nil)
	h.ex.SetSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	})
	return h
}

func (h *harness) selectTrips(ctx context.Context, critical bool) (json.RawMessage, error) {
	return resilience.Execute(ctx, h.ex, resilience.Request{Path: "trips", Critical: critical},
		func(ctx context.Context) (json.RawMessage, error) {
			return h.client.Select(ctx, "trips", backend.Query{})
		})
}

func TestExecuteReturnsFirstSuccess(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("trips", backendtest.Row{"id": "t1"})
	h.srv.Inject("trips", backendtest.Fault{Drop: true, Times: 2})

	body, err := h.selectTrips(context.Background(), false)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) != 1 {
		t.Fatalf("unexpected body %s (%v)", body, err)
	}
	if got := h.srv.Calls("trips"); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(h.sleeps) != len(want) || h.sleeps[0] != want[0] || h.sleeps[1] != want[1] {
		t.Fatalf("backoff = %v, want linear %v", h.sleeps, want)
	}
	if !h.state.IsConnected() {
		t.Fatalf("success must mark the backend reachable")
	}
}

func TestTransportExhaustionMarksDisconnected(t *testing.T) {
	h := newHarness(t)
	h.srv.SetDown(true)

	_, err := h.selectTrips(context.Background(), false)
	var ce *resilience.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *resilience.Error, got %T %v", err, err)
	}
	if ce.Kind != resilience.KindTransport || ce.Attempts != 3 {
		t.Fatalf("unexpected error %+v", ce)
	}
	if h.srv.Calls("trips") != 3 {
		t.Fatalf("calls = %d, want 3", h.srv.Calls("trips"))
	}
	if h.state.IsConnected() {
		t.Fatalf("transport exhaustion must mark the backend unreachable")
	}
	if !resilience.IsTransport(h.state.LastError()) {
		t.Fatalf("LastError = %v", h.state.LastError())
	}
}

func TestPolicyErrorNonCriticalAttemptedOnce(t *testing.T) {
	h := newHarness(t)
	h.srv.CreateTable("trips")
	h.srv.Inject("trips", backendtest.PolicyRecursion("trips"))

	_, err := h.selectTrips(context.Background(), false)
	var ce *resilience.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected *resilience.Error, got %v", err)
	}
	if ce.Kind != resilience.KindPolicy || !ce.IsPolicyError || ce.Code != "42P17" {
		t.Fatalf("unexpected classification %+v", ce)
	}
	if got := h.srv.Calls("trips"); got != 1 {
		t.Fatalf("non-critical policy error attempted %d times, want 1", got)
	}
	if !h.state.IsConnected() {
		t.Fatalf("policy errors must not flip reachability")
	}
}

func TestPolicyErrorCriticalRetriedToCap(t *testing.T) {
	h := newHarness(t)
	h.srv.CreateTable("trips")
	h.srv.Inject("trips", backendtest.PolicyRecursion("trips"))

	_, err := h.selectTrips(context.Background(), true)
	if !resilience.IsPolicy(err) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if got := h.srv.Calls("trips"); got != 3 {
		t.Fatalf("critical policy error attempted %d times, want 3", got)
	}
}

func TestNonRetryableKindsStopImmediately(t *testing.T) {
	cases := []struct {
		name  string
		fault backendtest.Fault
		kind  resilience.Kind
	}{
		{"auth", backendtest.Fault{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "JWT expired"}, resilience.KindAuth},
		{"client", backendtest.Fault{Status: http.StatusBadRequest, Code: "22P02", Message: "invalid input syntax"}, resilience.KindClient},
		{"not found", backendtest.Fault{Status: http.StatusNotAcceptable, Code: "PGRST116", Message: "no rows"}, resilience.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.srv.CreateTable("trips")
			h.srv.Inject("trips", tc.fault)
			_, err := h.selectTrips(context.Background(), true)
			if got := resilience.KindOf(err); got != tc.kind {
				t.Fatalf("kind = %q, want %q (%v)", got, tc.kind, err)
			}
			if got := h.srv.Calls("trips"); got != 1 {
				t.Fatalf("attempted %d times, want 1", got)
			}
		})
	}
}

func TestMissingTableIsSchemaMissing(t *testing.T) {
	h := newHarness(t)
	_, err := h.selectTrips(context.Background(), false)
	if !resilience.IsSchemaMissing(err) {
		t.Fatalf("expected schema-missing, got %v", err)
	}
	_, err = resilience.Execute(context.Background(), h.ex, resilience.Request{Path: "rpc:nope"},
		func(ctx context.Context) (json.RawMessage, error) { return h.client.RPC(ctx, "nope", nil) })
	if !resilience.IsSchemaMissing(err) {
		t.Fatalf("expected schema-missing for rpc, got %v", err)
	}
}

func TestServerErrorsRetry(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("trips", backendtest.Row{"id": "t1"})
	h.srv.Inject("trips", backendtest.Fault{Status: http.StatusServiceUnavailable, Message: "upstream busy", Times: 1})
	if _, err := h.selectTrips(context.Background(), false); err != nil {
		t.Fatalf("expected retry to recover from 503: %v", err)
	}
	if h.srv.Calls("trips") != 2 {
		t.Fatalf("calls = %d, want 2", h.srv.Calls("trips"))
	}
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	h := newHarness(t)
	h.srv.SetDown(true)
	ctx, cancel := context.WithCancel(context.Background())
	h.ex.SetSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})
	_, err := h.selectTrips(ctx, false)
	if resilience.KindOf(err) != resilience.KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	if !h.state.IsConnected() {
		t.Fatalf("cancellation must not flip reachability")
	}
}

func TestDoDiscardsValue(t *testing.T) {
	h := newHarness(t)
	calls := 0
	err := h.ex.Do(context.Background(), resilience.Request{Path: "noop"}, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("Do: err=%v calls=%d", err, calls)
	}
}
