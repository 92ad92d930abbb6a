package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/backend/backendtest"
)

func newClient(t *testing.T) (*backend.Client, *backendtest.Server) {
	t.Helper()
	srv := backendtest.Start()
	t.Cleanup(srv.Close)
	return backend.New(srv.URL(), "anon-key", nil), srv
}

func TestSelectFiltersOrderAndPaging(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("trips",
		backendtest.Row{"id": "t1", "route_id": "r1", "status": "active"},
		backendtest.Row{"id": "t2", "route_id": "r1", "status": "completed"},
		backendtest.Row{"id": "t3", "route_id": "r2", "status": "active"},
		backendtest.Row{"id": "t4", "route_id": "r1", "status": "active"},
	)
	type trip struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	rows, err := backend.SelectInto[trip](context.Background(), c, "trips", backend.Query{
		Eq:     map[string]string{"route_id": "r1", "status": "active"},
		Order:  "id.desc",
		Limit:  1,
		Offset: 0,
	})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "t4" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	rows, err = backend.SelectInto[trip](context.Background(), c, "trips", backend.Query{Order: "id.asc", Offset: 3})
	if err != nil {
		t.Fatalf("select with offset: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "t4" {
		t.Fatalf("unexpected rows with offset %+v", rows)
	}
}

func TestRequestCarriesKeysAndIdempotency(t *testing.T) {
	c, srv := newClient(t)
	srv.CreateTable("vehicle_locations")
	ctx := context.Background()
	row := map[string]any{"vehicle_id": "bus-1", "latitude": 1.5}
	if _, err := c.Insert(ctx, "vehicle_locations", row, backend.WriteOptions{IdempotencyKey: "k-1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := c.Insert(ctx, "vehicle_locations", row, backend.WriteOptions{IdempotencyKey: "k-1"}); err != nil {
		t.Fatalf("replayed insert: %v", err)
	}
	if got := len(srv.Rows("vehicle_locations")); got != 1 {
		t.Fatalf("idempotent insert stored %d rows", got)
	}
	headers := srv.Headers()
	last := headers[len(headers)-1]
	if last.Get("apikey") != "anon-key" || last.Get("Authorization") != "Bearer anon-key" {
		t.Fatalf("unexpected auth headers %v", last)
	}
	if last.Get("Prefer") != "return=representation" || last.Get("Idempotency-Key") != "k-1" {
		t.Fatalf("unexpected write headers %v", last)
	}
}

func TestUpdateAndDeleteRequireFilters(t *testing.T) {
	c, srv := newClient(t)
	srv.Seed("trips", backendtest.Row{"id": "t1", "status": "scheduled"})
	ctx := context.Background()
	if _, err := c.Update(ctx, "trips", nil, map[string]any{"status": "x"}, backend.WriteOptions{}); err == nil {
		t.Fatalf("expected unfiltered update to be refused")
	}
	if err := c.Delete(ctx, "trips", nil, backend.WriteOptions{}); err == nil {
		t.Fatalf("expected unfiltered delete to be refused")
	}
	body, err := c.Update(ctx, "trips", map[string]string{"id": "t1"}, map[string]any{"status": "active"}, backend.WriteOptions{})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !strings.Contains(string(body), `"active"`) {
		t.Fatalf("update should return representation, got %s", body)
	}
	if err := c.Delete(ctx, "trips", map[string]string{"id": "t1"}, backend.WriteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(srv.Rows("trips")) != 0 {
		t.Fatalf("row not deleted")
	}
}

func TestErrorEnvelopeDecoding(t *testing.T) {
	c, srv := newClient(t)
	srv.CreateTable("profiles")
	srv.Inject("profiles", backendtest.PolicyRecursion("profiles"))
	_, err := c.Select(context.Background(), "profiles", backend.Query{})
	var be *backend.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *backend.Error, got %T %v", err, err)
	}
	if be.StatusCode != http.StatusInternalServerError || be.Code != "42P17" || !strings.Contains(be.Message, "infinite recursion") {
		t.Fatalf("unexpected error %+v", be)
	}
	if !be.Retryable() {
		t.Fatalf("5xx should be reported retryable at the http layer")
	}

	_, err = c.Select(context.Background(), "missing_table", backend.Query{})
	if !errors.As(err, &be) || be.Code != "PGRST205" || be.StatusCode != http.StatusNotFound {
		t.Fatalf("expected missing table error, got %v", err)
	}

	_, err = c.RPC(context.Background(), "nope", nil)
	if !errors.As(err, &be) || be.Code != "PGRST202" {
		t.Fatalf("expected missing function error, got %v", err)
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()
	c := backend.New(srv.URL, "", nil)
	_, err := c.Select(context.Background(), "trips", backend.Query{})
	var be *backend.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if be.Code != "HTTP_502" || be.Message != "upstream unavailable" {
		t.Fatalf("unexpected error %+v", be)
	}
}

func TestTransportFailureIsNotBackendError(t *testing.T) {
	c, srv := newClient(t)
	srv.CreateTable("trips")
	srv.SetDown(true)
	_, err := c.Select(context.Background(), "trips", backend.Query{})
	if err == nil {
		t.Fatalf("expected transport error")
	}
	var be *backend.Error
	if errors.As(err, &be) {
		t.Fatalf("transport failure must not decode as backend error: %v", err)
	}
}

func TestUnaryTimeout(t *testing.T) {
	c, srv := newClient(t)
	srv.CreateTable("trips")
	srv.Inject("trips", backendtest.Fault{Delay: 200 * time.Millisecond, Times: 1})
	_, err := c.WithUnaryTimeout(20*time.Millisecond).Select(context.Background(), "trips", backend.Query{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRPC(t *testing.T) {
	c, srv := newClient(t)
	srv.HandleRPC("ping", func(args map[string]any) (any, *backendtest.Fault) {
		return "pong", nil
	})
	body, err := c.RPC(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("rpc: %v", err)
	}
	var got string
	if err := json.Unmarshal(body, &got); err != nil || got != "pong" {
		t.Fatalf("unexpected rpc result %s (%v)", body, err)
	}
}

func TestAuthFlow(t *testing.T) {
	c, srv := newClient(t)
	ctx := context.Background()
	session, err := c.SignUp(ctx, "driver@example.test", "secret-pass", map[string]any{"role": "driver"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if session.AccessToken == "" || session.UserID == "" || !session.Valid(time.Now()) {
		t.Fatalf("unexpected session %+v", session)
	}
	u, err := c.CurrentUser(ctx)
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if u.Email != "driver@example.test" || u.ID != session.UserID {
		t.Fatalf("unexpected user %+v", u)
	}

	refreshed, err := c.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if refreshed.AccessToken == session.AccessToken {
		t.Fatalf("refresh should rotate the access token")
	}
	if _, err := c.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatalf("refresh token must be single use")
	}

	_, err = c.SignIn(ctx, "driver@example.test", "wrong")
	var be *backend.Error
	if !errors.As(err, &be) || be.Code != "invalid_credentials" || be.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if srv.Calls("auth") != 5 {
		t.Fatalf("expected 5 auth calls, got %d", srv.Calls("auth"))
	}
}
