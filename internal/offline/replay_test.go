package offline_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/g960059/ridewatch/internal/backend/backendtest"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/testutil"
)

func TestMutateOfflineAlwaysQueues(t *testing.T) {
	h := newHarness(t)
	h.goOffline()

	for i := 0; i < 3; i++ {
		res, err := h.mgr.Mutate(h.ctx, offline.Mutation{
			Kind:    model.OpUpdate,
			Target:  model.OperationTarget{Kind: model.KindVehicle, ID: "V1"},
			Payload: map[string]any{"status": "maintenance"},
		})
		if err != nil {
			t.Fatalf("offline write returned an error: %v", err)
		}
		if !res.Queued || res.Confirmed {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if got := len(h.queue()); got != 3 {
		t.Fatalf("queue length = %d, want one op per call", got)
	}
	if h.srv.Calls("vehicles") != 0 {
		t.Fatalf("offline write reached the network")
	}
}

func TestMutateOnlineConfirmsAndUpdatesCache(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("vehicles", backendtest.Row{"id": "V1", "plate": "AB-1", "status": "active"})
	testutil.SeedEntry(t, h.store, h.ctx, model.KindVehicle, "V1", model.Vehicle{ID: "V1", Plate: "AB-1", Status: "active"}, time.Hour)

	res, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:    model.OpUpdate,
		Target:  model.OperationTarget{Kind: model.KindVehicle, ID: "V1"},
		Payload: map[string]any{"status": "maintenance"},
	})
	if err != nil || !res.Confirmed {
		t.Fatalf("Mutate = %+v, %v", res, err)
	}
	entry, err := h.store.GetEntry(h.ctx, model.KindVehicle, "V1")
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	var v model.Vehicle
	_ = json.Unmarshal(entry.Payload, &v)
	if v.Status != "maintenance" || v.Plate != "AB-1" {
		t.Fatalf("cache not updated from the write: %+v", v)
	}
	if len(h.queue()) != 0 {
		t.Fatalf("confirmed write left a pending op")
	}
}

func TestMutateTransientFailureQueues(t *testing.T) {
	h := newHarness(t)
	h.srv.Inject("vehicles", backendtest.Fault{Status: http.StatusServiceUnavailable, Message: "busy"})

	res, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:    model.OpUpdate,
		Target:  model.OperationTarget{Kind: model.KindVehicle, ID: "V1"},
		Payload: map[string]any{"status": "maintenance"},
	})
	if err != nil || !res.Queued {
		t.Fatalf("transient failure should queue: %+v %v", res, err)
	}
	if len(h.queue()) != 1 {
		t.Fatalf("expected one queued op")
	}
}

func TestMutatePolicyFailureIsReturned(t *testing.T) {
	h := newHarness(t)
	h.srv.Inject("vehicles", backendtest.PolicyRecursion("vehicles"))

	_, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:    model.OpUpdate,
		Target:  model.OperationTarget{Kind: model.KindVehicle, ID: "V1"},
		Payload: map[string]any{"status": "maintenance"},
	})
	if !resilience.IsPolicy(err) {
		t.Fatalf("expected policy error, got %v", err)
	}
	if len(h.queue()) != 0 {
		t.Fatalf("policy failures must not be queued")
	}
}

func TestReplayKeepsPerTargetOrder(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("trips", backendtest.Row{"id": "1", "status": "active"})
	a := testutil.SeedOperation(t, h.store, h.ctx, model.OpUpdate, model.OperationTarget{Kind: model.KindTrip, ID: "1"}, map[string]any{"status": "cancelled"})
	b := testutil.SeedOperation(t, h.store, h.ctx, model.OpDelete, model.OperationTarget{Kind: model.KindTrip, ID: "1"}, nil)

	// Fail every HTTP try of A's first attempt.
	h.srv.Inject("trips", backendtest.Fault{Status: http.StatusBadGateway, Message: "upstream", Times: h.cfg.RetryCount})

	res, err := h.mgr.Replay(h.ctx)
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if res.Synced != 0 || res.Errored != 1 || res.Remaining != 2 {
		t.Fatalf("first pass = %+v", res)
	}
	for _, id := range h.dispatch.order() {
		if id != a.ID {
			t.Fatalf("B overtook a failed A: sent %v", h.dispatch.order())
		}
	}
	ops := h.queue()
	if ops[0].ID != a.ID || ops[0].Attempts != 1 || ops[0].Status != model.OpStatusError || ops[0].Error == "" {
		t.Fatalf("attempt not persisted on A: %+v", ops[0])
	}
	if ops[1].Attempts != 0 {
		t.Fatalf("B attempted in the first pass: %+v", ops[1])
	}
	if h.notifications() != 0 {
		t.Fatalf("notified without syncing anything")
	}

	res, err = h.mgr.Replay(h.ctx)
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if res.Synced != 2 || res.Remaining != 0 {
		t.Fatalf("second pass = %+v", res)
	}
	// Two tries of A in the first pass, then A and B in order.
	want := []int64{a.ID, a.ID, a.ID, b.ID}
	got := h.dispatch.order()
	if len(got) != len(want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sent %v, want %v", got, want)
		}
	}
	if rows := h.srv.Rows("trips"); len(rows) != 0 {
		t.Fatalf("delete did not run last: %v", rows)
	}
	if h.notifications() != 1 {
		t.Fatalf("notifications = %d, want 1", h.notifications())
	}
}

func TestReplaySkipsStuckOperations(t *testing.T) {
	h := newHarness(t, withMaxAttempts(1))
	h.goOffline()
	if _, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:   model.OpDelete,
		Target: model.OperationTarget{Kind: model.KindRoute, ID: "R1"},
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	h.goOnline()
	h.srv.DropTable("routes")

	res, err := h.mgr.Replay(h.ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Errored != 1 || res.Stuck != 1 {
		t.Fatalf("first pass = %+v", res)
	}

	h.srv.CreateTable("routes")
	res, err = h.mgr.Replay(h.ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Synced != 0 || res.Stuck != 1 || res.Remaining != 1 {
		t.Fatalf("stuck op was retried or dropped: %+v", res)
	}
	if len(h.dispatch.order()) != 1 {
		t.Fatalf("stuck op dispatched again")
	}

	ops := h.queue()
	if err := h.mgr.Retry(h.ctx, ops[0].ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	res, _ = h.mgr.Replay(h.ctx)
	if res.Synced != 1 || res.Remaining != 0 {
		t.Fatalf("reset op not replayed: %+v", res)
	}
}

func TestReplayIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("vehicles", backendtest.Row{"id": "V1"})
	testutil.SeedOperation(t, h.store, h.ctx, model.OpUpdate, model.OperationTarget{Kind: model.KindVehicle, ID: "V1"}, map[string]any{"status": "active"})

	gate := make(chan struct{})
	h.dispatch.gate = gate

	var wg sync.WaitGroup
	results := make([]offline.ReplayResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.mgr.Replay(h.ctx)
		}(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(h.dispatch.order()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := len(h.dispatch.order()); got != 1 {
		t.Fatalf("op dispatched %d times by concurrent replays", got)
	}
	for i, r := range results {
		if r.Synced != 1 {
			t.Fatalf("caller %d got %+v", i, r)
		}
	}
}

func TestReplayOfflineDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.goOffline()
	testutil.SeedOperation(t, h.store, h.ctx, model.OpUpdate, model.OperationTarget{Kind: model.KindVehicle, ID: "V1"}, map[string]any{"status": "active"})

	res, err := h.mgr.Replay(h.ctx)
	if err != nil || !res.Offline || res.Remaining != 1 {
		t.Fatalf("Replay = %+v, %v", res, err)
	}
	if len(h.dispatch.order()) != 0 {
		t.Fatalf("dispatched while offline")
	}
}

func TestLocationUpdateQueuedOfflineAndReplayedOnReconnect(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var got []map[string]any
	h.srv.HandleRPC("update_vehicle_location", func(args map[string]any) (any, *backendtest.Fault) {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
		return map[string]any{"ok": true}, nil
	})
	stop := h.mgr.Watch(h.ctx)
	defer stop()

	h.goOffline()
	res, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:    model.OpLocationUpdate,
		Target:  model.OperationTarget{Kind: model.KindLocation, ID: "V1"},
		Payload: model.Location{VehicleID: "V1", Lat: 1, Lng: 2, RecordedAt: h.clock.Now()},
	})
	if err != nil || !res.Queued {
		t.Fatalf("Mutate = %+v, %v", res, err)
	}
	ops := h.queue()
	if len(ops) != 1 || ops[0].Kind != model.OpLocationUpdate || ops[0].Target.ID != "V1" {
		t.Fatalf("unexpected queue %+v", ops)
	}

	h.goOnline()
	h.mgr.Wait()

	if len(h.queue()) != 0 {
		t.Fatalf("op not removed after reconnect replay")
	}
	mu.Lock()
	if len(got) != 1 || got[0]["p_vehicle_id"] != "V1" || got[0]["p_latitude"] != float64(1) || got[0]["p_longitude"] != float64(2) {
		t.Fatalf("rpc args = %v", got)
	}
	mu.Unlock()

	entry, err := h.store.GetEntry(h.ctx, model.KindLocation, "V1")
	if err != nil {
		t.Fatalf("location not cached: %v", err)
	}
	var loc model.Location
	_ = json.Unmarshal(entry.Payload, &loc)
	if loc.Lat != 1 || loc.Lng != 2 {
		t.Fatalf("cached location = %+v", loc)
	}
}

func TestQueuedWriteAppliedOptimistically(t *testing.T) {
	h := newHarness(t)
	testutil.SeedEntry(t, h.store, h.ctx, model.KindTrip, "T1", model.Trip{ID: "T1", RouteID: "R1", VehicleID: "V1", Status: model.TripScheduled}, time.Hour)
	h.goOffline()

	if _, err := h.mgr.Mutate(h.ctx, offline.Mutation{
		Kind:   model.OpTripStart,
		Target: model.OperationTarget{Kind: model.KindTrip, ID: "T1"},
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	res, err := h.mgr.Fetch(h.ctx, offline.FetchRequest{Kind: model.KindTrip, ID: "T1"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var trip model.Trip
	_ = res.Decode(&trip)
	if trip.Status != model.TripActive || res.Source != model.SourceCache || !res.IsOffline {
		t.Fatalf("queued start not visible offline: %+v %+v", trip, res)
	}
}

func TestDiscardRemovesOperation(t *testing.T) {
	h := newHarness(t)
	op := testutil.SeedOperation(t, h.store, h.ctx, model.OpDelete, model.OperationTarget{Kind: model.KindRoute, ID: "R1"}, nil)
	if err := h.mgr.Discard(h.ctx, op.ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := h.mgr.Discard(h.ctx, op.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("second discard = %v, want ErrNotFound", err)
	}
}

func tripTransition(kind model.OperationKind, id string) offline.Mutation {
	return offline.Mutation{
		Kind:    kind,
		Target:  model.OperationTarget{Kind: model.KindTrip, ID: id},
		Payload: map[string]any{},
	}
}

func TestOnlineWriteWaitsBehindQueuedTransition(t *testing.T) {
	h := newHarness(t)
	h.srv.Seed("trips", backendtest.Row{"id": "T1", "route_id": "R1", "vehicle_id": "V1", "status": "scheduled"})

	h.goOffline()
	start, err := h.mgr.Mutate(h.ctx, tripTransition(model.OpTripStart, "T1"))
	if err != nil || !start.Queued {
		t.Fatalf("start = %+v, %v", start, err)
	}

	h.goOnline()
	end, err := h.mgr.Mutate(h.ctx, tripTransition(model.OpTripEnd, "T1"))
	if err != nil || !end.Confirmed || end.Queued {
		t.Fatalf("end = %+v, %v", end, err)
	}
	want := []int64{start.Operation.ID, end.Operation.ID}
	if got := h.dispatch.order(); !slices.Equal(got, want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
	if got := h.srv.Rows("trips")[0]["status"]; got != string(model.TripCompleted) {
		t.Fatalf("backend trip status = %v", got)
	}
	if len(h.queue()) != 0 {
		t.Fatalf("queue not drained: %+v", h.queue())
	}
}

func TestOnlineWriteStaysQueuedBehindStuckOperation(t *testing.T) {
	h := newHarness(t, withMaxAttempts(1))
	h.srv.Seed("trips", backendtest.Row{"id": "T1", "route_id": "R1", "vehicle_id": "V1", "status": "scheduled"})

	h.goOffline()
	start, err := h.mgr.Mutate(h.ctx, tripTransition(model.OpTripStart, "T1"))
	if err != nil || !start.Queued {
		t.Fatalf("start = %+v, %v", start, err)
	}
	h.goOnline()
	h.srv.Inject("trips", backendtest.Fault{Status: http.StatusServiceUnavailable, Message: "busy"})
	if res, err := h.mgr.Replay(h.ctx); err != nil || res.Stuck != 1 {
		t.Fatalf("Replay = %+v, %v", res, err)
	}
	h.srv.ClearFaults()

	end, err := h.mgr.Mutate(h.ctx, tripTransition(model.OpTripEnd, "T1"))
	if err != nil || !end.Queued || end.Confirmed {
		t.Fatalf("end = %+v, %v", end, err)
	}
	if slices.Contains(h.dispatch.order(), end.Operation.ID) {
		t.Fatalf("end overtook the stuck start: %v", h.dispatch.order())
	}
	if got := h.srv.Rows("trips")[0]["status"]; got != "scheduled" {
		t.Fatalf("backend trip status = %v", got)
	}
}
