package stats_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/backend/backendtest"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/stats"
	storetest "github.com/g960059/ridewatch/internal/testutil"
)

func setup(t *testing.T) (*stats.Computer, *backendtest.Server, *connstate.State, *prometheus.Registry, func(model.EntityKind, string, any)) {
	t.Helper()
	store, ctx := storetest.NewStore(t)
	srv := backendtest.Start()
	t.Cleanup(srv.Close)
	srv.CreateTable("vehicles", "profiles")

	cfg := config.DefaultConfig()
	cfg.RetryCount = 1
	state := connstate.New()
	reg := prometheus.NewRegistry()
	c := stats.New(stats.Options{
		Client:   backend.New(srv.URL(), "anon", srv.HTTPClient()),
		Executor: resilience.NewExecutor(state, cfg, nil, nil),
		Store:    store,
		Metrics:  metrics.New(reg),
		Now:      func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) },
	})
	seed := func(kind model.EntityKind, id string, v any) {
		storetest.SeedEntry(t, store, ctx, kind, id, v, time.Hour)
	}
	return c, srv, state, reg, seed
}

func TestComputeFromBackend(t *testing.T) {
	c, srv, _, _, _ := setup(t)
	srv.Seed("vehicles",
		backendtest.Row{"id": "V1", "compliant": true},
		backendtest.Row{"id": "V2", "compliant": true},
		backendtest.Row{"id": "V3", "compliant": false},
		backendtest.Row{"id": "V4", "compliant": true},
	)
	srv.Seed("profiles",
		backendtest.Row{"id": "P1", "role": "driver", "verified": true},
		backendtest.Row{"id": "P2", "role": "driver", "verified": false},
		backendtest.Row{"id": "P3", "role": "parent", "verified": false},
	)

	r, err := c.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.Compliance != 0.75 || r.Verified != 0.5 || r.Drivers != 2 || r.Source != model.SourceOnline {
		t.Fatalf("rates = %+v", r)
	}
	if r.ComputedAt.IsZero() || c.Last() != r {
		t.Fatalf("result not stamped and stored: %+v", c.Last())
	}
}

func TestComputeFallsBackToCache(t *testing.T) {
	c, _, state, reg, seed := setup(t)
	seed(model.KindVehicle, "V1", model.Vehicle{ID: "V1", Compliant: true})
	seed(model.KindVehicle, "V2", model.Vehicle{ID: "V2"})
	seed(model.KindProfile, "P1", model.Profile{ID: "P1", Role: model.RoleDriver, Verified: true})
	state.SetConnected(false, errors.New("network offline"))

	r, err := c.Compute(context.Background())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.Source != model.SourceCache || r.Compliance != 0.5 || r.Verified != 1 {
		t.Fatalf("rates = %+v", r)
	}
	if got := gaugeValue(t, reg, "ridewatch_trip_compliance_ratio"); got != 0.5 {
		t.Fatalf("gauge = %v", got)
	}
}

func TestEmptyFleetIsZero(t *testing.T) {
	c, _, _, _, _ := setup(t)
	r, err := c.Compute(context.Background())
	if err != nil || r.Compliance != 0 || r.Verified != 0 {
		t.Fatalf("rates = %+v, %v", r, err)
	}
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
