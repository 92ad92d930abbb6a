// Package schema records which backend tables, views and functions exist
// and routes calls to fallbacks for the ones that do not.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/resilience"
)

const ActiveTripsView = "active_trips_view"

type ObjectKind string

const (
	Table ObjectKind = "table"
	View  ObjectKind = "view"
	RPC   ObjectKind = "rpc"
)

func key(kind ObjectKind, name string) string {
	return string(kind) + ":" + name
}

type Requirements struct {
	Tables []string
	Views  []string
	RPCs   []string
}

// Report is the outcome of Verify. Missing and PolicyTables hold
// kind-qualified names such as "view:active_trips_view".
type Report struct {
	Missing      []string
	PolicyTables []string
	// Unverified maps objects whose check failed for another reason to
	// that reason.
	Unverified map[string]string
	Duration   time.Duration
}

type Registry struct {
	client *backend.Client
	log    *slog.Logger

	mu      sync.RWMutex
	missing map[string]bool
}

func New(client *backend.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client:  client,
		log:     logging.OrDiscard(logger).With("component", "schema"),
		missing: map[string]bool{},
	}
}

// Verify checks each required table and view with a one-row read.
// Functions are never called; they are looked up in the API description
// instead. A function missing later is also recorded the first time a
// call reports it.
func (r *Registry) Verify(ctx context.Context, req Requirements) Report {
	start := time.Now()
	rep := Report{Unverified: map[string]string{}}
	check := func(kind ObjectKind, name string) {
		k := key(kind, name)
		_, err := r.client.Select(ctx, name, backend.Query{Limit: 1})
		switch ce := resilience.Classify(err); {
		case ce == nil:
			r.setMissing(k, false)
		case ce.Kind == resilience.KindSchemaMissing:
			r.setMissing(k, true)
			rep.Missing = append(rep.Missing, k)
		case ce.Kind == resilience.KindPolicy:
			rep.PolicyTables = append(rep.PolicyTables, k)
		default:
			rep.Unverified[k] = ce.Error()
		}
	}
	for _, t := range req.Tables {
		if ctx.Err() != nil {
			break
		}
		check(Table, t)
	}
	for _, v := range req.Views {
		if ctx.Err() != nil {
			break
		}
		check(View, v)
	}
	if len(req.RPCs) > 0 && ctx.Err() == nil {
		r.checkFunctions(ctx, req.RPCs, &rep)
	}
	rep.Duration = time.Since(start)
	if len(rep.Missing) > 0 {
		r.log.Warn("backend schema incomplete, using fallbacks", "missing", rep.Missing)
	}
	return rep
}

func (r *Registry) checkFunctions(ctx context.Context, fns []string, rep *Report) {
	listed, err := r.client.Functions(ctx)
	if err != nil {
		reason := resilience.Classify(err).Error()
		for _, fn := range fns {
			rep.Unverified[key(RPC, fn)] = reason
		}
		return
	}
	for _, fn := range fns {
		k := key(RPC, fn)
		found := slices.Contains(listed, fn)
		r.setMissing(k, !found)
		if !found {
			rep.Missing = append(rep.Missing, k)
		}
	}
}

func (r *Registry) setMissing(k string, missing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if missing {
		r.missing[k] = true
		return
	}
	delete(r.missing, k)
}

// MarkMissing records that an object does not exist.
func (r *Registry) MarkMissing(kind ObjectKind, name string) {
	r.setMissing(key(kind, name), true)
}

func (r *Registry) IsMissing(kind ObjectKind, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.missing[key(kind, name)]
}

// Missing lists every object known to be missing, sorted.
func (r *Registry) Missing() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.missing))
	for k := range r.missing {
		out = append(out, k)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// ActiveTrips lists trips in progress from the view, or from the trips
// table when the view is missing.
func (r *Registry) ActiveTrips(ctx context.Context, q backend.Query) ([]model.Trip, error) {
	if !r.IsMissing(View, ActiveTripsView) {
		trips, err := backend.SelectInto[model.Trip](ctx, r.client, ActiveTripsView, q)
		if !resilience.IsSchemaMissing(err) {
			return trips, err
		}
		r.MarkMissing(View, ActiveTripsView)
		r.log.Warn("active trips view missing, reading trips table")
	}
	eq := map[string]string{"status": string(model.TripActive)}
	for k, v := range q.Eq {
		eq[k] = v
	}
	q.Eq = eq
	return backend.SelectInto[model.Trip](ctx, r.client, offline.Tables[model.KindTrip], q)
}

// UpdateVehicleLocation calls the location function, or inserts into the
// locations table when the function is missing.
func (r *Registry) UpdateVehicleLocation(ctx context.Context, loc model.Location) (json.RawMessage, error) {
	if !r.IsMissing(RPC, offline.LocationRPC) {
		resp, err := r.client.RPC(ctx, offline.LocationRPC, offline.LocationArgs(loc))
		if !resilience.IsSchemaMissing(err) {
			return resp, err
		}
		r.MarkMissing(RPC, offline.LocationRPC)
		r.log.Warn("location function missing, writing locations table")
	}
	resp, err := r.client.Insert(ctx, offline.Tables[model.KindLocation], loc, backend.WriteOptions{})
	if err != nil {
		return nil, fmt.Errorf("insert vehicle location: %w", err)
	}
	return resp, nil
}
