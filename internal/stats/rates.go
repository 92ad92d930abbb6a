// Package stats computes fleet-wide compliance and verification rates.
//
// The rates are approximate: they come from a bounded sample of rows,
// are recomputed on an interval and carry the time they were computed.
// Readers must not treat them as real-time counts.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
)

const DefaultSampleSize = 1000

var errOffline = errors.New("backend unreachable")

type Rates struct {
	// Compliance is the share of vehicles marked compliant.
	Compliance float64 `json:"compliance"`
	// Verified is the share of driver profiles marked verified.
	Verified   float64      `json:"verified"`
	Vehicles   int          `json:"vehicles"`
	Drivers    int          `json:"drivers"`
	Source     model.Source `json:"source"`
	ComputedAt time.Time    `json:"computed_at"`
}

type Computer struct {
	client  *backend.Client
	ex      *resilience.Executor
	store   *db.Store
	log     *slog.Logger
	metrics *metrics.Metrics
	sample  int
	now     func() time.Time

	mu   sync.RWMutex
	last Rates
}

type Options struct {
	Client     *backend.Client
	Executor   *resilience.Executor
	Store      *db.Store
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	SampleSize int
	Now        func() time.Time
}

func New(opts Options) *Computer {
	sample := opts.SampleSize
	if sample <= 0 {
		sample = DefaultSampleSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Computer{
		client:  opts.Client,
		ex:      opts.Executor,
		store:   opts.Store,
		log:     logging.OrDiscard(opts.Logger).With("component", "stats"),
		metrics: opts.Metrics,
		sample:  sample,
		now:     now,
	}
}

// Last returns the most recent computation; ComputedAt is zero before
// the first one.
func (c *Computer) Last() Rates {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Compute samples the backend, or the local cache when the backend
// cannot be read.
func (c *Computer) Compute(ctx context.Context) (Rates, error) {
	r, err := c.fromBackend(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Rates{}, ctx.Err()
		}
		c.log.Warn("rates from backend failed, using cache", "error", err)
		if r, err = c.fromCache(ctx); err != nil {
			return Rates{}, err
		}
	}
	r.ComputedAt = c.now()
	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	c.metrics.SetRates(r.Compliance, r.Verified)
	return r, nil
}

func (c *Computer) fromBackend(ctx context.Context) (Rates, error) {
	if !c.ex.State().IsConnected() {
		return Rates{}, errOffline
	}
	vehicles, err := resilience.Execute(ctx, c.ex, resilience.Request{Path: "vehicles"},
		func(ctx context.Context) ([]model.Vehicle, error) {
			return backend.SelectInto[model.Vehicle](ctx, c.client, "vehicles", backend.Query{Select: "id,compliant", Limit: c.sample})
		})
	if err != nil {
		return Rates{}, err
	}
	drivers, err := resilience.Execute(ctx, c.ex, resilience.Request{Path: "profiles"},
		func(ctx context.Context) ([]model.Profile, error) {
			return backend.SelectInto[model.Profile](ctx, c.client, "profiles", backend.Query{
				Select: "id,role,verified",
				Eq:     map[string]string{"role": string(model.RoleDriver)},
				Limit:  c.sample,
			})
		})
	if err != nil {
		return Rates{}, err
	}
	r := rates(vehicles, drivers)
	r.Source = model.SourceOnline
	return r, nil
}

func (c *Computer) fromCache(ctx context.Context) (Rates, error) {
	vehicles, err := decodeAll[model.Vehicle](ctx, c.store, model.KindVehicle)
	if err != nil {
		return Rates{}, err
	}
	profiles, err := decodeAll[model.Profile](ctx, c.store, model.KindProfile)
	if err != nil {
		return Rates{}, err
	}
	var drivers []model.Profile
	for _, p := range profiles {
		if p.Role == model.RoleDriver {
			drivers = append(drivers, p)
		}
	}
	r := rates(vehicles, drivers)
	r.Source = model.SourceCache
	return r, nil
}

func decodeAll[T any](ctx context.Context, store *db.Store, kind model.EntityKind) ([]T, error) {
	entries, err := store.ListEntries(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Payload, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func rates(vehicles []model.Vehicle, drivers []model.Profile) Rates {
	r := Rates{Vehicles: len(vehicles), Drivers: len(drivers)}
	compliant := 0
	for _, v := range vehicles {
		if v.Compliant {
			compliant++
		}
	}
	verified := 0
	for _, d := range drivers {
		if d.Verified {
			verified++
		}
	}
	r.Compliance = ratio(compliant, len(vehicles))
	r.Verified = ratio(verified, len(drivers))
	return r
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Run recomputes every interval until ctx is done.
func (c *Computer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if _, err := c.Compute(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("compute rates failed", "error", err)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Compute(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("compute rates failed", "error", err)
			}
		}
	}
}
