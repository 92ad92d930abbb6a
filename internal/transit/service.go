// Package transit is the domain surface the CLI and daemon use: trips,
// routes, vehicles and positions read through the offline cache and
// written through the pending-operation queue.
package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/schema"
)

var ErrInvalid = errors.New("invalid request")

var validate *validator.Validate

var entityID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("entityid", func(fl validator.FieldLevel) bool {
		return entityID.MatchString(fl.Field().String())
	})
}

// LocationUpdate is a driver-reported position.
type LocationUpdate struct {
	VehicleID  string    `validate:"required,entityid"`
	Lat        float64   `validate:"latitude"`
	Lng        float64   `validate:"longitude"`
	Heading    float64   `validate:"gte=0,lt=360"`
	Speed      float64   `validate:"gte=0"`
	RecordedAt time.Time // zero means now
}

type tripTransition struct {
	TripID string `validate:"required,entityid"`
}

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("%w: %s fails %q", ErrInvalid, f.Field(), f.Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

type Service struct {
	mgr    *offline.Manager
	client *backend.Client
	schema *schema.Registry
	now    func() time.Time
}

func New(mgr *offline.Manager, client *backend.Client, reg *schema.Registry) *Service {
	if reg == nil {
		reg = schema.New(client, nil)
	}
	return &Service{mgr: mgr, client: client, schema: reg, now: time.Now}
}

// SetClock replaces the time source used for timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// UpdateLocation records a vehicle position. Offline it is queued and
// reported as such, never as an error.
func (s *Service) UpdateLocation(ctx context.Context, u LocationUpdate) (offline.WriteResult, error) {
	if err := check(u); err != nil {
		return offline.WriteResult{}, err
	}
	at := u.RecordedAt
	if at.IsZero() {
		at = s.now()
	}
	loc := model.Location{
		VehicleID:  u.VehicleID,
		Lat:        u.Lat,
		Lng:        u.Lng,
		Heading:    u.Heading,
		Speed:      u.Speed,
		RecordedAt: at.UTC(),
	}
	return s.mgr.Mutate(ctx, offline.Mutation{
		Kind:    model.OpLocationUpdate,
		Target:  model.OperationTarget{Kind: model.KindLocation, ID: u.VehicleID},
		Payload: loc,
	})
}

func (s *Service) StartTrip(ctx context.Context, tripID string) (offline.WriteResult, error) {
	return s.transition(ctx, model.OpTripStart, tripID, "started_at")
}

func (s *Service) EndTrip(ctx context.Context, tripID string) (offline.WriteResult, error) {
	return s.transition(ctx, model.OpTripEnd, tripID, "ended_at")
}

func (s *Service) transition(ctx context.Context, kind model.OperationKind, tripID, stamp string) (offline.WriteResult, error) {
	if err := check(tripTransition{TripID: tripID}); err != nil {
		return offline.WriteResult{}, err
	}
	return s.mgr.Mutate(ctx, offline.Mutation{
		Kind:    kind,
		Target:  model.OperationTarget{Kind: model.KindTrip, ID: tripID},
		Payload: map[string]any{stamp: s.now().UTC()},
	})
}

// Lookup is a decoded read together with where it came from.
type Lookup[T any] struct {
	Value  T
	Result offline.Result
}

func fetch[T any](ctx context.Context, s *Service, req offline.FetchRequest) (Lookup[T], error) {
	res, err := s.mgr.Fetch(ctx, req)
	if err != nil {
		return Lookup[T]{}, err
	}
	out := Lookup[T]{Result: res}
	if err := res.Decode(&out.Value); err != nil {
		return out, err
	}
	return out, nil
}

// one loads the first row of table matching eq.
func (s *Service) one(table string, q backend.Query) func(context.Context) (json.RawMessage, error) {
	return func(ctx context.Context) (json.RawMessage, error) {
		q.Limit = 1
		raw, err := s.client.Select(ctx, table, q)
		if err != nil {
			return nil, err
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode %s: %w", table, err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return rows[0], nil
	}
}

func (s *Service) byID(kind model.EntityKind, id string) offline.FetchRequest {
	return offline.FetchRequest{
		Kind: kind,
		ID:   id,
		Load: s.one(offline.Tables[kind], backend.Query{Eq: map[string]string{"id": id}}),
	}
}

func (s *Service) Trip(ctx context.Context, id string) (Lookup[model.Trip], error) {
	return fetch[model.Trip](ctx, s, s.byID(model.KindTrip, id))
}

func (s *Service) Route(ctx context.Context, id string) (Lookup[model.Route], error) {
	return fetch[model.Route](ctx, s, s.byID(model.KindRoute, id))
}

func (s *Service) Vehicle(ctx context.Context, id string) (Lookup[model.Vehicle], error) {
	return fetch[model.Vehicle](ctx, s, s.byID(model.KindVehicle, id))
}

func (s *Service) Student(ctx context.Context, id string) (Lookup[model.Student], error) {
	return fetch[model.Student](ctx, s, s.byID(model.KindStudent, id))
}

// Profile is critical: policy errors on it are retried.
func (s *Service) Profile(ctx context.Context, id string) (Lookup[model.Profile], error) {
	req := s.byID(model.KindProfile, id)
	req.Critical = true
	return fetch[model.Profile](ctx, s, req)
}

// Location returns the latest known position of a vehicle.
func (s *Service) Location(ctx context.Context, vehicleID string) (Lookup[model.Location], error) {
	return fetch[model.Location](ctx, s, offline.FetchRequest{
		Kind: model.KindLocation,
		ID:   vehicleID,
		Load: s.one(offline.Tables[model.KindLocation], backend.Query{
			Eq:    map[string]string{"vehicle_id": vehicleID},
			Order: "recorded_at.desc",
		}),
	})
}

// ActiveTripKey is the cache id of the trip in progress on a route.
func ActiveTripKey(routeID string) string {
	return "route-" + routeID
}

// ActiveTrip returns the trip in progress on a route. Without network
// or cache it answers with a placeholder trip for the route.
func (s *Service) ActiveTrip(ctx context.Context, routeID string) (Lookup[model.Trip], error) {
	return fetch[model.Trip](ctx, s, offline.FetchRequest{
		Kind:  model.KindTrip,
		ID:    ActiveTripKey(routeID),
		Hints: map[string]string{"route_id": routeID},
		Load: func(ctx context.Context) (json.RawMessage, error) {
			trips, err := s.schema.ActiveTrips(ctx, backend.Query{
				Eq:    map[string]string{"route_id": routeID},
				Order: "started_at.desc",
				Limit: 1,
			})
			if err != nil || len(trips) == 0 {
				return nil, err
			}
			return json.Marshal(trips[0])
		},
	})
}
