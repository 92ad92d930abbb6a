package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/model"
)

// Dispatcher sends one write to the backend. It is used for immediate
// writes and for replay, so the same operation always produces the same
// request.
type Dispatcher interface {
	// Path names the backend resource op touches, for logs and metrics.
	Path(op model.PendingOperation) string
	Dispatch(ctx context.Context, op model.PendingOperation) (json.RawMessage, error)
}

// LocationWriter stores a vehicle position. The schema registry provides
// one that falls back to a table write when the RPC is missing.
type LocationWriter interface {
	UpdateVehicleLocation(ctx context.Context, loc model.Location) (json.RawMessage, error)
}

// Tables maps cached kinds to backend tables.
var Tables = map[model.EntityKind]string{
	model.KindRoute:    "routes",
	model.KindVehicle:  "vehicles",
	model.KindStudent:  "students",
	model.KindTrip:     "trips",
	model.KindLocation: "vehicle_locations",
	model.KindProfile:  "profiles",
}

// LocationRPC is the stored function that records a vehicle position.
const LocationRPC = "update_vehicle_location"

type BackendDispatcher struct {
	client    *backend.Client
	locations LocationWriter
}

// NewBackendDispatcher maps operations onto table writes and RPCs. A nil
// locations writer calls the location RPC directly.
func NewBackendDispatcher(client *backend.Client, locations LocationWriter) *BackendDispatcher {
	return &BackendDispatcher{client: client, locations: locations}
}

func (d *BackendDispatcher) Path(op model.PendingOperation) string {
	if op.Kind == model.OpLocationUpdate {
		return "rpc:" + LocationRPC
	}
	return Tables[op.Target.Kind]
}

func (d *BackendDispatcher) Dispatch(ctx context.Context, op model.PendingOperation) (json.RawMessage, error) {
	table, ok := Tables[op.Target.Kind]
	if !ok {
		return nil, fmt.Errorf("no table for kind %q", op.Target.Kind)
	}
	opts := backend.WriteOptions{IdempotencyKey: op.IdempotencyKey}
	switch op.Kind {
	case model.OpCreate:
		return d.client.Insert(ctx, table, op.Payload, opts)
	case model.OpUpdate:
		return d.client.Update(ctx, table, filters(op.Target), op.Payload, opts)
	case model.OpDelete:
		return nil, d.client.Delete(ctx, table, filters(op.Target), opts)
	case model.OpTripStart, model.OpTripEnd:
		return d.client.Update(ctx, Tables[model.KindTrip], filters(op.Target), tripPatch(op), opts)
	case model.OpLocationUpdate:
		var loc model.Location
		if err := json.Unmarshal(op.Payload, &loc); err != nil {
			return nil, fmt.Errorf("decode location payload: %w", err)
		}
		if loc.VehicleID == "" {
			loc.VehicleID = op.Target.ID
		}
		if d.locations != nil {
			return d.locations.UpdateVehicleLocation(ctx, loc)
		}
		return d.client.RPC(ctx, LocationRPC, LocationArgs(loc))
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// LocationArgs are the named arguments of the location RPC.
func LocationArgs(loc model.Location) map[string]any {
	return map[string]any{
		"p_vehicle_id":  loc.VehicleID,
		"p_latitude":    loc.Lat,
		"p_longitude":   loc.Lng,
		"p_heading":     loc.Heading,
		"p_speed":       loc.Speed,
		"p_recorded_at": loc.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func filters(t model.OperationTarget) map[string]string {
	if len(t.Keys) > 0 {
		return t.Keys
	}
	return map[string]string{"id": t.ID}
}

// tripPatch forces the status a trip transition implies on top of the
// queued payload.
func tripPatch(op model.PendingOperation) json.RawMessage {
	status := model.TripActive
	if op.Kind == model.OpTripEnd {
		status = model.TripCompleted
	}
	forced, _ := json.Marshal(map[string]any{"status": status})
	if len(op.Payload) == 0 {
		return forced
	}
	return mergeObjects(op.Payload, forced)
}
