package model

import (
	"encoding/json"
	"time"
)

// EntityKind names one object store in the local cache.
type EntityKind string

const (
	KindRoute    EntityKind = "route"
	KindVehicle  EntityKind = "vehicle"
	KindStudent  EntityKind = "student"
	KindTrip     EntityKind = "trip"
	KindLocation EntityKind = "location"
	KindProfile  EntityKind = "profile"
)

// EntityKinds lists every cacheable kind in a stable order.
var EntityKinds = []EntityKind{KindRoute, KindVehicle, KindStudent, KindTrip, KindLocation, KindProfile}

func (k EntityKind) Valid() bool {
	for _, known := range EntityKinds {
		if k == known {
			return true
		}
	}
	return false
}

// CacheEntry is a cached copy of one backend entity.
type CacheEntry struct {
	Kind      EntityKind
	ID        string
	Payload   json.RawMessage
	CachedAt  time.Time
	ExpiresAt time.Time
}

func (e CacheEntry) Key() string {
	return CacheKey(e.Kind, e.ID)
}

func (e CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

func CacheKey(kind EntityKind, id string) string {
	return string(kind) + ":" + id
}

type OperationKind string

const (
	OpCreate         OperationKind = "create"
	OpUpdate         OperationKind = "update"
	OpDelete         OperationKind = "delete"
	OpLocationUpdate OperationKind = "location-update"
	OpTripStart      OperationKind = "trip-start"
	OpTripEnd        OperationKind = "trip-end"
)

func (k OperationKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete, OpLocationUpdate, OpTripStart, OpTripEnd:
		return true
	}
	return false
}

type OperationStatus string

const (
	OpStatusPending OperationStatus = "pending"
	OpStatusError   OperationStatus = "error"
)

// OperationTarget identifies the entity a pending write applies to.
// Keys carries extra equality filters for update and delete.
type OperationTarget struct {
	Kind EntityKind        `json:"kind"`
	ID   string            `json:"id,omitempty"`
	Keys map[string]string `json:"keys,omitempty"`
}

type PendingOperation struct {
	ID             int64
	Kind           OperationKind
	Target         OperationTarget
	Payload        json.RawMessage
	Attempts       int
	MaxAttempts    int
	Status         OperationStatus
	Error          string
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stuck reports whether the operation reached its attempt ceiling.
// Stuck operations stay queued but are skipped by replay.
func (op PendingOperation) Stuck() bool {
	return op.MaxAttempts > 0 && op.Attempts >= op.MaxAttempts
}

// Mode is the startup classification of backend reachability.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeLimited Mode = "limited"
	ModeOffline Mode = "offline"
)

// Source tags where a read result came from.
type Source string

const (
	SourceOnline   Source = "online"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// SessionState is the persisted startup classification for one session.
type SessionState struct {
	SessionID   string
	Mode        Mode
	ProbeTarget string
	CheckedAt   time.Time
}

type Role string

const (
	RoleParent     Role = "parent"
	RoleDriver     Role = "driver"
	RoleSchool     Role = "school"
	RoleGovernment Role = "government"
)

type Location struct {
	VehicleID  string    `json:"vehicle_id" validate:"required"`
	Lat        float64   `json:"latitude" validate:"latitude"`
	Lng        float64   `json:"longitude" validate:"longitude"`
	Heading    float64   `json:"heading" validate:"gte=0,lt=360"`
	Speed      float64   `json:"speed" validate:"gte=0"`
	RecordedAt time.Time `json:"recorded_at" validate:"required"`
}

type TripStatus string

const (
	TripScheduled TripStatus = "scheduled"
	TripActive    TripStatus = "active"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

type Trip struct {
	ID        string     `json:"id" validate:"required"`
	RouteID   string     `json:"route_id" validate:"required"`
	VehicleID string     `json:"vehicle_id" validate:"required"`
	DriverID  string     `json:"driver_id,omitempty"`
	Status    TripStatus `json:"status" validate:"oneof=scheduled active completed cancelled"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

type Stop struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Lat      float64 `json:"latitude"`
	Lng      float64 `json:"longitude"`
	Sequence int     `json:"sequence"`
}

type Route struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SchoolID string `json:"school_id,omitempty"`
	Stops    []Stop `json:"stops,omitempty"`
}

type Vehicle struct {
	ID        string `json:"id"`
	Plate     string `json:"plate"`
	Capacity  int    `json:"capacity"`
	RouteID   string `json:"route_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Compliant bool   `json:"compliant"`
}

type Student struct {
	ID       string `json:"id"`
	Name     string `json:"full_name"`
	ParentID string `json:"parent_id,omitempty"`
	RouteID  string `json:"route_id,omitempty"`
	StopID   string `json:"stop_id,omitempty"`
	Verified bool   `json:"verified"`
}

type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
	Verified bool   `json:"verified"`
}

// Session is an authenticated backend session.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

func (s Session) Valid(now time.Time) bool {
	return s.AccessToken != "" && now.Before(s.ExpiresAt)
}
