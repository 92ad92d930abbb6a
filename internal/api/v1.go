package api

import (
	"encoding/json"
	"time"

	"github.com/g960059/ridewatch/internal/model"
)

const (
	ErrNotFound     = "E_NOT_FOUND"
	ErrInvalid      = "E_INVALID"
	ErrPolicy       = "E_POLICY"
	ErrUnavailable  = "E_UNAVAILABLE"
	ErrPrecondition = "E_PRECONDITION_FAILED"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type ConnectionResponse struct {
	Connected bool   `json:"connected"`
	Checking  bool   `json:"checking"`
	Health    string `json:"health,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type StartupResponse struct {
	Mode         string   `json:"mode"`
	ProbeTarget  string   `json:"probe_target,omitempty"`
	PolicyTables []string `json:"policy_tables,omitempty"`
	Missing      []string `json:"missing,omitempty"`
	Cached       bool     `json:"cached"`
	DurationMS   int64    `json:"duration_ms"`
	Diagnostics  []string `json:"diagnostics,omitempty"`
}

type BannerResponse struct {
	Level  string `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
}

type StatusEnvelope struct {
	SchemaVersion string             `json:"schema_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Banner        BannerResponse     `json:"banner"`
	Connection    ConnectionResponse `json:"connection"`
	Startup       *StartupResponse   `json:"startup,omitempty"`
	Pending       int                `json:"pending"`
	Stuck         int                `json:"stuck"`
	Demo          bool               `json:"demo"`
	Realtime      bool               `json:"realtime"`
}

type OperationResponse struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	TargetKind  string          `json:"target_kind"`
	TargetID    string          `json:"target_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      string          `json:"status"`
	Stuck       bool            `json:"stuck"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
}

func NewOperationResponse(op model.PendingOperation) OperationResponse {
	return OperationResponse{
		ID:          op.ID,
		Kind:        string(op.Kind),
		TargetKind:  string(op.Target.Kind),
		TargetID:    op.Target.ID,
		Payload:     op.Payload,
		Attempts:    op.Attempts,
		MaxAttempts: op.MaxAttempts,
		Status:      string(op.Status),
		Stuck:       op.Stuck(),
		Error:       op.Error,
		CreatedAt:   op.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   op.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type PendingEnvelope struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Operations    []OperationResponse `json:"operations"`
}

type SyncResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Synced        int       `json:"synced"`
	Errored       int       `json:"errored"`
	Remaining     int       `json:"remaining"`
	Stuck         int       `json:"stuck"`
	Offline       bool      `json:"offline"`
}

type StatsResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Compliance    float64   `json:"compliance"`
	Verified      float64   `json:"verified"`
	Vehicles      int       `json:"vehicles"`
	Drivers       int       `json:"drivers"`
	Source        string    `json:"source,omitempty"`
	ComputedAt    *string   `json:"computed_at,omitempty"`
}

// LocationRequest is a position report from a driver device.
type LocationRequest struct {
	VehicleID  string     `json:"vehicle_id"`
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Heading    float64    `json:"heading"`
	Speed      float64    `json:"speed"`
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type WriteResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Confirmed     bool      `json:"confirmed"`
	Queued        bool      `json:"queued"`
	OperationID   int64     `json:"operation_id,omitempty"`
}

type LookupResponse struct {
	SchemaVersion string          `json:"schema_version"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Source        string          `json:"source"`
	IsOffline     bool            `json:"is_offline"`
	Found         bool            `json:"found"`
	CachedAt      *string         `json:"cached_at,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}
