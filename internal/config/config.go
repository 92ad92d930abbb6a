package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/g960059/ridewatch/internal/model"
)

type Config struct {
	DBPath    string
	PrefsPath string

	BackendURL  string
	APIKey      string
	RealtimeURL string
	ListenAddr  string

	LogLevel string
	LogJSON  bool

	RequestTimeout time.Duration
	RetryCount     int
	RetryDelay     time.Duration

	VerifyTimeout    time.Duration
	ProbeInterval    time.Duration
	ProbeMinInterval time.Duration
	HealthWindow     time.Duration
	DownFailures     int
	RecoverSuccesses int

	ReplayInterval time.Duration
	SweepInterval  time.Duration
	StatsInterval  time.Duration
	MaxAttempts    int
	TTL            map[model.EntityKind]time.Duration

	ProbeTargets   []string
	ProbeTimeout   time.Duration
	CriticalTables []string
	RequiredTables []string
	RequiredViews  []string
	RequiredRPCs   []string
	SessionModeTTL time.Duration
	StartupBudget  time.Duration

	MapsSDKURL        string
	MapsAPIKey        string
	MapsLibraries     []string
	MapsTimeout       time.Duration
	MapsPollAttempts  int
	MapsPollInterval  time.Duration
	MapsCallbackGrace time.Duration

	RealtimeMaxAttempts int
	RealtimeBaseDelay   time.Duration
	RealtimeMaxDelay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:              defaultStatePath("cache.db"),
		PrefsPath:           defaultStatePath("prefs.toml"),
		BackendURL:          "http://127.0.0.1:54321",
		ListenAddr:          "127.0.0.1:7711",
		LogLevel:            "info",
		RequestTimeout:      10 * time.Second,
		RetryCount:          3,
		RetryDelay:          1 * time.Second,
		VerifyTimeout:       5 * time.Second,
		ProbeInterval:       30 * time.Second,
		ProbeMinInterval:    2 * time.Second,
		HealthWindow:        60 * time.Second,
		DownFailures:        3,
		RecoverSuccesses:    2,
		ReplayInterval:      30 * time.Second,
		SweepInterval:       10 * time.Minute,
		StatsInterval:       5 * time.Minute,
		MaxAttempts:         5,
		TTL:                 DefaultTTL(),
		ProbeTargets:        []string{"system_status", "app_settings", "rpc:ping"},
		ProbeTimeout:        3 * time.Second,
		CriticalTables:      []string{"profiles", "trips", "vehicles"},
		RequiredTables:      []string{"routes", "vehicles", "students", "trips", "vehicle_locations", "profiles"},
		RequiredViews:       []string{"active_trips_view"},
		RequiredRPCs:        []string{"update_vehicle_location"},
		SessionModeTTL:      10 * time.Minute,
		StartupBudget:       15 * time.Second,
		MapsSDKURL:          "https://maps.googleapis.com/maps/api/js",
		MapsLibraries:       []string{"places", "geometry"},
		MapsTimeout:         20 * time.Second,
		MapsPollAttempts:    50,
		MapsPollInterval:    100 * time.Millisecond,
		MapsCallbackGrace:   1 * time.Second,
		RealtimeMaxAttempts: 10,
		RealtimeBaseDelay:   1 * time.Second,
		RealtimeMaxDelay:    30 * time.Second,
	}
}

// DefaultTTL is the freshness window per cached kind. Positions go stale
// within minutes, trips within the hour, reference data lasts a day.
func DefaultTTL() map[model.EntityKind]time.Duration {
	return map[model.EntityKind]time.Duration{
		model.KindVehicle:  5 * time.Minute,
		model.KindLocation: 2 * time.Minute,
		model.KindTrip:     15 * time.Minute,
		model.KindRoute:    24 * time.Hour,
		model.KindProfile:  24 * time.Hour,
		model.KindStudent:  24 * time.Hour,
	}
}

func (c Config) TTLFor(kind model.EntityKind) time.Duration {
	if ttl, ok := c.TTL[kind]; ok && ttl > 0 {
		return ttl
	}
	return 5 * time.Minute
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "ridewatch", name)
}
