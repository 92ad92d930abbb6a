// Package app assembles the client core from configuration. Both the CLI
// and the daemon build exactly one App per process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/g960059/ridewatch/internal/api"
	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/bootstrap"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/fallback"
	"github.com/g960059/ridewatch/internal/loader"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/prefs"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/schema"
	"github.com/g960059/ridewatch/internal/stats"
	"github.com/g960059/ridewatch/internal/status"
	"github.com/g960059/ridewatch/internal/transit"
)

type Options struct {
	Logger *slog.Logger
	// Registerer receives the metric collectors. Nil skips metrics.
	Registerer prometheus.Registerer
	HTTPClient *http.Client
	Now        func() time.Time
}

type App struct {
	Config  config.Config
	Prefs   prefs.Prefs
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Store    *db.Store
	Client   *backend.Client
	State    *connstate.State
	Executor *resilience.Executor
	Schema   *schema.Registry
	Manager  *offline.Manager
	Transit  *transit.Service
	Monitor  *connstate.Monitor
	Maps     *loader.Loader
	Stats    *stats.Computer

	now func() time.Time

	mu      sync.Mutex
	startup bootstrap.Result
	started bool
}

// Open builds every component over the store at cfg.DBPath. The caller
// owns the result and must Close it.
func Open(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	log := logging.OrDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var m *metrics.Metrics
	if opts.Registerer != nil {
		m = metrics.New(opts.Registerer)
	}

	p, err := prefs.EnsureDeviceID(cfg.PrefsPath)
	if err != nil {
		return nil, fmt.Errorf("load prefs: %w", err)
	}
	store, err := db.OpenMigrated(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	client := backend.New(cfg.BackendURL, cfg.APIKey, httpClient).WithUnaryTimeout(cfg.RequestTimeout)
	if sess, err := store.LoadAuthSession(ctx); err == nil && sess.Valid(now()) {
		client.SetAccessToken(sess.AccessToken)
	}

	state := connstate.New(connstate.WithLogger(log))
	ex := resilience.NewExecutor(state, cfg, log, m)
	reg := schema.New(client, log)

	fallbacks := fallback.Default()
	if p.UseDemoData {
		fallbacks = fallback.Demo()
	}
	mgr := offline.NewManager(cfg, offline.Options{
		Store:      store,
		Executor:   ex,
		Dispatcher: offline.NewBackendDispatcher(client, reg),
		Fallbacks:  fallbacks,
		Demo:       p.UseDemoData,
		Notify: func(r offline.ReplayResult) {
			log.Info("pending changes synced", "synced", r.Synced, "remaining", r.Remaining)
		},
		Logger:  log,
		Metrics: m,
		Now:     now,
	})

	probeTarget := "rpc:ping"
	if len(cfg.ProbeTargets) > 0 {
		probeTarget = cfg.ProbeTargets[0]
	}
	monitor := connstate.NewMonitor(state, func(ctx context.Context) error {
		return bootstrap.ProbeTarget(ctx, client, probeTarget, cfg.ProbeTimeout)
	}, cfg, log, m)
	monitor.Unreachable = resilience.Unreachable

	maps := loader.New(loader.NewHTTPHost(httpClient, log), loader.Config{
		URL:           cfg.MapsSDKURL,
		APIKey:        cfg.MapsAPIKey,
		Libraries:     cfg.MapsLibraries,
		Timeout:       cfg.MapsTimeout,
		PollAttempts:  cfg.MapsPollAttempts,
		PollInterval:  cfg.MapsPollInterval,
		CallbackGrace: cfg.MapsCallbackGrace,
	}, log, m)

	svc := transit.New(mgr, client, reg)
	svc.SetClock(now)

	return &App{
		Config:   cfg,
		Prefs:    p,
		Logger:   log,
		Metrics:  m,
		Store:    store,
		Client:   client,
		State:    state,
		Executor: ex,
		Schema:   reg,
		Manager:  mgr,
		Transit:  svc,
		Monitor:  monitor,
		Maps:     maps,
		Stats: stats.New(stats.Options{
			Client:   client,
			Executor: ex,
			Store:    store,
			Logger:   log,
			Metrics:  m,
			Now:      now,
		}),
		now: now,
	}, nil
}

// Startup classifies the backend once and remembers the result.
func (a *App) Startup(ctx context.Context) bootstrap.Result {
	if a.Prefs.UseDemoData {
		res := bootstrap.Result{Mode: model.ModeOffline, Diagnostics: []string{"demo data enabled"}}
		a.State.SetConnected(false, errors.New("demo data enabled"))
		a.setStartup(res)
		return res
	}
	userID := ""
	if sess, err := a.Store.LoadAuthSession(ctx); err == nil {
		userID = sess.UserID
	}
	res := bootstrap.New(a.Config, bootstrap.Options{
		Client:    a.Client,
		Store:     a.Store,
		State:     a.State,
		Schema:    a.Schema,
		Logger:    a.Logger,
		Metrics:   a.Metrics,
		SessionID: bootstrap.SessionID(a.Prefs.DeviceID, userID),
		Now:       a.now,
	}).Run(ctx)
	a.setStartup(res)
	return res
}

func (a *App) setStartup(res bootstrap.Result) {
	a.mu.Lock()
	a.startup, a.started = res, true
	a.mu.Unlock()
}

// LastStartup returns the most recent classification, if any ran.
func (a *App) LastStartup() (bootstrap.Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startup, a.started
}

// Banner summarizes the current state for display.
func (a *App) Banner(ctx context.Context) (status.Banner, error) {
	pending, stuck, err := a.Store.CountOperations(ctx)
	if err != nil {
		return status.Banner{}, err
	}
	in := status.Inputs{
		Conn:    a.State.Snapshot(),
		Pending: pending,
		Stuck:   stuck,
		Demo:    a.Prefs.UseDemoData,
	}
	if res, ok := a.LastStartup(); ok {
		in.Mode = res.Mode
		in.PolicyTables = res.PolicyTables
	}
	return status.Compute(in), nil
}

// StatusEnvelope is the wire form of Banner plus the connection, queue
// and startup details behind it.
func (a *App) StatusEnvelope(ctx context.Context, realtime bool) (api.StatusEnvelope, error) {
	banner, err := a.Banner(ctx)
	if err != nil {
		return api.StatusEnvelope{}, err
	}
	pending, stuck, err := a.Store.CountOperations(ctx)
	if err != nil {
		return api.StatusEnvelope{}, err
	}
	snap := a.State.Snapshot()
	resp := api.StatusEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   a.now().UTC(),
		Banner: api.BannerResponse{
			Level:  banner.Level.String(),
			Title:  banner.Title,
			Detail: banner.Detail,
		},
		Connection: api.ConnectionResponse{
			Connected: snap.Connected,
			Checking:  snap.Checking,
			Health:    string(snap.Health),
		},
		Pending:  pending,
		Stuck:    stuck,
		Demo:     a.Prefs.UseDemoData,
		Realtime: realtime,
	}
	if snap.LastError != nil {
		resp.Connection.LastError = snap.LastError.Error()
	}
	if res, ok := a.LastStartup(); ok {
		resp.Startup = &api.StartupResponse{
			Mode:         string(res.Mode),
			ProbeTarget:  res.ProbeTarget,
			PolicyTables: res.PolicyTables,
			Missing:      res.Missing,
			Cached:       res.Cached,
			DurationMS:   res.Duration.Milliseconds(),
			Diagnostics:  res.Diagnostics,
		}
	}
	return resp, nil
}

// SignIn authenticates and persists the session for later runs.
func (a *App) SignIn(ctx context.Context, email, password string) (model.Session, error) {
	sess, err := a.Client.SignIn(ctx, email, password)
	if err != nil {
		return model.Session{}, err
	}
	if err := a.Store.SaveAuthSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	a.Client.SetAccessToken(sess.AccessToken)
	return sess, nil
}

func (a *App) SignOut(ctx context.Context) error {
	a.Client.SetAccessToken("")
	return a.Store.ClearAuthSession(ctx)
}

// Close waits for background replays and the map loader, then closes
// the store.
func (a *App) Close() error {
	a.Manager.Wait()
	a.Maps.Wait()
	return a.Store.Close()
}
