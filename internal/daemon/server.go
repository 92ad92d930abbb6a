package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/ridewatch/internal/api"
	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/offline"
	"github.com/g960059/ridewatch/internal/realtime"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/transit"
)

const maxBodyBytes = 64 << 10

type Server struct {
	app      *app.App
	feed     *realtime.Feed
	gatherer prometheus.Gatherer
	log      *slog.Logger
	router   *mux.Router
	httpSrv  *http.Server
	now      func() time.Time

	mu          sync.Mutex
	listener    net.Listener
	shutdown    sync.Once
	shutdownErr error
}

// NewServer exposes a's state over HTTP. feed and gatherer may be nil.
func NewServer(a *app.App, feed *realtime.Feed, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		app:      a,
		feed:     feed,
		gatherer: gatherer,
		log:      a.Logger.With("component", "daemon"),
		router:   mux.NewRouter(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r := s.router
	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, api.ErrNotFound, "route not found")
	})
	r.HandleFunc("/v1/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/status", s.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/pending", s.pendingHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/pending/{id:[0-9]+}/retry", s.retryHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/pending/{id:[0-9]+}", s.discardHandler).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sync", s.syncHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/network/{state:online|offline}", s.networkHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/stats", s.statsHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/locations", s.locationHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/vehicles/{id}/location", s.vehicleLocationHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/trips/{id}", s.tripHandler).Methods(http.MethodGet)
	r.HandleFunc("/v1/trips/{id}/{action:start|end}", s.tripActionHandler).Methods(http.MethodPost)
	r.HandleFunc("/v1/routes/{id}/active-trip", s.activeTripHandler).Methods(http.MethodGet)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on ListenAddr and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.app.Config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.app.Config.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("daemon listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

// Addr is the bound listen address once Start has run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.shutdownErr = fmt.Errorf("shutdown http: %w", err)
		}
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Status:        "ok",
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := s.app.StatusEnvelope(r.Context(), s.feed != nil && s.feed.Connected())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrPrecondition, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pendingHandler(w http.ResponseWriter, r *http.Request) {
	ops, err := s.app.Manager.Pending(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrPrecondition, err.Error())
		return
	}
	resp := api.PendingEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Operations:    make([]api.OperationResponse, 0, len(ops)),
	}
	for _, op := range ops {
		resp.Operations = append(resp.Operations, api.NewOperationResponse(op))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) retryHandler(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, s.app.Manager.Retry)
}

func (s *Server) discardHandler(w http.ResponseWriter, r *http.Request) {
	s.operationAction(w, r, s.app.Manager.Discard)
}

func (s *Server) operationAction(w http.ResponseWriter, r *http.Request, act func(context.Context, int64) error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrInvalid, "invalid operation id")
		return
	}
	if err := act(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) syncHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Manager.Replay(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.SyncResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Synced:        res.Synced,
		Errored:       res.Errored,
		Remaining:     res.Remaining,
		Stuck:         res.Stuck,
		Offline:       res.Offline,
	})
}

// networkHandler takes link hints from OS network hooks. The reply is
// the connection state after the hint was applied.
func (s *Server) networkHandler(w http.ResponseWriter, r *http.Request) {
	s.app.Monitor.HandleSignal(r.Context(), mux.Vars(r)["state"] == "online")
	resp, err := s.app.StatusEnvelope(r.Context(), s.feed != nil && s.feed.Connected())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, api.ErrPrecondition, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	rates := s.app.Stats.Last()
	if rates.ComputedAt.IsZero() || r.URL.Query().Get("refresh") == "true" {
		fresh, err := s.app.Stats.Compute(r.Context())
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		rates = fresh
	}
	computedAt := rates.ComputedAt.UTC().Format(time.RFC3339)
	s.writeJSON(w, http.StatusOK, api.StatsResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Compliance:    rates.Compliance,
		Verified:      rates.Verified,
		Vehicles:      rates.Vehicles,
		Drivers:       rates.Drivers,
		Source:        string(rates.Source),
		ComputedAt:    &computedAt,
	})
}

func (s *Server) locationHandler(w http.ResponseWriter, r *http.Request) {
	var req api.LocationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, api.ErrInvalid, "invalid request body")
		return
	}
	u := transit.LocationUpdate{
		VehicleID: req.VehicleID,
		Lat:       req.Latitude,
		Lng:       req.Longitude,
		Heading:   req.Heading,
		Speed:     req.Speed,
	}
	if req.RecordedAt != nil {
		u.RecordedAt = req.RecordedAt.UTC()
	}
	res, err := s.app.Transit.UpdateLocation(r.Context(), u)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeWrite(w, res)
}

func (s *Server) tripActionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	act := s.app.Transit.StartTrip
	if vars["action"] == "end" {
		act = s.app.Transit.EndTrip
	}
	res, err := act(r.Context(), vars["id"])
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeWrite(w, res)
}

func (s *Server) writeWrite(w http.ResponseWriter, res offline.WriteResult) {
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, api.WriteResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Confirmed:     res.Confirmed,
		Queued:        res.Queued,
		OperationID:   res.Operation.ID,
	})
}

func (s *Server) vehicleLocationHandler(w http.ResponseWriter, r *http.Request) {
	got, err := s.app.Transit.Location(r.Context(), mux.Vars(r)["id"])
	writeLookup(s, w, got, err)
}

func (s *Server) tripHandler(w http.ResponseWriter, r *http.Request) {
	got, err := s.app.Transit.Trip(r.Context(), mux.Vars(r)["id"])
	writeLookup(s, w, got, err)
}

func (s *Server) activeTripHandler(w http.ResponseWriter, r *http.Request) {
	got, err := s.app.Transit.ActiveTrip(r.Context(), mux.Vars(r)["id"])
	writeLookup(s, w, got, err)
}

func writeLookup[T any](s *Server, w http.ResponseWriter, got transit.Lookup[T], err error) {
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := api.LookupResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Source:        string(got.Result.Source),
		IsOffline:     got.Result.IsOffline,
		Found:         got.Result.Found,
	}
	if !got.Result.CachedAt.IsZero() {
		at := got.Result.CachedAt.UTC().Format(time.RFC3339)
		resp.CachedAt = &at
	}
	status := http.StatusNotFound
	if got.Result.Found {
		status = http.StatusOK
		resp.Data = got.Result.Payload
	}
	s.writeJSON(w, status, resp)
}

// writeDomainError maps core errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transit.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, api.ErrInvalid, err.Error())
	case errors.Is(err, db.ErrNotFound), resilience.IsNotFound(err):
		s.writeError(w, http.StatusNotFound, api.ErrNotFound, err.Error())
	case resilience.IsPolicy(err), resilience.KindOf(err) == resilience.KindAuth:
		s.writeError(w, http.StatusForbidden, api.ErrPolicy, err.Error())
	case resilience.Unreachable(err):
		s.writeError(w, http.StatusServiceUnavailable, api.ErrUnavailable, err.Error())
	default:
		s.log.Warn("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, api.ErrPrecondition, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now(),
		Error:         api.APIError{Code: code, Message: msg},
	})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	s.writeError(w, http.StatusMethodNotAllowed, api.ErrInvalid, "method not allowed")
}
