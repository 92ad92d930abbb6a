// Package realtime keeps the location cache warm from the backend's
// websocket change feed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/security"
)

var (
	ErrNoURL   = errors.New("realtime url not configured")
	ErrGaveUp  = errors.New("realtime feed gave up reconnecting")
	errClosed  = errors.New("feed closed by server")
	readLimit  = int64(64 << 10)
	stableConn = 60 * time.Second
)

const (
	TypeLocation = "location"
	TypeError    = "error"
)

// Envelope is the wire frame for every feed message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Options struct {
	Store   *db.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// OnLocation is called after a position has been written to the cache.
	OnLocation func(model.Location)
}

type Feed struct {
	url         string
	store       *db.Store
	ttl         time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	log         *slog.Logger
	metrics     *metrics.Metrics
	onLocation  func(model.Location)

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	connected bool
	applied   int
}

// New builds a feed for cfg.RealtimeURL authenticated with cfg.APIKey.
func New(cfg config.Config, opts Options) (*Feed, error) {
	if cfg.RealtimeURL == "" {
		return nil, ErrNoURL
	}
	u, err := url.Parse(cfg.RealtimeURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if cfg.APIKey != "" {
		q := u.Query()
		q.Set("apikey", cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	f := &Feed{
		url:         u.String(),
		store:       opts.Store,
		ttl:         cfg.TTLFor(model.KindLocation),
		maxAttempts: cfg.RealtimeMaxAttempts,
		baseDelay:   cfg.RealtimeBaseDelay,
		maxDelay:    cfg.RealtimeMaxDelay,
		log:         logging.OrDiscard(opts.Logger).With("component", "realtime"),
		metrics:     opts.Metrics,
		onLocation:  opts.OnLocation,
		sleep:       sleepCtx,
		now:         time.Now,
	}
	if f.baseDelay <= 0 {
		f.baseDelay = time.Second
	}
	if f.maxDelay < f.baseDelay {
		f.maxDelay = f.baseDelay
	}
	return f, nil
}

// SetSleep replaces the backoff sleeper.
func (f *Feed) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	f.sleep = sleep
}

// Connected reports whether a socket is currently open.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Applied is the number of positions written to the cache so far.
func (f *Feed) Applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// Run holds a connection open until ctx is done, reconnecting with
// exponential backoff and jitter. The attempt counter resets after a
// connection that stayed up for a minute; once it reaches MaxAttempts Run
// returns ErrGaveUp. Zero MaxAttempts means never give up.
func (f *Feed) Run(ctx context.Context) error {
	attempt := 0
	for {
		started := f.now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.now().Sub(started) > stableConn {
			attempt = 0
		}
		if f.maxAttempts > 0 && attempt >= f.maxAttempts {
			f.log.Error("realtime feed giving up", "attempts", attempt, "error", err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		delay := f.backoff(attempt)
		attempt++
		f.metrics.RealtimeReconnect()
		f.log.Warn("realtime feed disconnected", "error", err, "attempt", attempt, "retry_in", delay)
		if err := f.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (f *Feed) backoff(attempt int) time.Duration {
	jitter := rand.Float64() * float64(f.baseDelay) * 0.5
	d := float64(f.baseDelay)*math.Pow(2, float64(attempt)) + jitter
	return time.Duration(math.Min(d, float64(f.maxDelay)))
}

func (f *Feed) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial realtime feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	f.setConnected(true)
	defer f.setConnected(false)
	f.log.Info("realtime feed connected", "url", security.RedactURL(f.url))

	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return errClosed
			}
			return fmt.Errorf("read realtime frame: %w", err)
		}
		f.metrics.RealtimeMessage()
		switch env.Type {
		case TypeLocation:
			if err := f.apply(ctx, env.Payload); err != nil {
				f.log.Warn("drop realtime location", "error", err)
			}
		case TypeError:
			f.log.Warn("realtime feed error", "payload", string(env.Payload))
		default:
			f.log.Debug("ignore realtime frame", "type", env.Type)
		}
	}
}

func (f *Feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// apply writes a position into the cache unless the cached one is newer.
func (f *Feed) apply(ctx context.Context, payload json.RawMessage) error {
	var loc model.Location
	if err := json.Unmarshal(payload, &loc); err != nil {
		return fmt.Errorf("decode location: %w", err)
	}
	loc.VehicleID = strings.TrimSpace(loc.VehicleID)
	if loc.VehicleID == "" {
		return errors.New("location without vehicle id")
	}
	if newer, err := f.cachedNewer(ctx, loc); err != nil {
		return err
	} else if newer {
		return nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location: %w", err)
	}
	if err := f.store.PutEntry(ctx, f.store.NewEntry(model.KindLocation, loc.VehicleID, data, f.ttl)); err != nil {
		return fmt.Errorf("cache location: %w", err)
	}
	f.mu.Lock()
	f.applied++
	f.mu.Unlock()
	if f.onLocation != nil {
		f.onLocation(loc)
	}
	return nil
}

func (f *Feed) cachedNewer(ctx context.Context, loc model.Location) (bool, error) {
	entry, err := f.store.GetEntry(ctx, model.KindLocation, loc.VehicleID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cached location: %w", err)
	}
	var cached model.Location
	if json.Unmarshal(entry.Payload, &cached) != nil {
		return false, nil
	}
	return cached.RecordedAt.After(loc.RecordedAt), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
