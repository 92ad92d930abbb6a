// Package offline is the read-through cache and write-behind queue in
// front of the backend. Reads degrade to cached or placeholder data and
// writes that cannot reach the backend are queued and replayed in order
// once it is reachable again.
package offline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/fallback"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/resilience"
)

type Options struct {
	Store      *db.Store
	Executor   *resilience.Executor
	Dispatcher Dispatcher
	// Fallbacks generates placeholders for kinds that opt in. Nil
	// disables placeholders.
	Fallbacks *fallback.Registry
	// Demo answers every read from Fallbacks without touching the
	// network or the cache.
	Demo bool
	// Notify is called after a replay pass that synced at least one
	// operation.
	Notify  func(ReplayResult)
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Manager struct {
	cfg        config.Config
	store      *db.Store
	ex         *resilience.Executor
	state      *connstate.State
	dispatcher Dispatcher
	fallbacks  *fallback.Registry
	demo       bool
	notify     func(ReplayResult)
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	replays singleflight.Group
	// enqueued is set by every enqueue and cleared when a replay pass
	// lists the queue.
	enqueued atomic.Bool
	bg       sync.WaitGroup
}

func NewManager(cfg config.Config, opts Options) *Manager {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg:        cfg,
		store:      opts.Store,
		ex:         opts.Executor,
		state:      opts.Executor.State(),
		dispatcher: opts.Dispatcher,
		fallbacks:  opts.Fallbacks,
		demo:       opts.Demo,
		notify:     opts.Notify,
		log:        logging.OrDiscard(opts.Logger),
		metrics:    opts.Metrics,
		now:        now,
	}
}

func (m *Manager) Store() *db.Store {
	return m.store
}

func (m *Manager) reachable() bool {
	return m.state == nil || m.state.IsConnected()
}

// Watch replays the queue in the background every time State turns
// reachable. The returned func detaches the listener.
func (m *Manager) Watch(ctx context.Context) func() {
	return m.state.AddListener(func(connected bool, _ error) {
		if !connected {
			return
		}
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if _, err := m.Replay(ctx); err != nil {
				m.log.Warn("replay after reconnect failed", "error", err)
			}
		}()
	})
}

// Wait blocks until background replays started by Watch have finished.
func (m *Manager) Wait() {
	m.bg.Wait()
}

// Run replays on ReplayInterval while reachable and sweeps expired cache
// entries on SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	replay := time.NewTicker(positive(m.cfg.ReplayInterval, 30*time.Second))
	defer replay.Stop()
	sweep := time.NewTicker(positive(m.cfg.SweepInterval, 10*time.Minute))
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			m.bg.Wait()
			return ctx.Err()
		case <-replay.C:
			if !m.reachable() {
				continue
			}
			if _, err := m.Replay(ctx); err != nil {
				m.log.Warn("periodic replay failed", "error", err)
			}
		case <-sweep.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Warn("cache sweep failed", "error", err)
			}
		}
	}
}

// Sweep deletes expired cache entries across every kind.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	n, err := m.store.SweepExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Debug("swept expired cache entries", "count", n)
	}
	m.metrics.Swept(n)
	return n, nil
}

func positive(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
