package connstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
)

// Probe performs one lightweight backend round trip.
type Probe func(ctx context.Context) error

// ErrProbeTimeout is reported when a probe ignores its deadline.
var ErrProbeTimeout = errors.New("reachability probe timed out")

// Monitor verifies reachability and translates network signals into
// State changes.
type Monitor struct {
	state   *State
	probe   Probe
	cfg     config.Config
	limiter *rate.Limiter
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// Unreachable decides whether a probe error means the backend could
	// not be reached. Errors it rejects (policy, auth) count as reachable.
	Unreachable func(error) bool

	mu     sync.Mutex
	health HealthState
}

func NewMonitor(state *State, probe Probe, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Monitor {
	every := cfg.ProbeMinInterval
	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}
	return &Monitor{
		state:       state,
		probe:       probe,
		cfg:         cfg,
		limiter:     rate.NewLimiter(limit, 1),
		log:         logging.OrDiscard(logger),
		metrics:     m,
		now:         time.Now,
		Unreachable: func(error) bool { return true },
	}
}

func (m *Monitor) State() *State {
	return m.state
}

// Verify probes the backend and updates State. The checking flag is set
// for the duration and always cleared; the probe is abandoned after
// VerifyTimeout even if it ignores its context. Verifications arriving
// faster than ProbeMinInterval are skipped and report the current state.
func (m *Monitor) Verify(ctx context.Context) bool {
	if !m.limiter.Allow() {
		m.log.Debug("verification throttled")
		return m.state.IsConnected()
	}
	return m.verify(ctx)
}

func (m *Monitor) verify(ctx context.Context) bool {
	m.state.SetChecking(true)
	defer m.state.SetChecking(false)

	start := m.now()
	err := m.runProbe(ctx)
	m.metrics.Verification(err == nil, m.now().Sub(start))

	reachable := err == nil || (!errors.Is(err, ErrProbeTimeout) && !m.Unreachable(err))
	m.recordHealth(reachable)
	if reachable {
		if err != nil {
			m.log.Warn("backend reachable but probe failed", "error", err)
		}
		m.state.SetConnected(true, nil)
		m.metrics.SetConnected(true)
		return true
	}
	if ctx.Err() != nil {
		// Caller gave up; don't let its cancellation look like an outage.
		return m.state.IsConnected()
	}
	m.log.Warn("backend unreachable", "error", err)
	m.state.SetConnected(false, err)
	m.metrics.SetConnected(false)
	return false
}

func (m *Monitor) runProbe(ctx context.Context) error {
	timeout := m.cfg.VerifyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		done <- m.probe(pctx)
	}()
	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrProbeTimeout
	}
}

func (m *Monitor) recordHealth(success bool) {
	m.mu.Lock()
	m.health = NextHealth(m.cfg, m.health, success, m.now())
	h := m.health.Current
	m.mu.Unlock()
	m.state.setHealth(h)
}

// HandleSignal applies an OS or link-level connectivity hint. Going
// offline is trusted immediately; coming online is only believed after a
// successful verification, which always runs regardless of the
// ProbeMinInterval throttle and pushes the next periodic check back.
func (m *Monitor) HandleSignal(ctx context.Context, online bool) bool {
	if !online {
		m.log.Info("network signal: offline")
		m.state.SetConnected(false, errors.New("network offline"))
		m.metrics.SetConnected(false)
		return false
	}
	m.log.Info("network signal: online, verifying")
	m.limiter.Reserve()
	return m.verify(ctx)
}

// Run verifies reachability every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.ProbeInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Verify(ctx)
		}
	}
}
