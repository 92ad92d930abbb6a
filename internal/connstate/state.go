// Package connstate holds the process-wide view of backend reachability.
//
// State is written by the request executor (success / transport
// exhaustion), by Monitor verifications and by network signals. Every
// other component only reads it or subscribes to changes.
package connstate

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/g960059/ridewatch/internal/logging"
)

// Listener receives reachability changes.
type Listener func(connected bool, err error)

type Snapshot struct {
	Connected bool
	Checking  bool
	LastError error
	Health    Health
}

type listenerEntry struct {
	fn      Listener
	removed atomic.Bool
}

type change struct {
	connected bool
	err       error
}

type State struct {
	mu         sync.Mutex
	connected  bool
	checking   bool
	lastErr    error
	health     Health
	listeners  []*listenerEntry
	queue      []change
	delivering bool
	log        *slog.Logger
}

type Option func(*State)

func WithLogger(l *slog.Logger) Option {
	return func(s *State) { s.log = l }
}

// WithInitial sets the reachability assumed before the first signal.
func WithInitial(connected bool) Option {
	return func(s *State) { s.connected = connected }
}

// New returns a State that starts out connected.
func New(opts ...Option) *State {
	s := &State{connected: true, health: HealthOK}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDiscard(s.log)
	return s
}

// SetConnected records reachability. Listeners are only notified when the
// connected flag actually changes; they run in registration order.
//
// When another goroutine is already delivering, the change is queued and
// delivered by that goroutine in order, so listeners may call
// SetConnected themselves without deadlocking.
func (s *State) SetConnected(connected bool, err error) {
	s.mu.Lock()
	if connected {
		s.lastErr = nil
	} else if err != nil {
		s.lastErr = err
	}
	if s.connected == connected {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	s.queue = append(s.queue, change{connected: connected, err: err})
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.queue) > 0 {
		c := s.queue[0]
		s.queue = s.queue[1:]
		listeners := make([]*listenerEntry, len(s.listeners))
		copy(listeners, s.listeners)
		s.mu.Unlock()
		for _, l := range listeners {
			if l.removed.Load() {
				continue
			}
			s.invoke(l.fn, c)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}

func (s *State) invoke(fn Listener, c change) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("connection listener panicked", "panic", r, "connected", c.connected)
		}
	}()
	fn(c.connected, c.err)
}

func (s *State) SetChecking(checking bool) {
	s.mu.Lock()
	s.checking = checking
	s.mu.Unlock()
}

func (s *State) setHealth(h Health) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

func (s *State) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *State) IsChecking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checking
}

func (s *State) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Connected: s.connected, Checking: s.checking, LastError: s.lastErr, Health: s.health}
}

// AddListener registers fn and returns an idempotent unsubscribe func.
func (s *State) AddListener(fn Listener) func() {
	entry := &listenerEntry{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, entry)
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.removed.Store(true)
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, l := range s.listeners {
				if l == entry {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *State) ListenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Reset restores the initial connected state and drops every listener.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		l.removed.Store(true)
	}
	s.connected = true
	s.checking = false
	s.lastErr = nil
	s.health = HealthOK
	s.listeners = nil
	s.queue = nil
}
