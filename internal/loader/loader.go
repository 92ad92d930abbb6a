// Package loader fetches the mapping SDK at most once per process. All
// callers share one in-flight load, terminal outcomes are kept until
// Retry, and every load settles within the watchdog timeout.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/ridewatch/internal/flight"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
)

var (
	ErrScriptDownload  = errors.New("script tag never finished downloading")
	ErrCallbackMissing = errors.New("script loaded but the expected global object never initialized")
	ErrScriptFailed    = errors.New("script failed to load")
	ErrNoAPIKey        = errors.New("maps api key not configured")
)

// CallbackPrefix starts every callback name registered with the host.
const CallbackPrefix = "__ridewatch_maps_cb_"

type State int

const (
	NotLoaded State = iota
	Loading
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type Config struct {
	URL       string
	APIKey    string
	Libraries []string
	// Timeout bounds one load attempt.
	Timeout time.Duration
	// PollAttempts and PollInterval apply when a script for the resource
	// is already present and only its namespace is awaited.
	PollAttempts  int
	PollInterval  time.Duration
	CallbackGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.PollAttempts <= 0 {
		c.PollAttempts = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.CallbackGrace <= 0 {
		c.CallbackGrace = time.Second
	}
	return c
}

type Loader struct {
	host    Host
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	flights *flight.Cache[*Namespace]
	newName func() string

	mu    sync.Mutex
	state State
	err   error
	// pending tracks callback names awaiting removal.
	pending sync.WaitGroup
}

func New(host Host, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Loader {
	return &Loader{
		host:    host,
		cfg:     cfg.withDefaults(),
		log:     logging.OrDiscard(logger).With("component", "loader"),
		metrics: m,
		flights: flight.New[*Namespace](),
		newName: func() string {
			return CallbackPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
		},
	}
}

// State reports the load state and the failure cause when Failed.
func (l *Loader) State() (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.err
}

func (l *Loader) setState(s State, err error) {
	l.mu.Lock()
	l.state, l.err = s, err
	l.mu.Unlock()
}

// Resource identifies the SDK independent of the per-attempt callback.
func (l *Loader) Resource() string {
	return l.scriptURL("")
}

func (l *Loader) scriptURL(callback string) string {
	q := url.Values{}
	q.Set("key", l.cfg.APIKey)
	if len(l.cfg.Libraries) > 0 {
		q.Set("libraries", strings.Join(l.cfg.Libraries, ","))
	}
	if callback != "" {
		q.Set("callback", callback)
	}
	sep := "?"
	if strings.Contains(l.cfg.URL, "?") {
		sep = "&"
	}
	return l.cfg.URL + sep + q.Encode()
}

// Load returns the SDK namespace. A caller whose ctx ends first gets
// ctx.Err() while the load continues for everyone else.
func (l *Loader) Load(ctx context.Context) (*Namespace, error) {
	return l.flights.GetOrLoad(ctx, l.Resource(), l.load)
}

// Retry clears a failed outcome so the next Load tries again. A script
// that failed to download has been removed and is added again; any other
// earlier script is still present, so the next attempt waits for its
// namespace rather than adding another one.
func (l *Loader) Retry() {
	l.mu.Lock()
	failed := l.state == Failed
	if failed {
		l.state, l.err = NotLoaded, nil
	}
	l.mu.Unlock()
	if failed {
		l.flights.Forget(l.Resource())
	}
}

// Subscribe loads in the background and reports the outcome to exactly
// one of onReady or onError, unless ctx ends first, in which case
// neither is called and the load carries on.
func (l *Loader) Subscribe(ctx context.Context, onReady func(*Namespace), onError func(error)) {
	go func() {
		ns, err := l.Load(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onReady != nil {
			onReady(ns)
		}
	}()
}

// Wait blocks until every callback registered so far has been removed.
func (l *Loader) Wait() {
	l.pending.Wait()
}

func (l *Loader) load(ctx context.Context) (*Namespace, error) {
	l.setState(Loading, nil)
	start := time.Now()
	ns, err := l.attempt(ctx)
	if err != nil {
		l.setState(Failed, err)
		l.metrics.LoaderResult("failed")
		l.log.Warn("maps sdk unavailable, using schematic rendering", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	l.setState(Loaded, nil)
	l.metrics.LoaderResult("loaded")
	l.log.Info("maps sdk loaded", "version", ns.Version, "elapsed", time.Since(start))
	return ns, nil
}

func (l *Loader) attempt(ctx context.Context) (*Namespace, error) {
	if ns, ok := l.host.Namespace(); ok {
		return ns, nil
	}
	if l.cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if l.host.HasScript(l.Resource()) {
		return l.poll(ctx)
	}
	return l.inject(ctx)
}

func (l *Loader) poll(ctx context.Context) (*Namespace, error) {
	l.log.Debug("script already present, waiting for namespace")
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	for i := 0; i < l.cfg.PollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		if ns, ok := l.host.Namespace(); ok {
			return ns, nil
		}
	}
	return nil, fmt.Errorf("after %d checks: %w", l.cfg.PollAttempts, ErrCallbackMissing)
}

type settled struct {
	ns  *Namespace
	err error
}

func (l *Loader) inject(ctx context.Context) (*Namespace, error) {
	name := l.newName()
	done := make(chan settled, 1)
	var loaded sync.Once
	downloaded := make(chan struct{})

	l.host.RegisterCallback(name, func(ns *Namespace) {
		select {
		case done <- settled{ns: ns}:
		default:
		}
	})
	defer l.releaseCallback(name)

	src := l.scriptURL(name)
	l.host.InjectScript(ctx, src, ScriptEvents{
		OnLoad: func() {
			loaded.Do(func() { close(downloaded) })
		},
		OnError: func(err error) {
			l.host.RemoveScript(src)
			select {
			case done <- settled{err: fmt.Errorf("%w: %v", ErrScriptFailed, err)}:
			default:
			}
		},
	})

	watchdog := time.NewTimer(l.cfg.Timeout)
	defer watchdog.Stop()
	select {
	case s := <-done:
		if s.err == nil && s.ns == nil {
			return nil, ErrCallbackMissing
		}
		return s.ns, s.err
	case <-watchdog.C:
		if ns, ok := l.host.Namespace(); ok {
			return ns, nil
		}
		select {
		case <-downloaded:
			return nil, fmt.Errorf("after %s: %w", l.cfg.Timeout, ErrCallbackMissing)
		default:
			return nil, fmt.Errorf("after %s: %w", l.cfg.Timeout, ErrScriptDownload)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseCallback removes name from the host once the grace period has
// passed, so a continuation still referencing it does not find it gone.
func (l *Loader) releaseCallback(name string) {
	l.pending.Add(1)
	time.AfterFunc(l.cfg.CallbackGrace, func() {
		defer l.pending.Done()
		l.host.UnregisterCallback(name)
	})
}
