// Package resilience executes backend calls with bounded retries and is
// the only place that decides whether a failure is worth another attempt.
package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
)

// Request describes one logical backend call.
type Request struct {
	// Path names the resource for logs and metrics, e.g. "trips" or
	// "rpc:update_vehicle_location".
	Path string
	// Critical requests (auth, storage) keep retrying policy errors.
	Critical bool
}

type Executor struct {
	state   *connstate.State
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewExecutor(state *connstate.State, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		state:   state,
		cfg:     cfg,
		log:     logging.OrDiscard(logger),
		metrics: m,
		sleep:   sleepWithContext,
	}
}

// SetSleep replaces the backoff wait; tests use it to avoid real delays.
func (e *Executor) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	e.sleep = fn
}

func (e *Executor) State() *connstate.State {
	return e.state
}

// Do runs call under the retry policy and discards its value.
func (e *Executor) Do(ctx context.Context, req Request, call func(ctx context.Context) error) error {
	_, err := Execute(ctx, e, req, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, call(ctx)
	})
	return err
}

// Execute runs call up to RetryCount times. Transport and server failures
// wait RetryDelay*attempt before the next try; policy failures stop after
// one attempt unless the request is critical; every other class stops
// immediately. Failures are returned as *Error.
//
// A success marks the backend reachable and an exhausted transport
// failure marks it unreachable. Other failures leave State alone.
func Execute[T any](ctx context.Context, e *Executor, req Request, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := e.cfg.RetryCount
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last *Error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		e.metrics.RequestAttempt(req.Path, attempt > 1)
		v, err := call(ctx)
		if err == nil {
			e.metrics.RequestOutcome(req.Path, "ok")
			e.setConnected(true, nil)
			return v, nil
		}
		last = withAttempt(Classify(err), req.Path, attempt)
		if ctx.Err() != nil {
			last.Kind = KindCanceled
			break
		}
		if attempt == maxAttempts || !last.Retryable(req.Critical) {
			break
		}
		delay := e.cfg.RetryDelay * time.Duration(attempt)
		e.log.Warn("backend request failed, retrying",
			"path", req.Path,
			"attempt", attempt,
			"kind", string(last.Kind),
			"delay", delay,
			"error", last.Message,
		)
		if err := e.sleep(ctx, delay); err != nil {
			last = withAttempt(&Error{Kind: KindCanceled, Message: "request canceled", Err: err}, req.Path, attempt)
			break
		}
	}

	e.metrics.RequestOutcome(req.Path, string(last.Kind))
	switch last.Kind {
	case KindTransport:
		e.log.Warn("backend unreachable", "path", req.Path, "attempts", last.Attempts, "error", last.Message)
		e.setConnected(false, last)
	case KindPolicy:
		e.log.Error("backend policy error", "path", req.Path, "code", last.Code, "message", last.Message, "hint", last.Hint)
	}
	return zero, last
}

// withAttempt copies ce so a passed-through *Error is never mutated.
func withAttempt(ce *Error, path string, attempt int) *Error {
	out := *ce
	if out.Path == "" {
		out.Path = path
	}
	out.Attempts = attempt
	return &out
}

func (e *Executor) setConnected(connected bool, err error) {
	if e.state == nil {
		return
	}
	e.state.SetConnected(connected, err)
	e.metrics.SetConnected(connected)
}

func sleepWithContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
