package connstate

import (
	"time"

	"github.com/g960059/ridewatch/internal/config"
)

// Health smooths individual probe results into a trend for the banner.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

type HealthState struct {
	Current              Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func (s *HealthState) moveTo(h Health, now time.Time) {
	s.Current = h
	s.LastTransitionAt = now
}

// NextHealth folds one probe outcome into state. A single failure degrades;
// cfg.DownFailures failures inside cfg.HealthWindow mark the link down, and
// cfg.RecoverSuccesses successes in a row bring it back.
func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = HealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveFailures = 0
		state.ConsecutiveSuccesses++
		if state.Current != HealthOK && state.ConsecutiveSuccesses >= cfg.RecoverSuccesses {
			state.moveTo(HealthOK, now)
		}
		return state
	}

	state.ConsecutiveSuccesses = 0
	state.ConsecutiveFailures++
	switch {
	case state.Current == HealthOK:
		state.moveTo(HealthDegraded, now)
	case state.Current == HealthDegraded && now.Sub(state.LastTransitionAt) > cfg.HealthWindow:
		// stale window: count from this failure
		state.ConsecutiveFailures = 1
		state.LastTransitionAt = now
	case state.Current == HealthDegraded && state.ConsecutiveFailures >= cfg.DownFailures:
		state.moveTo(HealthDown, now)
	}
	return state
}
