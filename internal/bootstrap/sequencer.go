// Package bootstrap decides at startup whether the backend is online,
// reachable but restricted by policy, or offline, and prepares the schema
// fallbacks the rest of the client relies on.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/g960059/ridewatch/internal/backend"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/connstate"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/metrics"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/schema"
)

// SessionTarget is the ProbeTarget recorded when only the session check
// reached the backend.
const SessionTarget = "auth:session"

var ErrNoSession = errors.New("no saved session")

type Options struct {
	Client  *backend.Client
	Store   *db.Store
	State   *connstate.State
	Schema  *schema.Registry
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// SessionID keys the persisted classification. Empty disables reuse.
	SessionID string
	Now       func() time.Time
}

type Result struct {
	Mode         model.Mode
	ProbeTarget  string
	PolicyTables []string
	Missing      []string
	// Cached is set when the mode came from an earlier classification of
	// this session.
	Cached   bool
	Duration time.Duration
	// Diagnostics holds one line per probe or check that failed.
	Diagnostics []string
}

type Sequencer struct {
	cfg     config.Config
	client  *backend.Client
	store   *db.Store
	state   *connstate.State
	schema  *schema.Registry
	log     *slog.Logger
	metrics *metrics.Metrics
	session string
	now     func() time.Time
}

func New(cfg config.Config, opts Options) *Sequencer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := opts.Schema
	if reg == nil {
		reg = schema.New(opts.Client, opts.Logger)
	}
	return &Sequencer{
		cfg:     cfg,
		client:  opts.Client,
		store:   opts.Store,
		state:   opts.State,
		schema:  reg,
		log:     logging.OrDiscard(opts.Logger).With("component", "bootstrap"),
		metrics: opts.Metrics,
		session: opts.SessionID,
		now:     now,
	}
}

// SessionID derives the classification key for a device and user.
func SessionID(deviceID, userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return deviceID + "/" + userID
}

// Run classifies the backend within StartupBudget. It never fails; every
// problem ends up in the result's mode and diagnostics.
func (s *Sequencer) Run(ctx context.Context) Result {
	start := s.now()
	budget := s.cfg.StartupBudget
	if budget <= 0 {
		budget = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var res Result
	var lastErr error
	if cached, ok := s.cachedMode(ctx); ok {
		res.Mode, res.ProbeTarget, res.Cached = cached.Mode, cached.ProbeTarget, true
		s.log.Info("reusing startup classification", "mode", res.Mode, "checked_at", cached.CheckedAt)
	} else {
		res.ProbeTarget, lastErr = s.probe(ctx, &res)
		if res.ProbeTarget == "" {
			if err := s.checkSession(ctx); err != nil {
				res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: %v", SessionTarget, err))
				lastErr = err
			} else {
				res.ProbeTarget = SessionTarget
			}
		}
		res.Mode = model.ModeOffline
		if res.ProbeTarget != "" {
			res.Mode = model.ModeOnline
		}
	}

	if res.Mode != model.ModeOffline {
		// Policy restrictions are re-derived even for a reused mode.
		res.Mode = model.ModeOnline
		s.verify(ctx, &res)
	}

	if !res.Cached && s.store != nil && s.session != "" {
		err := s.store.PutSessionState(context.WithoutCancel(ctx), model.SessionState{
			SessionID:   s.session,
			Mode:        res.Mode,
			ProbeTarget: res.ProbeTarget,
			CheckedAt:   s.now(),
		})
		if err != nil {
			s.log.Warn("persist startup classification failed", "error", err)
		}
	}

	if s.state != nil {
		if res.Mode == model.ModeOffline {
			if lastErr == nil {
				lastErr = errors.New("backend unreachable at startup")
			}
			s.state.SetConnected(false, lastErr)
		} else {
			s.state.SetConnected(true, nil)
		}
	}
	s.metrics.SetConnected(res.Mode != model.ModeOffline)

	res.Duration = s.now().Sub(start)
	s.metrics.Startup(string(res.Mode), res.Duration)
	s.log.Info("startup classified",
		"mode", res.Mode,
		"probe_target", res.ProbeTarget,
		"policy_tables", res.PolicyTables,
		"missing", res.Missing,
		"cached", res.Cached,
		"duration", res.Duration,
	)
	return res
}

func (s *Sequencer) cachedMode(ctx context.Context) (model.SessionState, bool) {
	if s.store == nil || s.session == "" || s.cfg.SessionModeTTL <= 0 {
		return model.SessionState{}, false
	}
	st, err := s.store.GetSessionState(ctx, s.session)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			s.log.Warn("read startup classification failed", "error", err)
		}
		return model.SessionState{}, false
	}
	if s.now().Sub(st.CheckedAt) >= s.cfg.SessionModeTTL {
		return model.SessionState{}, false
	}
	// An offline result is kept for status output but always re-checked.
	if st.Mode == model.ModeOffline {
		return model.SessionState{}, false
	}
	return st, true
}

// probe tries each system target in order and returns the first that the
// backend answered. An answer that is an error still proves
// reachability unless the error is a transport or server failure.
func (s *Sequencer) probe(ctx context.Context, res *Result) (string, error) {
	var lastErr error
	for _, target := range s.cfg.ProbeTargets {
		if ctx.Err() != nil {
			break
		}
		err := s.probeOne(ctx, target)
		if err == nil || !resilience.Unreachable(err) {
			if err != nil {
				s.log.Debug("probe answered with error", "target", target, "error", err)
			}
			return target, nil
		}
		res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: %v", target, err))
		lastErr = err
	}
	return "", lastErr
}

func (s *Sequencer) probeOne(ctx context.Context, target string) error {
	return ProbeTarget(ctx, s.client, target, s.cfg.ProbeTimeout)
}

// ProbeTarget asks the backend about one system target: "rpc:<fn>" calls
// a function, anything else reads one row of a table.
func ProbeTarget(ctx context.Context, client *backend.Client, target string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if fn, ok := strings.CutPrefix(target, "rpc:"); ok {
		_, err := client.RPC(pctx, fn, nil)
		return err
	}
	_, err := client.Select(pctx, target, backend.Query{Limit: 1})
	return err
}

// checkSession restores the saved auth session, refreshing it when
// expired, and asks the backend who it belongs to.
func (s *Sequencer) checkSession(ctx context.Context) error {
	if s.store == nil {
		return ErrNoSession
	}
	sess, err := s.store.LoadAuthSession(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return err
	}
	timeout := s.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !sess.Valid(s.now()) {
		if sess.RefreshToken == "" {
			return errors.New("saved session expired")
		}
		if sess, err = s.client.Refresh(pctx, sess.RefreshToken); err != nil {
			return fmt.Errorf("refresh session: %w", err)
		}
		if err := s.store.SaveAuthSession(ctx, sess); err != nil {
			s.log.Warn("save refreshed session failed", "error", err)
		}
	}
	s.client.SetAccessToken(sess.AccessToken)
	if _, err := s.client.CurrentUser(pctx); err != nil {
		return fmt.Errorf("session check: %w", err)
	}
	return nil
}

// verify checks the critical and required objects. Policy errors on a
// critical table downgrade the mode to limited; missing objects switch
// callers to fallbacks through the schema registry.
func (s *Sequencer) verify(ctx context.Context, res *Result) {
	tables := slices.Clone(s.cfg.CriticalTables)
	for _, t := range s.cfg.RequiredTables {
		if !slices.Contains(tables, t) {
			tables = append(tables, t)
		}
	}
	rep := s.schema.Verify(ctx, schema.Requirements{
		Tables: tables,
		Views:  s.cfg.RequiredViews,
		RPCs:   s.cfg.RequiredRPCs,
	})
	res.Missing = rep.Missing
	for _, k := range rep.PolicyTables {
		name := strings.TrimPrefix(k, string(schema.Table)+":")
		res.PolicyTables = append(res.PolicyTables, name)
	}
	for obj, reason := range rep.Unverified {
		res.Diagnostics = append(res.Diagnostics, obj+": "+reason)
	}
	slices.Sort(res.Diagnostics)

	for _, t := range res.PolicyTables {
		if slices.Contains(s.cfg.CriticalTables, t) {
			res.Mode = model.ModeLimited
			s.log.Warn("backend policy misconfigured, running limited", "tables", res.PolicyTables)
			return
		}
	}
}
