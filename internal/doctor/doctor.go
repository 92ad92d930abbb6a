// Package doctor checks that a device is set up to track vehicles: the
// config file, the local store, the backend and the optional services.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/bootstrap"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/db"
	"github.com/g960059/ridewatch/internal/resilience"
	"github.com/g960059/ridewatch/internal/schema"
	"github.com/g960059/ridewatch/internal/security"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// Run checks a. configPath is only inspected for existence; a is already
// built from it.
func Run(ctx context.Context, configPath string, a *app.App) Result {
	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		switch c.Status {
		case Warn:
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		case Fail:
			out.OK = false
		}
	}

	add(checkConfigFile(configPath))
	add(checkBackendConfig(a.Config))
	add(checkStore(ctx, a))
	add(checkDevice(a))
	if a.Prefs.UseDemoData {
		add(Check{Name: "backend", Status: Warn, Message: "demo data enabled; backend not contacted"})
	} else {
		add(checkReachability(ctx, a))
		add(checkSchema(ctx, a))
	}
	add(checkSession(ctx, a))
	add(checkQueue(ctx, a))
	add(optional("maps", a.Config.MapsAPIKey, "maps api key set", "no maps api key; maps are drawn as schematics"))
	add(optional("realtime", a.Config.RealtimeURL, "feed at "+security.RedactURL(a.Config.RealtimeURL), "no realtime url; positions refresh on read only"))
	return out
}

func checkConfigFile(path string) Check {
	resolved, err := config.ResolvePath(path)
	if err != nil {
		return Check{Name: "config_file", Status: Fail, Message: err.Error(), Path: path}
	}
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Check{Name: "config_file", Status: Warn, Message: "not found; using defaults (run ridewatch init)", Path: resolved}
		}
		return Check{Name: "config_file", Status: Fail, Message: fmt.Sprintf("stat error: %v", err), Path: resolved}
	}
	return Check{Name: "config_file", Status: Pass, Message: "present", Path: resolved}
}

func checkBackendConfig(cfg config.Config) Check {
	switch {
	case strings.TrimSpace(cfg.BackendURL) == "":
		return Check{Name: "backend_config", Status: Fail, Message: "backend.url is empty"}
	case strings.TrimSpace(cfg.APIKey) == "":
		return Check{Name: "backend_config", Status: Warn, Message: "backend.api_key is empty; requests go out unauthenticated"}
	default:
		return Check{Name: "backend_config", Status: Pass, Message: cfg.BackendURL}
	}
}

func checkStore(ctx context.Context, a *app.App) Check {
	version, err := db.SchemaVersion(ctx, a.Store.DB())
	if err != nil {
		return Check{Name: "store", Status: Fail, Message: fmt.Sprintf("read schema version: %v", err), Path: a.Config.DBPath}
	}
	return Check{Name: "store", Status: Pass, Message: fmt.Sprintf("schema version %d", version), Path: a.Config.DBPath}
}

func checkDevice(a *app.App) Check {
	if a.Prefs.DeviceID == "" {
		return Check{Name: "device", Status: Fail, Message: "no device id", Path: a.Config.PrefsPath}
	}
	return Check{Name: "device", Status: Pass, Message: a.Prefs.DeviceID, Path: a.Config.PrefsPath}
}

// checkReachability passes when any probe target answers. Policy errors
// count as reachable but are reported.
func checkReachability(ctx context.Context, a *app.App) Check {
	if len(a.Config.ProbeTargets) == 0 {
		return Check{Name: "backend", Status: Warn, Message: "no probe targets configured"}
	}
	var failures []string
	for _, target := range a.Config.ProbeTargets {
		err := bootstrap.ProbeTarget(ctx, a.Client, target, a.Config.ProbeTimeout)
		if err == nil {
			return Check{Name: "backend", Status: Pass, Message: "reachable via " + target}
		}
		ce := resilience.Classify(err)
		if ce.Kind == resilience.KindPolicy {
			return Check{Name: "backend", Status: Warn, Message: fmt.Sprintf("reachable, but %s hit an access rule: %s", target, ce.Message)}
		}
		failures = append(failures, fmt.Sprintf("%s: %s", target, ce.Kind))
	}
	return Check{Name: "backend", Status: Fail, Message: "unreachable (" + strings.Join(failures, ", ") + ")"}
}

func checkSchema(ctx context.Context, a *app.App) Check {
	rep := a.Schema.Verify(ctx, schema.Requirements{
		Tables: a.Config.RequiredTables,
		Views:  a.Config.RequiredViews,
		RPCs:   a.Config.RequiredRPCs,
	})
	switch {
	case len(rep.PolicyTables) > 0:
		return Check{Name: "schema", Status: Warn, Message: "access rules block " + strings.Join(rep.PolicyTables, ", ")}
	case len(rep.Missing) > 0:
		return Check{Name: "schema", Status: Warn, Message: "fallbacks in use for " + strings.Join(rep.Missing, ", ")}
	case len(rep.Unverified) > 0:
		return Check{Name: "schema", Status: Warn, Message: fmt.Sprintf("%d object(s) could not be checked", len(rep.Unverified))}
	default:
		return Check{Name: "schema", Status: Pass, Message: "all required schema objects present"}
	}
}

func checkSession(ctx context.Context, a *app.App) Check {
	sess, err := a.Store.LoadAuthSession(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return Check{Name: "session", Status: Warn, Message: "not signed in"}
	case err != nil:
		return Check{Name: "session", Status: Fail, Message: err.Error()}
	case !sess.Valid(time.Now()):
		return Check{Name: "session", Status: Warn, Message: "session expired; it is refreshed on next startup"}
	default:
		return Check{Name: "session", Status: Pass, Message: "signed in as user " + sess.UserID}
	}
}

func checkQueue(ctx context.Context, a *app.App) Check {
	pending, stuck, err := a.Store.CountOperations(ctx)
	switch {
	case err != nil:
		return Check{Name: "queue", Status: Fail, Message: err.Error()}
	case stuck > 0:
		return Check{Name: "queue", Status: Warn, Message: fmt.Sprintf("%d change(s) stuck; see ridewatch pending", stuck)}
	default:
		return Check{Name: "queue", Status: Pass, Message: fmt.Sprintf("%d pending", pending)}
	}
}

func optional(name, value, ok, missing string) Check {
	if strings.TrimSpace(value) == "" {
		return Check{Name: name, Status: Warn, Message: missing}
	}
	return Check{Name: name, Status: Pass, Message: ok}
}
