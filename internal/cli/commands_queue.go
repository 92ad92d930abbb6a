package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/ridewatch/internal/api"
	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/appclient"
	"github.com/g960059/ridewatch/internal/status"
)

func (r *Runner) statusCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the connection banner and queue counts",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if r.daemonAddr == "" {
				if watch {
					return fmt.Errorf("%w: --watch requires --daemon", errUsage)
				}
				return r.withApp(ctx, true, func(a *app.App) error {
					st, err := a.StatusEnvelope(ctx, false)
					if err != nil {
						return err
					}
					return r.printStatus(st)
				})
			}
			client := r.daemonClient()
			if !watch {
				st, err := client.Status(ctx)
				if err != nil {
					return err
				}
				return r.printStatus(st)
			}
			return client.WatchStatus(ctx, appclient.WatchOptions{PollInterval: interval}, r.printStatus)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep printing the banner as it changes (needs --daemon)")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval for --watch")
	return cmd
}

func (r *Runner) printStatus(st api.StatusEnvelope) error {
	if r.jsonOut {
		return r.printJSON(st)
	}
	banner := status.Banner{
		Level:  status.ParseLevel(st.Banner.Level),
		Title:  st.Banner.Title,
		Detail: st.Banner.Detail,
	}
	r.printf("%s\n", banner.Render(r.width))
	r.printf("pending %d  stuck %d\n", st.Pending, st.Stuck)
	if st.Startup != nil {
		r.printf("mode %s (probe %s, %dms)\n", st.Startup.Mode, orDash(st.Startup.ProbeTarget), st.Startup.DurationMS)
		for _, d := range st.Startup.Diagnostics {
			r.printf("  %s\n", d)
		}
	}
	return nil
}

func (r *Runner) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued changes now",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var resp api.SyncResponse
			if r.daemonAddr != "" {
				var err error
				if resp, err = r.daemonClient().Sync(ctx); err != nil {
					return err
				}
			} else {
				err := r.withApp(ctx, true, func(a *app.App) error {
					res, err := a.Manager.Replay(ctx)
					if err != nil {
						return err
					}
					resp = api.SyncResponse{
						SchemaVersion: api.SchemaVersion,
						GeneratedAt:   time.Now().UTC(),
						Synced:        res.Synced,
						Errored:       res.Errored,
						Remaining:     res.Remaining,
						Stuck:         res.Stuck,
						Offline:       res.Offline,
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			if resp.Offline {
				r.printf("offline: %d change(s) still queued\n", resp.Remaining)
				return nil
			}
			r.printf("synced %d, failed %d, remaining %d, stuck %d\n", resp.Synced, resp.Errored, resp.Remaining, resp.Stuck)
			return nil
		},
	}
}

func (r *Runner) pendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Inspect and manage queued changes",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.listPending(cmd.Context())
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued changes in replay order",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.listPending(cmd.Context())
		},
	})
	cmd.AddCommand(r.operationCmd("retry", "Reset a stuck change so the next replay sends it again",
		func(ctx context.Context, c *appclient.Client, id int64) error { return c.Retry(ctx, id) },
		func(ctx context.Context, a *app.App, id int64) error { return a.Manager.Retry(ctx, id) }))
	cmd.AddCommand(r.operationCmd("discard", "Drop a queued change",
		func(ctx context.Context, c *appclient.Client, id int64) error { return c.Discard(ctx, id) },
		func(ctx context.Context, a *app.App, id int64) error { return a.Manager.Discard(ctx, id) }))
	return cmd
}

func (r *Runner) listPending(ctx context.Context) error {
	var ops []api.OperationResponse
	if r.daemonAddr != "" {
		env, err := r.daemonClient().Pending(ctx)
		if err != nil {
			return err
		}
		ops = env.Operations
	} else {
		err := r.withApp(ctx, false, func(a *app.App) error {
			pending, err := a.Manager.Pending(ctx)
			if err != nil {
				return err
			}
			for _, op := range pending {
				ops = append(ops, api.NewOperationResponse(op))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if r.jsonOut {
		if ops == nil {
			ops = []api.OperationResponse{}
		}
		return r.printJSON(api.PendingEnvelope{SchemaVersion: api.SchemaVersion, GeneratedAt: time.Now().UTC(), Operations: ops})
	}
	if len(ops) == 0 {
		r.printf("no pending changes\n")
		return nil
	}
	for _, op := range ops {
		state := op.Status
		if op.Stuck {
			state = "stuck"
		}
		r.printf("%d\t%s\t%s/%s\t%s\t%d/%d\t%s\n", op.ID, op.Kind, op.TargetKind, op.TargetID, state, op.Attempts, op.MaxAttempts, orDash(op.Error))
	}
	return nil
}

func (r *Runner) operationCmd(
	name, short string,
	remote func(context.Context, *appclient.Client, int64) error,
	local func(context.Context, *app.App, int64) error,
) *cobra.Command {
	return &cobra.Command{
		Use:   name + " ID",
		Short: short,
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("%w: invalid operation id %q", errUsage, args[0])
			}
			ctx := cmd.Context()
			if r.daemonAddr != "" {
				err = remote(ctx, r.daemonClient(), id)
			} else {
				err = r.withApp(ctx, false, func(a *app.App) error { return local(ctx, a, id) })
			}
			if err != nil {
				return err
			}
			r.printf("%s %d\n", pastTense(name), id)
			return nil
		},
	}
}

func (r *Runner) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show fleet compliance and driver verification rates",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			var resp api.StatsResponse
			if r.daemonAddr != "" {
				var err error
				if resp, err = r.daemonClient().Stats(ctx, true); err != nil {
					return err
				}
			} else {
				err := r.withApp(ctx, false, func(a *app.App) error {
					rates, err := a.Stats.Compute(ctx)
					if err != nil {
						return err
					}
					at := rates.ComputedAt.UTC().Format(time.RFC3339)
					resp = api.StatsResponse{
						SchemaVersion: api.SchemaVersion,
						GeneratedAt:   time.Now().UTC(),
						Compliance:    rates.Compliance,
						Verified:      rates.Verified,
						Vehicles:      rates.Vehicles,
						Drivers:       rates.Drivers,
						Source:        string(rates.Source),
						ComputedAt:    &at,
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			if r.jsonOut {
				return r.printJSON(resp)
			}
			r.printf("compliance %.1f%% of %d vehicles\n", resp.Compliance*100, resp.Vehicles)
			r.printf("verified   %.1f%% of %d drivers\n", resp.Verified*100, resp.Drivers)
			r.printf("source     %s\n", resp.Source)
			return nil
		},
	}
}

func pastTense(verb string) string {
	if strings.HasSuffix(verb, "y") {
		return strings.TrimSuffix(verb, "y") + "ied"
	}
	return verb + "ed"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
