package daemon

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/realtime"
)

// RunLoops runs the background work of the daemon until ctx is done:
// reachability probes, replay on reconnect and on interval, cache sweeps,
// rate computation and the realtime feed when one is configured.
//
// A realtime feed that gives up does not stop the other loops.
func RunLoops(ctx context.Context, a *app.App, feed *realtime.Feed) error {
	g, ctx := errgroup.WithContext(ctx)

	detach := a.Manager.Watch(ctx)
	defer detach()

	g.Go(func() error { return quiet(a.Monitor.Run(ctx)) })
	g.Go(func() error { return quiet(a.Manager.Run(ctx)) })
	g.Go(func() error { return quiet(a.Stats.Run(ctx, a.Config.StatsInterval)) })
	if feed != nil {
		g.Go(func() error {
			err := feed.Run(ctx)
			if errors.Is(err, realtime.ErrGaveUp) {
				a.Logger.Error("realtime feed stopped", "error", err)
				return nil
			}
			return quiet(err)
		})
	}
	return g.Wait()
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
