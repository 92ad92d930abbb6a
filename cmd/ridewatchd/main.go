package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/daemon"
	"github.com/g960059/ridewatch/internal/logging"
	"github.com/g960059/ridewatch/internal/model"
	"github.com/g960059/ridewatch/internal/realtime"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	listen := flag.String("listen", "", "HTTP listen address (overrides daemon.listen)")
	logLevel := flag.String("log-level", "", "log level (overrides log.level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	logger := logging.New(logging.Config{Level: level, JSON: cfg.LogJSON, Service: "ridewatchd"})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := app.Open(ctx, cfg, app.Options{Logger: logger, Registerer: reg})
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	res := a.Startup(ctx)
	logger.Info("startup classified", "mode", res.Mode, "probe", res.ProbeTarget, "duration", res.Duration)

	var feed *realtime.Feed
	if cfg.RealtimeURL != "" {
		feed, err = realtime.New(cfg, realtime.Options{
			Store:   a.Store,
			Logger:  logger,
			Metrics: a.Metrics,
			OnLocation: func(loc model.Location) {
				logger.Debug("vehicle moved", "vehicle", loc.VehicleID, "lat", loc.Lat, "lng", loc.Lng)
			},
		})
		if err != nil {
			return fmt.Errorf("realtime feed: %w", err)
		}
	}

	srv := daemon.NewServer(a, feed, reg)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return daemon.RunLoops(ctx, a, feed) })
	g.Go(func() error { return srv.Start(ctx) })
	return g.Wait()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "ridewatchd: %v\n", err)
	os.Exit(1)
}
