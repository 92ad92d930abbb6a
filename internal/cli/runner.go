// Package cli implements the ridewatch command line.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/appclient"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/logging"
)

type Runner struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	jsonOut    bool
	logLevel   string
	daemonAddr string
	// width caps banner rendering; 0 means unbounded.
	width int

	// httpClient is used for backend and daemon calls; nil means the
	// package defaults.
	httpClient *http.Client
}

// errUsage marks errors that should exit with status 2.
var errUsage = errors.New("usage")

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		out:        out,
		errOut:     errOut,
		configPath: config.DefaultPath,
		width:      100,
	}
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCmd()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			return 2
		}
		return 1
	}
	return 0
}

func (r *Runner) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ridewatch",
		Short:         "Track school transport with offline continuity",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&r.configPath, "config", r.configPath, "config file path")
	root.PersistentFlags().BoolVar(&r.jsonOut, "json", false, "print JSON")
	root.PersistentFlags().StringVar(&r.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&r.daemonAddr, "daemon", "", "talk to a running ridewatchd at this address instead of the local store")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.AddCommand(
		r.initCmd(),
		r.configCmd(),
		r.doctorCmd(),
		r.flagsCmd(),
		r.statusCmd(),
		r.syncCmd(),
		r.pendingCmd(),
		r.locateCmd(),
		r.tripCmd(),
		r.routeCmd(),
		r.mapCmd(),
		r.statsCmd(),
	)
	return root
}

func (r *Runner) loadConfig() (config.Config, error) {
	return config.Load(r.configPath)
}

func (r *Runner) logger(cfg config.Config) *slog.Logger {
	raw := cfg.LogLevel
	if r.logLevel != "" {
		raw = r.logLevel
	}
	level, err := logging.ParseLevel(raw)
	if err != nil {
		level = logging.LevelWarn
	}
	// Commands talk to the user on stdout; keep routine logs quiet.
	if r.logLevel == "" && level < logging.LevelWarn {
		level = logging.LevelWarn
	}
	return logging.New(logging.Config{Level: level, JSON: cfg.LogJSON, Service: "ridewatch", Output: r.errOut})
}

// withApp opens the client core, runs startup classification when
// classify is set, and closes it after fn.
func (r *Runner) withApp(ctx context.Context, classify bool, fn func(a *app.App) error) error {
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, app.Options{Logger: r.logger(cfg), HTTPClient: r.httpClient})
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck
	if classify {
		a.Startup(ctx)
	}
	return fn(a)
}

func (r *Runner) daemonClient() *appclient.Client {
	return appclient.New(r.daemonAddr, appclient.WithHTTPClient(r.httpClient))
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}
