package cli

import (
	"errors"
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/g960059/ridewatch/internal/app"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/doctor"
	"github.com/g960059/ridewatch/internal/prefs"
)

func (r *Runner) initCmd() *cobra.Command {
	var (
		backendURL string
		apiKey     string
		email      string
		password   string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the config file and register this device",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			file, err := config.ReadFile(r.configPath)
			if err != nil {
				return err
			}
			if backendURL != "" {
				file.Backend.URL = strings.TrimSpace(backendURL)
			}
			if apiKey != "" {
				file.Backend.APIKey = strings.TrimSpace(apiKey)
			}
			if err := config.WriteFile(r.configPath, file); err != nil {
				return err
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			p, err := prefs.EnsureDeviceID(cfg.PrefsPath)
			if err != nil {
				return err
			}
			path, _ := config.ResolvePath(r.configPath)
			r.printf("config written to %s\n", path)
			r.printf("device id %s\n", p.DeviceID)

			if email == "" {
				return nil
			}
			if password == "" {
				return fmt.Errorf("%w: --password is required with --email", errUsage)
			}
			return r.withApp(cmd.Context(), false, func(a *app.App) error {
				sess, err := a.SignIn(cmd.Context(), email, password)
				if err != nil {
					return fmt.Errorf("sign in: %w", err)
				}
				r.printf("signed in as %s (user %s)\n", email, sess.UserID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&backendURL, "backend-url", "", "backend base URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "backend anonymous API key")
	cmd.Flags().StringVar(&email, "email", "", "sign in with this account")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func (r *Runner) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the config file",
		Args:  exactArgs(0),
		RunE: func(_ *cobra.Command, _ []string) error {
			file, err := config.ReadFile(r.configPath)
			if err != nil {
				return err
			}
			if r.jsonOut {
				return r.printJSON(file)
			}
			data, err := toml.Marshal(file)
			if err != nil {
				return err
			}
			_, err = r.out.Write(data)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set one value, e.g. network.retry_count 5",
		Args:  exactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			file, err := config.ReadFile(r.configPath)
			if err != nil {
				return err
			}
			if err := file.SetValue(args[0], args[1]); err != nil {
				return fmt.Errorf("%w: %v", errUsage, err)
			}
			probe := config.DefaultConfig()
			if err := file.Apply(&probe); err != nil {
				return err
			}
			if err := config.WriteFile(r.configPath, file); err != nil {
				return err
			}
			r.printf("%s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func (r *Runner) flagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags [KEY VALUE]",
		Short: "Show or set device flags (" + strings.Join(prefs.Keys, ", ") + ")",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("%w: %s expects no arguments or KEY VALUE", errUsage, cmd.CommandPath())
			}
			return nil
		},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			p, err := prefs.EnsureDeviceID(cfg.PrefsPath)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				if err := p.Set(args[0], args[1]); err != nil {
					return fmt.Errorf("%w: %v", errUsage, err)
				}
				if err := prefs.Save(cfg.PrefsPath, p); err != nil {
					return err
				}
			}
			if r.jsonOut {
				return r.printJSON(p)
			}
			r.printf("use_demo_data\t%t\n", p.UseDemoData)
			r.printf("is_test_account\t%t\n", p.IsTestAccount)
			r.printf("device_id\t%s\n", p.DeviceID)
			return nil
		},
	}
}

func (r *Runner) doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, store, backend and optional services",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.withApp(cmd.Context(), false, func(a *app.App) error {
				res := doctor.Run(cmd.Context(), r.configPath, a)
				if r.jsonOut {
					if err := r.printJSON(res); err != nil {
						return err
					}
				} else {
					for _, c := range res.Checks {
						r.printf("%-4s  %-14s %s\n", c.Status, c.Name, c.Message)
					}
				}
				if !res.OK {
					return errors.New("doctor found failing checks")
				}
				return nil
			})
		},
	}
}
