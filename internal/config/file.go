package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const DefaultPath = "~/.config/ridewatch/config.toml"

// File is the on-disk TOML form of the user-editable settings.
// Durations are stored as Go duration strings ("5s", "2m").
type File struct {
	Backend BackendSection `toml:"backend"`
	Store   StoreSection   `toml:"store"`
	Network NetworkSection `toml:"network"`
	Maps    MapsSection    `toml:"maps"`
	Log     LogSection     `toml:"log"`
	Daemon  DaemonSection  `toml:"daemon"`
}

type BackendSection struct {
	URL         string `toml:"url,omitempty"`
	APIKey      string `toml:"api_key,omitempty"`
	RealtimeURL string `toml:"realtime_url,omitempty"`
}

type StoreSection struct {
	DBPath    string `toml:"db_path,omitempty"`
	PrefsPath string `toml:"prefs_path,omitempty"`
}

type NetworkSection struct {
	RetryCount     int    `toml:"retry_count,omitempty"`
	RetryDelay     string `toml:"retry_delay,omitempty"`
	RequestTimeout string `toml:"request_timeout,omitempty"`
	VerifyTimeout  string `toml:"verify_timeout,omitempty"`
	ProbeInterval  string `toml:"probe_interval,omitempty"`
	ReplayInterval string `toml:"replay_interval,omitempty"`
	StartupBudget  string `toml:"startup_budget,omitempty"`
}

type MapsSection struct {
	SDKURL    string   `toml:"sdk_url,omitempty"`
	APIKey    string   `toml:"api_key,omitempty"`
	Libraries []string `toml:"libraries,omitempty"`
	Timeout   string   `toml:"timeout,omitempty"`
}

type LogSection struct {
	Level string `toml:"level,omitempty"`
	JSON  bool   `toml:"json,omitempty"`
}

type DaemonSection struct {
	Listen string `toml:"listen,omitempty"`
}

// Load returns DefaultConfig overlaid with the TOML file at path.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	file, err := ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := file.Apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile parses the config file, returning an empty File when it does not exist.
func ReadFile(path string) (File, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("read config: %w", err)
	}
	var file File
	if err := toml.Unmarshal(data, &file); err != nil {
		return File{}, fmt.Errorf("parse config: %w", err)
	}
	return file, nil
}

func WriteFile(path string, file File) error {
	resolved, err := ResolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(resolved, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Apply overlays every non-empty field of f onto cfg.
func (f File) Apply(cfg *Config) error {
	setString(&cfg.BackendURL, f.Backend.URL)
	setString(&cfg.APIKey, f.Backend.APIKey)
	setString(&cfg.RealtimeURL, f.Backend.RealtimeURL)
	if v := strings.TrimSpace(f.Store.DBPath); v != "" {
		cfg.DBPath = mustExpand(v)
	}
	if v := strings.TrimSpace(f.Store.PrefsPath); v != "" {
		cfg.PrefsPath = mustExpand(v)
	}
	if f.Network.RetryCount > 0 {
		cfg.RetryCount = f.Network.RetryCount
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"network.retry_delay", f.Network.RetryDelay, &cfg.RetryDelay},
		{"network.request_timeout", f.Network.RequestTimeout, &cfg.RequestTimeout},
		{"network.verify_timeout", f.Network.VerifyTimeout, &cfg.VerifyTimeout},
		{"network.probe_interval", f.Network.ProbeInterval, &cfg.ProbeInterval},
		{"network.replay_interval", f.Network.ReplayInterval, &cfg.ReplayInterval},
		{"network.startup_budget", f.Network.StartupBudget, &cfg.StartupBudget},
		{"maps.timeout", f.Maps.Timeout, &cfg.MapsTimeout},
	}
	for _, d := range durations {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		parsed, err := parsePositiveDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	setString(&cfg.MapsSDKURL, f.Maps.SDKURL)
	setString(&cfg.MapsAPIKey, f.Maps.APIKey)
	if len(f.Maps.Libraries) > 0 {
		cfg.MapsLibraries = append([]string(nil), f.Maps.Libraries...)
	}
	setString(&cfg.LogLevel, f.Log.Level)
	if f.Log.JSON {
		cfg.LogJSON = true
	}
	setString(&cfg.ListenAddr, f.Daemon.Listen)
	return nil
}

// SetValue sets a field using dot notation (e.g. "backend.url").
func (f *File) SetValue(key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. backend.url)")
	}
	section, field := parts[0], parts[1]
	value = strings.TrimSpace(value)

	switch section {
	case "backend":
		switch field {
		case "url":
			f.Backend.URL = value
		case "api_key":
			f.Backend.APIKey = value
		case "realtime_url":
			f.Backend.RealtimeURL = value
		default:
			return fmt.Errorf("unknown field %q in section [backend]", field)
		}
	case "store":
		switch field {
		case "db_path":
			f.Store.DBPath = value
		case "prefs_path":
			f.Store.PrefsPath = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "network":
		if field == "retry_count" {
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("network.retry_count must be a positive integer")
			}
			f.Network.RetryCount = n
			return nil
		}
		if _, err := parsePositiveDuration(value); err != nil {
			return fmt.Errorf("network.%s: %w", field, err)
		}
		switch field {
		case "retry_delay":
			f.Network.RetryDelay = value
		case "request_timeout":
			f.Network.RequestTimeout = value
		case "verify_timeout":
			f.Network.VerifyTimeout = value
		case "probe_interval":
			f.Network.ProbeInterval = value
		case "replay_interval":
			f.Network.ReplayInterval = value
		case "startup_budget":
			f.Network.StartupBudget = value
		default:
			return fmt.Errorf("unknown field %q in section [network]", field)
		}
	case "maps":
		switch field {
		case "sdk_url":
			f.Maps.SDKURL = value
		case "api_key":
			f.Maps.APIKey = value
		case "libraries":
			f.Maps.Libraries = splitList(value)
		case "timeout":
			if _, err := parsePositiveDuration(value); err != nil {
				return fmt.Errorf("maps.timeout: %w", err)
			}
			f.Maps.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [maps]", field)
		}
	case "log":
		switch field {
		case "level":
			f.Log.Level = value
		case "json":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("log.json must be true or false")
			}
			f.Log.JSON = b
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	case "daemon":
		if field != "listen" {
			return fmt.Errorf("unknown field %q in section [daemon]", field)
		}
		f.Daemon.Listen = value
	default:
		return fmt.Errorf("unknown config section %q (valid: backend, store, network, maps, log, daemon)", section)
	}
	return nil
}

func ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return expandPath(DefaultPath)
	}
	return expandPath(path)
}

func mustExpand(path string) string {
	expanded, err := expandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return d, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
