// Package prefs persists the small device flags that live outside the
// cache database (demo mode, test account marker, device id).
package prefs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	toml "github.com/pelletier/go-toml/v2"
)

type Prefs struct {
	UseDemoData   bool   `toml:"use_demo_data" json:"use_demo_data"`
	IsTestAccount bool   `toml:"is_test_account" json:"is_test_account"`
	DeviceID      string `toml:"device_id" json:"device_id"`
}

// Keys lists the user-settable flags.
var Keys = []string{"use_demo_data", "is_test_account"}

// Load reads preferences from path. A missing or unreadable file yields
// defaults.
func Load(path string) (Prefs, error) {
	var p Prefs
	data, err := os.ReadFile(path)
	if err != nil {
		return p, nil
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return Prefs{}, nil
	}
	p.DeviceID = strings.TrimSpace(p.DeviceID)
	return p, nil
}

func Save(path string, p Prefs) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create prefs dir: %w", err)
	}
	data, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prefs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	return nil
}

// EnsureDeviceID assigns a device id on first use and saves it.
func EnsureDeviceID(path string) (Prefs, error) {
	p, _ := Load(path)
	if p.DeviceID != "" {
		return p, nil
	}
	p.DeviceID = uuid.NewString()
	if err := Save(path, p); err != nil {
		return p, err
	}
	return p, nil
}

func (p *Prefs) Set(key, value string) error {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("%s must be true or false", key)
	}
	switch key {
	case "use_demo_data":
		p.UseDemoData = b
	case "is_test_account":
		p.IsTestAccount = b
	default:
		return fmt.Errorf("unknown flag %q (valid: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}
