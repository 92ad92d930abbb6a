package prefs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "prefs.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.UseDemoData || p.IsTestAccount || p.DeviceID != "" {
		t.Fatalf("expected zero prefs, got %+v", p)
	}
}

func TestLoad_InvalidTOMLFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	if err := os.WriteFile(path, []byte("not valid toml {{{\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if p.UseDemoData {
		t.Fatalf("expected defaults, got %+v", p)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "prefs.toml")
	if err := Save(path, Prefs{UseDemoData: true, DeviceID: "dev-1"}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !p.UseDemoData || p.IsTestAccount || p.DeviceID != "dev-1" {
		t.Fatalf("unexpected prefs %+v", p)
	}
}

func TestEnsureDeviceIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	first, err := EnsureDeviceID(path)
	if err != nil {
		t.Fatalf("EnsureDeviceID: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatalf("expected a device id")
	}
	second, err := EnsureDeviceID(path)
	if err != nil {
		t.Fatalf("EnsureDeviceID again: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device id changed: %q -> %q", first.DeviceID, second.DeviceID)
	}
}

func TestSet(t *testing.T) {
	var p Prefs
	if err := p.Set("use_demo_data", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !p.UseDemoData {
		t.Fatalf("flag not set")
	}
	if err := p.Set("is_test_account", "maybe"); err == nil {
		t.Fatalf("expected bool parse error")
	}
	if err := p.Set("dark_mode", "true"); err == nil {
		t.Fatalf("expected unknown flag error")
	}
}
