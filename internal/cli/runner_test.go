package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/ridewatch/internal/backend/backendtest"
	"github.com/g960059/ridewatch/internal/config"
	"github.com/g960059/ridewatch/internal/prefs"
)

type harness struct {
	t          *testing.T
	backend    *backendtest.Server
	configPath string
	prefsPath  string
	client     *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	be := backendtest.Start()
	t.Cleanup(be.Close)
	be.CreateTable("system_status", "routes", "vehicles", "students", "trips", "vehicle_locations", "profiles", "active_trips_view")

	dir := t.TempDir()
	h := &harness{
		t:          t,
		backend:    be,
		configPath: filepath.Join(dir, "config.toml"),
		prefsPath:  filepath.Join(dir, "prefs.toml"),
		client:     be.HTTPClient(),
	}
	file := config.File{
		Backend: config.BackendSection{URL: be.URL(), APIKey: "anon"},
		Store:   config.StoreSection{DBPath: filepath.Join(dir, "cache.db"), PrefsPath: h.prefsPath},
		Network: config.NetworkSection{RetryCount: 1, RetryDelay: "10ms"},
	}
	if err := config.WriteFile(h.configPath, file); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return h
}

// run executes args and returns stdout, stderr and the exit code.
func (h *harness) run(args ...string) (string, string, int) {
	h.t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunner(out, errOut)
	r.httpClient = h.client
	code := r.Run(context.Background(), append([]string{"--config", h.configPath}, args...))
	return out.String(), errOut.String(), code
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, errOut, code := h.run(args...)
	if code != 0 {
		h.t.Fatalf("%v: exit %d stderr=%s", args, code, errOut)
	}
	return out
}

func TestConfigSetAndShow(t *testing.T) {
	h := newHarness(t)
	if out := h.mustRun("config", "set", "network.retry_count", "4"); !strings.Contains(out, "network.retry_count = 4") {
		t.Fatalf("set output = %q", out)
	}
	out := h.mustRun("config", "show")
	if !strings.Contains(out, "retry_count = 4") {
		t.Fatalf("show output missing retry_count:\n%s", out)
	}

	_, errOut, code := h.run("config", "set", "network.bogus", "1s")
	if code != 2 || !strings.Contains(errOut, "unknown field") {
		t.Fatalf("unknown key: exit %d stderr=%s", code, errOut)
	}
	_, _, code = h.run("config", "set", "network.retry_delay", "-1s")
	if code != 2 {
		t.Fatalf("negative duration: exit %d", code)
	}
}

func TestInitWritesConfigAndSignsIn(t *testing.T) {
	h := newHarness(t)
	h.backend.AddUser("driver@example.com", "secret", nil)

	out := h.mustRun("init", "--backend-url", h.backend.URL(), "--api-key", "anon-2",
		"--email", "driver@example.com", "--password", "secret")
	if !strings.Contains(out, "device id ") || !strings.Contains(out, "signed in as driver@example.com") {
		t.Fatalf("init output = %q", out)
	}
	file, err := config.ReadFile(h.configPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if file.Backend.APIKey != "anon-2" || file.Backend.URL != h.backend.URL() {
		t.Fatalf("config = %+v", file.Backend)
	}
	p, _ := prefs.Load(h.prefsPath)
	if p.DeviceID == "" {
		t.Fatal("device id not saved")
	}

	_, _, code := h.run("init", "--email", "driver@example.com")
	if code != 2 {
		t.Fatalf("missing password: exit %d", code)
	}
}

func TestFlagsToggleDemoData(t *testing.T) {
	h := newHarness(t)
	h.mustRun("flags", "use_demo_data", "true")

	var p prefs.Prefs
	if err := json.Unmarshal([]byte(h.mustRun("flags", "--json")), &p); err != nil {
		t.Fatalf("decode flags: %v", err)
	}
	if !p.UseDemoData || p.DeviceID == "" {
		t.Fatalf("flags = %+v", p)
	}

	out := h.mustRun("status")
	if !strings.Contains(out, "showing demo data") {
		t.Fatalf("status output = %q", out)
	}
	if h.backend.Calls("system_status") != 0 {
		t.Fatal("demo mode probed the backend")
	}

	if _, _, code := h.run("flags", "use_demo_data", "maybe"); code != 2 {
		t.Fatalf("bad value: exit %d", code)
	}
}

func TestOfflineTripStartQueuesThenSyncs(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("trips", backendtest.Row{"id": "T1", "route_id": "R1", "vehicle_id": "V1", "status": "scheduled"})
	h.backend.SetDown(true)

	out := h.mustRun("trip", "start", "T1")
	if !strings.Contains(out, "queued as change 1") {
		t.Fatalf("trip start output = %q", out)
	}
	out = h.mustRun("pending")
	if !strings.Contains(out, "trip-start\ttrip/T1\tpending") {
		t.Fatalf("pending output = %q", out)
	}

	h.backend.SetDown(false)
	out = h.mustRun("sync")
	if !strings.Contains(out, "synced 1, failed 0, remaining 0") {
		t.Fatalf("sync output = %q", out)
	}
	if got := h.backend.Rows("trips")[0]["status"]; got != "active" {
		t.Fatalf("trip status = %v", got)
	}
	if out := h.mustRun("pending"); !strings.Contains(out, "no pending changes") {
		t.Fatalf("pending after sync = %q", out)
	}
}

func TestPendingDiscard(t *testing.T) {
	h := newHarness(t)
	h.backend.SetDown(true)
	h.mustRun("trip", "end", "T9")

	if out := h.mustRun("pending", "discard", "1"); !strings.Contains(out, "discarded 1") {
		t.Fatalf("discard output = %q", out)
	}
	if _, _, code := h.run("pending", "discard", "1"); code != 1 {
		t.Fatalf("second discard: exit %d", code)
	}
	if _, _, code := h.run("pending", "retry", "abc"); code != 2 {
		t.Fatalf("bad id: exit %d", code)
	}
}

func TestLocateReadsOnline(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("vehicle_locations", backendtest.Row{
		"vehicle_id":  "V1",
		"latitude":    35.5,
		"longitude":   139.25,
		"heading":     90,
		"speed":       30,
		"recorded_at": "2026-10-16T08:00:00Z",
	})

	var got struct {
		Source string `json:"source"`
		Found  bool   `json:"found"`
		Data   struct {
			VehicleID string  `json:"vehicle_id"`
			Lat       float64 `json:"latitude"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(h.mustRun("locate", "V1", "--json")), &got); err != nil {
		t.Fatalf("decode locate: %v", err)
	}
	if !got.Found || got.Source != "online" || got.Data.VehicleID != "V1" || got.Data.Lat != 35.5 {
		t.Fatalf("locate = %+v", got)
	}

	if _, _, code := h.run("locate", "V1", "--lat", "10"); code != 2 {
		t.Fatalf("lat without lng: exit %d", code)
	}
	if _, _, code := h.run("locate", "V1", "--lat", "120", "--lng", "0"); code != 1 {
		t.Fatalf("out of range latitude: exit %d", code)
	}
}

func TestMapDrawsSchematicWithoutSDK(t *testing.T) {
	h := newHarness(t)
	h.backend.Seed("routes", backendtest.Row{
		"id":   "R1",
		"name": "North loop",
		"stops": []any{
			map[string]any{"id": "S1", "name": "Elm", "latitude": 35.0, "longitude": 139.0, "sequence": 1},
			map[string]any{"id": "S2", "name": "Oak", "latitude": 35.1, "longitude": 139.1, "sequence": 2},
		},
	})

	out := h.mustRun("map", "R1")
	for _, want := range []string{"schematic view: North loop", "1 Elm", "2 Oak", "map sdk unavailable"} {
		if !strings.Contains(out, want) {
			t.Fatalf("map output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusThroughDaemon(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Fatalf("expected GET, got %s", r.Method)
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","banner":{"level":"syncing","title":"Syncing","detail":"2 pending change(s)"},"connection":{"connected":true},"pending":2}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t)
	h.client = srv.Client()
	out := h.mustRun("status", "--daemon", srv.URL)
	if !strings.Contains(out, "Syncing") || !strings.Contains(out, "pending 2  stuck 0") {
		t.Fatalf("status output = %q", out)
	}
	if _, _, code := h.run("status", "--watch"); code != 2 {
		t.Fatalf("watch without daemon: exit %d", code)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	h := newHarness(t)
	_, errOut, code := h.run("trip", "start")
	if code != 2 || !strings.HasPrefix(errOut, "error: ") {
		t.Fatalf("missing arg: exit %d stderr=%s", code, errOut)
	}
	if _, _, code := h.run("stats", "--nope"); code != 2 {
		t.Fatalf("unknown flag: exit %d", code)
	}
}

func TestDoctorReportsChecks(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun("doctor")
	for _, want := range []string{"pass  config_file", "pass  backend", "warn  session"} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor output missing %q:\n%s", want, out)
		}
	}

	h.backend.SetDown(true)
	out, errOut, code := h.run("doctor")
	if code != 1 || !strings.Contains(out, "fail  backend") || !strings.Contains(errOut, "failing checks") {
		t.Fatalf("doctor offline: exit %d out=%s stderr=%s", code, out, errOut)
	}
}
