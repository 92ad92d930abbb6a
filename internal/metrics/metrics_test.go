package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RequestAttempt("trips", true)
	m.RequestOutcome("trips", "transport")
	m.SetConnected(true)
	m.Verification(false, time.Second)
	m.Read("trip", "cache")
	m.Write("create", "queued")
	m.SetQueue(1, 0)
	m.Replayed(1, 1)
	m.Swept(3)
	m.LoaderResult("loaded")
	m.Startup("online", time.Second)
	m.SetRates(0.5, 0.5)
	m.RealtimeMessage()
	m.RealtimeReconnect()
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RequestAttempt("trips", false)
	m.RequestAttempt("trips", true)
	m.SetConnected(true)
	m.SetQueue(4, 1)
	m.Startup("limited", 100*time.Millisecond)

	if got := testutil.ToFloat64(m.requestAttempts.WithLabelValues("trips")); got != 2 {
		t.Fatalf("attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestRetries.WithLabelValues("trips")); got != 1 {
		t.Fatalf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connected); got != 1 {
		t.Fatalf("connected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.stuckOps); got != 1 {
		t.Fatalf("stuck = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.startupMode.WithLabelValues("limited")); got != 1 {
		t.Fatalf("limited mode gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.startupMode.WithLabelValues("online")); got != 0 {
		t.Fatalf("online mode gauge = %v, want 0", got)
	}
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	New(reg)
}
