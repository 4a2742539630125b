package exthost

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/exthost/manifest"
	"github.com/GoCodeAlone/exthost/sandbox"
	"github.com/GoCodeAlone/exthost/tenant"
)

func newMonitorFixture(t *testing.T) (*ResourceMonitor, *Metrics, *sandbox.Service) {
	t.Helper()
	sb, err := sandbox.NewService(4)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	t.Cleanup(sb.Close)
	md, err := manifest.Parse([]byte(clientManifest))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := sb.CreateContext(md, "acme", tenant.NewGrants("database.read", "database.write")); err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	rm := NewResourceMonitor(sb, metrics, time.Hour)
	t.Cleanup(rm.StopAll)
	return rm, metrics, sb
}

func TestMonitorStartStop(t *testing.T) {
	t.Parallel()
	rm, _, _ := newMonitorFixture(t)

	if rm.Watching("client-management", "acme") {
		t.Fatal("no watcher should exist before Start")
	}
	rm.Start("client-management", "acme")
	if !rm.Watching("client-management", "acme") {
		t.Fatal("Start should register a watcher")
	}

	// Restarting the same pair replaces the watcher, it does not leak one.
	rm.Start("client-management", "acme")
	if !rm.Watching("client-management", "acme") {
		t.Fatal("restart should keep the pair watched")
	}

	rm.Stop("client-management", "acme")
	if rm.Watching("client-management", "acme") {
		t.Fatal("Stop should remove the watcher")
	}
	rm.Stop("client-management", "acme")
}

func TestMonitorStopAll(t *testing.T) {
	t.Parallel()
	rm, _, _ := newMonitorFixture(t)

	rm.Start("client-management", "acme")
	rm.Start("client-management", "globex")
	rm.StopAll()

	if rm.Watching("client-management", "acme") || rm.Watching("client-management", "globex") {
		t.Fatal("StopAll should remove every watcher")
	}
}

func TestMonitorSamplesUsage(t *testing.T) {
	t.Parallel()
	rm, metrics, sb := newMonitorFixture(t)

	c, ok := sb.GetContext("client-management", "acme")
	if !ok {
		t.Fatal("sandbox context should exist")
	}
	for range 2 {
		if err := c.RecordNetworkRequest(); err != nil {
			t.Fatalf("RecordNetworkRequest() error = %v", err)
		}
	}

	rm.sample("client-management", "acme")

	gauge := metrics.SandboxUsage.WithLabelValues("client-management", "acme", string(sandbox.DimNetwork))
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("network usage gauge = %g, want 2", got)
	}

	// A pair without a sandbox context is skipped silently.
	rm.sample("client-management", "unknown")
}
