package pool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/dbbouncer/mssqlcore/internal/errs"
	"github.com/dbbouncer/mssqlcore/internal/metrics"
	"github.com/dbbouncer/mssqlcore/internal/secret"
	"github.com/dbbouncer/mssqlcore/internal/settings"
	"github.com/dbbouncer/mssqlcore/internal/tds/tdstest"
)

func newTestPool(t *testing.T, cfg settings.Settings) *Pool {
	t.Helper()
	srv, err := tdstest.NewHandshakeServer(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })

	host, portStr, err := net.SplitHostPort(srv.Addr)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	s := secret.Secret{Host: host, Port: port, Database: "db", User: "u", Password: "p"}
	p := New(s, cfg)
	t.Cleanup(p.Close)
	return p
}

func TestAcquireReleaseReusesIdleConnection(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 0 // disable the reaper so it can't race the test
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	stats := p.Stats()
	if stats.Total != 1 || stats.Active != 1 || stats.Idle != 0 {
		t.Fatalf("stats after acquire = %+v", stats)
	}

	p.Release(conn1)
	stats = p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("stats after release = %+v", stats)
	}

	conn2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if conn2 != conn1 {
		t.Error("expected the idle connection to be reused")
	}
	if stats := p.Stats(); stats.Created != 1 {
		t.Errorf("Created = %d, want 1 (no second dial)", stats.Created)
	}
	p.Release(conn2)
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 100 * time.Millisecond
	cfg.IdleTimeout = 0
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(conn)

	_, err = p.Acquire(ctx)
	if err == nil {
		t.Fatal("expected pool exhaustion error")
	}
	kind, ok := errs.KindOf(err)
	if !ok || kind != errs.KindPoolExhausted {
		t.Fatalf("err kind = %v, want PoolExhausted", kind)
	}
}

func TestPinPreventsReleaseUntilUnpin(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 0
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Pin(conn)
	p.Release(conn) // no-op while pinned

	if stats := p.Stats(); stats.Active != 1 || stats.Pinned != 1 {
		t.Fatalf("stats while pinned = %+v", stats)
	}

	p.Unpin(conn)
	if stats := p.Stats(); stats.Pinned != 0 || stats.Idle != 1 {
		t.Fatalf("stats after unpin = %+v", stats)
	}
}

func TestCloseClosesIdleAndRejectsFurtherAcquire(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 0
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn)
	p.Close()

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("expected acquire on closed pool to fail")
	}
}

func TestReapIdleClosesOnlyConnectionsPastIdleTimeout(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 2
	cfg.MinConnections = 0
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 50 * time.Millisecond
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn1)

	// Freshly released: the reaper must not evict it before IdleTimeout
	// elapses, even though it's strictly above MinConnections.
	p.reapIdle()
	if stats := p.Stats(); stats.Idle != 1 {
		t.Fatalf("stats right after release = %+v, want Idle=1", stats)
	}

	time.Sleep(cfg.IdleTimeout + 20*time.Millisecond)
	p.reapIdle()
	if stats := p.Stats(); stats.Idle != 0 || stats.Closed != 1 {
		t.Fatalf("stats after idle timeout elapsed = %+v, want Idle=0 Closed=1", stats)
	}
}

// gaugeValue and counterValue read a single-series metric family back out
// of a Collector's registry by name and attachment label, the cross-package
// equivalent of metrics_test.go's unexported-field helpers.
func gaugeValue(t *testing.T, m *metrics.Collector, family, attachment string) float64 {
	t.Helper()
	return metricValue(t, m, family, attachment).GetGauge().GetValue()
}

func counterValue(t *testing.T, m *metrics.Collector, family, attachment string) float64 {
	t.Helper()
	return metricValue(t, m, family, attachment).GetCounter().GetValue()
}

func histogramSampleCount(t *testing.T, m *metrics.Collector, family, attachment string) uint64 {
	t.Helper()
	return metricValue(t, m, family, attachment).GetHistogram().GetSampleCount()
}

func metricValue(t *testing.T, m *metrics.Collector, family, attachment string) *dto.Metric {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != family {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, lbl := range metric.GetLabel() {
				if lbl.GetName() == "attachment" && lbl.GetValue() == attachment {
					return metric
				}
			}
		}
	}
	t.Fatalf("metric family %s with attachment=%s not found", family, attachment)
	return nil
}

func TestAcquireReleaseRecordsPoolMetrics(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 0
	p := newTestPool(t, cfg)
	m := metrics.New()
	p.SetMetrics(m, "att1")

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := gaugeValue(t, m, "mssqlcore_connections_active", "att1"); got != 1 {
		t.Errorf("connections_active after acquire = %v, want 1", got)
	}
	if n := histogramSampleCount(t, m, "mssqlcore_acquire_duration_seconds", "att1"); n != 1 {
		t.Errorf("acquire_duration sample count = %v, want 1", n)
	}

	p.Release(conn)
	if got := gaugeValue(t, m, "mssqlcore_connections_idle", "att1"); got != 1 {
		t.Errorf("connections_idle after release = %v, want 1", got)
	}
	if got := gaugeValue(t, m, "mssqlcore_connections_active", "att1"); got != 0 {
		t.Errorf("connections_active after release = %v, want 0", got)
	}
}

func TestAcquireTimeoutRecordsMetrics(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	cfg.IdleTimeout = 0
	p := newTestPool(t, cfg)
	m := metrics.New()
	p.SetMetrics(m, "att1")

	ctx := context.Background()
	conn, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(conn)

	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("expected pool exhaustion error")
	}
	if got := counterValue(t, m, "mssqlcore_acquire_timeouts_total", "att1"); got != 1 {
		t.Errorf("acquire_timeouts_total = %v, want 1", got)
	}
	if got := counterValue(t, m, "mssqlcore_pool_exhausted_total", "att1"); got != 1 {
		t.Errorf("pool_exhausted_total = %v, want 1", got)
	}
}

func TestReapIdlePreservesMinConnectionsRegardlessOfAge(t *testing.T) {
	cfg := settings.Defaults()
	cfg.ConnectionLimit = 2
	cfg.MinConnections = 1
	cfg.AcquireTimeout = 2 * time.Second
	cfg.IdleTimeout = 10 * time.Millisecond
	p := newTestPool(t, cfg)

	ctx := context.Background()
	conn1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(conn1)

	time.Sleep(cfg.IdleTimeout + 20*time.Millisecond)
	p.reapIdle()
	if stats := p.Stats(); stats.Idle != 1 {
		t.Fatalf("stats = %+v, want the one idle connection preserved at MinConnections", stats)
	}
}
