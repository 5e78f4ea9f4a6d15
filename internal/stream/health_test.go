package stream

import (
	"context"
	"testing"
	"time"
)

func healthTestManager(t *testing.T) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(func(ctx context.Context, f *fakeTransport) error {
		<-f.done
		return nil
	})
	m := NewManager(testConfig(), testHandler(), nil)
	m.setCurrent(ft)
	return m, ft
}

func TestHealthGuardBeforeFirstMessage(t *testing.T) {
	m, ft := healthTestManager(t)
	m.setHealthy(true)
	base := time.Unix(1700000000, 0)
	m.now = func() time.Time { return base }

	// No message ever arrived: staleness is immeasurable, no forced close
	// even though the naive gap since process start would be enormous.
	m.checkHealth()
	if ft.wasClosed() {
		t.Error("health check closed the connection before any message arrived")
	}
	if !m.isHealthy() {
		t.Error("manager marked unhealthy with no traffic to measure")
	}
}

func TestHealthForcesReconnectWhenStale(t *testing.T) {
	m, ft := healthTestManager(t)
	m.setHealthy(true)
	base := time.Unix(1700000000, 0)
	m.handler.stats.markArrival(base)
	m.now = func() time.Time { return base.Add(301 * time.Second) }

	m.checkHealth()
	if !ft.wasClosed() {
		t.Error("stale connection was not closed")
	}
	if m.isHealthy() {
		t.Error("manager still healthy after staleness detection")
	}
}

func TestHealthWithinTimeout(t *testing.T) {
	m, ft := healthTestManager(t)
	m.setHealthy(true)
	base := time.Unix(1700000000, 0)
	m.handler.stats.markArrival(base)
	m.now = func() time.Time { return base.Add(299 * time.Second) }

	m.checkHealth()
	if ft.wasClosed() {
		t.Error("fresh connection was closed")
	}
	if !m.isHealthy() {
		t.Error("manager unhealthy despite recent traffic")
	}
	// A healthy check accrues one interval of uptime.
	if got := m.stats.snapshot().Uptime; got != m.cfg.HealthCheckInterval {
		t.Errorf("Uptime = %v, want %v", got, m.cfg.HealthCheckInterval)
	}
}

func TestHealthForcedCloseCooldown(t *testing.T) {
	m, ft := healthTestManager(t)
	m.setHealthy(true)
	base := time.Unix(1700000000, 0)
	m.handler.stats.markArrival(base)

	now := base.Add(301 * time.Second)
	m.now = func() time.Time { return now }
	m.checkHealth()
	if !ft.wasClosed() {
		t.Fatal("first stale check did not close the connection")
	}

	// The next check still sees the same stale timestamp; within the
	// cooldown window it must not close the replacement connection.
	ft2 := newFakeTransport(func(ctx context.Context, f *fakeTransport) error {
		<-f.done
		return nil
	})
	m.setCurrent(ft2)
	now = now.Add(60 * time.Second)
	m.checkHealth()
	if ft2.wasClosed() {
		t.Error("forced close repeated inside the cooldown window")
	}

	// After a full timeout window of continued silence, force again.
	now = now.Add(300 * time.Second)
	m.checkHealth()
	if !ft2.wasClosed() {
		t.Error("forced close not repeated after the cooldown expired")
	}
}

func TestHealthRecoversOnNewTraffic(t *testing.T) {
	m, ft := healthTestManager(t)
	base := time.Unix(1700000000, 0)
	m.handler.stats.markArrival(base)
	m.now = func() time.Time { return base.Add(301 * time.Second) }
	m.checkHealth()
	if !ft.wasClosed() {
		t.Fatal("stale connection not closed")
	}

	// A fresh message resets the staleness clock.
	m.handler.stats.markArrival(base.Add(302 * time.Second))
	m.now = func() time.Time { return base.Add(310 * time.Second) }
	m.checkHealth()
	if !m.isHealthy() {
		t.Error("manager not healthy after traffic resumed")
	}
}

func TestHealthCheckSurvivesPanic(t *testing.T) {
	// A nil handler makes the check panic; the recover must contain it so
	// the health loop keeps running.
	m := NewManager(testConfig(), testHandler(), nil)
	m.handler = nil
	m.checkHealth()
}
