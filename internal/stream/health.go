package stream

import (
	"log/slog"
	"time"
)

// healthLoop periodically checks whether the connection is still delivering
// messages. A panic in one check is logged and the loop keeps running.
func (m *Manager) healthLoop() {
	defer m.wg.Done()

	for {
		if m.wait(m.cfg.HealthCheckInterval) {
			return
		}
		m.checkHealth()
	}
}

// checkHealth detects silent connection death: a websocket that looks open
// but has stopped delivering frames. When no message has arrived within the
// connection timeout, the live transport is closed so the reconnect loop
// dials a fresh one. Forced closes are rate-limited to one per timeout
// window, since the staleness clock only resets on a real message.
func (m *Manager) checkHealth() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("health check panicked", "panic", r)
		}
	}()

	hs := m.handler.Stats()
	if hs.LastMessageTime.IsZero() {
		// No message yet on this process; nothing to measure.
		return
	}

	now := m.now()
	silence := now.Sub(hs.LastMessageTime)
	if silence <= m.cfg.ConnectionTimeout {
		m.noteHealthy()
		return
	}

	m.mu.Lock()
	cooling := !m.lastForcedAt.IsZero() && now.Sub(m.lastForcedAt) < m.cfg.ConnectionTimeout
	if !cooling {
		m.lastForcedAt = now
	}
	m.healthy = false
	m.mu.Unlock()

	if cooling {
		return
	}

	slog.Warn("connection appears stale, forcing reconnect",
		"silence", silence.Round(time.Second),
		"timeout", m.cfg.ConnectionTimeout,
	)
	m.ForceReconnect()
}

// noteHealthy marks the connection healthy and accrues uptime since the
// previous check.
func (m *Manager) noteHealthy() {
	m.mu.Lock()
	wasHealthy := m.healthy
	m.healthy = true
	m.mu.Unlock()

	if wasHealthy {
		m.stats.update(func(s *ConnectionStats) {
			s.Uptime += m.cfg.HealthCheckInterval
		})
	}
}
