package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transport is the long-lived connection the Manager supervises.
// ConnectAndRun blocks until the connection ends: nil for a clean exit,
// an error for a failure. Close unblocks it.
type Transport interface {
	ConnectAndRun(ctx context.Context) error
	Close() error
}

// DialFunc produces a fresh Transport for one connection attempt.
// onConnected fires when the transport actually comes up.
type DialFunc func(onConnected func()) Transport

// ManagerConfig tunes the reconnect and health-monitor behavior.
type ManagerConfig struct {
	ReconnectInitial    time.Duration // first backoff interval
	ReconnectMax        time.Duration // backoff cap
	HealthCheckInterval time.Duration // health monitor period
	ConnectionTimeout   time.Duration // staleness threshold before forced reconnect
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectInitial:    5 * time.Second,
		ReconnectMax:        60 * time.Second,
		HealthCheckInterval: 60 * time.Second,
		ConnectionTimeout:   300 * time.Second,
	}
}

// nextBackoff doubles the reconnect interval up to the cap.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// stopJoinTimeout bounds how long Stop waits for background loops to exit.
const stopJoinTimeout = 5 * time.Second

// Manager supervises the stream connection: it dials, runs the transport
// until it exits, applies bounded exponential backoff, and reconnects until
// Stop is called. A health monitor runs alongside and forces a reconnect
// when the connection goes silent. There is at most one live transport.
type Manager struct {
	cfg     ManagerConfig
	dial    DialFunc
	handler *ChatbotHandler

	mu      sync.Mutex
	current Transport
	started bool
	stopped bool
	stopCh  chan struct{}

	healthy      bool
	lastForcedAt time.Time // last health-triggered close, arms the cooldown
	stats        connectionStats
	wg           sync.WaitGroup

	// Injection points for tests.
	now  func() time.Time
	wait func(d time.Duration) bool // true = stop was signalled
}

// NewManager creates a supervisor over transports produced by dial, reading
// message freshness from handler's stats.
func NewManager(cfg ManagerConfig, handler *ChatbotHandler, dial DialFunc) *Manager {
	def := DefaultManagerConfig()
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = def.ReconnectInitial
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = def.ReconnectMax
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}

	m := &Manager{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	m.wait = m.interruptibleWait
	return m
}

// Start launches the reconnect loop and the health monitor. It returns
// immediately; the connection comes up in the background.
func (m *Manager) Start(ctx context.Context) error {
	if m.handler == nil {
		return fmt.Errorf("stream manager requires a callback handler")
	}

	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("stream manager already started")
	}
	m.started = true
	m.healthy = true
	m.mu.Unlock()

	m.stats.update(func(s *ConnectionStats) { s.LastConnectionTime = m.now() })

	m.wg.Add(2)
	go m.runLoop(ctx)
	go m.healthLoop()

	slog.Info("stream client started",
		"reconnect_initial", m.cfg.ReconnectInitial,
		"reconnect_max", m.cfg.ReconnectMax,
		"health_interval", m.cfg.HealthCheckInterval,
	)
	return nil
}

// runLoop keeps a transport alive until stop: dial, run, back off, repeat.
// Connection errors are logged and retried indefinitely.
func (m *Manager) runLoop(ctx context.Context) {
	defer m.wg.Done()

	backoff := m.cfg.ReconnectInitial
	for !m.stopRequested() {
		attempt := m.beginAttempt()
		slog.Info("starting stream connection", "attempt", attempt)

		transport := m.dial(m.onConnected)
		m.setCurrent(transport)
		err := transport.ConnectAndRun(ctx)
		m.setCurrent(nil)

		if m.stopRequested() || ctx.Err() != nil {
			slog.Info("stream connection stopped")
			return
		}

		m.setHealthy(false)
		if err != nil {
			slog.Error("stream connection failed", "attempt", attempt, "error", err)
		} else {
			slog.Warn("stream connection exited unexpectedly", "attempt", attempt)
		}

		reconnects := m.beginReconnect()
		slog.Info("reconnecting after backoff", "backoff", backoff, "reconnect", reconnects)
		if m.wait(backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.cfg.ReconnectMax)
	}
}

// onConnected records a successful connection.
func (m *Manager) onConnected() {
	m.stats.update(func(s *ConnectionStats) {
		s.SuccessfulConnections++
		s.LastConnectionTime = m.now()
	})
	m.setHealthy(true)
}

func (m *Manager) beginAttempt() uint64 {
	var n uint64
	m.stats.update(func(s *ConnectionStats) {
		s.ConnectionAttempts++
		n = s.ConnectionAttempts
	})
	return n
}

func (m *Manager) beginReconnect() uint64 {
	var n uint64
	m.stats.update(func(s *ConnectionStats) {
		s.Reconnections++
		n = s.Reconnections
	})
	return n
}

// Stop shuts the supervisor down: sets the stop signal, closes the live
// transport, and joins the background loops with a bounded wait. Safe to
// call repeatedly, and before Start (warns and returns).
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		slog.Warn("stop requested but stream client was never started")
		return
	}
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.stopCh)
	current := m.current
	m.mu.Unlock()

	slog.Info("stopping stream client")
	if current != nil {
		if err := current.Close(); err != nil {
			slog.Error("close stream connection", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		slog.Warn("stream loops did not terminate in time", "timeout", stopJoinTimeout)
	}

	m.setHealthy(false)
	slog.Info("stream client stopped", "stats", m.stats.snapshot())
}

// ForceReconnect closes the live transport so the reconnect loop dials a
// fresh one. Used by the health monitor; a no-op when nothing is connected.
func (m *Manager) ForceReconnect() {
	m.mu.Lock()
	current := m.current
	m.mu.Unlock()
	if current == nil {
		return
	}
	if err := current.Close(); err != nil {
		slog.Error("close stale connection", "error", err)
	}
}

// Status reports the operational snapshot for status queries.
func (m *Manager) Status() Status {
	cs := m.stats.snapshot()
	hs := m.handler.Stats()

	st := Status{
		IsHealthy:          m.isHealthy(),
		UptimeSeconds:      cs.Uptime.Seconds(),
		ConnectionAttempts: cs.ConnectionAttempts,
		Reconnections:      cs.Reconnections,
		MessagesReceived:   hs.MessagesReceived,
		MessagesProcessed:  hs.MessagesProcessed,
		Errors:             hs.Errors,
		Timeouts:           hs.Timeouts,
	}
	if !hs.LastMessageTime.IsZero() {
		st.LastMessageTime = hs.LastMessageTime.Unix()
	}
	if mins := cs.Uptime.Minutes(); mins > 0 {
		st.MessageRate = float64(hs.MessagesProcessed) / mins
	}
	return st
}

// --- internal state helpers ---

func (m *Manager) setCurrent(t Transport) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

func (m *Manager) setHealthy(v bool) {
	m.mu.Lock()
	m.healthy = v
	m.mu.Unlock()
}

func (m *Manager) isHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

func (m *Manager) stopRequested() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

// interruptibleWait sleeps for d unless stop is signalled first.
func (m *Manager) interruptibleWait(d time.Duration) bool {
	select {
	case <-m.stopCh:
		return true
	case <-time.After(d):
		return false
	}
}
