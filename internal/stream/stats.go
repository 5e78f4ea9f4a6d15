package stream

import (
	"sync"
	"time"
)

// ConnectionStats tracks the supervisor's connection lifecycle. Written only
// by the Manager; read concurrently by the health monitor and status queries.
type ConnectionStats struct {
	ConnectionAttempts    uint64        `json:"connection_attempts"`
	SuccessfulConnections uint64        `json:"successful_connections"`
	Reconnections         uint64        `json:"reconnections"`
	LastConnectionTime    time.Time     `json:"last_connection_time"`
	Uptime                time.Duration `json:"uptime"`
}

// connectionStats is the synchronized holder for ConnectionStats.
type connectionStats struct {
	mu sync.Mutex
	s  ConnectionStats
}

func (c *connectionStats) update(fn func(*ConnectionStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
}

func (c *connectionStats) snapshot() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// HandlerStats tracks message processing counters. MessagesReceived and
// LastMessageTime are updated on arrival, before the single-flight lock, so
// the health monitor observes traffic even while a message is in flight.
type HandlerStats struct {
	MessagesReceived  uint64    `json:"messages_received"`
	MessagesProcessed uint64    `json:"messages_processed"`
	Errors            uint64    `json:"errors"`
	Timeouts          uint64    `json:"timeouts"`
	LastMessageTime   time.Time `json:"last_message_time"`
}

// handlerStats is the synchronized holder for HandlerStats.
type handlerStats struct {
	mu sync.Mutex
	s  HandlerStats
}

func (h *handlerStats) update(fn func(*HandlerStats)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.s)
}

// markArrival records a message arrival, keeping LastMessageTime monotone.
func (h *handlerStats) markArrival(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.s.MessagesReceived++
	if now.After(h.s.LastMessageTime) {
		h.s.LastMessageTime = now
	}
}

func (h *handlerStats) snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.s
}

// Status is the operational snapshot served by the status endpoint.
type Status struct {
	IsHealthy          bool    `json:"is_healthy"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	ConnectionAttempts uint64  `json:"connection_attempts"`
	Reconnections      uint64  `json:"reconnections"`
	MessagesReceived   uint64  `json:"messages_received"`
	MessagesProcessed  uint64  `json:"messages_processed"`
	Errors             uint64  `json:"errors"`
	Timeouts           uint64  `json:"timeouts"`
	LastMessageTime    int64   `json:"last_message_time"` // unix seconds, 0 = never
	MessageRate        float64 `json:"message_rate"`      // messages per minute
}
