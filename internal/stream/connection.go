package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultOpenAPIHost is the DingTalk open platform endpoint.
const DefaultOpenAPIHost = "https://api.dingtalk.com"

// CallbackHandler processes a callback frame and returns its acknowledgement.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, frame *Frame) *AckFrame
}

// ConnectionConfig holds the credentials and subscriptions for one stream
// connection.
type ConnectionConfig struct {
	ClientID     string
	ClientSecret string
	OpenAPIHost  string // defaults to DefaultOpenAPIHost
	UserAgent    string
}

// Connection is one live stream connection: it negotiates a gateway endpoint,
// dials the websocket, and pumps frames to registered callback handlers until
// the socket dies or Close is called. A Connection is single-use; the Manager
// creates a fresh one per attempt.
type Connection struct {
	id       string
	cfg      ConnectionConfig
	handlers map[string]CallbackHandler // topic → handler
	httpc    *http.Client

	mu      sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  bool

	onConnected func()
}

// NewConnection creates an unconnected stream connection. onConnected, if
// non-nil, fires once per successful websocket dial.
func NewConnection(cfg ConnectionConfig, onConnected func()) *Connection {
	if cfg.OpenAPIHost == "" {
		cfg.OpenAPIHost = DefaultOpenAPIHost
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "dingtalk-agent-client/" + runtime.Version()
	}
	return &Connection{
		id:          connectionID(),
		cfg:         cfg,
		handlers:    make(map[string]CallbackHandler),
		httpc:       &http.Client{Timeout: 15 * time.Second},
		onConnected: onConnected,
	}
}

// Register routes callback frames for a topic to a handler. Must be called
// before ConnectAndRun.
func (c *Connection) Register(topic string, h CallbackHandler) {
	c.handlers[topic] = h
}

// gatewayRequest is the body for the connection-open endpoint.
type gatewayRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	UA            string         `json:"ua"`
	LocalIP       string         `json:"localIp,omitempty"`
	Subscriptions []subscription `json:"subscriptions"`
}

type subscription struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

// gatewayResponse carries the websocket endpoint and its one-time ticket.
type gatewayResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// openGateway asks the open platform for a websocket endpoint.
func (c *Connection) openGateway(ctx context.Context) (*gatewayResponse, error) {
	subs := make([]subscription, 0, len(c.handlers))
	for topic := range c.handlers {
		subs = append(subs, subscription{Type: FrameTypeCallback, Topic: topic})
	}

	body, err := json.Marshal(gatewayRequest{
		ClientID:      c.cfg.ClientID,
		ClientSecret:  c.cfg.ClientSecret,
		UA:            c.cfg.UserAgent,
		LocalIP:       localIP(),
		Subscriptions: subs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.OpenAPIHost+"/v1.0/gateway/connections/open", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentTypeJSON)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open gateway connection: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, respBody)
	}

	var gw gatewayResponse
	if err := json.Unmarshal(respBody, &gw); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	if gw.Endpoint == "" || gw.Ticket == "" {
		return nil, fmt.Errorf("gateway response missing endpoint or ticket")
	}
	return &gw, nil
}

// ConnectAndRun opens the connection and blocks pumping frames until the
// socket fails (error return), the gateway requests a disconnect or Close is
// called (nil return), or ctx is cancelled.
func (c *Connection) ConnectAndRun(ctx context.Context) error {
	gw, err := c.openGateway(ctx)
	if err != nil {
		return err
	}

	wsURL := gw.Endpoint + "?ticket=" + url.QueryEscape(gw.Ticket)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial stream endpoint: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()

	slog.Info("stream connection established", "conn", c.id, "endpoint", gw.Endpoint)
	if c.onConnected != nil {
		c.onConnected()
	}

	// Unblock the read loop when ctx is cancelled.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream frame: %w", err)
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("undecodable stream frame", "error", err)
			continue
		}

		switch frame.Type {
		case FrameTypeSystem:
			if done := c.handleSystem(&frame); done {
				return nil
			}
		case FrameTypeCallback, FrameTypeEvent:
			// Dispatch off the read loop so a long-running handler does not
			// starve ping frames; the handler's own lock provides ordering.
			go c.dispatch(ctx, &frame)
		default:
			slog.Warn("unknown frame type", "type", frame.Type)
		}
	}
}

// handleSystem answers gateway housekeeping frames. Returns true when the
// gateway asked for a disconnect and the read loop should exit cleanly.
func (c *Connection) handleSystem(frame *Frame) bool {
	switch frame.Headers.Topic {
	case TopicPing:
		// Pong echoes the ping payload.
		c.writeAck(NewAck(AckOK, frame.Headers.MessageID, json.RawMessage(frame.Data)))
		return false
	case TopicDisconnect:
		slog.Info("gateway requested disconnect", "conn", c.id, "data", string(frame.Data))
		c.writeAck(NewAck(AckOK, frame.Headers.MessageID, nil))
		return true
	default:
		slog.Warn("unknown system topic", "topic", frame.Headers.Topic)
		return false
	}
}

// dispatch routes a callback frame to its topic handler and writes the ack.
func (c *Connection) dispatch(ctx context.Context, frame *Frame) {
	h, ok := c.handlers[frame.Headers.Topic]
	if !ok {
		slog.Warn("no handler for topic", "topic", frame.Headers.Topic)
		c.writeAck(NewAck(AckNotFound, frame.Headers.MessageID, nil))
		return
	}
	ack := h.HandleCallback(ctx, frame)
	if ack == nil {
		ack = NewAck(AckSystemException, frame.Headers.MessageID, nil)
	}
	c.writeAck(ack)
}

// writeAck serializes concurrent ack writes onto the socket.
func (c *Connection) writeAck(ack *AckFrame) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(ack); err != nil {
		slog.Error("write ack frame", "message_id", ack.Headers.MessageID, "error", err)
	}
}

// Close shuts the connection down and unblocks ConnectAndRun. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.ws != nil {
		return c.ws.Close()
	}
	return nil
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// localIP is reported to the gateway for connection diagnostics.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// connectionID tags log lines for one connection attempt.
func connectionID() string {
	return uuid.NewString()[:8]
}
