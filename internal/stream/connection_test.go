package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// ackingHandler acks every callback frame with a fixed code.
type ackingHandler struct {
	frames chan *Frame
}

func (h *ackingHandler) HandleCallback(ctx context.Context, frame *Frame) *AckFrame {
	h.frames <- frame
	return NewAck(AckOK, frame.Headers.MessageID, nil)
}

// gatewayServer fakes the open platform: a gateway-open endpoint plus a
// websocket endpoint that runs script against the connected client.
func gatewayServer(t *testing.T, script func(ws *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/v1.0/gateway/connections/open", func(w http.ResponseWriter, r *http.Request) {
		var req gatewayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode gateway request: %v", err)
		}
		if req.ClientID != "cid" || len(req.Subscriptions) != 1 {
			t.Errorf("gateway request = %+v", req)
		}
		wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
		json.NewEncoder(w).Encode(gatewayResponse{Endpoint: wsURL, Ticket: "ticket-1"})
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ticket") != "ticket-1" {
			t.Errorf("ticket = %q", r.URL.Query().Get("ticket"))
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		script(ws)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectAndRunFrameExchange(t *testing.T) {
	acks := make(chan AckFrame, 4)
	srv := gatewayServer(t, func(ws *websocket.Conn) {
		// Ping must be answered with its payload echoed.
		ws.WriteJSON(Frame{
			Type:    FrameTypeSystem,
			Headers: FrameHeaders{Topic: TopicPing, MessageID: "ping-1"},
			Data:    json.RawMessage(`{"t":123}`),
		})
		var ack AckFrame
		if err := ws.ReadJSON(&ack); err != nil {
			t.Errorf("read ping ack: %v", err)
			return
		}
		acks <- ack

		// A callback frame reaches the registered handler.
		ws.WriteJSON(Frame{
			Type:    FrameTypeCallback,
			Headers: FrameHeaders{Topic: "/v1.0/graph/api/invoke", MessageID: "cb-1"},
			Data:    json.RawMessage(`{}`),
		})
		if err := ws.ReadJSON(&ack); err != nil {
			t.Errorf("read callback ack: %v", err)
			return
		}
		acks <- ack

		// Disconnect ends the session cleanly.
		ws.WriteJSON(Frame{
			Type:    FrameTypeSystem,
			Headers: FrameHeaders{Topic: TopicDisconnect, MessageID: "dc-1"},
			Data:    json.RawMessage(`{"reason":"rebalance"}`),
		})
		ws.ReadJSON(&ack)
	})

	connected := false
	conn := NewConnection(ConnectionConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		OpenAPIHost:  srv.URL,
	}, func() { connected = true })
	handler := &ackingHandler{frames: make(chan *Frame, 1)}
	conn.Register("/v1.0/graph/api/invoke", handler)

	if err := conn.ConnectAndRun(context.Background()); err != nil {
		t.Fatalf("ConnectAndRun: %v", err)
	}
	if !connected {
		t.Error("onConnected never fired")
	}

	pingAck := <-acks
	if pingAck.Code != AckOK || pingAck.Headers.MessageID != "ping-1" {
		t.Errorf("ping ack = %+v", pingAck)
	}
	cbAck := <-acks
	if cbAck.Headers.MessageID != "cb-1" {
		t.Errorf("callback ack = %+v", cbAck)
	}

	select {
	case frame := <-handler.frames:
		if frame.Headers.MessageID != "cb-1" {
			t.Errorf("handler saw frame %q", frame.Headers.MessageID)
		}
	case <-time.After(time.Second):
		t.Error("handler never received the callback frame")
	}
}

func TestConnectAndRunCloseReturnsClean(t *testing.T) {
	srv := gatewayServer(t, func(ws *websocket.Conn) {
		// Hold the socket open until the client closes it.
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	conn := NewConnection(ConnectionConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		OpenAPIHost:  srv.URL,
	}, nil)
	conn.Register("/v1.0/graph/api/invoke", &ackingHandler{frames: make(chan *Frame, 1)})

	done := make(chan error, 1)
	go func() { done <- conn.ConnectAndRun(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ConnectAndRun after Close = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectAndRun did not return after Close")
	}
}

func TestConnectAndRunGatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	conn := NewConnection(ConnectionConfig{
		ClientID:     "cid",
		ClientSecret: "wrong",
		OpenAPIHost:  srv.URL,
	}, nil)
	conn.Register("/v1.0/graph/api/invoke", &ackingHandler{frames: make(chan *Frame, 1)})

	if err := conn.ConnectAndRun(context.Background()); err == nil {
		t.Error("expected error when the gateway rejects the connection")
	}
}
