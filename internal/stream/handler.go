package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ToolResult carries the outcome of a tool-calling turn: the tool that ran,
// its arguments and raw output, and the model's summary of the result.
type ToolResult struct {
	Name    string
	Args    map[string]any
	Output  any
	Summary string
}

// Result is the tagged union produced by the message-handling boundary.
// Exactly one variant is set: Tool for a tool-execution turn, otherwise Text.
type Result struct {
	Tool *ToolResult
	Text string
}

// MessageHandler is the external collaborator that turns an inbound message
// into a result. Implementations may block up to the pipeline's deadline.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *InboundMessage) (*Result, error)
}

// cleanupGrace is subtracted from the processing budget to form the handler's
// context deadline, so the handler can cancel its own work and still return
// before the pipeline abandons it.
const cleanupGrace = 5 * time.Second

// emptyMessageText acknowledges envelopes that carry no usable input.
const emptyMessageText = "No valid text content"

// outcome classifies a bounded handler invocation.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeTimeout
	outcomeErr
)

// ChatbotHandler bridges the stream connection and the message handler: it
// decodes callback frames, serializes processing through a single-flight
// lock, bounds each invocation with a deadline, and encodes every outcome
// into a well-formed acknowledgement.
type ChatbotHandler struct {
	handler MessageHandler
	timeout time.Duration

	// flight serializes message processing. Arrival statistics are recorded
	// before acquisition so monitoring sees queued traffic.
	flight sync.Mutex

	stats handlerStats
	now   func() time.Time
}

// NewChatbotHandler creates a handler with the given processing deadline.
func NewChatbotHandler(h MessageHandler, timeout time.Duration) *ChatbotHandler {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ChatbotHandler{
		handler: h,
		timeout: timeout,
		now:     time.Now,
	}
}

// Stats returns a snapshot of the processing counters.
func (h *ChatbotHandler) Stats() HandlerStats {
	return h.stats.snapshot()
}

// HandleCallback processes one callback frame and always returns an ack —
// parse failures, handler errors, and timeouts all map to a response so the
// remote side receives exactly one acknowledgement per frame.
func (h *ChatbotHandler) HandleCallback(ctx context.Context, frame *Frame) *AckFrame {
	req, err := decodeGraphRequest(frame)
	if err != nil {
		h.stats.update(func(s *HandlerStats) { s.Errors++ })
		slog.Error("parse callback frame", "message_id", frame.Headers.MessageID, "error", err)
		return h.errorAck(frame, fmt.Sprintf("Error parsing message: %v", err))
	}

	msg, err := ParseInbound(req.Body)
	if err != nil {
		h.stats.update(func(s *HandlerStats) { s.Errors++ })
		slog.Error("parse message envelope", "message_id", frame.Headers.MessageID, "error", err)
		return h.errorAck(frame, fmt.Sprintf("Error parsing message: %v", err))
	}

	// Empty input short-circuits before stats and before the lock.
	if msg.Text == "" {
		slog.Warn("empty message, skipping", "sender", msg.SenderID)
		return h.emptyAck(frame)
	}

	h.stats.markArrival(h.now())
	slog.Info("message received",
		"sender", msg.SenderNick,
		"conversation", msg.ConversationID,
		"group", msg.IsGroupChat(),
		"len", len(msg.Text),
	)

	h.flight.Lock()
	defer h.flight.Unlock()

	result, oc, err := h.invoke(ctx, msg)
	switch oc {
	case outcomeTimeout:
		h.stats.update(func(s *HandlerStats) { s.Timeouts++ })
		slog.Error("message processing timed out",
			"sender", msg.SenderID,
			"timeout", h.timeout,
		)
		return h.errorAck(frame, "Processing timeout")
	case outcomeErr:
		h.stats.update(func(s *HandlerStats) { s.Errors++ })
		slog.Error("message processing failed", "sender", msg.SenderID, "error", err)
		return h.errorAck(frame, err.Error())
	}

	if result == nil {
		return h.emptyAck(frame)
	}

	h.stats.update(func(s *HandlerStats) { s.MessagesProcessed++ })
	return h.successAck(frame, result)
}

// invoke runs the handler under the processing deadline. The handler runs on
// its own goroutine with a buffered result channel: if the deadline fires
// first, the invocation is abandoned and the late result is discarded without
// blocking the goroutine or touching the already-held single-flight lock.
func (h *ChatbotHandler) invoke(ctx context.Context, msg *InboundMessage) (*Result, outcome, error) {
	handlerBudget := h.timeout - cleanupGrace
	if handlerBudget <= 0 {
		handlerBudget = h.timeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, handlerBudget)
	defer cancel()

	type reply struct {
		result *Result
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := h.handler.HandleMessage(handlerCtx, msg)
		done <- reply{result: res, err: err}
	}()

	deadline := time.NewTimer(h.timeout)
	defer deadline.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, outcomeTimeout, r.err
			}
			return nil, outcomeErr, r.err
		}
		return r.result, outcomeOK, nil
	case <-deadline.C:
		return nil, outcomeTimeout, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, outcomeErr, ctx.Err()
	}
}

// --- Ack encoding ---

func decodeGraphRequest(frame *Frame) (*GraphRequest, error) {
	var req GraphRequest
	if err := unmarshalFrameData(frame.Data, &req); err != nil {
		return nil, fmt.Errorf("decode graph request: %w", err)
	}
	return &req, nil
}

func unmarshalFrameData(data []byte, v any) error {
	return json.Unmarshal(bodyBytes(data), v)
}

// successAck wraps a handler result in an OK graph response. Tool results
// carry the tool name, arguments, output, and summary; plain results carry
// only the text.
func (h *ChatbotHandler) successAck(frame *Frame, result *Result) *AckFrame {
	var body map[string]any
	if result.Tool != nil {
		body = map[string]any{
			"tool_name":   result.Tool.Name,
			"tool_args":   result.Tool.Args,
			"tool_output": result.Tool.Output,
			"text":        result.Tool.Summary,
		}
	} else {
		body = map[string]any{"text": result.Text}
	}
	resp := newGraphResponse(200, "OK", body)
	return NewAck(AckOK, frame.Headers.MessageID, map[string]any{"response": resp})
}

func (h *ChatbotHandler) emptyAck(frame *Frame) *AckFrame {
	resp := newGraphResponse(200, "OK", map[string]any{"text": emptyMessageText})
	return NewAck(AckOK, frame.Headers.MessageID, map[string]any{"response": resp})
}

func (h *ChatbotHandler) errorAck(frame *Frame, message string) *AckFrame {
	resp := newGraphResponse(500, "Internal Server Error", map[string]any{"error": message})
	return NewAck(AckSystemException, frame.Headers.MessageID, map[string]any{"response": resp})
}
