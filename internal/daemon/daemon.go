// Package daemon wires the agent client together: DingTalk auth and reply
// services, the LLM provider, conversation history, the agent, and the
// supervised stream connection.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gray035/dingtalk-agent-client/internal/agent"
	"github.com/gray035/dingtalk-agent-client/internal/config"
	"github.com/gray035/dingtalk-agent-client/internal/dingtalk"
	"github.com/gray035/dingtalk-agent-client/internal/history"
	"github.com/gray035/dingtalk-agent-client/internal/llm"
	"github.com/gray035/dingtalk-agent-client/internal/stream"
)

// prunePeriod is how often expired history is removed.
const prunePeriod = 12 * time.Hour

// Daemon is the long-running agent client process.
type Daemon struct {
	cfg     *config.Config
	handler *stream.ChatbotHandler
	manager *stream.Manager
	hist    *history.Store
}

// New builds the full application from configuration.
func New(cfg *config.Config) (*Daemon, error) {
	auth := dingtalk.NewAuth(cfg.DingTalk.ClientID, cfg.DingTalk.ClientSecret, cfg.DingTalk.OpenAPIHost)
	replies := dingtalk.NewReplyService(auth, cfg.DingTalk.OpenAPIHost)
	contacts := dingtalk.NewContactService(auth, cfg.DingTalk.OpenAPIHost)

	provider, err := buildProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
	}

	svc := agent.New(agent.Config{
		SystemPrompt:   cfg.LLM.SystemPrompt,
		CardTemplateID: cfg.DingTalk.CardTemplateID,
		MaxTokens:      cfg.LLM.MaxTokens,
	}, provider, histOrNil(hist), replies, []agent.Tool{
		agent.SearchUserTool(contacts),
		agent.CurrentTimeTool(),
	})

	handler := stream.NewChatbotHandler(svc, cfg.Stream.ProcessTimeout())

	topic := cfg.DingTalk.Topic
	dial := func(onConnected func()) stream.Transport {
		conn := stream.NewConnection(stream.ConnectionConfig{
			ClientID:     cfg.DingTalk.ClientID,
			ClientSecret: cfg.DingTalk.ClientSecret,
			OpenAPIHost:  cfg.DingTalk.OpenAPIHost,
		}, onConnected)
		conn.Register(topic, handler)
		return conn
	}

	manager := stream.NewManager(stream.ManagerConfig{
		ReconnectInitial:    cfg.Stream.ReconnectInitial(),
		ReconnectMax:        cfg.Stream.ReconnectMax(),
		HealthCheckInterval: cfg.Stream.HealthCheckInterval(),
		ConnectionTimeout:   cfg.Stream.ConnectionTimeout(),
	}, handler, dial)

	return &Daemon{
		cfg:     cfg,
		handler: handler,
		manager: manager,
		hist:    hist,
	}, nil
}

// histOrNil avoids handing the agent a typed-nil interface value.
func histOrNil(hist *history.Store) agent.History {
	if hist == nil {
		return nil
	}
	return hist
}

// buildProvider constructs the configured LLM provider.
func buildProvider(cfg config.LLMConfig) (llm.ToolProvider, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropic(cfg.APIKey, cfg.Model), nil
	case "openai", "qwen", "":
		name := cfg.Provider
		if name == "" {
			name = "openai"
		}
		return llm.NewOpenAICompat(name, cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Run starts the stream client and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("agent client running",
		"name", d.cfg.Name,
		"topic", d.cfg.DingTalk.Topic,
		"llm", d.cfg.LLM.Provider,
		"history", d.cfg.History.Enabled,
	)

	if err := d.manager.Start(ctx); err != nil {
		return fmt.Errorf("start stream client: %w", err)
	}

	if d.cfg.StatusAddr != "" {
		go d.serveStatus(ctx)
	}
	if d.hist != nil {
		go d.pruneLoop(ctx)
	}

	<-ctx.Done()
	slog.Info("context cancelled, shutting down")

	d.manager.Stop()
	if d.hist != nil {
		if err := d.hist.Close(); err != nil {
			slog.Warn("close history", "error", err)
		}
	}
	return nil
}

// serveStatus runs the HTTP monitoring endpoints:
//   - GET /health — liveness, 503 until the connection is healthy
//   - GET /status — full operational snapshot
func (d *Daemon) serveStatus(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		st := d.manager.Status()
		w.Header().Set("Content-Type", "application/json")
		if st.IsHealthy {
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, `{"status":"ok"}`)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"status":"unhealthy"}`)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.manager.Status()); err != nil {
			slog.Warn("encode status", "error", err)
		}
	})

	srv := &http.Server{Addr: d.cfg.StatusAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	slog.Info("status API listening", "addr", d.cfg.StatusAddr, "endpoints", []string{"/health", "/status"})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Warn("status server error", "error", err)
	}
}

// pruneLoop removes expired history on a slow cadence.
func (d *Daemon) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(prunePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.hist.Prune(ctx, d.cfg.History.Retention()); err != nil {
				slog.Warn("prune history", "error", err)
			}
		}
	}
}
