package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gray035/dingtalk-agent-client/internal/dingtalk"
	"github.com/gray035/dingtalk-agent-client/internal/llm"
)

// Tool is one capability the agent can invoke during a turn.
type Tool struct {
	Definition llm.ToolDefinition
	Run        func(ctx context.Context, input json.RawMessage) (any, error)
}

// UserSearcher is the directory lookup a search tool needs. Satisfied by
// *dingtalk.ContactService.
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string, offset, size int, exact bool) ([]string, error)
	UsersInfo(ctx context.Context, userIDs []string) ([]dingtalk.UserDetail, error)
}

// SearchUserTool returns a tool that resolves user names to directory records
// through the contact client.
func SearchUserTool(contacts UserSearcher) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "search_user",
			Description: "Search the organization directory for users by name. Returns matching user profiles.",
			InputSchema: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Name or partial name to search for",
				},
				"exact": map[string]any{
					"type":        "boolean",
					"description": "Require a full-name match",
				},
			},
		},
		Run: func(ctx context.Context, input json.RawMessage) (any, error) {
			var args struct {
				Query string `json:"query"`
				Exact bool   `json:"exact"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return nil, fmt.Errorf("decode search_user input: %w", err)
			}
			if strings.TrimSpace(args.Query) == "" {
				return nil, fmt.Errorf("search_user requires a query")
			}
			ids, err := contacts.SearchUsers(ctx, args.Query, 0, 10, args.Exact)
			if err != nil {
				return nil, err
			}
			if len(ids) == 0 {
				return map[string]any{"users": []dingtalk.UserDetail{}, "count": 0}, nil
			}
			users, err := contacts.UsersInfo(ctx, ids)
			if err != nil {
				return nil, err
			}
			return map[string]any{"users": users, "count": len(users)}, nil
		},
	}
}

// CurrentTimeTool returns a tool reporting the server's current time.
func CurrentTimeTool() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        "current_time",
			Description: "Get the current date and time.",
			InputSchema: map[string]any{},
		},
		Run: func(ctx context.Context, input json.RawMessage) (any, error) {
			now := time.Now()
			return map[string]any{
				"time":    now.Format("2006-01-02 15:04:05"),
				"weekday": now.Weekday().String(),
			}, nil
		},
	}
}

// registry holds the agent's tools keyed by name.
type registry struct {
	order []string
	tools map[string]Tool
}

func newRegistry(tools []Tool) *registry {
	r := &registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, dup := r.tools[t.Definition.Name]; dup {
			continue
		}
		r.order = append(r.order, t.Definition.Name)
		r.tools[t.Definition.Name] = t
	}
	return r
}

func (r *registry) definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

func (r *registry) lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}
