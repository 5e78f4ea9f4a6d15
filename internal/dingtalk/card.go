package dingtalk

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// StepStatus is the rendered state of a plan step on an AI card.
type StepStatus int

const (
	StepError     StepStatus = 0 // rendered with a cross
	StepSuccess   StepStatus = 1 // rendered with a check mark
	StepExecuting StepStatus = 2 // rendered with a spinner
	StepInitial   StepStatus = 3
)

// planStep is the wire shape of one plan entry on the card.
type planStep struct {
	TaskID  string `json:"taskId"`
	Status  int    `json:"status"`
	Content string `json:"content"`
	Output  string `json:"output"`
	Expand  bool   `json:"expand"`
}

const (
	componentStatic    = "staticComponent"
	componentStreaming = "streamingComponent"
)

// CardUpdater is the subset of the reply service a stream card drives.
// Satisfied by *ReplyService.
type CardUpdater interface {
	ReplyCard(ctx context.Context, token string, card *CardData) error
	Update(ctx context.Context, token string, card *CardData) error
	Finish(ctx context.Context, token string) error
}

// StreamCard renders an assistant card that streams text incrementally and
// shows an optional plan of execution steps. Deltas are buffered locally and
// flushed to the platform once the configured threshold accumulates, so a
// token-by-token producer does not turn into an API call per token.
type StreamCard struct {
	token      string
	templateID string
	updater    CardUpdater

	mu         sync.Mutex
	stream     strings.Builder
	cached     int
	bufferSize int
	title      string

	stepOrder []string
	steps     map[string]planStep
}

// NewStreamCard creates a streaming card bound to a conversation token.
func NewStreamCard(updater CardUpdater, token, templateID string) *StreamCard {
	return &StreamCard{
		token:      token,
		templateID: templateID,
		updater:    updater,
		steps:      make(map[string]planStep),
	}
}

// SetBufferSize sets the local buffering threshold in bytes. Zero (the
// default) flushes on every delta.
func (c *StreamCard) SetBufferSize(n int) {
	c.mu.Lock()
	c.bufferSize = n
	c.mu.Unlock()
}

// UpdateTitle sets the card title.
func (c *StreamCard) UpdateTitle(ctx context.Context, title string) error {
	c.mu.Lock()
	c.title = title
	c.mu.Unlock()
	return c.updater.Update(ctx, c.token, &CardData{
		TemplateID: c.templateID,
		CardData: map[string]any{
			"title":  title,
			"config": map[string]any{"autoLayout": true},
		},
		Options: map[string]any{"componentTag": componentStatic},
	})
}

// UpdateDelta appends delta to the streamed text. The platform is updated
// when flush is set or the local buffer threshold is reached.
func (c *StreamCard) UpdateDelta(ctx context.Context, delta string, flush bool) error {
	c.mu.Lock()
	c.stream.WriteString(delta)
	c.cached += len(delta)
	if !flush && c.cached < c.bufferSize {
		c.mu.Unlock()
		return nil
	}
	c.cached = 0
	content := c.stream.String()
	c.mu.Unlock()

	return c.pushStream(ctx, content, false)
}

// UpdateOnce replaces the streamed text wholesale and finalizes the stream.
func (c *StreamCard) UpdateOnce(ctx context.Context, full string) error {
	c.mu.Lock()
	c.stream.Reset()
	c.stream.WriteString(full)
	c.cached = 0
	c.mu.Unlock()
	return c.pushStream(ctx, full, true)
}

// FinishStream finalizes the streamed text, flushing any buffered remainder.
func (c *StreamCard) FinishStream(ctx context.Context) error {
	c.mu.Lock()
	content := c.stream.String()
	c.cached = 0
	c.mu.Unlock()
	return c.pushStream(ctx, content, true)
}

// Finish completes the card conversation itself.
func (c *StreamCard) Finish(ctx context.Context) error {
	return c.updater.Finish(ctx, c.token)
}

func (c *StreamCard) pushStream(ctx context.Context, content string, finalize bool) error {
	return c.updater.Update(ctx, c.token, &CardData{
		TemplateID: c.templateID,
		CardData: map[string]any{
			"key":        "result",
			"value":      content,
			"isFinalize": finalize,
		},
		Options: map[string]any{"componentTag": componentStreaming},
	})
}

// CreatePlanStep adds a new step to the card's plan. Adding a step name that
// already exists is an error; use UpdatePlanStep to change one.
func (c *StreamCard) CreatePlanStep(ctx context.Context, name string, status StepStatus, desc, detail string) error {
	c.mu.Lock()
	if _, ok := c.steps[name]; ok {
		c.mu.Unlock()
		return fmt.Errorf("plan step %q already exists", name)
	}
	c.stepOrder = append(c.stepOrder, name)
	c.steps[name] = planStep{
		TaskID:  name,
		Status:  int(status),
		Content: desc,
		Output:  detail,
		Expand:  true,
	}
	plan := c.planLocked()
	c.mu.Unlock()

	return c.pushPlan(ctx, plan)
}

// UpdatePlanStep updates a plan step, creating it when absent.
func (c *StreamCard) UpdatePlanStep(ctx context.Context, name string, status StepStatus, desc, detail string) error {
	c.mu.Lock()
	if _, ok := c.steps[name]; !ok {
		c.stepOrder = append(c.stepOrder, name)
	}
	c.steps[name] = planStep{
		TaskID:  name,
		Status:  int(status),
		Content: desc,
		Output:  detail,
		Expand:  true,
	}
	plan := c.planLocked()
	c.mu.Unlock()

	return c.pushPlan(ctx, plan)
}

// planLocked snapshots the plan in insertion order. Caller holds c.mu.
func (c *StreamCard) planLocked() []planStep {
	plan := make([]planStep, 0, len(c.stepOrder))
	for _, name := range c.stepOrder {
		plan = append(plan, c.steps[name])
	}
	return plan
}

func (c *StreamCard) pushPlan(ctx context.Context, plan []planStep) error {
	return c.updater.ReplyCard(ctx, c.token, &CardData{
		TemplateID: c.templateID,
		CardData:   map[string]any{"planList": plan},
		Options:    map[string]any{"componentTag": componentStatic},
	})
}
