package dingtalk

import (
	"context"
	"testing"
)

// recordingUpdater captures card pushes for inspection.
type recordingUpdater struct {
	replies  []*CardData
	updates  []*CardData
	finished int
}

func (r *recordingUpdater) ReplyCard(ctx context.Context, token string, card *CardData) error {
	r.replies = append(r.replies, card)
	return nil
}

func (r *recordingUpdater) Update(ctx context.Context, token string, card *CardData) error {
	r.updates = append(r.updates, card)
	return nil
}

func (r *recordingUpdater) Finish(ctx context.Context, token string) error {
	r.finished++
	return nil
}

func TestStreamCardDeltaFlushesImmediately(t *testing.T) {
	rec := &recordingUpdater{}
	card := NewStreamCard(rec, "tok", "tpl")

	if err := card.UpdateDelta(context.Background(), "hello ", false); err != nil {
		t.Fatalf("UpdateDelta: %v", err)
	}
	if err := card.UpdateDelta(context.Background(), "world", false); err != nil {
		t.Fatalf("UpdateDelta: %v", err)
	}
	if len(rec.updates) != 2 {
		t.Fatalf("updates = %d, want 2 with zero buffer", len(rec.updates))
	}
	last := rec.updates[1].CardData
	if last["value"] != "hello world" {
		t.Errorf("streamed value = %v", last["value"])
	}
	if last["isFinalize"] != false {
		t.Error("in-flight delta must not finalize the stream")
	}
}

func TestStreamCardBuffersDeltas(t *testing.T) {
	rec := &recordingUpdater{}
	card := NewStreamCard(rec, "tok", "tpl")
	card.SetBufferSize(10)

	card.UpdateDelta(context.Background(), "abc", false)
	card.UpdateDelta(context.Background(), "def", false)
	if len(rec.updates) != 0 {
		t.Fatalf("updates = %d, want 0 while under threshold", len(rec.updates))
	}

	card.UpdateDelta(context.Background(), "ghijk", false) // crosses 10 bytes
	if len(rec.updates) != 1 {
		t.Fatalf("updates = %d, want 1 after crossing threshold", len(rec.updates))
	}
	if rec.updates[0].CardData["value"] != "abcdefghijk" {
		t.Errorf("streamed value = %v", rec.updates[0].CardData["value"])
	}

	// flush forces a push regardless of the threshold.
	card.UpdateDelta(context.Background(), "!", true)
	if len(rec.updates) != 2 {
		t.Fatalf("updates = %d, want 2 after forced flush", len(rec.updates))
	}
}

func TestStreamCardFinishStream(t *testing.T) {
	rec := &recordingUpdater{}
	card := NewStreamCard(rec, "tok", "tpl")
	card.SetBufferSize(1 << 20)

	card.UpdateDelta(context.Background(), "partial", false)
	if err := card.FinishStream(context.Background()); err != nil {
		t.Fatalf("FinishStream: %v", err)
	}
	if len(rec.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(rec.updates))
	}
	data := rec.updates[0].CardData
	if data["value"] != "partial" || data["isFinalize"] != true {
		t.Errorf("final update = %v", data)
	}

	if err := card.Finish(context.Background()); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if rec.finished != 1 {
		t.Errorf("finished = %d, want 1", rec.finished)
	}
}

func TestStreamCardPlanSteps(t *testing.T) {
	rec := &recordingUpdater{}
	card := NewStreamCard(rec, "tok", "tpl")

	if err := card.CreatePlanStep(context.Background(), "search", StepExecuting, "Searching directory", ""); err != nil {
		t.Fatalf("CreatePlanStep: %v", err)
	}
	if err := card.CreatePlanStep(context.Background(), "search", StepExecuting, "again", ""); err == nil {
		t.Error("duplicate step should fail")
	}
	if err := card.UpdatePlanStep(context.Background(), "search", StepSuccess, "Searching directory", "1 hit"); err != nil {
		t.Fatalf("UpdatePlanStep: %v", err)
	}
	if err := card.UpdatePlanStep(context.Background(), "summarize", StepExecuting, "Summarizing", ""); err != nil {
		t.Fatalf("UpdatePlanStep new: %v", err)
	}

	if len(rec.replies) != 3 {
		t.Fatalf("plan pushes = %d, want 3", len(rec.replies))
	}
	plan, ok := rec.replies[2].CardData["planList"].([]planStep)
	if !ok {
		t.Fatalf("planList is %T", rec.replies[2].CardData["planList"])
	}
	if len(plan) != 2 {
		t.Fatalf("plan has %d steps, want 2", len(plan))
	}
	if plan[0].TaskID != "search" || plan[0].Status != int(StepSuccess) {
		t.Errorf("step[0] = %+v", plan[0])
	}
	if plan[1].TaskID != "summarize" || plan[1].Status != int(StepExecuting) {
		t.Errorf("step[1] = %+v", plan[1])
	}
}
