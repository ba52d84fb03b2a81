package policy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/tape"
)

func recordedTape(t *testing.T, calls []models.ToolCall) *tape.Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.jsonl")
	rec := tape.NewRecorder(path)

	conv := []models.Message{{Role: models.RoleUser, Content: "start"}}
	for i, call := range calls {
		asst := models.Message{Role: models.RoleAssistant}
		if !call.IsNoAction() {
			asst.ToolCalls = []models.ToolCall{call}
		}
		conv = append(conv, asst, models.Message{Role: models.RoleTool, Content: "ok"})
		if err := rec.Append(tape.Record{EnvIndex: 0, Step: i + 1, Messages: conv}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	reader, err := tape.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return reader
}

func TestPlaybackReplaysToolCalls(t *testing.T) {
	calls := []models.ToolCall{
		{Name: "act", CallID: "c1"},
		{Name: "act", CallID: "c2", Arguments: map[string]any{"dir": "north"}},
	}
	pol := NewPlayback(recordedTape(t, calls), 0)

	for i, want := range calls {
		got, err := pol.Decide(context.Background(), nil, nil)
		if err != nil {
			t.Fatalf("Decide %d failed: %v", i, err)
		}
		if got.Name != want.Name || got.CallID != want.CallID {
			t.Errorf("Step %d: expected call %s/%s, got %s/%s", i, want.Name, want.CallID, got.Name, got.CallID)
		}
	}
}

func TestPlaybackNoActionStep(t *testing.T) {
	pol := NewPlayback(recordedTape(t, []models.ToolCall{models.NoAction}), 0)

	got, err := pol.Decide(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if !got.IsNoAction() {
		t.Errorf("Expected the no-action sentinel, got %+v", got)
	}
}

func TestPlaybackExhausted(t *testing.T) {
	pol := NewPlayback(recordedTape(t, []models.ToolCall{{Name: "act"}}), 0)

	if _, err := pol.Decide(context.Background(), nil, nil); err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if _, err := pol.Decide(context.Background(), nil, nil); err == nil {
		t.Error("Decide past the end of the tape should fail")
	}
}

func TestScriptedPolicy(t *testing.T) {
	pol := &Scripted{Calls: []models.ToolCall{{Name: "a"}, {Name: "b"}}}

	first, _ := pol.Decide(context.Background(), nil, nil)
	second, _ := pol.Decide(context.Background(), nil, nil)
	third, _ := pol.Decide(context.Background(), nil, nil)

	if first.Name != "a" || second.Name != "b" {
		t.Errorf("Scripted calls out of order: %s, %s", first.Name, second.Name)
	}
	if !third.IsNoAction() {
		t.Error("Exhausted script should yield the no-action sentinel")
	}
}
