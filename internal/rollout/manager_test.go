package rollout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fentz26/rollout/internal/config"
	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/policy"
	"github.com/fentz26/rollout/internal/rowstore"
	"github.com/fentz26/rollout/internal/tape"
)

// gatedEnv wraps fakeEnv and records the peak number of concurrent steps.
type gatedEnv struct {
	*fakeEnv

	mu      sync.Mutex
	current int
	peak    int
}

func (g *gatedEnv) Step(ctx context.Context, session *models.Session, call models.ToolCall) (*envclient.StepResult, error) {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()

	res, err := g.fakeEnv.Step(ctx, session, call)

	g.mu.Lock()
	g.current--
	g.mu.Unlock()
	return res, err
}

// selectiveEnv fails every step for the named sessions.
type selectiveEnv struct {
	*fakeEnv
	failFor map[string]bool

	mu       sync.Mutex
	attempts map[string]int
}

func (s *selectiveEnv) Reset(ctx context.Context, session *models.Session) (string, error) {
	s.mu.Lock()
	s.attempts[session.ID]++
	s.mu.Unlock()
	return s.fakeEnv.Reset(ctx, session)
}

func (s *selectiveEnv) Step(ctx context.Context, session *models.Session, call models.ToolCall) (*envclient.StepResult, error) {
	if s.failFor[session.ID] {
		return nil, errors.New("connection reset")
	}
	return s.fakeEnv.Step(ctx, session, call)
}

func sessions(n int) []*models.Session {
	out := make([]*models.Session, n)
	for i := range out {
		out[i] = &models.Session{ID: fmt.Sprintf("sess-%d", i)}
	}
	return out
}

func TestExecuteBoundedConcurrency(t *testing.T) {
	// 3 rollouts, max_concurrency=2, one environment runs 11 steps.
	env := &gatedEnv{fakeEnv: newFakeEnv(11)}
	m := NewManager(Options{Env: env, Control: newFakeControl(0)})

	trajectories, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(3),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       50,
		MaxConcurrency: 2,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(trajectories) != 3 {
		t.Fatalf("Expected 3 trajectories, got %d", len(trajectories))
	}
	for i, traj := range trajectories {
		if traj.Steps != 11 {
			t.Errorf("Rollout %d: expected exactly 11 steps, got %d", i, traj.Steps)
		}
		if !traj.Terminated {
			t.Errorf("Rollout %d should be terminated", i)
		}
		if err := traj.Validate(); err != nil {
			t.Errorf("Rollout %d: %v", i, err)
		}
	}
	if env.peak > 2 {
		t.Errorf("Concurrency bound violated: %d simultaneous steps", env.peak)
	}
}

func TestExecuteResultsKeyedByIndex(t *testing.T) {
	env := newFakeEnv(2)
	m := NewManager(Options{Env: env})

	batch := sessions(4)
	trajectories, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       batch,
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 4,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for i, traj := range trajectories {
		if traj.Session.ID != batch[i].ID {
			t.Errorf("Result %d belongs to session %s, expected %s", i, traj.Session.ID, batch[i].ID)
		}
	}
}

func TestExecuteUniformDuration(t *testing.T) {
	env := newFakeEnv(2)
	m := NewManager(Options{Env: env})

	trajectories, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(3),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 3,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	first := trajectories[0].Duration
	if first <= 0 {
		t.Error("Duration should be stamped")
	}
	for i, traj := range trajectories {
		if traj.Duration != first {
			t.Errorf("Rollout %d duration %f differs from %f; the batch duration is uniform", i, traj.Duration, first)
		}
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	// Retry budget 2, rollout always errors: exactly 3 attempts, final ERROR.
	env := &selectiveEnv{
		fakeEnv:  newFakeEnv(2),
		failFor:  map[string]bool{"sess-0": true},
		attempts: make(map[string]int),
	}
	cfg := config.Default()
	cfg.MaxRetries = 2
	m := NewManager(Options{Env: env, Config: cfg})

	trajectories, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(1),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 1,
	})
	if err == nil {
		t.Fatal("Execute should surface the exhausted retry budget")
	}

	if env.attempts["sess-0"] != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", env.attempts["sess-0"])
	}
	if trajectories[0].Status.Code != models.StatusError {
		t.Errorf("Expected final ERROR status, got %s", trajectories[0].Status.Code)
	}
}

func TestRetryDoesNotStallSiblings(t *testing.T) {
	// One rollout burns through its retries; its sibling must still finish
	// cleanly and its result must be unaffected.
	env := &selectiveEnv{
		fakeEnv:  newFakeEnv(3),
		failFor:  map[string]bool{"sess-1": true},
		attempts: make(map[string]int),
	}
	cfg := config.Default()
	cfg.MaxRetries = 2
	m := NewManager(Options{Env: env, Config: cfg})

	trajectories, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(2),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 2,
	})
	if err == nil {
		t.Fatal("Execute should report the failed rollout")
	}

	if trajectories[0].Status.Code != models.StatusFinished {
		t.Errorf("Sibling rollout should finish, got %s", trajectories[0].Status.Code)
	}
	if trajectories[0].Steps != 3 {
		t.Errorf("Sibling rollout should run its full 3 steps, got %d", trajectories[0].Steps)
	}
	if trajectories[1].Status.Code != models.StatusError {
		t.Errorf("Failing rollout should end in ERROR, got %s", trajectories[1].Status.Code)
	}
	if env.attempts["sess-0"] != 1 {
		t.Errorf("Sibling should not be re-run by a neighbor's retries, got %d attempts", env.attempts["sess-0"])
	}
}

func TestZeroRetryBudgetByDefault(t *testing.T) {
	env := &selectiveEnv{
		fakeEnv:  newFakeEnv(2),
		failFor:  map[string]bool{"sess-0": true},
		attempts: make(map[string]int),
	}
	m := NewManager(Options{Env: env})

	_, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(1),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 1,
	})
	if err == nil {
		t.Fatal("Execute should fail")
	}
	if env.attempts["sess-0"] != 1 {
		t.Errorf("Default budget of 0 means a single attempt, got %d", env.attempts["sess-0"])
	}
}

func TestExecutePersistsRows(t *testing.T) {
	store, err := rowstore.OpenJSONL(filepath.Join(t.TempDir(), "rows.jsonl"))
	if err != nil {
		t.Fatalf("OpenJSONL failed: %v", err)
	}
	defer store.Close()

	env := newFakeEnv(2)
	m := NewManager(Options{Env: env, Store: store})

	batch := sessions(2)
	if _, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       batch,
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 2,
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for _, session := range batch {
		row, err := store.Get(session.ID)
		if err != nil {
			t.Fatalf("Row for %s not persisted: %v", session.ID, err)
		}
		if row.RolloutStatus.Code != models.StatusFinished {
			t.Errorf("Row %s: expected finished, got %s", session.ID, row.RolloutStatus.Code)
		}
		if len(row.Conversation) == 0 {
			t.Errorf("Row %s should carry the conversation", session.ID)
		}
	}
}

func TestRecordThenPlaybackIsDeterministic(t *testing.T) {
	tapePath := filepath.Join(t.TempDir(), "run.jsonl")

	// Record a live batch.
	recEnv := newFakeEnv(3)
	recorder := tape.NewRecorder(tapePath)
	m := NewManager(Options{Env: recEnv, Mode: tape.ModeRecord, Recorder: recorder})
	if _, err := m.Execute(context.Background(), ExecuteRequest{
		Sessions:       sessions(2),
		Policy:         actingPolicy(),
		Tools:          actTool,
		MaxSteps:       10,
		MaxConcurrency: 2,
	}); err != nil {
		t.Fatalf("Recording run failed: %v", err)
	}

	// Replay the tape twice; the conversations must be byte-identical.
	replay := func() [][]byte {
		reader, err := tape.Open(tapePath)
		if err != nil {
			t.Fatalf("Open tape failed: %v", err)
		}
		var out [][]byte
		for env := 0; env < 2; env++ {
			exec := &Executor{
				Session:  &models.Session{ID: fmt.Sprintf("replay-%d", env)},
				Env:      newFakeEnv(3),
				Policy:   policy.NewPlayback(reader, env),
				Tools:    actTool,
				MaxSteps: 10,
			}
			res, err := exec.Run(context.Background())
			if err != nil {
				t.Fatalf("Playback run failed: %v", err)
			}
			data, err := json.Marshal(res.Conversation)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, data)
		}
		return out
	}

	first := replay()
	second := replay()
	for i := range first {
		if string(first[i]) != string(second[i]) {
			t.Errorf("Playback of env %d is not byte-identical across runs", i)
		}
	}
}
