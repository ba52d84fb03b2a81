package rollout

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fentz26/rollout/internal/audit"
	"github.com/fentz26/rollout/internal/config"
	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/policy"
	"github.com/fentz26/rollout/internal/rowstore"
	"github.com/fentz26/rollout/internal/tape"
)

// Manager runs batches of rollouts with bounded concurrency, retries failed
// rollouts within the configured budget and persists row state as it goes.
type Manager struct {
	env     envclient.Environment
	conn    *envclient.Manager
	control ControlPoller
	store   rowstore.Store
	audit   *audit.Writer
	cfg     *config.Config
	log     *log.Logger

	mode     tape.Mode
	recorder *tape.Recorder
}

// Options wires a Manager. Conn, Control, Store and Audit are optional;
// absent collaborators are simply skipped.
type Options struct {
	Env      envclient.Environment
	Conn     *envclient.Manager
	Control  ControlPoller
	Store    rowstore.Store
	Audit    *audit.Writer
	Config   *config.Config
	Log      *log.Logger
	Mode     tape.Mode
	Recorder *tape.Recorder
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Log
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		env:      opts.Env,
		conn:     opts.Conn,
		control:  opts.Control,
		store:    opts.Store,
		audit:    opts.Audit,
		cfg:      cfg,
		log:      logger,
		mode:     opts.Mode,
		recorder: opts.Recorder,
	}
}

// ExecuteRequest is one batch of rollouts.
type ExecuteRequest struct {
	Sessions []*models.Session
	// Policy is shared across rollouts. PolicyFor, when set, overrides it
	// per env index (playback needs a policy per recorded rollout).
	Policy         policy.Policy
	PolicyFor      func(envIndex int) policy.Policy
	Tools          []models.ToolSchema
	MaxSteps       int
	MaxConcurrency int
}

// Execute runs every session's rollout to completion, at most
// MaxConcurrency at a time, and returns trajectories keyed by the original
// session index regardless of completion order. The batch-wide wall-clock
// duration is stamped uniformly on every trajectory, then all sessions are
// closed best-effort. A non-nil error reports rollouts whose retry budget
// was exhausted; sibling results are still returned.
func (m *Manager) Execute(ctx context.Context, req ExecuteRequest) ([]*models.Trajectory, error) {
	n := len(req.Sessions)
	if n == 0 {
		return nil, nil
	}
	concurrency := req.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]*models.Trajectory, n)
	sem := make(chan struct{}, concurrency)

	start := time.Now()
	var wg sync.WaitGroup
	for i, session := range req.Sessions {
		wg.Add(1)
		go func(i int, session *models.Session) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = m.runWithRetry(ctx, i, session, req)
		}(i, session)
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	failed := 0
	for _, t := range results {
		t.Duration = duration
		if t.Status.Code == models.StatusError {
			failed++
		}
	}

	if m.conn != nil {
		m.conn.CloseAll(req.Sessions, concurrency)
	}

	m.log.Printf("batch complete: %d rollouts, %d failed, %.2fs", n, failed, duration)
	if failed > 0 {
		return results, fmt.Errorf("%d of %d rollouts failed after exhausting %d retries", failed, n, m.cfg.MaxRetries)
	}
	return results, nil
}

// runWithRetry resubmits one logical rollout immediately on failure, inside
// the same concurrency slot, until it finishes or the budget is exhausted.
// Sibling rollouts are never delayed by these retries.
func (m *Manager) runWithRetry(ctx context.Context, envIndex int, session *models.Session, req ExecuteRequest) *models.Trajectory {
	rowID := session.ID
	pid := os.Getpid()
	m.appendRow(models.Row{
		RowID:         rowID,
		RolloutStatus: models.Running(),
		OwningPID:     &pid,
	})
	m.event(audit.ActionRolloutStart, session, "success", rowID, "")

	attempts := m.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pol := req.Policy
		if req.PolicyFor != nil {
			pol = req.PolicyFor(envIndex)
		}
		exec := &Executor{
			Session:  session,
			Env:      m.env,
			Control:  m.control,
			Policy:   pol,
			Tools:    req.Tools,
			MaxSteps: req.MaxSteps,
			EnvIndex: envIndex,
			Mode:     m.mode,
			Recorder: m.recorder,
			Log:      m.log,
		}

		res, err := exec.Run(ctx)
		lastErr = err
		if err == nil && res.Trajectory.Status.Code == models.StatusFinished {
			m.finishRow(rowID, res.Conversation, models.Finished())
			m.event(audit.ActionRolloutFinish, session, "success", rowID,
				fmt.Sprintf("%d steps, reason %s", res.Trajectory.Steps, res.Trajectory.TerminationReason))
			return res.Trajectory
		}

		if attempt < attempts {
			m.log.Printf("rollout %s attempt %d/%d failed: %v (retrying)", rowID, attempt, attempts, lastErr)
			m.event(audit.ActionRolloutRetry, session, "retry", rowID, fmt.Sprintf("attempt %d: %v", attempt, lastErr))
			session.Terminated = false
		}
	}

	// Budget exhausted: fatal for this rollout only.
	m.log.Printf("rollout %s failed after %d attempts: %v", rowID, attempts, lastErr)
	traj := &models.Trajectory{
		Session:           session,
		Observations:      []string{""},
		Terminated:        true,
		TerminationReason: "error",
		Status:            models.Errored(lastErr),
	}
	m.finishRow(rowID, nil, traj.Status)
	m.event(audit.ActionRolloutFinish, session, "error", rowID, traj.Status.Message)
	return traj
}

func (m *Manager) appendRow(row models.Row) {
	if m.store == nil {
		return
	}
	if err := m.store.Append(row); err != nil {
		m.log.Printf("append row %s: %v", row.RowID, err)
	}
}

func (m *Manager) finishRow(rowID string, conversation []models.Message, status models.Status) {
	if m.store == nil {
		return
	}
	row, err := m.store.Get(rowID)
	if err != nil {
		m.log.Printf("load row %s: %v", rowID, err)
		return
	}
	if conversation != nil {
		row.Conversation = conversation
	}
	row.RolloutStatus = status
	if err := m.store.Update(*row); err != nil {
		m.log.Printf("update row %s: %v", rowID, err)
	}
}

func (m *Manager) event(action string, inputs any, outcome, rowID, details string) {
	if m.audit == nil {
		return
	}
	if err := m.audit.Record(action, inputs, outcome, rowID, details); err != nil {
		m.log.Printf("audit %s for %s: %v", action, rowID, err)
	}
}
