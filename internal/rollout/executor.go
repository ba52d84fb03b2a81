// Package rollout contains the per-rollout conversation state machine and
// the bounded-concurrency execution manager that drives many of them.
package rollout

import (
	"context"
	"fmt"
	"log"

	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/policy"
	"github.com/fentz26/rollout/internal/tape"
)

// Termination reasons stamped onto a Trajectory.
const (
	ReasonEnvDone      = "env_done"
	ReasonControlPlane = "control_plane"
	ReasonMaxSteps     = "max_steps_reached"
)

// ControlPoller is the control-plane contract the executor consults between
// steps. A nil poller means no control plane is available.
type ControlPoller interface {
	Poll(ctx context.Context, session *models.Session) (*models.ControlStatus, bool)
}

// Result is one completed rollout attempt: the trajectory plus the full
// conversation that produced it.
type Result struct {
	Trajectory   *models.Trajectory
	Conversation []models.Message
}

// Executor runs one rollout to termination: reset, then a strictly
// sequential tool-call/step/control-check loop. It owns its Session and
// Trajectory exclusively; nothing about it is safe for concurrent use.
type Executor struct {
	Session  *models.Session
	Env      envclient.Environment
	Control  ControlPoller
	Policy   policy.Policy
	Tools    []models.ToolSchema
	MaxSteps int

	// EnvIndex keys this rollout's records on the tape.
	EnvIndex int
	Mode     tape.Mode
	Recorder *tape.Recorder

	Log *log.Logger
}

// Run drives the rollout until the environment reports done, the control
// plane asserts termination, or the step budget is exhausted. Transport
// errors abort the attempt and are returned; retry happens at the rollout
// granularity, never per step.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	traj := &models.Trajectory{
		Session: e.Session,
		Status:  models.Running(),
	}

	obs, err := e.Env.Reset(ctx, e.Session)
	if err != nil {
		return nil, fmt.Errorf("reset: %w", err)
	}
	traj.Observations = append(traj.Observations, obs)

	conv := []models.Message{{Role: models.RoleUser, Content: formatObservation(obs)}}

	for !traj.Terminated {
		if e.MaxSteps > 0 && traj.Steps >= e.MaxSteps {
			e.terminate(traj, ReasonMaxSteps)
			break
		}

		call, err := e.Policy.Decide(ctx, e.Tools, conv)
		if err != nil {
			return nil, fmt.Errorf("policy: %w", err)
		}

		if !call.IsNoAction() && !e.knownTool(call.Name) {
			// Protocol error: recorded as a no-op step, rollout continues.
			conv = e.noopStep(traj, conv, fmt.Sprintf("unknown tool %q", call.Name))
		} else {
			asst := models.Message{Role: models.RoleAssistant}
			if !call.IsNoAction() {
				asst.ToolCalls = []models.ToolCall{call}
			}
			conv = append(conv, asst)

			res, err := e.Env.Step(ctx, e.Session, call)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", traj.Steps+1, err)
			}

			traj.Actions = append(traj.Actions, call)
			traj.Rewards = append(traj.Rewards, res.Reward)
			traj.TotalReward += res.Reward
			traj.Observations = append(traj.Observations, res.Observation)
			traj.Steps++

			// Reward and termination ride in out-of-band metadata; the
			// model-visible content is the observation alone.
			conv = append(conv, models.Message{
				Role:       models.RoleTool,
				Content:    res.Observation,
				ToolCallID: call.CallID,
				Meta: &models.StepMeta{
					Reward:     res.Reward,
					Terminated: res.Done,
					Info:       res.Info,
				},
			})

			e.record(traj.Steps, conv)

			// The control plane is checked before the next prompt and is
			// authoritative: its termination wins even when the step said
			// done=false.
			if cs, ok := e.poll(ctx); ok {
				traj.ControlPlaneSteps = append(traj.ControlPlaneSteps, *cs)
				if cs.Terminated {
					e.terminate(traj, ReasonControlPlane)
					break
				}
			}
			if res.Done {
				e.terminate(traj, ReasonEnvDone)
				break
			}

			conv = append(conv, models.Message{Role: models.RoleUser, Content: formatObservation(res.Observation)})
		}
	}

	traj.Status = models.Finished()
	return &Result{Trajectory: traj, Conversation: conv}, nil
}

// noopStep appends a step that executed nothing: the previous observation is
// repeated, the action is the no-op sentinel and the reward is zero.
func (e *Executor) noopStep(traj *models.Trajectory, conv []models.Message, reason string) []models.Message {
	last := traj.Observations[len(traj.Observations)-1]
	traj.Actions = append(traj.Actions, models.NoAction)
	traj.Rewards = append(traj.Rewards, 0)
	traj.Observations = append(traj.Observations, last)
	traj.Steps++

	conv = append(conv,
		models.Message{Role: models.RoleAssistant},
		models.Message{
			Role:    models.RoleTool,
			Content: reason,
			Meta:    &models.StepMeta{},
		},
	)
	e.record(traj.Steps, conv)
	return conv
}

// record appends the full conversation state to the tape in recording mode.
// The executor is agnostic to playback; that is the policy's side.
func (e *Executor) record(step int, conv []models.Message) {
	if e.Mode != tape.ModeRecord || e.Recorder == nil {
		return
	}
	msgs := make([]models.Message, len(conv))
	copy(msgs, conv)
	if err := e.Recorder.Append(tape.Record{EnvIndex: e.EnvIndex, Step: step, Messages: msgs}); err != nil && e.Log != nil {
		e.Log.Printf("record step %d for env %d: %v", step, e.EnvIndex, err)
	}
}

func (e *Executor) poll(ctx context.Context) (*models.ControlStatus, bool) {
	if e.Control == nil {
		return nil, false
	}
	return e.Control.Poll(ctx, e.Session)
}

func (e *Executor) terminate(traj *models.Trajectory, reason string) {
	traj.Terminated = true
	traj.TerminationReason = reason
	e.Session.Terminated = true
}

func (e *Executor) knownTool(name string) bool {
	if len(e.Tools) == 0 {
		return true
	}
	for _, t := range e.Tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// formatObservation renders an observation as the user-visible prompt for
// the next policy turn.
func formatObservation(obs string) string {
	return obs
}
