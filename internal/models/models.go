// Package models defines the core domain types for the rollout engine.
package models

import "fmt"

// StatusCode represents the lifecycle state of a rollout.
type StatusCode string

const (
	StatusRunning   StatusCode = "running"
	StatusFinished  StatusCode = "finished"
	StatusCancelled StatusCode = "cancelled"
	StatusError     StatusCode = "error"
)

// Terminal reports whether the code is a terminal state.
func (c StatusCode) Terminal() bool {
	return c == StatusFinished || c == StatusCancelled || c == StatusError
}

// ErrorDetail is one structured error record attached to a Status.
type ErrorDetail struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

// Status is the tagged lifecycle value persisted with every Row.
// Legal transitions: running -> {finished, error, cancelled}. Terminal codes
// never transition again except for the watcher's running->cancelled override.
type Status struct {
	Code    StatusCode    `json:"code"`
	Message string        `json:"message,omitempty"`
	Details []ErrorDetail `json:"details,omitempty"`
}

// Running returns a fresh running Status.
func Running() Status {
	return Status{Code: StatusRunning}
}

// Finished returns a terminal finished Status.
func Finished() Status {
	return Status{Code: StatusFinished}
}

// Cancelled returns a terminal cancelled Status with a structured reason.
func Cancelled(reason string) Status {
	return Status{
		Code:    StatusCancelled,
		Message: reason,
		Details: []ErrorDetail{{Reason: reason}},
	}
}

// Errored returns a terminal error Status wrapping err.
func Errored(err error) Status {
	s := Status{Code: StatusError}
	if err != nil {
		s.Message = err.Error()
		s.Details = []ErrorDetail{{Reason: "internal", Message: err.Error()}}
	}
	return s
}

// CanTransition reports whether a transition from s to next is legal.
func (s Status) CanTransition(next StatusCode) bool {
	if s.Code == StatusRunning {
		return next.Terminal()
	}
	return false
}

// Session is a handle to one remote environment instance. It is owned by
// exactly one rollout executor for its lifetime; only Terminated mutates
// after creation.
type Session struct {
	ID          string `json:"id"`
	BaseAddress string `json:"base_address"`
	Seed        int64  `json:"seed"`
	Terminated  bool   `json:"terminated"`
}

// ToolCall is a single tool invocation produced by the policy.
type ToolCall struct {
	Name      string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
}

// NoAction is the sentinel returned by a policy that produced no tool call.
var NoAction = ToolCall{}

// IsNoAction reports whether the call is the "no action generated" sentinel.
func (tc ToolCall) IsNoAction() bool {
	return tc.Name == ""
}

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// StepMeta carries control-plane data attached to a tool message. It rides
// beside the model-visible Content, never inside it: tool output visible to
// the model must not encode reward or termination.
type StepMeta struct {
	Reward     float64        `json:"reward"`
	Terminated bool           `json:"terminated"`
	Info       map[string]any `json:"info,omitempty"`
}

// Message is a single turn in a rollout conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Meta       *StepMeta  `json:"meta,omitempty"`
}

// ToolSchema describes one tool the policy may call.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ControlStatus is the authoritative status reported by the control plane,
// independent of anything the environment returned on the data plane.
type ControlStatus struct {
	Terminated bool    `json:"terminated"`
	Reward     float64 `json:"reward"`
	Reason     string  `json:"reason,omitempty"`
}

// Trajectory is the complete recorded history of one rollout. It is
// append-only while its executor runs and read-only once collected by the
// execution manager.
type Trajectory struct {
	Session           *Session        `json:"session"`
	Observations      []string        `json:"observations"`
	Actions           []ToolCall      `json:"actions"`
	Rewards           []float64       `json:"rewards"`
	Terminated        bool            `json:"terminated"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	TotalReward       float64         `json:"total_reward"`
	Steps             int             `json:"steps"`
	Duration          float64         `json:"duration"`
	ControlPlaneSteps []ControlStatus `json:"control_plane_steps"`
	Status            Status          `json:"status"`
}

// Validate checks the trajectory length invariant:
// len(observations) == len(actions)+1 == len(rewards)+1.
func (t *Trajectory) Validate() error {
	if len(t.Observations) != len(t.Actions)+1 || len(t.Observations) != len(t.Rewards)+1 {
		return fmt.Errorf("trajectory length invariant violated: %d observations, %d actions, %d rewards",
			len(t.Observations), len(t.Actions), len(t.Rewards))
	}
	return nil
}

// Row is the persisted unit of execution state, keyed by a stable RowID.
// Rows are created when a rollout starts, updated in place by the owning
// process, and repaired by the watcher after a crash. Never deleted.
type Row struct {
	RowID         string         `json:"row_id"`
	Conversation  []Message      `json:"conversation"`
	RolloutStatus Status         `json:"rollout_status"`
	OwningPID     *int           `json:"owning_pid,omitempty"`
	EvalMetadata  map[string]any `json:"eval_metadata,omitempty"`
}
