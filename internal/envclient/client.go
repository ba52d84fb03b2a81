// Package envclient talks to the remote session-stateful environment
// service: opening and closing sessions, and driving the per-step RPC
// exchange. It contains no rollout logic.
package envclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/rollout/internal/models"
)

// SessionHeader carries the session identity on every session-scoped request.
const SessionHeader = "mcp-session-id"

// DefaultClientTimeout bounds each environment RPC. Step calls are expected
// to be slow; the budget lives in step counts, not wall clock.
const DefaultClientTimeout = 120 * time.Second

// StepResult is the environment's answer to one tool call.
type StepResult struct {
	Observation string         `json:"observation"`
	Reward      float64        `json:"reward"`
	Done        bool           `json:"done"`
	Info        map[string]any `json:"info,omitempty"`
}

// Environment is the step-level contract the rollout executor drives.
// Implemented by Client for the live service and by fakes in tests.
type Environment interface {
	Reset(ctx context.Context, session *models.Session) (string, error)
	Step(ctx context.Context, session *models.Session, call models.ToolCall) (*StepResult, error)
}

// Client implements Environment over HTTP.
type Client struct {
	http *http.Client
}

// NewClient returns a Client with the default timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: DefaultClientTimeout}}
}

// Reset initializes the episode for a session and returns the first
// observation.
func (c *Client) Reset(ctx context.Context, session *models.Session) (string, error) {
	var out struct {
		Observation string `json:"observation"`
	}
	url := fmt.Sprintf("%s/sessions/%s/reset", session.BaseAddress, session.ID)
	if err := c.post(ctx, url, session.ID, map[string]any{"seed": session.Seed}, &out); err != nil {
		return "", fmt.Errorf("reset session %s: %w", session.ID, err)
	}
	return out.Observation, nil
}

// Step executes one tool call and returns the environment's result.
func (c *Client) Step(ctx context.Context, session *models.Session, call models.ToolCall) (*StepResult, error) {
	var out StepResult
	url := fmt.Sprintf("%s/sessions/%s/step", session.BaseAddress, session.ID)
	if err := c.post(ctx, url, session.ID, call, &out); err != nil {
		return nil, fmt.Errorf("step session %s: %w", session.ID, err)
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, url, sessionID string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, sessionID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("environment request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("environment error (%d): %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode environment response: %w", err)
		}
	}
	return nil
}
