// Package envsim is an in-process simulation of the session-stateful
// environment service: it speaks the same session, step and control-plane
// endpoints the engine drives in production, with a scripted scenario per
// session. It backs the `rollout envsim` command and the integration tests.
package envsim

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/models"
	"github.com/labstack/echo/v4"
)

// Scenario scripts how simulated sessions behave.
type Scenario struct {
	// DoneAfter is the step on which the environment reports done=true.
	// 0 means never.
	DoneAfter int
	// StepReward is granted on every step.
	StepReward float64
	// FinalReward is granted on the done step in addition to StepReward.
	FinalReward float64
	// ControlTerminateAfter makes the control plane assert terminated=true
	// once at least this many steps have run. 0 means never: the control
	// plane then mirrors the data plane's done signal.
	ControlTerminateAfter int
}

type session struct {
	id    string
	seed  int64
	steps int
	done  bool
}

// Server simulates the remote environment service.
type Server struct {
	scenario Scenario
	echo     *echo.Echo

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Server for the given scenario.
func New(scenario Scenario) *Server {
	s := &Server{
		scenario: scenario,
		echo:     echo.New(),
		sessions: make(map[string]*session),
	}
	s.echo.HideBanner = true
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.POST("/sessions", s.createSession)
	s.echo.POST("/sessions/:id/reset", s.resetSession)
	s.echo.POST("/sessions/:id/step", s.stepSession)
	s.echo.DELETE("/sessions/:id", s.deleteSession)
	s.echo.GET("/control/status", s.controlStatus)
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})
}

// Handler exposes the routes for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) createSession(c echo.Context) error {
	var req struct {
		ID   string `json:"id"`
		Seed int64  `json:"seed"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if req.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session id required"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.ID]; ok {
		return c.JSON(http.StatusConflict, map[string]string{"error": "session exists"})
	}
	s.sessions[req.ID] = &session{id: req.ID, seed: req.Seed}
	return c.JSON(http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) resetSession(c echo.Context) error {
	sess, err := s.lookup(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	sess.steps = 0
	sess.done = false
	obs := fmt.Sprintf("session %s ready (seed %d)", sess.id, sess.seed)
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{"observation": obs})
}

func (s *Server) stepSession(c echo.Context) error {
	sess, err := s.lookup(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	var call models.ToolCall
	if err := c.Bind(&call); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid tool call"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.done {
		return c.JSON(http.StatusConflict, map[string]string{"error": "session already terminated"})
	}

	sess.steps++
	reward := s.scenario.StepReward
	done := s.scenario.DoneAfter > 0 && sess.steps >= s.scenario.DoneAfter
	if done {
		reward += s.scenario.FinalReward
		sess.done = true
	}

	name := call.Name
	if call.IsNoAction() {
		name = "noop"
	}
	return c.JSON(http.StatusOK, envclient.StepResult{
		Observation: fmt.Sprintf("step %d: executed %s", sess.steps, name),
		Reward:      reward,
		Done:        done,
		Info:        map[string]any{"step": sess.steps},
	})
}

func (s *Server) deleteSession(c echo.Context) error {
	// Idempotent: deleting an unknown session succeeds.
	s.mu.Lock()
	delete(s.sessions, c.Param("id"))
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) controlStatus(c echo.Context) error {
	id := c.Request().Header.Get(envclient.SessionHeader)
	sess, err := s.lookup(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	terminated := sess.done
	reason := ""
	if s.scenario.ControlTerminateAfter > 0 && sess.steps >= s.scenario.ControlTerminateAfter {
		terminated = true
		reason = "control plane termination"
	}
	return c.JSON(http.StatusOK, models.ControlStatus{
		Terminated: terminated,
		Reward:     float64(sess.steps) * s.scenario.StepReward,
		Reason:     reason,
	})
}

func (s *Server) lookup(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", id)
	}
	return sess, nil
}
