package envclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/fentz26/rollout/internal/models"
)

// Manager opens and closes sessions against the environment service. Opening
// fails fast on network error; closing is best-effort and never returns an
// error so that cleanup of a batch cannot be blocked by one misbehaving peer.
type Manager struct {
	http *http.Client
	log  *log.Logger
}

// NewManager returns a Manager logging best-effort failures to logger.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		http: &http.Client{Timeout: DefaultClientTimeout},
		log:  logger,
	}
}

// Initialize opens the remote handle for a session. Errors propagate to the
// caller unretried.
func (m *Manager) Initialize(ctx context.Context, session *models.Session) error {
	body, err := json.Marshal(map[string]any{"id": session.ID, "seed": session.Seed})
	if err != nil {
		return err
	}
	url := session.BaseAddress + "/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("initialize session %s: %w", session.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("initialize session %s: status %d: %s", session.ID, resp.StatusCode, string(respBody))
	}
	return nil
}

// Close tears down a session's remote handle. Idempotent and best-effort:
// failures are logged, never returned.
func (m *Manager) Close(session *models.Session) {
	url := fmt.Sprintf("%s/sessions/%s", session.BaseAddress, session.ID)
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		m.log.Printf("close session %s: %v", session.ID, err)
		return
	}
	req.Header.Set(SessionHeader, session.ID)

	resp, err := m.http.Do(req)
	if err != nil {
		m.log.Printf("close session %s: %v", session.ID, err)
		return
	}
	resp.Body.Close()
}

// InitializeAll opens many sessions with bounded fan-out. The first error
// cancels nothing: every session gets its attempt, and the first failure is
// returned.
func (m *Manager) InitializeAll(ctx context.Context, sessions []*models.Session, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	errs := make([]error, len(sessions))

	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, s *models.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = m.Initialize(ctx, s)
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// CloseAll closes many sessions with bounded fan-out, best-effort.
func (m *Manager) CloseAll(sessions []*models.Session, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *models.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			m.Close(s)
		}(s)
	}
	wg.Wait()
}
