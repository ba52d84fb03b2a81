// Package controlplane polls the out-of-band status endpoint that reports
// authoritative reward and termination for a session, independent of the
// data the environment returns to the model.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fentz26/rollout/internal/envclient"
	"github.com/fentz26/rollout/internal/models"
)

// DefaultPollTimeout bounds one status poll. Deliberately short: a timeout
// here means "no signal", not an error.
const DefaultPollTimeout = 2 * time.Second

// Client polls GET {base}/control/status for a session.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// New returns a Client with the given poll timeout; zero selects the default.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Poll fetches the session's control-plane status. ok is false when the
// control plane produced no usable data: transport failure, timeout, non-200
// response or a malformed body. None of those escalate; the rollout simply
// proceeds on data-plane signals.
func (c *Client) Poll(ctx context.Context, session *models.Session) (*models.ControlStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := session.BaseAddress + "/control/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set(envclient.SessionHeader, session.ID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false
	}

	var status models.ControlStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, false
	}
	return &status, true
}
