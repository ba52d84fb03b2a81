// Package rowstore persists rollout execution state as Rows keyed by a
// stable row_id. Two backends implement the same contract: a JSONL file (one
// JSON object per line, mutation serialized through the per-file singleton
// lock) and a SQLite table. Rows are appended and updated, never deleted.
package rowstore

import (
	"errors"
	"time"

	"github.com/fentz26/rollout/internal/models"
)

// Sentinel errors for row store operations.
var (
	ErrDuplicateRow  = errors.New("duplicate row_id")
	ErrRowNotFound   = errors.New("row not found")
	ErrBadTransition = errors.New("illegal status transition")
)

// Event is one audit record of a rollout lifecycle transition.
type Event struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	RowID      string    `json:"row_id,omitempty"`
	InputsHash string    `json:"inputs_hash,omitempty"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the row persistence contract shared by all backends.
type Store interface {
	// Append inserts a new row. A pre-existing row_id is a programming
	// error and returns ErrDuplicateRow.
	Append(row models.Row) error
	// Update rewrites an existing row in place. Status changes must follow
	// the transition rule: running may become terminal, terminal codes never
	// change again.
	Update(row models.Row) error
	// Get returns the row for row_id, or ErrRowNotFound.
	Get(rowID string) (*models.Row, error)
	// List returns all rows in insertion order.
	List() ([]models.Row, error)
	// ListByStatus returns rows whose status code matches.
	ListByStatus(code models.StatusCode) ([]models.Row, error)
	// WriteEvent appends an audit event.
	WriteEvent(ev Event) error
	// Close releases backend resources.
	Close() error
}

// checkTransition validates a status change on Update. Same-code rewrites
// are allowed (payload updates while running, idempotent terminal writes).
func checkTransition(old, next models.Status) error {
	if old.Code == next.Code {
		return nil
	}
	if !old.CanTransition(next.Code) {
		return ErrBadTransition
	}
	return nil
}
