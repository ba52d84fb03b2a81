// Package audit records rollout lifecycle events for after-the-fact
// inspection: starts, retries, terminal transitions and watcher repairs.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/rollout/internal/rowstore"
)

// Lifecycle actions recorded by the engine.
const (
	ActionRolloutStart  = "rollout.start"
	ActionRolloutRetry  = "rollout.retry"
	ActionRolloutFinish = "rollout.finish"
	ActionWatcherCancel = "watcher.cancel"
)

// Writer appends audit events to the row store.
type Writer struct {
	store rowstore.Store
}

// NewWriter creates a Writer on top of the given store.
func NewWriter(s rowstore.Store) *Writer {
	return &Writer{store: s}
}

// Record writes one event for a state-mutating action. inputs is hashed so
// the event stays small while remaining reproducible.
func (w *Writer) Record(action string, inputs any, outcome, rowID, details string) error {
	return w.store.WriteEvent(rowstore.Event{
		Action:     action,
		RowID:      rowID,
		InputsHash: hashInputs(inputs),
		Outcome:    outcome,
		Details:    details,
	})
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
