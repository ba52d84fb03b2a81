// Package watcher is the cross-process liveness repair loop. A single
// watcher process scans persisted rows stuck in the running state and marks
// rows whose owning OS process has died as cancelled, converting silent
// orphaning into an explicit terminal status. It never touches rollouts
// whose owner is still alive.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fentz26/rollout/internal/audit"
	"github.com/fentz26/rollout/internal/lockfile"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/rowstore"
)

// LockName serializes watcher processes: at most one runs per lock
// directory, anywhere on the machine.
const LockName = "eval_watcher"

// CancelReason is the structured reason written to repaired rows.
const CancelReason = "process terminated"

// Options configures a watcher run.
type Options struct {
	Store rowstore.Store
	// Dir holds the singleton lock files.
	Dir string
	// Interval between scans. Defaults to 10s.
	Interval time.Duration
	// MaxIdleScans is how many consecutive empty scans (no running rows)
	// are tolerated before the watcher exits on its own. Defaults to 3.
	MaxIdleScans int
	Audit        *audit.Writer
	Log          *log.Logger
}

// ErrAlreadyRunning reports that another watcher holds the singleton lock.
type ErrAlreadyRunning struct {
	PID int
}

func (e *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("watcher already running (PID %d)", e.PID)
}

// Run executes the watcher loop until ctx is cancelled or the idle budget is
// spent. Starting a second watcher is a no-op that reports the existing
// holder's PID via *ErrAlreadyRunning.
func Run(ctx context.Context, opts Options) error {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MaxIdleScans <= 0 {
		opts.MaxIdleScans = 3
	}
	logger := opts.Log
	if logger == nil {
		logger = log.Default()
	}

	lock, err := lockfile.Acquire(opts.Dir, LockName)
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			return &ErrAlreadyRunning{PID: held.PID}
		}
		return fmt.Errorf("acquire watcher lock: %w", err)
	}
	defer lock.Release()

	logger.Printf("watcher started (scan every %s)", opts.Interval)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	idle := 0
	for {
		repaired, running, err := Scan(opts.Store, opts.Audit)
		if err != nil {
			logger.Printf("scan: %v", err)
		} else {
			if repaired > 0 {
				logger.Printf("repaired %d orphaned rollouts", repaired)
			}
			if running == 0 {
				idle++
				if idle >= opts.MaxIdleScans {
					logger.Printf("no running rollouts for %d scans, exiting", idle)
					return nil
				}
			} else {
				idle = 0
			}
		}

		select {
		case <-ctx.Done():
			logger.Println("watcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Scan performs one crash-detection pass: every running row whose owning PID
// is unset or dead is rewritten to cancelled. It returns the number of rows
// repaired and the number still legitimately running. Scanning is idempotent:
// already-cancelled rows are never revisited because only running rows are
// selected.
func Scan(store rowstore.Store, auditw *audit.Writer) (repaired, running int, err error) {
	rows, err := store.ListByStatus(models.StatusRunning)
	if err != nil {
		return 0, 0, fmt.Errorf("list running rows: %w", err)
	}

	for _, row := range rows {
		if row.OwningPID != nil && lockfile.Alive(*row.OwningPID) {
			running++
			continue
		}
		row.RolloutStatus = models.Cancelled(CancelReason)
		if err := store.Update(row); err != nil {
			return repaired, running, fmt.Errorf("cancel row %s: %w", row.RowID, err)
		}
		if auditw != nil {
			pid := 0
			if row.OwningPID != nil {
				pid = *row.OwningPID
			}
			_ = auditw.Record(audit.ActionWatcherCancel, row.RowID, "cancelled", row.RowID,
				fmt.Sprintf("owning pid %d not alive", pid))
		}
		repaired++
	}
	return repaired, running, nil
}
