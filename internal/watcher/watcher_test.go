package watcher

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/rollout/internal/lockfile"
	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/rowstore"
)

func tempStore(t *testing.T) rowstore.Store {
	t.Helper()
	store, err := rowstore.OpenJSONL(filepath.Join(t.TempDir(), "rows.jsonl"))
	if err != nil {
		t.Fatalf("OpenJSONL failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("spawn helper: %v", err)
	}
	return cmd.Process.Pid
}

func runningRow(t *testing.T, store rowstore.Store, rowID string, pid *int) {
	t.Helper()
	if err := store.Append(models.Row{
		RowID:         rowID,
		RolloutStatus: models.Running(),
		OwningPID:     pid,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestScanCancelsOrphanedRows(t *testing.T) {
	store := tempStore(t)
	dead := deadPID(t)
	runningRow(t, store, "row-dead", &dead)
	runningRow(t, store, "row-unowned", nil)

	repaired, running, err := Scan(store, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if repaired != 2 {
		t.Errorf("Expected 2 repaired rows, got %d", repaired)
	}
	if running != 0 {
		t.Errorf("Expected 0 running rows, got %d", running)
	}

	for _, rowID := range []string{"row-dead", "row-unowned"} {
		row, err := store.Get(rowID)
		if err != nil {
			t.Fatalf("Get %s failed: %v", rowID, err)
		}
		if row.RolloutStatus.Code != models.StatusCancelled {
			t.Errorf("Row %s: expected cancelled, got %s", rowID, row.RolloutStatus.Code)
		}
		if row.RolloutStatus.Message != CancelReason {
			t.Errorf("Row %s: expected reason %q, got %q", rowID, CancelReason, row.RolloutStatus.Message)
		}
	}
}

func TestScanIsIdempotent(t *testing.T) {
	store := tempStore(t)
	dead := deadPID(t)
	runningRow(t, store, "row-dead", &dead)

	if repaired, _, err := Scan(store, nil); err != nil || repaired != 1 {
		t.Fatalf("First scan: repaired=%d err=%v", repaired, err)
	}
	repaired, running, err := Scan(store, nil)
	if err != nil {
		t.Fatalf("Second scan failed: %v", err)
	}
	if repaired != 0 || running != 0 {
		t.Errorf("Second scan should be a no-op, got repaired=%d running=%d", repaired, running)
	}
}

func TestScanLeavesLiveRowsAlone(t *testing.T) {
	store := tempStore(t)
	self := os.Getpid()
	runningRow(t, store, "row-live", &self)

	repaired, running, err := Scan(store, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if repaired != 0 {
		t.Errorf("A live owner must not be repaired, got %d", repaired)
	}
	if running != 1 {
		t.Errorf("Expected 1 running row, got %d", running)
	}

	row, err := store.Get("row-live")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if row.RolloutStatus.Code != models.StatusRunning {
		t.Errorf("Expected running, got %s", row.RolloutStatus.Code)
	}
}

func TestScanSkipsTerminalRows(t *testing.T) {
	store := tempStore(t)
	if err := store.Append(models.Row{
		RowID:         "row-done",
		RolloutStatus: models.Finished(),
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	repaired, running, err := Scan(store, nil)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if repaired != 0 || running != 0 {
		t.Errorf("Terminal rows are out of scope, got repaired=%d running=%d", repaired, running)
	}
}

func TestRunRefusesSecondWatcher(t *testing.T) {
	dir := t.TempDir()
	lock, err := lockfile.Acquire(dir, LockName)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lock.Release()

	err = Run(context.Background(), Options{
		Store: tempStore(t),
		Dir:   dir,
	})
	var already *ErrAlreadyRunning
	if !errors.As(err, &already) {
		t.Fatalf("Expected ErrAlreadyRunning, got %v", err)
	}
	if already.PID != os.Getpid() {
		t.Errorf("Expected holder PID %d, got %d", os.Getpid(), already.PID)
	}
}

func TestRunExitsAfterIdleScans(t *testing.T) {
	dir := t.TempDir()
	store := tempStore(t)
	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), Options{
			Store:        store,
			Dir:          dir,
			Interval:     10 * time.Millisecond,
			MaxIdleScans: 2,
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not exit after its idle budget")
	}

	// The lock is released on exit, so a successor can start.
	lock, err := lockfile.Acquire(dir, LockName)
	if err != nil {
		t.Fatalf("Lock should be free after watcher exit: %v", err)
	}
	lock.Release()
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := tempStore(t)
	self := os.Getpid()
	runningRow(t, store, "row-live", &self)

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			Store:    store,
			Dir:      dir,
			Interval: time.Hour,
		})
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watcher did not stop on context cancellation")
	}
}
