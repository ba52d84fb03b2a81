// Package lockfile implements a PID-file based singleton lock. A lock is a
// named pair of files in a directory: a PID marker recording the holder and a
// companion lock marker. Ownership is verified by probing the recorded PID
// for liveness, not by file presence alone, so locks abandoned by dead
// processes are reclaimed automatically.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// HeldError reports that the lock is held by another live process.
type HeldError struct {
	PID int
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock held by PID %d", e.PID)
}

// Lock is an acquired singleton lock. Release it when done.
type Lock struct {
	pidPath  string
	lockPath string
}

// Acquire takes the named lock in dir for the current process. If another
// live process holds it, a *HeldError carrying that PID is returned. A stale
// pair left by a dead process is deleted and acquisition retried.
func Acquire(dir, name string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	pidPath := filepath.Join(dir, name+".pid")
	lockPath := filepath.Join(dir, name+".lock")

	// Two passes: one to reclaim a stale pair, one to acquire.
	for attempt := 0; attempt < 2; attempt++ {
		if pid, ok := readPID(pidPath); ok {
			if pidAlive(pid) {
				return nil, &HeldError{PID: pid}
			}
			// Holder is dead: reclaim the stale pair.
			os.Remove(lockPath)
			os.Remove(pidPath)
		}

		// Write our PID to a temp file and atomically rename it into place.
		tmp, err := os.CreateTemp(dir, name+".pid.tmp")
		if err != nil {
			return nil, fmt.Errorf("create temp pid file: %w", err)
		}
		if _, err := tmp.WriteString(strconv.Itoa(os.Getpid())); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("write pid: %w", err)
		}
		tmp.Close()
		if err := os.Rename(tmp.Name(), pidPath); err != nil {
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("publish pid file: %w", err)
		}

		// Exclusive-create the companion marker. Losing this race means
		// another process published between our check and create.
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return &Lock{pidPath: pidPath, lockPath: lockPath}, nil
		}
		if !os.IsExist(err) {
			os.Remove(pidPath)
			return nil, fmt.Errorf("create lock marker: %w", err)
		}
		// Marker exists without a readable PID on the first pass: treat as
		// stale and retry once.
	}

	if pid, ok := readPID(pidPath); ok {
		return nil, &HeldError{PID: pid}
	}
	return nil, errors.New("lock marker present without pid file")
}

// AcquireWait busy-polls Acquire with backoff until the lock is taken or the
// timeout elapses. Contention within the timeout is not an error; contention
// at the deadline surfaces the holder's *HeldError.
func AcquireWait(dir, name string, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	backoff := 20 * time.Millisecond

	for {
		l, err := Acquire(dir, name)
		if err == nil {
			return l, nil
		}
		var held *HeldError
		if !errors.As(err, &held) {
			return nil, err
		}
		if time.Now().Add(backoff).After(deadline) {
			return nil, err
		}
		time.Sleep(backoff)
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

// Release deletes both lock files. Idempotent: releasing an already-released
// lock is a no-op.
func (l *Lock) Release() {
	if l == nil {
		return
	}
	os.Remove(l.lockPath)
	os.Remove(l.pidPath)
}

// readPID parses the PID marker. ok is false when the file is absent or
// unparseable.
func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Holder returns the PID currently recorded for the named lock, if any.
func Holder(dir, name string) (int, bool) {
	return readPID(filepath.Join(dir, name+".pid"))
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	return pidAlive(pid)
}
