package rowstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/rollout/internal/lockfile"
	"github.com/fentz26/rollout/internal/models"
	"github.com/google/uuid"
)

// DefaultLockTimeout bounds how long a mutation waits for the per-file lock
// before surfacing the contention to the caller.
const DefaultLockTimeout = 10 * time.Second

// JSONLStore persists rows as one JSON object per line in a dataset-scoped
// file. The file is shared across processes (the owning runner and the
// watcher), so every access takes the singleton lock scoped to this physical
// file.
type JSONLStore struct {
	path        string
	lockDir     string
	lockName    string
	lockTimeout time.Duration
}

// OpenJSONL opens (creating if needed) a JSONL row store at path.
func OpenJSONL(path string) (*JSONLStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create row store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	f.Close()

	return &JSONLStore{
		path:        path,
		lockDir:     dir,
		lockName:    filepath.Base(path),
		lockTimeout: DefaultLockTimeout,
	}, nil
}

// Append implements Store.
func (s *JSONLStore) Append(row models.Row) error {
	return s.withLock(func() error {
		rows, err := s.readAll()
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.RowID == row.RowID {
				return fmt.Errorf("%w: %s", ErrDuplicateRow, row.RowID)
			}
		}
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open row store: %w", err)
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
		return f.Sync()
	})
}

// Update implements Store.
func (s *JSONLStore) Update(row models.Row) error {
	return s.withLock(func() error {
		rows, err := s.readAll()
		if err != nil {
			return err
		}
		found := false
		for i, r := range rows {
			if r.RowID != row.RowID {
				continue
			}
			if err := checkTransition(r.RolloutStatus, row.RolloutStatus); err != nil {
				return fmt.Errorf("row %s: %w", row.RowID, err)
			}
			rows[i] = row
			found = true
			break
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrRowNotFound, row.RowID)
		}
		return s.writeAll(rows)
	})
}

// Get implements Store.
func (s *JSONLStore) Get(rowID string) (*models.Row, error) {
	var out *models.Row
	err := s.withLock(func() error {
		rows, err := s.readAll()
		if err != nil {
			return err
		}
		for i := range rows {
			if rows[i].RowID == rowID {
				out = &rows[i]
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrRowNotFound, rowID)
	})
	return out, err
}

// List implements Store.
func (s *JSONLStore) List() ([]models.Row, error) {
	var rows []models.Row
	err := s.withLock(func() error {
		var err error
		rows, err = s.readAll()
		return err
	})
	return rows, err
}

// ListByStatus implements Store.
func (s *JSONLStore) ListByStatus(code models.StatusCode) ([]models.Row, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var rows []models.Row
	for _, r := range all {
		if r.RolloutStatus.Code == code {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// WriteEvent implements Store. Events live in a sibling append-only file.
func (s *JSONLStore) WriteEvent(ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(s.path+".events", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Close implements Store. The JSONL backend holds no open resources.
func (s *JSONLStore) Close() error {
	return nil
}

// withLock runs fn holding the per-file singleton lock, busy-polling with
// backoff up to the configured timeout.
func (s *JSONLStore) withLock(fn func() error) error {
	l, err := lockfile.AcquireWait(s.lockDir, s.lockName, s.lockTimeout)
	if err != nil {
		return fmt.Errorf("lock row store: %w", err)
	}
	defer l.Release()
	return fn()
}

func (s *JSONLStore) readAll() ([]models.Row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open row store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var rows []models.Row
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row models.Row
		if err := json.Unmarshal(line, &row); err != nil {
			return nil, fmt.Errorf("line %d: unmarshal row: %w", lineNum, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan row store: %w", err)
	}
	return rows, nil
}

// writeAll rewrites the whole file via temp+rename so readers never observe
// a torn file.
func (s *JSONLStore) writeAll(rows []models.Row) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), s.lockName+".tmp")
	if err != nil {
		return fmt.Errorf("create temp row store: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("marshal row: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace row store: %w", err)
	}
	return nil
}
