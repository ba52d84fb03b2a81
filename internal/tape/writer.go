package tape

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ResolveMode decides the process mode from the tape path. An empty path is
// live mode. A set path selects recording when the file does not exist yet
// (it is created) and playback when it does.
func ResolveMode(path string) (Mode, error) {
	if path == "" {
		return ModeLive, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return ModeLive, fmt.Errorf("create tape file: %w", err)
			}
			f.Close()
			return ModeRecord, nil
		}
		return ModeLive, fmt.Errorf("stat tape file: %w", err)
	}
	return ModePlayback, nil
}

// Recorder appends Records to a JSONL tape file. Appends are serialized
// across concurrent rollouts; the file is opened per write so external tools
// can tail it between steps.
type Recorder struct {
	path string

	mu sync.Mutex
}

// NewRecorder returns a Recorder appending to path.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Append writes one record as a JSON line.
func (r *Recorder) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal tape record: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open tape file %q: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write tape record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync tape file: %w", err)
	}
	return nil
}
