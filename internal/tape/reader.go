package tape

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Reader serves recorded tape records sequentially per env index. It is safe
// for concurrent use by rollouts replaying different env indexes.
type Reader struct {
	mu      sync.Mutex
	records map[int][]Record // keyed by env index, in recorded order
	cursor  map[int]int
}

// Open loads a complete tape file into a Reader.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tape file %q: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a JSONL tape stream.
func Read(r io.Reader) (*Reader, error) {
	scanner := bufio.NewScanner(r)
	// Tool output can be large.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	rd := &Reader{
		records: make(map[int][]Record),
		cursor:  make(map[int]int),
	}

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: unmarshal tape record: %w", lineNum, err)
		}
		rd.records[rec.EnvIndex] = append(rd.records[rec.EnvIndex], rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan tape: %w", err)
	}
	return rd, nil
}

// Next returns the next recorded step for envIndex, advancing the cursor.
// ok is false once the recorded steps for that env are exhausted.
func (r *Reader) Next(envIndex int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := r.records[envIndex]
	i := r.cursor[envIndex]
	if i >= len(recs) {
		return Record{}, false
	}
	r.cursor[envIndex] = i + 1
	return recs[i], true
}

// Steps returns the number of recorded steps for envIndex.
func (r *Reader) Steps(envIndex int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[envIndex])
}

// Rewind resets the cursor for envIndex so the tape can be replayed again.
func (r *Reader) Rewind(envIndex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor[envIndex] = 0
}
