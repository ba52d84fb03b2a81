// Package logging owns the process-wide logger with an explicit lifecycle.
// Call Init once at startup and Shutdown before exit; components receive the
// logger by injection rather than importing a global.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Config controls the logger destination and prefix.
type Config struct {
	// Path is an optional log file. Empty means stderr only.
	Path string
	// Prefix is prepended to every line, e.g. "rollout".
	Prefix string
}

var (
	mu     sync.Mutex
	logger *log.Logger
	file   *os.File
)

// Init configures the process logger. Calling Init again replaces the
// previous configuration, closing any open log file.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		file.Close()
		file = nil
	}

	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		file = f
		w = io.MultiWriter(os.Stderr, f)
	}

	prefix := cfg.Prefix
	if prefix != "" {
		prefix += " "
	}
	logger = log.New(w, prefix, log.LstdFlags)
	return nil
}

// Shutdown closes the log file if one is open. Idempotent.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		file.Close()
		file = nil
	}
	logger = nil
}

// L returns the configured logger, falling back to a stderr logger when Init
// has not been called (tests, library use).
func L() *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return logger
}
