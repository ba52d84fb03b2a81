// Package tape records live rollout conversations to an append-only JSONL
// file and replays them deterministically without live network calls. One
// process-wide path-valued switch selects the mode: no path means live, a
// path without a file means recording, a path with an existing file means
// playback.
package tape

import "github.com/fentz26/rollout/internal/models"

// Mode is the process-wide record/playback mode.
type Mode int

const (
	// ModeLive runs rollouts against the live backend without touching a tape.
	ModeLive Mode = iota
	// ModeRecord appends the full conversation state after every step.
	ModeRecord
	// ModePlayback replays a previously recorded tape.
	ModePlayback
)

func (m Mode) String() string {
	switch m {
	case ModeRecord:
		return "record"
	case ModePlayback:
		return "playback"
	default:
		return "live"
	}
}

// Record is one line of the tape: the full conversation of one rollout as of
// one step, keyed by (env_index, step).
type Record struct {
	EnvIndex int              `json:"env_index"`
	Step     int              `json:"step"`
	Messages []models.Message `json:"messages"`
}
