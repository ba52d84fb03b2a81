package policy

import (
	"context"
	"fmt"

	"github.com/fentz26/rollout/internal/models"
	"github.com/fentz26/rollout/internal/tape"
)

// Playback replays tool calls from a recorded tape instead of calling a live
// backend. One Playback instance serves one rollout, identified by its env
// index on the tape.
type Playback struct {
	reader   *tape.Reader
	envIndex int
}

// NewPlayback returns a Playback policy for envIndex on the tape.
func NewPlayback(reader *tape.Reader, envIndex int) *Playback {
	return &Playback{reader: reader, envIndex: envIndex}
}

// Decide implements Policy by reading the next recorded step and extracting
// the tool call the live policy produced at that point.
func (p *Playback) Decide(ctx context.Context, tools []models.ToolSchema, history []models.Message) (models.ToolCall, error) {
	rec, ok := p.reader.Next(p.envIndex)
	if !ok {
		return models.NoAction, fmt.Errorf("tape exhausted for env %d", p.envIndex)
	}

	// The recorded conversation at step N ends with the assistant turn that
	// carried the tool call and the tool turn with its result.
	for i := len(rec.Messages) - 1; i >= 0; i-- {
		msg := rec.Messages[i]
		if msg.Role != models.RoleAssistant {
			continue
		}
		if len(msg.ToolCalls) == 0 {
			return models.NoAction, nil
		}
		return msg.ToolCalls[0], nil
	}
	return models.NoAction, nil
}
