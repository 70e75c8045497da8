package stage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCancelled is returned from checkpoints once a cancel has been
// requested for the running job.
var ErrCancelled = errors.New("job cancelled")

// Checkpoint is the cooperative pause/cancel token shared between the
// heartbeat loop and the stage engine. The heartbeat loop updates it from
// the control envelope; the engine waits on it at stage boundaries.
type Checkpoint struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{}
}

// SetPaused flips the quiesce flag. Drain pauses do not set it; they only
// gate new claims.
func (c *Checkpoint) SetPaused(paused bool) {
	c.mu.Lock()
	c.paused = paused
	c.mu.Unlock()
}

// Cancel marks the job for cooperative stop. It wins over pause.
func (c *Checkpoint) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *Checkpoint) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Wait blocks while the checkpoint is paused, returning early on cancel or
// context expiry. A nil checkpoint never blocks.
func (c *Checkpoint) Wait(ctx context.Context) error {
	if c == nil {
		return nil
	}
	for {
		c.mu.Lock()
		paused, cancelled := c.paused, c.cancelled
		c.mu.Unlock()
		if cancelled {
			return ErrCancelled
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
