package supervisor

import (
	"context"
	"sync"
)

// State is the run control state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopping State = "stopping"
	StateFinished State = "finished"
)

// Control holds the pause and stop flags shared between the control context
// and the worker. Every change closes the current changed channel so parked
// waiters wake up.
type Control struct {
	mu       sync.Mutex
	state    State
	paused   bool
	stopping bool
	changed  chan struct{}
	parked   int
}

// NewControl returns an idle Control.
func NewControl() *Control {
	return &Control{state: StateIdle, changed: make(chan struct{})}
}

func (c *Control) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Pause parks the worker before its next record.
func (c *Control) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping || c.paused {
		return
	}
	c.paused = true
	c.state = StatePaused
	c.broadcastLocked()
}

// Resume releases a paused worker.
func (c *Control) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	if !c.stopping {
		c.state = StateRunning
	}
	c.broadcastLocked()
}

// Stop asks the worker to stop at the next record boundary. It also unparks a
// paused worker.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	c.stopping = true
	c.paused = false
	c.state = StateStopping
	c.broadcastLocked()
}

// Paused reports whether a pause is requested.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Stopping reports whether a stop is requested.
func (c *Control) Stopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// State returns the current state.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if (c.stopping || c.paused) && s == StateRunning {
		return
	}
	c.state = s
}

// WaitWhilePaused blocks while a pause is in effect. It returns early on stop
// or when ctx ends.
func (c *Control) WaitWhilePaused(ctx context.Context) error {
	for {
		c.mu.Lock()
		if !c.paused || c.stopping {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.parked++
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.unpark()
			return ctx.Err()
		case <-ch:
			c.unpark()
		}
	}
}

func (c *Control) unpark() {
	c.mu.Lock()
	c.parked--
	c.mu.Unlock()
}

// Changed returns a channel closed on the next state change.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *Control) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}
