package engine

import "sync"

// Command is an interactive debug command applied to a running execution.
type Command string

const (
	CommandPause  Command = "PAUSE"
	CommandResume Command = "RESUME"
	CommandStep   Command = "STEP"
	CommandStop   Command = "STOP"
)

// CommandController is the shared pause/step handle consulted by the engine
// on every scheduling tick. The orchestrator's debug loop updates it when
// commands arrive; STOP goes through the AbortController instead.
//
// Safe for concurrent use: one goroutine applies commands while the scheduler
// observes state.
type CommandController struct {
	mu      sync.Mutex
	paused  bool
	steps   int
	changed chan struct{}
}

// NewCommandController creates a controller in the running (unpaused) state.
func NewCommandController() *CommandController {
	return &CommandController{changed: make(chan struct{})}
}

// Pause requests that no further nodes start until Resume or Step.
func (c *CommandController) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		c.paused = true
		c.bumpLocked()
	}
}

// Resume clears the paused state and any outstanding step permits.
func (c *CommandController) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.steps != 0 {
		c.paused = false
		c.steps = 0
		c.bumpLocked()
	}
}

// Step grants one node start while paused. Ignored when not paused.
func (c *CommandController) Step() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.steps++
		c.bumpLocked()
	}
}

// Apply dispatches a command. STOP is not handled here; route it to the
// AbortController.
func (c *CommandController) Apply(cmd Command) {
	switch cmd {
	case CommandPause:
		c.Pause()
	case CommandResume:
		c.Resume()
	case CommandStep:
		c.Step()
	}
}

// Paused reports the current pause state.
func (c *CommandController) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// TakeStep consumes one step permit if available. The scheduler calls this
// when paused to decide whether a single node may start.
func (c *CommandController) TakeStep() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.steps > 0 {
		c.steps--
		return true
	}
	return false
}

// Changed returns a channel closed on the next state change. Callers re-fetch
// after each receive.
func (c *CommandController) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *CommandController) bumpLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// AbortController is the single per-execution cancellation handle. STOP
// commands, parent termination, process shutdown and hard deadlines all
// funnel through Abort; node bodies observe it via their context.
type AbortController struct {
	mu      sync.Mutex
	done    chan struct{}
	aborted bool
	reason  string
}

// NewAbortController creates an un-aborted controller.
func NewAbortController() *AbortController {
	return &AbortController{done: make(chan struct{})}
}

// Abort cancels the execution with a reason. Only the first call wins.
func (a *AbortController) Abort(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.aborted {
		return
	}
	a.aborted = true
	a.reason = reason
	close(a.done)
}

// Done returns a channel closed once the execution is aborted.
func (a *AbortController) Done() <-chan struct{} {
	return a.done
}

// Aborted reports whether Abort has been called.
func (a *AbortController) Aborted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted
}

// Reason returns the first abort reason, empty if not aborted.
func (a *AbortController) Reason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}
