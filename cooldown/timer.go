// Package cooldown implements the resend countdown: a generation-guarded
// state machine that only moves while its screen has focus.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// DefaultSeconds is the resend cooldown used when the server sends none.
const DefaultSeconds = 50

// State is the timer's phase.
type State int

const (
	Stopped State = iota
	Running
	Paused
	Expired
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Expired:
		return "expired"
	}
	return "unknown"
}

// Timer counts down in whole units. Only ticks carrying the current generation
// have any effect, so restarting can never leave two countdowns alive.
type Timer struct {
	mu        sync.Mutex
	state     State
	remaining int
	gen       uint64
	focused   bool
	cancel    context.CancelFunc
}

// New returns a stopped timer whose screen starts focused.
func New() *Timer {
	return &Timer{focused: true}
}

// Start begins a new countdown of n units and returns its generation. Any
// previous countdown, and any driver bound to it, is cancelled.
func (t *Timer) Start(n int) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopDriverLocked()
	t.gen++

	if n <= 0 {
		t.remaining = 0
		t.state = Expired
		return t.gen
	}

	t.remaining = n
	if t.focused {
		t.state = Running
	} else {
		t.state = Paused
	}
	return t.gen
}

// Tick decrements the count if gen is current and the timer is running. It
// reports whether the tick was applied.
func (t *Timer) Tick(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.state != Running {
		return false
	}
	t.remaining--
	if t.remaining <= 0 {
		t.remaining = 0
		t.state = Expired
	}
	return true
}

// Pause freezes a running countdown. Time spent paused is never credited.
func (t *Timer) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focused = false
	if t.state == Running {
		t.state = Paused
	}
}

// Resume continues a paused countdown from where it stopped.
func (t *Timer) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.focused = true
	if t.state == Paused {
		t.state = Running
	}
}

// Stop abandons the countdown. Outstanding ticks become stale.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopDriverLocked()
	t.gen++
	t.remaining = 0
	t.state = Stopped
}

// Ready reports whether the countdown has reached exactly zero.
func (t *Timer) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == Expired
}

// Remaining returns the units left.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// State returns the current phase.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Generation returns the current countdown's generation.
func (t *Timer) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Drive ticks the current countdown every interval until it expires, a new
// countdown starts, or ctx ends. onTick, if set, runs after each applied
// tick. The returned channel closes when the driver exits.
func (t *Timer) Drive(ctx context.Context, every time.Duration, onTick func(remaining int)) <-chan struct{} {
	t.mu.Lock()
	t.stopDriverLocked()
	gen := t.gen
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()

		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !t.Tick(gen) {
					if t.staleOrDone(gen) {
						return
					}
					continue // paused
				}
				if onTick != nil {
					onTick(t.Remaining())
				}
				if t.Ready() {
					return
				}
			}
		}
	}()
	return done
}

func (t *Timer) staleOrDone(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen != t.gen || t.state == Expired || t.state == Stopped
}

func (t *Timer) stopDriverLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}
