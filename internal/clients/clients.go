// Package clients tracks the set of active hub-client subscribers and
// arms an auto-shutdown grace timer when the last one disconnects
// (spec §4.8).
package clients

import (
	"sync"
	"time"
)

// Tracker maintains the active subscriber set and the shutdown signal.
type Tracker struct {
	mu            sync.Mutex
	active        map[string]struct{}
	shutdownDelay time.Duration
	enabled       bool
	timer         *time.Timer
	shutdown      chan struct{}
	shutdownOnce  sync.Once
}

// New creates a Tracker. When enabled is false, the grace timer never
// arms and Done() never closes — useful for interactive/dev runs.
func New(shutdownDelay time.Duration, enabled bool) *Tracker {
	return &Tracker{
		active:        make(map[string]struct{}),
		shutdownDelay: shutdownDelay,
		enabled:       enabled,
		shutdown:      make(chan struct{}),
	}
}

// Add registers id as active, disarming any pending grace timer.
func (t *Tracker) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[id] = struct{}{}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Remove deregisters id. If the active set becomes empty and
// auto-shutdown is enabled, arms the grace timer.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, id)
	if len(t.active) > 0 || !t.enabled {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.shutdownDelay, t.fire)
}

// Count returns the number of active subscribers.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// Done returns a channel that closes exactly once, when the grace timer
// has fired with the active set still empty.
func (t *Tracker) Done() <-chan struct{} { return t.shutdown }

func (t *Tracker) fire() {
	t.mu.Lock()
	empty := len(t.active) == 0
	t.mu.Unlock()
	if !empty {
		return
	}
	t.shutdownOnce.Do(func() { close(t.shutdown) })
}
