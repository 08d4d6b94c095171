package auth

import "sync"

// Handler reacts to a rejected token.
type Handler func(token string)

// Dispatcher is the single bridge from the network layer back into the
// session. It holds at most one handler; installing replaces the previous one.
// A Dispatcher satisfies api.Notifier.
type Dispatcher struct {
	mu      sync.Mutex
	handler Handler
}

// Install sets the active handler.
func (d *Dispatcher) Install(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Clear removes the active handler. Later failures are dropped.
func (d *Dispatcher) Clear() {
	d.Install(nil)
}

// Unauthorized forwards token to the active handler, if any. The handler runs
// on the caller's goroutine without the lock held.
func (d *Dispatcher) Unauthorized(token string) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h(token)
	}
}
