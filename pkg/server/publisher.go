package server

import "sync"

// Listener receives a state snapshot after every observable transition.
type Listener func(State)

// Publisher exposes immutable receiver state to subscribers (typically
// the UI) through a subscribe/get-snapshot contract. Notifications are
// fanned out copy-then-notify: the listener slice is copied under the
// lock and called outside it, so a slow subscriber never blocks the
// receive loop and a subscriber may unsubscribe from inside its callback.
type Publisher struct {
	mu        sync.RWMutex
	state     State
	listeners map[int]Listener
	nextID    int
}

// NewPublisher creates a publisher seeded with the given initial state.
func NewPublisher(initial State) *Publisher {
	return &Publisher{
		state:     initial.clone(),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// The listener is not called with the current state; use Snapshot for
// that.
func (p *Publisher) Subscribe(l Listener) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Snapshot returns a deep copy of the current state.
func (p *Publisher) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// update applies mutate to a copy of the state, stores it, and notifies
// every subscriber with its own snapshot copy.
func (p *Publisher) update(mutate func(*State)) {
	p.mu.Lock()
	next := p.state.clone()
	mutate(&next)
	p.state = next

	notify := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		notify = append(notify, l)
	}
	p.mu.Unlock()

	for _, l := range notify {
		l(next.clone())
	}
}
