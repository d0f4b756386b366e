package concurrency

import (
	"errors"
	"sync"
)

var ErrBusy = errors.New("receiver is already running")

// Guard refuses overlapping long-running operations. Unlike a plain
// mutex it never blocks: a second caller gets ErrBusy immediately. The
// server holds it for the lifetime of its serve loop.
type Guard struct {
	mu     sync.Mutex
	isBusy bool
}

func NewGuard() *Guard {
	return &Guard{}
}

// Acquire claims the guard, or returns ErrBusy if it is already held.
func (g *Guard) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isBusy {
		return ErrBusy
	}
	g.isBusy = true
	return nil
}

// Release frees the guard for the next Acquire.
func (g *Guard) Release() {
	g.mu.Lock()
	g.isBusy = false
	g.mu.Unlock()
}

// Execute runs task under the guard, releasing it when the task returns.
func (g *Guard) Execute(task func() error) error {
	if err := g.Acquire(); err != nil {
		return err
	}
	defer g.Release()
	return task()
}
