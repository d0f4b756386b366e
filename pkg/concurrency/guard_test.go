package concurrency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuard_AcquireRelease(t *testing.T) {
	g := NewGuard()

	require.NoError(t, g.Acquire())
	assert.ErrorIs(t, g.Acquire(), ErrBusy)

	g.Release()
	assert.NoError(t, g.Acquire())
}

func TestGuard_Execute(t *testing.T) {
	g := NewGuard()

	wantErr := errors.New("task failed")
	err := g.Execute(func() error {
		assert.ErrorIs(t, g.Acquire(), ErrBusy, "guard is held while the task runs")
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The guard is released even when the task returns an error.
	assert.NoError(t, g.Acquire())
}

func TestGuard_ConcurrentAcquire(t *testing.T) {
	g := NewGuard()

	var wg sync.WaitGroup
	var acquired atomic.Int32
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Acquire() == nil {
				acquired.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load(), "exactly one goroutine wins")
}
