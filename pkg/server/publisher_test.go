package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisher_SubscribeAndNotify(t *testing.T) {
	p := NewPublisher(State{Status: StatusIdle})

	var seen []State
	unsubscribe := p.Subscribe(func(st State) {
		seen = append(seen, st)
	})

	p.update(func(st *State) { st.Status = StatusStarting })
	p.update(func(st *State) { st.Status = StatusListening; st.Port = 4321 })

	require.Len(t, seen, 2)
	assert.Equal(t, StatusStarting, seen[0].Status)
	assert.Equal(t, StatusListening, seen[1].Status)
	assert.Equal(t, 4321, seen[1].Port)

	unsubscribe()
	p.update(func(st *State) { st.Status = StatusIdle })
	assert.Len(t, seen, 2, "no notifications after unsubscribe")
}

func TestPublisher_SnapshotIsImmutable(t *testing.T) {
	p := NewPublisher(State{Status: StatusConnected})
	p.update(func(st *State) {
		st.Client = &ClientInfo{DeviceName: "phone"}
		st.Transfer = &TransferInfo{TransferID: "t1", TotalChunks: 3}
	})

	snap := p.Snapshot()
	snap.Client.DeviceName = "tampered"
	snap.Transfer.TotalChunks = 999

	fresh := p.Snapshot()
	assert.Equal(t, "phone", fresh.Client.DeviceName)
	assert.Equal(t, uint32(3), fresh.Transfer.TotalChunks)
}

func TestPublisher_ListenerGetsOwnCopy(t *testing.T) {
	p := NewPublisher(State{})

	var captured State
	p.Subscribe(func(st State) { captured = st })

	p.update(func(st *State) {
		st.LastError = &StateError{Kind: ErrorKindTransfer, Message: "original"}
	})

	require.NotNil(t, captured.LastError)
	captured.LastError.Message = "tampered"
	assert.Equal(t, "original", p.Snapshot().LastError.Message)
}

func TestPublisher_UnsubscribeFromCallback(t *testing.T) {
	p := NewPublisher(State{})

	calls := 0
	var unsubscribe func()
	unsubscribe = p.Subscribe(func(State) {
		calls++
		unsubscribe()
	})

	p.update(func(st *State) { st.Status = StatusListening })
	p.update(func(st *State) { st.Status = StatusIdle })
	assert.Equal(t, 1, calls)
}
