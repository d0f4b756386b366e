package server

import "github.com/taver33/lanBackup/pkg/reassembly"

// Status represents the current lifecycle state of the receiver.
type Status int

const (
	// StatusIdle indicates the receiver is not running
	StatusIdle Status = iota
	// StatusStarting indicates the listening socket is being bound
	StatusStarting
	// StatusListening indicates the receiver is waiting for a peer
	StatusListening
	// StatusHandshaking indicates a peer connected but has not completed
	// the version handshake
	StatusHandshaking
	// StatusConnected indicates a handshaken peer is attached and no
	// transfer is in flight
	StatusConnected
	// StatusReceiving indicates a file transfer is in progress
	StatusReceiving
	// StatusErrored indicates a session-fatal failure; recovery requires
	// an explicit Stop/Start cycle
	StatusErrored
)

// String returns a human-readable string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusListening:
		return "listening"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnected:
		return "connected"
	case StatusReceiving:
		return "receiving"
	case StatusErrored:
		return "error"
	default:
		return "unknown"
	}
}

// CanTransitionTo checks if a status transition is valid. Stop may force
// any state back to Idle, and session-fatal failures may reach Errored
// from anywhere; everything else follows the connection lifecycle.
func (s Status) CanTransitionTo(next Status) bool {
	if next == StatusIdle || next == StatusErrored {
		return true
	}

	switch s {
	case StatusIdle, StatusErrored:
		return next == StatusStarting
	case StatusStarting:
		return next == StatusListening
	case StatusListening:
		return next == StatusHandshaking
	case StatusHandshaking:
		return next == StatusConnected || next == StatusListening
	case StatusConnected:
		return next == StatusReceiving || next == StatusListening
	case StatusReceiving:
		return next == StatusConnected || next == StatusListening
	default:
		return false
	}
}

// ErrorKind categorizes a published error per the recovery it needs.
type ErrorKind string

const (
	// ErrorKindProtocol covers handshake and version failures; the
	// connection is closed and the receiver parks in the error state.
	ErrorKindProtocol ErrorKind = "protocol"
	// ErrorKindTransfer covers per-transfer failures (checksum mismatch,
	// orphaned chunks, bad file_start); the connection survives.
	ErrorKindTransfer ErrorKind = "transfer"
	// ErrorKindResource covers bind and file I/O failures.
	ErrorKindResource ErrorKind = "resource"
)

// StateError is the structured error surfaced on state snapshots.
type StateError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ClientInfo describes the handshaken peer.
type ClientInfo struct {
	DeviceName string `json:"device_name"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version"`
}

// TransferInfo is the progress projection of the active transfer.
type TransferInfo struct {
	TransferID     string `json:"transfer_id"`
	FileName       string `json:"file_name"`
	ReceivedChunks uint32 `json:"received_chunks"`
	TotalChunks    uint32 `json:"total_chunks"`
	BytesReceived  uint64 `json:"bytes_received"`
	ExpectedSize   uint64 `json:"expected_size"`
}

// Percentage returns transfer completion in the range 0-100.
func (t *TransferInfo) Percentage() float64 {
	if t.TotalChunks == 0 {
		return 0.0
	}
	return float64(t.ReceivedChunks) / float64(t.TotalChunks) * 100.0
}

// State is an immutable snapshot of the receiver, safe to hand to
// subscribers. Pointer fields are deep-copied on every publish.
type State struct {
	Status            Status        `json:"status"`
	Port              int           `json:"port"`
	InstanceID        string        `json:"instance_id"`
	Client            *ClientInfo   `json:"client,omitempty"`
	Transfer          *TransferInfo `json:"transfer,omitempty"`
	LastError         *StateError   `json:"last_error,omitempty"`
	CompletedFilePath string        `json:"completed_file_path,omitempty"`
}

// clone deep-copies the snapshot so subscribers never share memory with
// the server.
func (s State) clone() State {
	out := s
	if s.Client != nil {
		c := *s.Client
		out.Client = &c
	}
	if s.Transfer != nil {
		t := *s.Transfer
		out.Transfer = &t
	}
	if s.LastError != nil {
		e := *s.LastError
		out.LastError = &e
	}
	return out
}

func transferInfoOf(p reassembly.Progress) *TransferInfo {
	return &TransferInfo{
		TransferID:     p.TransferID,
		FileName:       p.FileName,
		ReceivedChunks: p.ReceivedChunks,
		TotalChunks:    p.TotalChunks,
		BytesReceived:  p.BytesReceived,
		ExpectedSize:   p.ExpectedSize,
	}
}
