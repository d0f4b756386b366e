package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the protocol version this receiver speaks. Compatibility is
// decided on the major component only.
const Version = "1.0"

// ControlType discriminates the JSON control messages.
type ControlType string

const (
	ControlHandshake ControlType = "handshake"
	ControlFileStart ControlType = "file_start"
	ControlFileEnd   ControlType = "file_end"
	ControlPing      ControlType = "ping"
)

// Handshake is the first control message a peer must send after
// connecting.
type Handshake struct {
	Type       ControlType `json:"type"`
	DeviceName string      `json:"deviceName"`
	Version    string      `json:"version"`
	Platform   string      `json:"platform"`
	AppVersion string      `json:"appVersion"`
}

// FileStart announces an incoming file and carries everything the
// reassembler needs to allocate a session.
type FileStart struct {
	Type        ControlType `json:"type"`
	TransferID  string      `json:"transferId"`
	FileName    string      `json:"fileName"`
	FileSize    uint64      `json:"fileSize"`
	MimeType    string      `json:"mimeType"`
	Checksum    string      `json:"checksum"`
	TotalChunks uint32      `json:"totalChunks"`
	ChunkSize   uint32      `json:"chunkSize"`
}

// Unknown carries a control message whose type this receiver does not
// recognize. The state machine ignores it; the parser never rejects it.
type Unknown struct {
	Type    ControlType
	Payload string
}

// DecodeControl decodes one control payload into its typed form. A
// malformed JSON line is a state-machine-level error, not a parse failure.
func DecodeControl(payload string) (any, error) {
	var envelope struct {
		Type ControlType `json:"type"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return nil, fmt.Errorf("malformed control message: %w", err)
	}

	switch envelope.Type {
	case ControlHandshake:
		var msg Handshake
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("malformed handshake: %w", err)
		}
		return &msg, nil
	case ControlFileStart:
		var msg FileStart
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("malformed file_start: %w", err)
		}
		return &msg, nil
	default:
		return &Unknown{Type: envelope.Type, Payload: payload}, nil
	}
}

// CompatibleVersion reports whether a peer's protocol version can talk to
// this receiver. Versions match when their major components are equal.
func CompatibleVersion(peer string) bool {
	return majorOf(peer) != "" && majorOf(peer) == majorOf(Version)
}

func majorOf(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	return v
}
