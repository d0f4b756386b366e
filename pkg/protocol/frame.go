package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Encoders for the sending side of the wire contract. The receiver itself
// never emits chunk frames, but tests and compliant peers build their
// traffic with these.

var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// EncodeChunkFrame builds one binary chunk frame carrying data for the
// given transfer and chunk index.
func EncodeChunkFrame(transferID string, chunkIndex uint32, data []byte) ([]byte, error) {
	idLen := len(transferID)
	if idLen > 0xFFFF {
		return nil, fmt.Errorf("transfer id too long: %d bytes", idLen)
	}

	totalLength := frameChunkOverhead + idLen + len(data)
	if totalLength > MaxFrameLength {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, FrameHeaderSize+totalLength)
	frame[0] = magicByte0
	frame[1] = magicByte1
	binary.BigEndian.PutUint32(frame[2:6], uint32(totalLength))
	frame[6] = FrameTypeChunk
	binary.BigEndian.PutUint16(frame[7:9], uint16(idLen))
	copy(frame[9:], transferID)
	binary.BigEndian.PutUint32(frame[9+idLen:], chunkIndex)
	copy(frame[9+idLen+4:], data)
	return frame, nil
}

// EncodeControl marshals a control message and terminates it with the
// newline the parser splits on.
func EncodeControl(msg any) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode control message: %w", err)
	}
	return append(payload, '\n'), nil
}
