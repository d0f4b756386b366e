package protocol

import (
	"bytes"
	"encoding/binary"
)

// The receive stream interleaves two message kinds: newline-delimited JSON
// control messages and binary chunk frames introduced by the two magic
// bytes. ParseNext peels exactly one message off the front of the buffer;
// callers append newly read bytes, call it in a loop, advance by Consumed,
// and stop when it reports Incomplete.

// Kind classifies the result of a single ParseNext call.
type Kind int

const (
	// KindIncomplete means not enough bytes have arrived yet. Consumed is
	// always zero; the caller must read more input and retry from offset 0.
	KindIncomplete Kind = iota
	// KindControl is one complete newline-terminated JSON control message.
	KindControl
	// KindChunk is one complete binary chunk frame.
	KindChunk
	// KindSkip marks bytes that must be discarded to resynchronize the
	// stream after corrupt or unrecognized data.
	KindSkip
)

// String returns a human-readable name for the message kind.
func (k Kind) String() string {
	switch k {
	case KindIncomplete:
		return "incomplete"
	case KindControl:
		return "control"
	case KindChunk:
		return "chunk"
	case KindSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ParsedMessage is the tagged result of one ParseNext call. Only the
// fields relevant to Kind are populated.
type ParsedMessage struct {
	Kind       Kind
	Payload    string // KindControl: raw JSON line, whitespace-trimmed
	TransferID string // KindChunk
	ChunkIndex uint32 // KindChunk
	Data       []byte // KindChunk
	Consumed   int    // bytes to advance the receive buffer by
}

const (
	magicByte0 = 0x43 // 'C'
	magicByte1 = 0x53 // 'S'

	// FrameHeaderSize is the fixed prefix of every binary frame:
	// 2 bytes magic + 4 bytes declared length.
	FrameHeaderSize = 6

	// FrameTypeChunk is the only frame type this receiver understands.
	// Frames carrying any other type byte are skipped whole.
	FrameTypeChunk = 0x01

	// frameChunkOverhead is the non-data portion of a chunk frame body:
	// 1 byte type + 2 bytes id length + 4 bytes chunk index.
	frameChunkOverhead = 1 + 2 + 4

	// MaxFrameLength bounds the declared frame body length. A length
	// beyond it is treated as stream corruption rather than a frame we
	// should wait for, otherwise a corrupt length field would stall the
	// stream forever waiting on bytes that never come.
	MaxFrameLength = 16 * 1024 * 1024
)

// ParseNext classifies and extracts one message from the front of buf.
// It is pure and stateless: the same prefix bytes always produce the same
// result, and it never looks past the first complete message.
func ParseNext(buf []byte) ParsedMessage {
	if len(buf) == 0 {
		return ParsedMessage{Kind: KindIncomplete}
	}

	if buf[0] == magicByte0 {
		if len(buf) >= 2 && buf[1] == magicByte1 {
			return parseFrame(buf)
		}
		if len(buf) == 1 {
			// Could still become a magic sequence once the next byte
			// arrives.
			return ParsedMessage{Kind: KindIncomplete}
		}
		return ParsedMessage{Kind: KindSkip, Consumed: 1}
	}

	if buf[0] == '{' {
		return parseControlLine(buf)
	}

	// Unrecognized leading byte: drop it and let the caller retry. One
	// byte at a time keeps any well-formed message later in the buffer
	// intact.
	return ParsedMessage{Kind: KindSkip, Consumed: 1}
}

// parseControlLine extracts one newline-terminated JSON control message.
// The payload is returned as a raw string; JSON decoding and schema
// validation happen at the state-machine boundary, never here.
func parseControlLine(buf []byte) ParsedMessage {
	idx := bytes.IndexByte(buf, '\n')
	if idx < 0 {
		return ParsedMessage{Kind: KindIncomplete}
	}

	line := string(bytes.TrimSpace(buf[:idx]))
	if line == "" {
		// Blank lines are heartbeats, not errors.
		return ParsedMessage{Kind: KindSkip, Consumed: idx + 1}
	}

	return ParsedMessage{Kind: KindControl, Payload: line, Consumed: idx + 1}
}

// parseFrame extracts one binary frame. Layout (big-endian):
//
//	[0:2]   magic 0x43 0x53
//	[2:6]   totalLength: bytes from the type field through end of data
//	[6]     type (0x01 = chunk)
//	[7:9]   transferIdLength N
//	[9:9+N] transferId (UTF-8)
//	[9+N:13+N] chunkIndex
//	[13+N:] data
func parseFrame(buf []byte) ParsedMessage {
	if len(buf) < FrameHeaderSize {
		return ParsedMessage{Kind: KindIncomplete}
	}

	totalLength := binary.BigEndian.Uint32(buf[2:6])
	if totalLength > MaxFrameLength {
		// Corrupt length field. Skip the magic so resynchronization can
		// walk forward instead of waiting on an impossible frame.
		return ParsedMessage{Kind: KindSkip, Consumed: 2}
	}

	frameLen := FrameHeaderSize + int(totalLength)
	if len(buf) < frameLen {
		return ParsedMessage{Kind: KindIncomplete}
	}

	if totalLength < frameChunkOverhead {
		// Too short to hold even an empty chunk; consume the declared
		// length to stay aligned with the stream.
		return ParsedMessage{Kind: KindSkip, Consumed: frameLen}
	}

	if buf[FrameHeaderSize] != FrameTypeChunk {
		// Unknown frame types are skipped whole; the declared length is
		// what keeps the stream in sync across versions.
		return ParsedMessage{Kind: KindSkip, Consumed: frameLen}
	}

	idLen := int(binary.BigEndian.Uint16(buf[7:9]))
	if frameChunkOverhead+idLen > int(totalLength) {
		// Declared id length does not fit inside the frame.
		return ParsedMessage{Kind: KindSkip, Consumed: frameLen}
	}

	idStart := 9
	idEnd := idStart + idLen
	chunkIndex := binary.BigEndian.Uint32(buf[idEnd : idEnd+4])

	dataStart := idEnd + 4
	dataLen := int(totalLength) - frameChunkOverhead - idLen
	data := make([]byte, dataLen)
	copy(data, buf[dataStart:dataStart+dataLen])

	return ParsedMessage{
		Kind:       KindChunk,
		TransferID: string(buf[idStart:idEnd]),
		ChunkIndex: chunkIndex,
		Data:       data,
		Consumed:   frameLen,
	}
}
