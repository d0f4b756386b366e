package reassembly

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/taver33/lanBackup/pkg/protocol"
)

var (
	// ErrSessionActive is returned when a file_start arrives while a
	// transfer is already in progress.
	ErrSessionActive = errors.New("transfer session already active")

	// ErrNoSession is returned when a chunk arrives with no active session.
	ErrNoSession = errors.New("no active transfer session")

	// ErrForeignChunk marks a chunk whose transfer id does not match the
	// active session. Callers discard it; it may belong to a stale peer.
	ErrForeignChunk = errors.New("chunk does not belong to the active session")

	// ErrChunkOutOfRange marks a chunk index at or beyond totalChunks.
	ErrChunkOutOfRange = errors.New("chunk index out of range")

	// ErrChecksumMismatch is returned by Finalize when the reassembled
	// file does not hash to the expected digest.
	ErrChecksumMismatch = errors.New("file checksum mismatch")

	// ErrIncomplete is returned by Finalize before every chunk has arrived.
	ErrIncomplete = errors.New("transfer not complete")
)

// Progress is a point-in-time projection of the active session, safe to
// hand to state snapshots.
type Progress struct {
	TransferID     string
	FileName       string
	ReceivedChunks uint32
	TotalChunks    uint32
	BytesReceived  uint64
	ExpectedSize   uint64
	Complete       bool
}

// session tracks one in-flight transfer. Chunks land at
// chunkIndex*chunkSize via random-access writes, so arrival order never
// matters and memory stays bounded regardless of file size.
type session struct {
	transferID       string
	fileName         string
	expectedSize     uint64
	expectedChecksum string
	declaredMime     string
	totalChunks      uint32
	chunkSize        uint32
	received         map[uint32]bool
	bytesReceived    uint64
	file             *os.File
	partPath         string
}

// Reassembler turns a sequence of chunk frames into a verified file on
// disk. At most one session exists at a time. All methods are called from
// the single connection receive loop, so the struct carries no lock; the
// owning server serializes access.
type Reassembler struct {
	outputDir string
	active    *session
}

// NewReassembler creates a reassembler writing finished files into
// outputDir.
func NewReassembler(outputDir string) *Reassembler {
	return &Reassembler{outputDir: outputDir}
}

// Start allocates a session from a file_start message. It rejects a second
// session and validates that the declared geometry is coherent.
func (r *Reassembler) Start(msg *protocol.FileStart) error {
	if r.active != nil {
		return ErrSessionActive
	}
	if msg.TransferID == "" {
		return fmt.Errorf("file_start missing transferId")
	}
	if msg.TotalChunks == 0 {
		return fmt.Errorf("file_start declares zero chunks")
	}
	if msg.ChunkSize == 0 {
		return fmt.Errorf("file_start declares zero chunk size")
	}
	if msg.FileSize > uint64(msg.TotalChunks)*uint64(msg.ChunkSize) {
		return fmt.Errorf("file size %d does not fit in %d chunks of %d bytes",
			msg.FileSize, msg.TotalChunks, msg.ChunkSize)
	}

	// Sanitize the file name to prevent path traversal.
	cleanName := filepath.Base(msg.FileName)
	if cleanName == "." || cleanName == string(filepath.Separator) || cleanName == "" {
		return fmt.Errorf("invalid file name %q", msg.FileName)
	}

	partPath := filepath.Join(r.outputDir, fmt.Sprintf("%s.%s.part", cleanName, uuid.NewString()))
	file, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	r.active = &session{
		transferID:       msg.TransferID,
		fileName:         cleanName,
		expectedSize:     msg.FileSize,
		expectedChecksum: msg.Checksum,
		declaredMime:     msg.MimeType,
		totalChunks:      msg.TotalChunks,
		chunkSize:        msg.ChunkSize,
		received:         make(map[uint32]bool),
		file:             file,
		partPath:         partPath,
	}

	slog.Info("Started receiving file",
		"transferId", msg.TransferID,
		"fileName", cleanName,
		"fileSize", msg.FileSize,
		"totalChunks", msg.TotalChunks)
	return nil
}

// Apply writes one chunk at its offset and records it. Duplicate indices
// overwrite idempotently; foreign or out-of-range chunks are reported via
// sentinel errors the caller treats as discards, not failures.
func (r *Reassembler) Apply(transferID string, chunkIndex uint32, data []byte) (Progress, error) {
	s := r.active
	if s == nil {
		return Progress{}, ErrNoSession
	}
	if transferID != s.transferID {
		slog.Warn("Discarding chunk for unknown transfer",
			"got", transferID, "active", s.transferID, "index", chunkIndex)
		return r.progressOf(s), ErrForeignChunk
	}
	if chunkIndex >= s.totalChunks {
		slog.Warn("Discarding out-of-range chunk",
			"transferId", transferID, "index", chunkIndex, "totalChunks", s.totalChunks)
		return r.progressOf(s), ErrChunkOutOfRange
	}
	if s.received[chunkIndex] {
		slog.Debug("Chunk already received, skipping",
			"transferId", transferID, "index", chunkIndex)
		return r.progressOf(s), nil
	}

	offset := int64(chunkIndex) * int64(s.chunkSize)
	n, err := s.file.WriteAt(data, offset)
	if err != nil {
		return r.progressOf(s), fmt.Errorf("failed to write chunk %d at offset %d: %w", chunkIndex, offset, err)
	}
	if n != len(data) {
		return r.progressOf(s), fmt.Errorf("incomplete write: expected %d bytes, wrote %d", len(data), n)
	}

	s.received[chunkIndex] = true
	s.bytesReceived += uint64(len(data))

	slog.Debug("Chunk written",
		"transferId", transferID,
		"index", chunkIndex,
		"offset", offset,
		"size", len(data),
		"received", len(s.received),
		"totalChunks", s.totalChunks)

	return r.progressOf(s), nil
}

// Complete reports whether every chunk index in [0, totalChunks) has been
// received.
func (r *Reassembler) Complete() bool {
	return r.active != nil && uint32(len(r.active.received)) == r.active.totalChunks
}

// Finalize trims the file to its expected size, verifies the whole-file
// checksum, and moves the result into place. On mismatch the partial file
// is removed and the session is destroyed either way.
func (r *Reassembler) Finalize() (string, error) {
	s := r.active
	if s == nil {
		return "", ErrNoSession
	}
	if uint32(len(s.received)) != s.totalChunks {
		return "", ErrIncomplete
	}

	// The last chunk may be shorter than chunkSize; trim the tail.
	if err := s.file.Truncate(int64(s.expectedSize)); err != nil {
		r.discard(s)
		return "", fmt.Errorf("failed to truncate to %d bytes: %w", s.expectedSize, err)
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		r.discard(s)
		return "", fmt.Errorf("failed to close destination file: %w", err)
	}
	s.file = nil

	sum, err := hashFile(s.partPath)
	if err != nil {
		r.discard(s)
		return "", fmt.Errorf("failed to hash received file: %w", err)
	}
	if !strings.EqualFold(sum, s.expectedChecksum) {
		r.discard(s)
		return "", fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, s.expectedChecksum, sum)
	}

	finalPath := filepath.Join(r.outputDir, s.fileName)
	if err := os.Rename(s.partPath, finalPath); err != nil {
		r.discard(s)
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}

	if mt, err := mimetype.DetectFile(finalPath); err == nil {
		if s.declaredMime != "" && !mt.Is(s.declaredMime) {
			slog.Warn("Received file content type differs from declared",
				"fileName", s.fileName, "declared", s.declaredMime, "detected", mt.String())
		} else {
			slog.Debug("Detected content type", "fileName", s.fileName, "mime", mt.String())
		}
	}

	slog.Info("File reception completed",
		"fileName", s.fileName, "path", finalPath, "size", s.expectedSize)
	r.active = nil
	return finalPath, nil
}

// Abort discards the active session and its partial file. Safe to call
// with no session.
func (r *Reassembler) Abort() {
	if s := r.active; s != nil {
		slog.Info("Abandoning transfer session",
			"transferId", s.transferID, "fileName", s.fileName)
		r.discard(s)
	}
}

// Active reports whether a session is in progress.
func (r *Reassembler) Active() bool {
	return r.active != nil
}

// Progress returns the current session projection, or false when idle.
func (r *Reassembler) Progress() (Progress, bool) {
	if r.active == nil {
		return Progress{}, false
	}
	return r.progressOf(r.active), true
}

func (r *Reassembler) progressOf(s *session) Progress {
	return Progress{
		TransferID:     s.transferID,
		FileName:       s.fileName,
		ReceivedChunks: uint32(len(s.received)),
		TotalChunks:    s.totalChunks,
		BytesReceived:  s.bytesReceived,
		ExpectedSize:   s.expectedSize,
		Complete:       uint32(len(s.received)) == s.totalChunks,
	}
}

func (r *Reassembler) discard(s *session) {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			slog.Warn("Failed to close partial file", "path", s.partPath, "error", err)
		}
	}
	if err := os.Remove(s.partPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove partial file", "path", s.partPath, "error", err)
	}
	r.active = nil
}
