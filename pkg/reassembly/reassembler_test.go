package reassembly

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taver33/lanBackup/pkg/protocol"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fileStartFor(data []byte, chunkSize uint32) *protocol.FileStart {
	totalChunks := uint32(len(data)) / chunkSize
	if uint32(len(data))%chunkSize != 0 {
		totalChunks++
	}
	return &protocol.FileStart{
		Type:        protocol.ControlFileStart,
		TransferID:  "t1",
		FileName:    "backup.db",
		FileSize:    uint64(len(data)),
		MimeType:    "application/octet-stream",
		Checksum:    hashOf(data),
		TotalChunks: totalChunks,
		ChunkSize:   chunkSize,
	}
}

func chunkOf(data []byte, chunkSize uint32, index uint32) []byte {
	start := int(index) * int(chunkSize)
	end := start + int(chunkSize)
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

func TestReassembler_InOrderTransfer(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("The quick brown fox jumps over the lazy dog, three hundred times over.")
	msg := fileStartFor(data, 16)
	require.NoError(t, r.Start(msg))
	require.True(t, r.Active())

	for i := uint32(0); i < msg.TotalChunks; i++ {
		progress, err := r.Apply("t1", i, chunkOf(data, 16, i))
		require.NoError(t, err)
		assert.Equal(t, i+1, progress.ReceivedChunks)
	}
	require.True(t, r.Complete())

	path, err := r.Finalize()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backup.db"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, content)
	assert.False(t, r.Active(), "session is destroyed on finalize")
}

func TestReassembler_OutOfOrderChunks(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	// 300 bytes in 3 chunks of 100, delivered 2, 0, 1.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i % 251)
	}
	msg := fileStartFor(data, 100)
	require.NoError(t, r.Start(msg))

	for _, i := range []uint32{2, 0, 1} {
		_, err := r.Apply("t1", i, chunkOf(data, 100, i))
		require.NoError(t, err)
	}

	path, err := r.Finalize()
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, content, 300)
	assert.Equal(t, data, content)
}

func TestReassembler_ShortLastChunkTruncated(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	// 250 bytes: two full chunks of 100 plus a 50-byte tail.
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	msg := fileStartFor(data, 100)
	require.Equal(t, uint32(3), msg.TotalChunks)
	require.NoError(t, r.Start(msg))

	for i := uint32(0); i < 3; i++ {
		_, err := r.Apply("t1", i, chunkOf(data, 100, i))
		require.NoError(t, err)
	}

	path, err := r.Finalize()
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(250), info.Size())
}

func TestReassembler_DuplicateChunkIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("duplicate delivery must not double-count")
	msg := fileStartFor(data, 8)
	require.NoError(t, r.Start(msg))

	first, err := r.Apply("t1", 0, chunkOf(data, 8, 0))
	require.NoError(t, err)

	second, err := r.Apply("t1", 0, chunkOf(data, 8, 0))
	require.NoError(t, err)

	assert.Equal(t, first.ReceivedChunks, second.ReceivedChunks)
	assert.Equal(t, first.BytesReceived, second.BytesReceived)
}

func TestReassembler_ForeignChunkDiscarded(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("only chunks for the active transfer count")
	msg := fileStartFor(data, 16)
	require.NoError(t, r.Start(msg))

	_, err := r.Apply("someone-else", 0, []byte("stale bytes"))
	assert.ErrorIs(t, err, ErrForeignChunk)

	progress, ok := r.Progress()
	require.True(t, ok)
	assert.Zero(t, progress.ReceivedChunks)
	assert.Zero(t, progress.BytesReceived)
}

func TestReassembler_OutOfRangeChunkRejected(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("short")
	msg := fileStartFor(data, 16)
	require.NoError(t, r.Start(msg))

	_, err := r.Apply("t1", msg.TotalChunks, []byte("beyond the end"))
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
}

func TestReassembler_ChecksumMismatchCleansUp(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("the peer will corrupt one of these chunks in transit!!")
	msg := fileStartFor(data, 16)
	require.NoError(t, r.Start(msg))

	for i := uint32(0); i < msg.TotalChunks; i++ {
		chunk := chunkOf(data, 16, i)
		if i == 1 {
			chunk = append([]byte{}, chunk...)
			chunk[0] ^= 0xFF
		}
		_, err := r.Apply("t1", i, chunk)
		require.NoError(t, err)
	}

	_, err := r.Finalize()
	require.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, r.Active(), "session is destroyed on checksum failure")

	// No file, partial or final, is left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReassembler_ChecksumCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("digest case should not matter")
	msg := fileStartFor(data, 64)
	msg.Checksum = strings.ToUpper(msg.Checksum)
	require.NoError(t, r.Start(msg))

	_, err := r.Apply("t1", 0, data)
	require.NoError(t, err)

	_, err = r.Finalize()
	assert.NoError(t, err)
}

func TestReassembler_SecondSessionRejected(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("one transfer at a time")
	require.NoError(t, r.Start(fileStartFor(data, 16)))

	err := r.Start(fileStartFor(data, 16))
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestReassembler_StartValidation(t *testing.T) {
	r := NewReassembler(t.TempDir())

	cases := []struct {
		name   string
		mutate func(*protocol.FileStart)
	}{
		{"missing transferId", func(m *protocol.FileStart) { m.TransferID = "" }},
		{"zero chunks", func(m *protocol.FileStart) { m.TotalChunks = 0 }},
		{"zero chunk size", func(m *protocol.FileStart) { m.ChunkSize = 0 }},
		{"size exceeds geometry", func(m *protocol.FileStart) { m.FileSize = 10_000 }},
		{"traversal file name", func(m *protocol.FileStart) { m.FileName = "../../etc/passwd" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := fileStartFor([]byte("payload"), 16)
			tc.mutate(msg)
			err := r.Start(msg)
			if msg.FileName == "../../etc/passwd" {
				// Traversal names are sanitized to their base, not
				// rejected.
				require.NoError(t, err)
				progress, ok := r.Progress()
				require.True(t, ok)
				assert.Equal(t, "passwd", progress.FileName)
				r.Abort()
				return
			}
			assert.Error(t, err)
			assert.False(t, r.Active())
		})
	}
}

func TestReassembler_AbortRemovesPartial(t *testing.T) {
	dir := t.TempDir()
	r := NewReassembler(dir)

	data := []byte("abandoned mid-flight")
	msg := fileStartFor(data, 8)
	require.NoError(t, r.Start(msg))
	_, err := r.Apply("t1", 0, chunkOf(data, 8, 0))
	require.NoError(t, err)

	r.Abort()
	assert.False(t, r.Active())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Abort with no session is a no-op.
	r.Abort()
}

func TestReassembler_FinalizeBeforeComplete(t *testing.T) {
	r := NewReassembler(t.TempDir())

	data := []byte("not all chunks have arrived yet, hold on")
	msg := fileStartFor(data, 8)
	require.NoError(t, r.Start(msg))

	_, err := r.Finalize()
	assert.ErrorIs(t, err, ErrIncomplete)

	r.Abort()
}
