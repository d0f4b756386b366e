package reassembly

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
)

// hashFile computes the SHA-256 digest of an entire file, hex-encoded.
// Verification runs over the fully reassembled file rather than per chunk;
// the chunk frames carry no per-chunk digest, and a whole-file pass is the
// only check that tolerates out-of-order arrival.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("fail to close file", "error", err.Error())
		}
	}()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
