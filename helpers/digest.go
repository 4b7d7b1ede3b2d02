package helpers

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"lukechampine.com/blake3"
)

// ContentDigest consumes the reader and returns the BLAKE3 hex digest of its
// contents together with the number of bytes read. It is used to derive a
// stable verdict-cache identifier for content that has no composite id of
// its own (local files, ad-hoc uploads).
func ContentDigest(r io.Reader) (string, int64, error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FileDigest returns the BLAKE3 hex digest and size of a file on disk.
func FileDigest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return ContentDigest(f)
}
