// Package sha256 computes content digests for partition files.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Digest is a hex SHA-256 and the byte count it covers.
type Digest struct {
	Hex  string
	Size int64
}

// Hasher digests partition content.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes data and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader streams r through SHA-256.
func (h *Hasher) HashReader(r io.Reader) (Digest, error) {
	s := sha256.New()
	n, err := io.Copy(s, r)
	if err != nil {
		return Digest{}, fmt.Errorf("hash: %w", err)
	}
	return Digest{Hex: hex.EncodeToString(s.Sum(nil)), Size: n}, nil
}

// HashFile digests the file at path.
func (h *Hasher) HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only
	return h.HashReader(f)
}
