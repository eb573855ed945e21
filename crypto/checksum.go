package crypto

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// ChecksumSize is the BLAKE2b digest length in bytes.
const ChecksumSize = blake2b.Size256

// NewHasher returns an unkeyed BLAKE2b-256 hash.
func NewHasher() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only reachable with an oversized key.
		panic(err)
	}
	return h
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumReader hashes r to EOF and returns the hex digest and byte count.
func ChecksumReader(r io.Reader) (string, int64, error) {
	h := NewHasher()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("hash stream: %w", err)
	}
	return HexSum(h), n, nil
}

// ChecksumFile hashes the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	sum, _, err := ChecksumReader(f)
	return sum, err
}

// HexSum renders the current digest of h.
func HexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
