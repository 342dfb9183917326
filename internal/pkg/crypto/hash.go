// Package crypto provides content digest utilities for the file vault.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Digest algorithm names accepted by NewDigestReader.
const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBLAKE2b = "blake2b"
)

// DigestReader wraps an io.Reader and computes the content digest while
// reading, so spooling and hashing happen in a single pass.
type DigestReader struct {
	reader   io.Reader
	hash     hash.Hash
	size     int64
	finished bool
}

// NewDigestReader creates a DigestReader for the given algorithm.
// Supported algorithms are "sha256" and "blake2b" (BLAKE2b-256).
func NewDigestReader(r io.Reader, algorithm string) (*DigestReader, error) {
	var h hash.Hash
	switch algorithm {
	case AlgorithmSHA256:
		h = sha256.New()
	case AlgorithmBLAKE2b:
		var err error
		h, err = blake2b.New256(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blake2b hasher: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported digest algorithm: %q", algorithm)
	}

	return &DigestReader{reader: r, hash: h}, nil
}

// Read implements io.Reader and updates the digest computation.
func (d *DigestReader) Read(p []byte) (n int, err error) {
	n, err = d.reader.Read(p)
	if n > 0 {
		d.hash.Write(p[:n])
		d.size += int64(n)
	}
	if err == io.EOF {
		d.finished = true
	}
	return n, err
}

// Digest returns the hex-encoded content digest.
// Should only be called after reading is complete.
func (d *DigestReader) Digest() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// Size returns the total number of bytes read.
func (d *DigestReader) Size() int64 {
	return d.size
}

// IsFinished returns true if EOF was reached.
func (d *DigestReader) IsFinished() bool {
	return d.finished
}

// ComputeDigest computes the hex-encoded digest of a byte slice.
func ComputeDigest(data []byte, algorithm string) (string, error) {
	r, err := NewDigestReader(nil, algorithm)
	if err != nil {
		return "", err
	}
	r.hash.Write(data)
	return r.Digest(), nil
}

// ValidDigest reports whether a string is a valid 64-character hex digest.
// Both SHA-256 and BLAKE2b-256 produce 32-byte digests.
func ValidDigest(digest string) bool {
	if len(digest) != 64 {
		return false
	}
	for _, c := range digest {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
