package frame

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is a fixed-length hash output.
type Digest [Size]byte

// Hex returns the lowercase hex form used on the wire.
func (d Digest) Hex() string { return hex.EncodeToString(d[:]) }

func (d Digest) String() string { return d.Hex() }

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

// ParseDigest parses a 64-character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("frame: parse digest: %w", err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("frame: digest is %d bytes, want %d", len(raw), Size)
	}
	copy(d[:], raw)
	return d, nil
}

// Algorithm selects the hash function behind every digest.
type Algorithm uint8

const (
	BLAKE3 Algorithm = iota
	SHA256
)

func (a Algorithm) String() string {
	switch a {
	case SHA256:
		return "sha256"
	default:
		return "blake3"
	}
}

// ParseAlgorithm maps a config string to an Algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "blake3":
		return BLAKE3, nil
	case "sha256":
		return SHA256, nil
	}
	return BLAKE3, fmt.Errorf("frame: unknown digest algorithm %q", s)
}

func (a Algorithm) hasher() hash.Hash {
	if a == SHA256 {
		return sha256.New()
	}
	return blake3.New()
}

func sum(h hash.Hash) Digest {
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Of digests a frame: big-endian width and height, then the pixel buffer.
// The capture timestamp is not covered, so identical pixels hash the same.
func (a Algorithm) Of(f Frame) Digest {
	h := a.hasher()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[:4], uint32(f.Width))
	binary.BigEndian.PutUint32(dims[4:], uint32(f.Height))
	h.Write(dims[:])
	h.Write(f.Pix)
	return sum(h)
}

// Concat digests the concatenation of ds.
func (a Algorithm) Concat(ds ...Digest) Digest {
	h := a.hasher()
	for _, d := range ds {
		h.Write(d[:])
	}
	return sum(h)
}

// Batch digests a batch of frames as H(H(f1) || ... || H(fn)).
func (a Algorithm) Batch(frames []Frame) Digest {
	ds := make([]Digest, len(frames))
	for i, f := range frames {
		ds[i] = a.Of(f)
	}
	return a.Concat(ds...)
}

// Fold links a new batch onto the chain head: H(batch || previous).
func (a Algorithm) Fold(batch, previous Digest) Digest {
	return a.Concat(batch, previous)
}

// Of digests f with the default algorithm.
func Of(f Frame) Digest { return BLAKE3.Of(f) }

// Batch digests frames with the default algorithm.
func Batch(frames []Frame) Digest { return BLAKE3.Batch(frames) }

// Fold links batch onto previous with the default algorithm.
func Fold(batch, previous Digest) Digest { return BLAKE3.Fold(batch, previous) }

// Baseline is the chain's genesis digest over the setup frames. It has the
// same shape as a batch digest.
func Baseline(frames []Frame) Digest { return BLAKE3.Batch(frames) }
