package lethe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Hasher is a keyed hash. Forests mix a parent key and a child index
// through it to derive child keys.
type Hasher interface {
	// Suite reports which hash suite this hasher implements
	Suite() HashSuite

	// Size returns the output size in bytes, which is also the key size
	Size() int

	// Hash returns the keyed digest of the concatenation of data
	Hash(key Key, data ...[]byte) (Key, error)
}

// Blake2bHasher implements Hasher with keyed BLAKE2b-256
type Blake2bHasher struct{}

// Suite returns HashBlake2b
func (Blake2bHasher) Suite() HashSuite { return HashBlake2b }

// Size returns 32
func (Blake2bHasher) Size() int { return blake2b.Size256 }

// Hash returns BLAKE2b-256 keyed by key
func (Blake2bHasher) Hash(key Key, data ...[]byte) (Key, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, NewPrimitiveError("hash", "init", fmt.Errorf("failed to create blake2b: %w", err))
	}
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil), nil
}

// SHA3Hasher implements Hasher with SHA3-256 over a length-prefixed key and the data
type SHA3Hasher struct{}

// Suite returns HashSHA3
func (SHA3Hasher) Suite() HashSuite { return HashSHA3 }

// Size returns 32
func (SHA3Hasher) Size() int { return 32 }

// Hash returns SHA3-256(len(key) || key || data...)
func (SHA3Hasher) Hash(key Key, data ...[]byte) (Key, error) {
	h := sha3.New256()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(key)))
	h.Write(n[:])
	h.Write(key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil), nil
}

// HMACSHA256Hasher implements Hasher with HMAC-SHA256
type HMACSHA256Hasher struct{}

// Suite returns HashHMACSHA256
func (HMACSHA256Hasher) Suite() HashSuite { return HashHMACSHA256 }

// Size returns 32
func (HMACSHA256Hasher) Size() int { return sha256.Size }

// Hash returns HMAC-SHA256 keyed by key
func (HMACSHA256Hasher) Hash(key Key, data ...[]byte) (Key, error) {
	h := hmac.New(sha256.New, key)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil), nil
}

// NewHasher creates a hasher for the hash suite
func NewHasher(suite HashSuite) (Hasher, error) {
	switch suite {
	case HashBlake2b, HashAuto:
		return Blake2bHasher{}, nil
	case HashSHA3:
		return SHA3Hasher{}, nil
	case HashHMACSHA256:
		return HMACSHA256Hasher{}, nil
	default:
		return nil, ErrUnsupportedHash
	}
}

// hashIndex mixes a 64-bit index into key.
func hashIndex(h Hasher, key Key, index uint64) (Key, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], index)
	return h.Hash(key, buf[:])
}
