package lethe

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// CipherSuite selects the stream cipher used for key-management state and block data
type CipherSuite uint8

const (
	// CipherAuto selects the default cipher
	CipherAuto CipherSuite = iota
	// CipherAES256CTR uses AES-256 in counter mode
	CipherAES256CTR
	// CipherChaCha20 uses the ChaCha20 stream cipher
	CipherChaCha20
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256CTR:
		return "aes-256-ctr"
	case CipherChaCha20:
		return "chacha20"
	default:
		return "unknown"
	}
}

// HashSuite selects the keyed hash used by key derivation forests
type HashSuite uint8

const (
	// HashAuto selects the default keyed hash
	HashAuto HashSuite = iota
	// HashBlake2b uses keyed BLAKE2b-256
	HashBlake2b
	// HashSHA3 uses SHA3-256 over key and data
	HashSHA3
	// HashHMACSHA256 uses HMAC-SHA256
	HashHMACSHA256
)

// String returns the string representation of the hash suite
func (h HashSuite) String() string {
	switch h {
	case HashAuto:
		return "auto"
	case HashBlake2b:
		return "blake2b-256"
	case HashSHA3:
		return "sha3-256"
	case HashHMACSHA256:
		return "hmac-sha256"
	default:
		return "unknown"
	}
}

// Key is a fixed-size secret. Its length is the output size of the configured hasher.
type Key []byte

// Equal reports whether two keys hold the same bytes, in constant time.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && subtle.ConstantTimeCompare(k, other) == 1
}

// Clone returns a copy of k.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	return bytes.Clone(k)
}

// String prints a short fingerprint, never the whole secret.
func (k Key) String() string {
	if len(k) < 4 {
		return "key(?)"
	}
	return fmt.Sprintf("key(%s…)", hex.EncodeToString(k[:4]))
}

// KeyPair associates a key identifier with a key.
type KeyPair[ID any] struct {
	ID  ID
	Key Key
}

// BlockRange is a half-open range of block ids [Start, End).
type BlockRange struct {
	Start uint64
	End   uint64
}

// Len returns the number of blocks in the range.
func (r BlockRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether other lies fully inside r.
func (r BlockRange) Contains(other BlockRange) bool {
	return r.Start <= other.Start && other.End <= r.End
}

// ObjectKey addresses a block of an object for localized schemes.
type ObjectKey struct {
	Object uint64
	Block  uint64
}

const (
	// DefaultMemoryLimit bounds the bytes held by resident forests.
	DefaultMemoryLimit = 1 << 32
	// DefaultKeyCacheLimit bounds the engine read and write key caches.
	DefaultKeyCacheLimit = 1 << 20
	// DefaultSpeculationCacheLimit bounds the number of forests with tracked speculation intervals.
	DefaultSpeculationCacheLimit = 1 << 20
	// DefaultForestCacheSize bounds each forest's positional key cache.
	DefaultForestCacheSize = 4096
)

// DefaultFanouts is the topology used for both the system and object forests.
func DefaultFanouts() []uint64 {
	return []uint64{4, 4, 4, 4}
}

// Config contains configuration for a secure-deletion engine
type Config struct {
	// Hash is the keyed hash used to walk forests
	Hash HashSuite

	// Cipher encrypts persisted forests and engine state
	Cipher CipherSuite

	// SystemFanouts is the topology of the forest mapping forest ids to unlock keys
	SystemFanouts []uint64

	// ObjectFanouts is the topology of per-object forests
	ObjectFanouts []uint64

	// MemoryLimit bounds the arena of resident forests, in bytes
	MemoryLimit int

	// KeyCacheSize bounds the engine's read and write key caches
	KeyCacheSize int

	// SpeculationCacheSize bounds the number of forests with speculation intervals tracked
	SpeculationCacheSize int

	// ForestCacheSize bounds each forest's positional key cache
	ForestCacheSize int

	// KeyGenerator supplies fresh roots. Defaults to RandomKeyGenerator.
	KeyGenerator KeyGenerator

	// IVGenerator supplies IVs for persisted files. Defaults to RandomIVGenerator.
	IVGenerator IVGenerator
}

// DefaultConfig returns a configuration with every field set to its default
func DefaultConfig() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Hash == HashAuto {
		c.Hash = HashBlake2b
	}
	if c.Cipher == CipherAuto {
		c.Cipher = CipherChaCha20
	}
	if len(c.SystemFanouts) == 0 {
		c.SystemFanouts = DefaultFanouts()
	}
	if len(c.ObjectFanouts) == 0 {
		c.ObjectFanouts = DefaultFanouts()
	}
	if c.MemoryLimit == 0 {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.KeyCacheSize == 0 {
		c.KeyCacheSize = DefaultKeyCacheLimit
	}
	if c.SpeculationCacheSize == 0 {
		c.SpeculationCacheSize = DefaultSpeculationCacheLimit
	}
	if c.ForestCacheSize == 0 {
		c.ForestCacheSize = DefaultForestCacheSize
	}
	if c.KeyGenerator == nil {
		c.KeyGenerator = RandomKeyGenerator{}
	}
	if c.IVGenerator == nil {
		c.IVGenerator = RandomIVGenerator{}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	switch c.Cipher {
	case CipherAuto, CipherAES256CTR, CipherChaCha20:
	default:
		return &ValidationError{Field: "Cipher", Value: c.Cipher, Message: "unsupported cipher suite", Err: ErrUnsupportedCipher}
	}
	switch c.Hash {
	case HashAuto, HashBlake2b, HashSHA3, HashHMACSHA256:
	default:
		return &ValidationError{Field: "Hash", Value: c.Hash, Message: "unsupported hash suite", Err: ErrUnsupportedHash}
	}
	// Empty fanouts select the default topology.
	if len(c.SystemFanouts) > 0 {
		if err := ValidateFanouts(c.SystemFanouts, "SystemFanouts"); err != nil {
			return err
		}
	}
	if len(c.ObjectFanouts) > 0 {
		if err := ValidateFanouts(c.ObjectFanouts, "ObjectFanouts"); err != nil {
			return err
		}
	}
	if c.MemoryLimit < 0 {
		return NewValidationError("MemoryLimit", c.MemoryLimit, "memory limit cannot be negative")
	}
	if c.KeyCacheSize < 0 {
		return NewValidationError("KeyCacheSize", c.KeyCacheSize, "cache size cannot be negative")
	}
	if c.SpeculationCacheSize < 0 {
		return NewValidationError("SpeculationCacheSize", c.SpeculationCacheSize, "cache size cannot be negative")
	}
	if c.ForestCacheSize < 0 {
		return NewValidationError("ForestCacheSize", c.ForestCacheSize, "cache size cannot be negative")
	}
	return nil
}
