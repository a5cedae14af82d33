package lethe

import (
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
)

// KeyGenerator produces fresh secret keys.
type KeyGenerator interface {
	GenerateKey(size int) (Key, error)
}

// RandomKeyGenerator draws keys from crypto/rand
type RandomKeyGenerator struct{}

// GenerateKey returns size random bytes
func (RandomKeyGenerator) GenerateKey(size int) (Key, error) {
	key := make(Key, size)
	if _, err := rand.Read(key); err != nil {
		return nil, NewPrimitiveError("keygen", "generate", fmt.Errorf("failed to generate key: %w", err))
	}
	return key, nil
}

// SeededKeyGenerator is a deterministic generator that expands a seed
// through the ChaCha20 keystream. Two generators with the same seed yield
// the same key sequence, which makes it suitable for reproducible tests.
type SeededKeyGenerator struct {
	mu     sync.Mutex
	stream *chacha20.Cipher
}

// NewSeededKeyGenerator creates a deterministic key generator from seed
func NewSeededKeyGenerator(seed []byte) (*SeededKeyGenerator, error) {
	key := blake2b.Sum256(seed)
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, NewPrimitiveError("keygen", "init", err)
	}
	return &SeededKeyGenerator{stream: stream}, nil
}

// GenerateKey returns the next size bytes of the keystream
func (g *SeededKeyGenerator) GenerateKey(size int) (Key, error) {
	key := make(Key, size)
	g.mu.Lock()
	g.stream.XORKeyStream(key, key)
	g.mu.Unlock()
	return key, nil
}
