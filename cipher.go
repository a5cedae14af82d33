package lethe

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20"
)

// Crypter encrypts and decrypts data in place with a caller-supplied key.
//
// Encrypt and Decrypt take an explicit IV; the Onetime variants use an
// all-zero IV and must only be used with keys that never encrypt two
// different plaintexts.
type Crypter interface {
	// Suite reports which cipher suite this crypter implements
	Suite() CipherSuite

	// KeySize returns the key size in bytes
	KeySize() int

	// IVSize returns the IV size in bytes
	IVSize() int

	// Encrypt encrypts data in place under key and iv
	Encrypt(key Key, iv, data []byte) error

	// Decrypt decrypts data in place under key and iv
	Decrypt(key Key, iv, data []byte) error

	// OnetimeEncrypt encrypts data in place under key with a zero IV
	OnetimeEncrypt(key Key, data []byte) error

	// OnetimeDecrypt decrypts data in place under key with a zero IV
	OnetimeDecrypt(key Key, data []byte) error
}

// AESCTRCrypter implements Crypter using AES-256 in counter mode
type AESCTRCrypter struct{}

// NewAESCTRCrypter creates a new AES-256-CTR crypter
func NewAESCTRCrypter() *AESCTRCrypter {
	return &AESCTRCrypter{}
}

// Suite returns CipherAES256CTR
func (c *AESCTRCrypter) Suite() CipherSuite { return CipherAES256CTR }

// KeySize returns 32
func (c *AESCTRCrypter) KeySize() int { return 32 }

// IVSize returns the AES block size (16 bytes)
func (c *AESCTRCrypter) IVSize() int { return aes.BlockSize }

func (c *AESCTRCrypter) xor(key Key, iv, data []byte) error {
	if len(key) != c.KeySize() {
		return NewPrimitiveError("cipher", "init", fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes", len(key)))
	}
	if len(iv) != c.IVSize() {
		return NewPrimitiveError("cipher", "init", fmt.Errorf("iv must be %d bytes, got %d", c.IVSize(), len(iv)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return NewPrimitiveError("cipher", "init", fmt.Errorf("failed to create AES cipher: %w", err))
	}
	cipher.NewCTR(block, iv).XORKeyStream(data, data)
	return nil
}

// Encrypt encrypts data in place
func (c *AESCTRCrypter) Encrypt(key Key, iv, data []byte) error { return c.xor(key, iv, data) }

// Decrypt decrypts data in place
func (c *AESCTRCrypter) Decrypt(key Key, iv, data []byte) error { return c.xor(key, iv, data) }

// OnetimeEncrypt encrypts data in place with a zero IV
func (c *AESCTRCrypter) OnetimeEncrypt(key Key, data []byte) error {
	return c.xor(key, make([]byte, aes.BlockSize), data)
}

// OnetimeDecrypt decrypts data in place with a zero IV
func (c *AESCTRCrypter) OnetimeDecrypt(key Key, data []byte) error {
	return c.xor(key, make([]byte, aes.BlockSize), data)
}

// ChaCha20Crypter implements Crypter using the ChaCha20 stream cipher
type ChaCha20Crypter struct{}

// NewChaCha20Crypter creates a new ChaCha20 crypter
func NewChaCha20Crypter() *ChaCha20Crypter {
	return &ChaCha20Crypter{}
}

// Suite returns CipherChaCha20
func (c *ChaCha20Crypter) Suite() CipherSuite { return CipherChaCha20 }

// KeySize returns the ChaCha20 key size (32 bytes)
func (c *ChaCha20Crypter) KeySize() int { return chacha20.KeySize }

// IVSize returns the ChaCha20 nonce size (12 bytes)
func (c *ChaCha20Crypter) IVSize() int { return chacha20.NonceSize }

func (c *ChaCha20Crypter) xor(key Key, iv, data []byte) error {
	stream, err := chacha20.NewUnauthenticatedCipher(key, iv)
	if err != nil {
		return NewPrimitiveError("cipher", "init", fmt.Errorf("failed to create ChaCha20 cipher: %w", err))
	}
	stream.XORKeyStream(data, data)
	return nil
}

// Encrypt encrypts data in place
func (c *ChaCha20Crypter) Encrypt(key Key, iv, data []byte) error { return c.xor(key, iv, data) }

// Decrypt decrypts data in place
func (c *ChaCha20Crypter) Decrypt(key Key, iv, data []byte) error { return c.xor(key, iv, data) }

// OnetimeEncrypt encrypts data in place with a zero nonce
func (c *ChaCha20Crypter) OnetimeEncrypt(key Key, data []byte) error {
	return c.xor(key, make([]byte, chacha20.NonceSize), data)
}

// OnetimeDecrypt decrypts data in place with a zero nonce
func (c *ChaCha20Crypter) OnetimeDecrypt(key Key, data []byte) error {
	return c.xor(key, make([]byte, chacha20.NonceSize), data)
}

// NewCrypter creates a crypter for the cipher suite
func NewCrypter(suite CipherSuite) (Crypter, error) {
	switch suite {
	case CipherAES256CTR:
		return NewAESCTRCrypter(), nil
	case CipherChaCha20, CipherAuto:
		return NewChaCha20Crypter(), nil
	default:
		return nil, ErrUnsupportedCipher
	}
}

// IVGenerator fills IVs that never repeat under one key.
//
// Generated IVs always end in a zero byte; the adapters use the top bit of
// that byte as a dirty marker.
type IVGenerator interface {
	Generate(iv []byte) error
}

// RandomIVGenerator draws IVs from crypto/rand
type RandomIVGenerator struct{}

// Generate fills iv with random bytes and clears its last byte
func (RandomIVGenerator) Generate(iv []byte) error {
	if len(iv) == 0 {
		return nil
	}
	if _, err := rand.Read(iv); err != nil {
		return NewPrimitiveError("ivg", "generate", fmt.Errorf("failed to generate iv: %w", err))
	}
	iv[len(iv)-1] = 0
	return nil
}

// SequentialIVGenerator produces IVs from a monotonically increasing counter
type SequentialIVGenerator struct {
	mu   sync.Mutex
	next uint64
}

// NewSequentialIVGenerator creates a counter IV generator starting at start
func NewSequentialIVGenerator(start uint64) *SequentialIVGenerator {
	return &SequentialIVGenerator{next: start}
}

// Generate writes the next counter value into iv, little endian, leaving the last byte zero
func (g *SequentialIVGenerator) Generate(iv []byte) error {
	if len(iv) < 9 {
		return NewPrimitiveError("ivg", "generate", fmt.Errorf("iv of %d bytes too short for a counter", len(iv)))
	}
	g.mu.Lock()
	ctr := g.next
	g.next++
	g.mu.Unlock()
	clear(iv)
	binary.LittleEndian.PutUint64(iv, ctr)
	return nil
}
