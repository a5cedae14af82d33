package lethe

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestCrypters(t *testing.T) {
	tests := []struct {
		name    string
		crypter Crypter
		suite   CipherSuite
		ivSize  int
	}{
		{"aes-ctr", NewAESCTRCrypter(), CipherAES256CTR, 16},
		{"chacha20", NewChaCha20Crypter(), CipherChaCha20, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.crypter
			if c.Suite() != tt.suite || c.IVSize() != tt.ivSize || c.KeySize() != 32 {
				t.Fatalf("suite = %v, iv = %d, key = %d", c.Suite(), c.IVSize(), c.KeySize())
			}
			key := testKey(7, c.KeySize())
			iv := testKey(3, c.IVSize())
			plain := []byte("the quick brown fox jumps over the lazy dog")

			data := bytes.Clone(plain)
			if err := c.Encrypt(key, iv, data); err != nil {
				t.Fatalf("failed to encrypt: %v", err)
			}
			if bytes.Equal(data, plain) {
				t.Fatal("ciphertext equals plaintext")
			}
			if err := c.Decrypt(key, iv, data); err != nil {
				t.Fatalf("failed to decrypt: %v", err)
			}
			if !bytes.Equal(data, plain) {
				t.Errorf("round trip = %q, want %q", data, plain)
			}

			once := bytes.Clone(plain)
			if err := c.OnetimeEncrypt(key, once); err != nil {
				t.Fatalf("failed to encrypt: %v", err)
			}
			if bytes.Equal(once, plain) {
				t.Fatal("one-time ciphertext equals plaintext")
			}
			if err := c.OnetimeDecrypt(key, once); err != nil {
				t.Fatalf("failed to decrypt: %v", err)
			}
			if !bytes.Equal(once, plain) {
				t.Errorf("one-time round trip = %q, want %q", once, plain)
			}

			if err := c.Encrypt(key[:16], iv, data); !IsPrimitiveError(err) {
				t.Errorf("short key: got %v, want a primitive error", err)
			}
		})
	}

	for _, suite := range []CipherSuite{CipherAuto, CipherAES256CTR, CipherChaCha20} {
		if _, err := NewCrypter(suite); err != nil {
			t.Errorf("NewCrypter(%v) failed: %v", suite, err)
		}
	}
	if _, err := NewCrypter(CipherSuite(99)); err != ErrUnsupportedCipher {
		t.Errorf("NewCrypter(99) = %v, want ErrUnsupportedCipher", err)
	}
}

func TestHashers(t *testing.T) {
	for _, suite := range []HashSuite{HashBlake2b, HashSHA3, HashHMACSHA256} {
		t.Run(suite.String(), func(t *testing.T) {
			h, err := NewHasher(suite)
			if err != nil {
				t.Fatalf("failed to create hasher: %v", err)
			}
			if h.Suite() != suite || h.Size() != 32 {
				t.Fatalf("suite = %v, size = %d", h.Suite(), h.Size())
			}
			k1, k2 := testKey(1, 32), testKey(2, 32)

			a, err := hashIndex(h, k1, 5)
			if err != nil {
				t.Fatalf("failed to hash: %v", err)
			}
			b, _ := hashIndex(h, k1, 5)
			if !a.Equal(b) {
				t.Error("hashing is not deterministic")
			}
			if c, _ := hashIndex(h, k1, 6); c.Equal(a) {
				t.Error("different indexes produced the same key")
			}
			if c, _ := hashIndex(h, k2, 5); c.Equal(a) {
				t.Error("different keys produced the same key")
			}
			if len(a) != h.Size() {
				t.Errorf("digest is %d bytes, want %d", len(a), h.Size())
			}
		})
	}
}

func TestKeyGenerators(t *testing.T) {
	a := seededKeygen(t, "seed")
	b := seededKeygen(t, "seed")
	c := seededKeygen(t, "other")
	ka, _ := a.GenerateKey(32)
	kb, _ := b.GenerateKey(32)
	kc, _ := c.GenerateKey(32)
	if !ka.Equal(kb) {
		t.Error("equal seeds produced different keys")
	}
	if ka.Equal(kc) {
		t.Error("different seeds produced the same key")
	}
	next, _ := a.GenerateKey(32)
	if next.Equal(ka) {
		t.Error("a seeded generator repeated a key")
	}

	r1, err := RandomKeyGenerator{}.GenerateKey(32)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	r2, _ := RandomKeyGenerator{}.GenerateKey(32)
	if len(r1) != 32 || r1.Equal(r2) {
		t.Error("random keys are not fresh")
	}
}

func TestIVGenerators(t *testing.T) {
	iv := make([]byte, 16)
	for i := 0; i < 8; i++ {
		if err := (RandomIVGenerator{}).Generate(iv); err != nil {
			t.Fatalf("failed to generate iv: %v", err)
		}
		if iv[len(iv)-1] != 0 || IsMarkedDirty(iv) {
			t.Fatalf("generated iv %x does not end in a zero byte", iv)
		}
	}

	g := NewSequentialIVGenerator(41)
	first, second := make([]byte, 12), make([]byte, 12)
	if err := g.Generate(first); err != nil {
		t.Fatalf("failed to generate iv: %v", err)
	}
	if err := g.Generate(second); err != nil {
		t.Fatalf("failed to generate iv: %v", err)
	}
	if first[0] != 41 || second[0] != 42 || first[11] != 0 {
		t.Errorf("sequential ivs = %x, %x", first, second)
	}
	if err := g.Generate(make([]byte, 8)); !IsPrimitiveError(err) {
		t.Errorf("short iv: got %v, want a primitive error", err)
	}
}

func TestDirtyMarker(t *testing.T) {
	iv := make([]byte, 12)
	iv[11] = 0x05
	markDirty(iv)
	if !IsMarkedDirty(iv) {
		t.Fatal("marked iv not reported dirty")
	}
	clean := unmarked(iv)
	if IsMarkedDirty(clean) || clean[11] != 0x05 {
		t.Errorf("unmarked(%x) = %x", iv, clean)
	}
	if !IsMarkedDirty(iv) {
		t.Error("unmarked must not modify its argument")
	}
	if IsMarkedDirty(nil) {
		t.Error("an empty iv cannot carry a marker")
	}
}

func TestPasswordRootKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	providers := map[string]RootKeyProvider{
		"pbkdf2":   NewPasswordRootKeyPBKDF2([]byte("secret"), PBKDF2Params{Iterations: 1000}),
		"argon2id": NewPasswordRootKey([]byte("secret"), Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1}),
	}
	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			a, err := p.RootKey(salt)
			if err != nil {
				t.Fatalf("failed to derive root key: %v", err)
			}
			b, _ := p.RootKey(salt)
			if len(a) != 32 || !a.Equal(b) {
				t.Error("root key derivation is not deterministic")
			}
			fresh, err := p.GenerateSalt()
			if err != nil {
				t.Fatalf("failed to generate salt: %v", err)
			}
			if len(fresh) != 32 {
				t.Errorf("salt is %d bytes, want 32", len(fresh))
			}
			if _, err := p.RootKey(nil); err == nil {
				t.Error("an empty salt should be rejected")
			}
		})
	}

	t.Setenv("LETHE_TEST_ROOT_KEY", hex.EncodeToString(testKey(9, 32)))
	key, err := NewEnvRootKey("LETHE_TEST_ROOT_KEY").RootKey(nil)
	if err != nil {
		t.Fatalf("failed to read root key: %v", err)
	}
	if !key.Equal(testKey(9, 32)) {
		t.Error("env root key does not match")
	}
	t.Setenv("LETHE_TEST_ROOT_KEY", "abcd")
	if _, err := NewEnvRootKey("LETHE_TEST_ROOT_KEY").RootKey(nil); !IsValidationError(err) {
		t.Errorf("short env key: got %v, want a validation error", err)
	}
}
