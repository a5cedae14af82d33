package lethe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/absfs/absfs"
)

const (
	// MagicBytes identifies sealed key-management files (ASCII: "LETH")
	MagicBytes = uint32(0x4C455448)

	// CurrentVersion is the current file format version
	CurrentVersion = uint8(1)

	// MinHeaderSize is the fixed part of the header:
	// 4 bytes (magic) + 1 byte (version) + 1 byte (cipher) + 1 byte (hash) + 2 bytes (iv size)
	MinHeaderSize = 9
)

// FileHeader is the header of a sealed forest or state file. The body
// that follows is the ciphertext, then a keyed-hash tag over header and
// ciphertext.
type FileHeader struct {
	Magic   uint32      // Magic bytes to identify sealed files
	Version uint8       // File format version
	Cipher  CipherSuite // Cipher suite used for the body
	Hash    HashSuite   // Hash suite used for the tag
	IVSize  uint16      // Size of the IV in bytes
	IV      []byte      // IV for the body
}

// NewFileHeader creates a new file header with the given parameters
func NewFileHeader(cipher CipherSuite, hash HashSuite, iv []byte) *FileHeader {
	return &FileHeader{
		Magic:   MagicBytes,
		Version: CurrentVersion,
		Cipher:  cipher,
		Hash:    hash,
		IVSize:  uint16(len(iv)),
		IV:      iv,
	}
}

// Size returns the total size of the header in bytes
func (h *FileHeader) Size() int {
	return MinHeaderSize + len(h.IV)
}

// WriteTo writes the header to the given writer
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, h.Size())
	buf = binary.LittleEndian.AppendUint32(buf, h.Magic)
	buf = append(buf, h.Version, byte(h.Cipher), byte(h.Hash))
	buf = binary.LittleEndian.AppendUint16(buf, h.IVSize)
	buf = append(buf, h.IV...)
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads the header from the given reader
func (h *FileHeader) ReadFrom(r io.Reader) (int64, error) {
	var fixed [MinHeaderSize]byte
	n, err := io.ReadFull(r, fixed[:])
	totalRead := int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read header: %w", err)
	}

	h.Magic = binary.LittleEndian.Uint32(fixed[0:4])
	if h.Magic != MagicBytes {
		return totalRead, ErrInvalidHeader
	}
	h.Version = fixed[4]
	if h.Version > CurrentVersion {
		return totalRead, ErrUnsupportedVersion
	}
	h.Cipher = CipherSuite(fixed[5])
	h.Hash = HashSuite(fixed[6])
	h.IVSize = binary.LittleEndian.Uint16(fixed[7:9])

	h.IV = make([]byte, h.IVSize)
	n, err = io.ReadFull(r, h.IV)
	totalRead += int64(n)
	if err != nil {
		return totalRead, fmt.Errorf("failed to read iv: %w", err)
	}
	return totalRead, nil
}

// Validate checks if the header is valid
func (h *FileHeader) Validate() error {
	if h.Magic != MagicBytes {
		return ErrInvalidHeader
	}
	if h.Version > CurrentVersion {
		return ErrUnsupportedVersion
	}
	if h.Cipher != CipherAES256CTR && h.Cipher != CipherChaCha20 {
		return ErrUnsupportedCipher
	}
	if h.Hash != HashBlake2b && h.Hash != HashSHA3 && h.Hash != HashHMACSHA256 {
		return ErrUnsupportedHash
	}
	if len(h.IV) == 0 {
		return fmt.Errorf("iv cannot be empty")
	}
	return nil
}

// OneshotIO seals whole buffers under a single key: a FileHeader, the
// ciphertext and a keyed-hash tag. It backs forest files and engine state.
type OneshotIO struct {
	crypter Crypter
	hasher  Hasher
	ivg     IVGenerator
}

// NewOneshotIO creates a one-shot sealer
func NewOneshotIO(crypter Crypter, hasher Hasher, ivg IVGenerator) *OneshotIO {
	return &OneshotIO{crypter: crypter, hasher: hasher, ivg: ivg}
}

var macLabel = []byte("lethe/oneshot/mac")

func (o *OneshotIO) tag(key Key, header, ciphertext []byte) (Key, error) {
	macKey, err := o.hasher.Hash(key, macLabel)
	if err != nil {
		return nil, err
	}
	return o.hasher.Hash(macKey, header, ciphertext)
}

// Seal encrypts plaintext under key
func (o *OneshotIO) Seal(key Key, plaintext []byte) ([]byte, error) {
	iv := make([]byte, o.crypter.IVSize())
	if err := o.ivg.Generate(iv); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := NewFileHeader(o.crypter.Suite(), o.hasher.Suite(), iv).WriteTo(&out); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	headerLen := out.Len()
	out.Write(plaintext)
	sealed := out.Bytes()
	if err := o.crypter.Encrypt(key, iv, sealed[headerLen:]); err != nil {
		return nil, err
	}
	tag, err := o.tag(key, sealed[:headerLen], sealed[headerLen:])
	if err != nil {
		return nil, err
	}
	return append(sealed, tag...), nil
}

// Open verifies and decrypts a buffer produced by Seal
func (o *OneshotIO) Open(key Key, sealed []byte) ([]byte, error) {
	r := bytes.NewReader(sealed)
	var h FileHeader
	n, err := h.ReadFrom(r)
	if err != nil {
		return nil, NewCorruptionError("", "failed to read sealed header", err)
	}
	if err := h.Validate(); err != nil {
		return nil, NewCorruptionError("", "invalid sealed header", err)
	}
	if h.Cipher != o.crypter.Suite() || h.Hash != o.hasher.Suite() {
		return nil, NewCorruptionError("", fmt.Sprintf("sealed with %s/%s", h.Cipher, h.Hash), ErrUnsupportedCipher)
	}
	tagSize := o.hasher.Size()
	if len(sealed) < int(n)+tagSize {
		return nil, NewCorruptionError("", "sealed buffer truncated", nil)
	}
	body := sealed[n : len(sealed)-tagSize]
	want, err := o.tag(key, sealed[:n], body)
	if err != nil {
		return nil, err
	}
	if !want.Equal(sealed[len(sealed)-tagSize:]) {
		return nil, NewAuthenticationError("", ErrAuthFailed)
	}
	plaintext := bytes.Clone(body)
	if err := o.crypter.Decrypt(key, h.IV, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// WriteFile seals data under key and atomically replaces name
func (o *OneshotIO) WriteFile(fs absfs.FileSystem, name string, key Key, data []byte) error {
	sealed, err := o.Seal(key, data)
	if err != nil {
		return err
	}
	return writeFileAtomic(fs, name, sealed)
}

// ReadFile reads and opens name
func (o *OneshotIO) ReadFile(fs absfs.FileSystem, name string, key Key) ([]byte, error) {
	sealed, err := readFile(fs, name)
	if err != nil {
		return nil, err
	}
	data, err := o.Open(key, sealed)
	if err != nil {
		var ae *AuthenticationError
		if errors.As(err, &ae) {
			ae.Path = name
		}
		return nil, err
	}
	return data, nil
}
