package lethe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// BlockDevice is the ciphertext store beneath an adapter. absfs.File
// satisfies it.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Stat() (os.FileInfo, error)
}

const (
	// DefaultSectorSize is the physical sector size of adapters.
	DefaultSectorSize = 4096
	// DefaultBlockSize is the span of device bytes keyed by one block key.
	DefaultBlockSize = 4096
	// DefaultSpeculationChunk is the alignment of speculated ranges, in bytes.
	DefaultSpeculationChunk = 64 * 1024
)

// Geometry describes how an adapter lays ciphertext out on its device.
type Geometry struct {
	// SectorSize is the unit of encryption, including its stored tag.
	SectorSize int
	// BlockSize is the span of device bytes sharing one key. It must be a
	// multiple of SectorSize.
	BlockSize int
	// ChunkSize aligns speculated ranges. It must be a multiple of BlockSize.
	ChunkSize int
}

// DefaultGeometry returns 4 KiB sectors and blocks with 64 KiB speculation chunks.
func DefaultGeometry() Geometry {
	return Geometry{
		SectorSize: DefaultSectorSize,
		BlockSize:  DefaultBlockSize,
		ChunkSize:  DefaultSpeculationChunk,
	}
}

func (g *Geometry) setDefaults() {
	if g.SectorSize == 0 {
		g.SectorSize = DefaultSectorSize
	}
	if g.BlockSize == 0 {
		g.BlockSize = max(DefaultBlockSize, g.SectorSize)
	}
	if g.ChunkSize == 0 {
		g.ChunkSize = max(DefaultSpeculationChunk, g.BlockSize)
	}
}

// Validate checks if the geometry is consistent
func (g Geometry) Validate() error {
	if g.SectorSize <= 0 {
		return NewValidationError("SectorSize", g.SectorSize, "sector size must be positive")
	}
	if g.BlockSize < g.SectorSize || g.BlockSize%g.SectorSize != 0 {
		return NewValidationError("BlockSize", g.BlockSize, fmt.Sprintf("block size must be a multiple of the sector size %d", g.SectorSize))
	}
	if g.ChunkSize < g.BlockSize || g.ChunkSize%g.BlockSize != 0 {
		return NewValidationError("ChunkSize", g.ChunkSize, fmt.Sprintf("chunk size must be a multiple of the block size %d", g.BlockSize))
	}
	return nil
}

// ReadFullAt reads exactly len(buf) bytes at off, turning a short read
// into ErrIncompleteTransfer.
func ReadFullAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = ErrIncompleteTransfer
	}
	return &IOError{Operation: "read", Offset: off, Message: fmt.Sprintf("read %d of %d bytes", n, len(buf)), Err: err}
}

// WriteFullAt writes all of buf at off, turning a short write into
// ErrIncompleteTransfer.
func WriteFullAt(w io.WriterAt, buf []byte, off int64) error {
	n, err := w.WriteAt(buf, off)
	if n == len(buf) && err == nil {
		return nil
	}
	if err == nil {
		err = ErrIncompleteTransfer
	}
	return &IOError{Operation: "write", Offset: off, Message: fmt.Sprintf("wrote %d of %d bytes", n, len(buf)), Err: err}
}

// StatIO counts the traffic passing through a device.
type StatIO struct {
	dev BlockDevice

	reads        atomic.Uint64
	writes       atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	syncs        atomic.Uint64
}

// IOStats is a snapshot of StatIO counters.
type IOStats struct {
	Reads        uint64
	Writes       uint64
	BytesRead    uint64
	BytesWritten uint64
	Syncs        uint64
}

// NewStatIO wraps dev.
func NewStatIO(dev BlockDevice) *StatIO {
	return &StatIO{dev: dev}
}

func (s *StatIO) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.dev.ReadAt(p, off)
	s.reads.Add(1)
	s.bytesRead.Add(uint64(n))
	return n, err
}

func (s *StatIO) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.dev.WriteAt(p, off)
	s.writes.Add(1)
	s.bytesWritten.Add(uint64(n))
	return n, err
}

func (s *StatIO) Sync() error {
	s.syncs.Add(1)
	return s.dev.Sync()
}

func (s *StatIO) Stat() (os.FileInfo, error) {
	return s.dev.Stat()
}

// Stats returns the counters.
func (s *StatIO) Stats() IOStats {
	return IOStats{
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		Syncs:        s.syncs.Load(),
	}
}

// Reset zeroes the counters.
func (s *StatIO) Reset() {
	s.reads.Store(0)
	s.writes.Store(0)
	s.bytesRead.Store(0)
	s.bytesWritten.Store(0)
	s.syncs.Store(0)
}
