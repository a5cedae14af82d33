package lethe

import (
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestFS(t testing.TB) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}
	return fs
}

func seededKeygen(t testing.TB, seed string) *SeededKeyGenerator {
	t.Helper()
	g, err := NewSeededKeyGenerator([]byte(seed))
	if err != nil {
		t.Fatalf("failed to create key generator: %v", err)
	}
	return g
}

func testParams(t testing.TB, fanouts ...uint64) ForestParams {
	t.Helper()
	topo, err := NewTopology(fanouts)
	if err != nil {
		t.Fatalf("failed to create topology: %v", err)
	}
	return ForestParams{
		Topology:     topo,
		Hasher:       Blake2bHasher{},
		KeyGenerator: seededKeygen(t, t.Name()),
		CacheSize:    64,
	}
}

func testKey(b byte, size int) Key {
	k := make(Key, size)
	for i := range k {
		k[i] = b + byte(i)
	}
	return k
}

// memDevice is a growable in-memory BlockDevice.
type memDevice struct {
	mu     sync.Mutex
	data   []byte
	syncs  int
	failAt int64 // a write touching this offset fails when >= 0
}

func newMemDevice() *memDevice { return &memDevice{failAt: -1} }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failAt >= 0 && off <= d.failAt && d.failAt < off+int64(len(p)) {
		return 0, io.ErrClosedPipe
	}
	if end := off + int64(len(p)); end > int64(len(d.data)) {
		d.data = append(d.data, make([]byte, end-int64(len(d.data)))...)
	}
	return copy(d.data[off:], p), nil
}

func (d *memDevice) Sync() error {
	d.mu.Lock()
	d.syncs++
	d.mu.Unlock()
	return nil
}

func (d *memDevice) Stat() (os.FileInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return memInfo(len(d.data)), nil
}

func (d *memDevice) bytes() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

type memInfo int64

func (m memInfo) Name() string       { return "device" }
func (m memInfo) Size() int64        { return int64(m) }
func (m memInfo) Mode() os.FileMode  { return 0600 }
func (m memInfo) ModTime() time.Time { return time.Time{} }
func (m memInfo) IsDir() bool        { return false }
func (m memInfo) Sys() any           { return nil }
