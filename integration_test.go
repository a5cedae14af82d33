package lethe

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An object stored through a padded adapter survives persistence and a
// restart, and truncating it makes the dropped blocks unreadable for good.
func TestSecureDeletionLifecycle(t *testing.T) {
	fs := newTestFS(t)
	root := testKey(42, 32)
	geo := Geometry{SectorSize: 512, BlockSize: 1024, ChunkSize: 4096}
	cfg := func() *Config {
		return &Config{ObjectFanouts: []uint64{4, 4}, KeyGenerator: seededKeygen(t, t.Name())}
	}

	e, err := LoadEngine(fs, "/keys", root, cfg())
	require.NoError(t, err)
	wal, err := OpenWAL[LogEntry](fs, "/keys/wal", root, LogEntryCodec{}, nil)
	require.NoError(t, err)

	dev, err := fs.OpenFile("/object-7", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	defer dev.Close()

	p, err := NewPaddedIO(dev, NewLocalizer(e, 7), wal, &AdapterOptions{Geometry: geo})
	require.NoError(t, err)
	data := pattern(5000, 11)
	_, err = p.WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, p.Sync())

	require.NoError(t, wal.Persist(root))
	_, err = e.Update(wal)
	require.NoError(t, err)
	require.NoError(t, e.Persist(root, ""))
	require.NoError(t, wal.Persist(root))

	// Restart.
	e, err = LoadEngine(fs, "/keys", root, cfg())
	require.NoError(t, err)
	wal, err = OpenWAL[LogEntry](fs, "/keys/wal", root, LogEntryCodec{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, wal.Len(), "an update consumes its records")
	p, err = NewPaddedIO(dev, NewLocalizer(e, 7), wal, &AdapterOptions{Geometry: geo})
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Drop everything past the first block.
	require.NoError(t, e.TruncateObject(wal, 7, 1))
	require.NoError(t, wal.Persist(root))
	_, err = e.Update(wal)
	require.NoError(t, err)
	require.NoError(t, e.Persist(root, ""))
	require.NoError(t, wal.Persist(root))

	e, err = LoadEngine(fs, "/keys", root, cfg())
	require.NoError(t, err)
	n, err := e.NumKeys(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
	p, err = NewPaddedIO(dev, NewLocalizer(e, 7), wal, &AdapterOptions{Geometry: geo})
	require.NoError(t, err)

	head := make([]byte, p.DataSize()*2)
	_, err = p.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, data[:len(head)], head, "the first block is intact")
	_, err = p.ReadAt(got[:10], int64(len(head)))
	assert.ErrorIs(t, err, ErrMissingKey, "truncated blocks have no key")

	// Destroying the object forgets its forest.
	require.NoError(t, e.DeleteObject(wal, 7))
	_, err = e.Update(wal)
	require.NoError(t, err)
	require.NoError(t, e.Persist(root, ""))
	_, err = p.ReadAt(head, 0)
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Equal(t, 0, e.Stats().Objects)
}
