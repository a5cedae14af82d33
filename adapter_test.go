package lethe

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

var smallGeometry = Geometry{SectorSize: 512, BlockSize: 1024, ChunkSize: 4096}

type adapter interface {
	io.ReaderAt
	io.WriterAt
}

// model mirrors the logical contents of an adapter.
type model []byte

func (m *model) write(p []byte, off int64) {
	if end := int(off) + len(p); end > len(*m) {
		*m = append(*m, make([]byte, end-len(*m))...)
	}
	copy((*m)[off:], p)
}

func checkRoundTrips(t *testing.T, a adapter) {
	t.Helper()
	var want model
	writes := []struct {
		off int64
		n   int
	}{
		{0, 10},      // inside one sector
		{505, 20},    // across a sector boundary
		{1000, 3000}, // across several blocks
		{300, 1},     // single byte rewrite
		{6000, 512},  // beyond the end, leaving a hole
		{0, 1024},    // whole leading data
		{4090, 10},   // inside previously written data
		{6500, 12},   // overlapping the tail
	}
	for i, w := range writes {
		data := pattern(w.n, byte(i+1))
		n, err := a.WriteAt(data, w.off)
		require.NoError(t, err, "write %d", i)
		require.Equal(t, w.n, n)
		want.write(data, w.off)

		got := make([]byte, len(want))
		n, err = a.ReadAt(got, 0)
		require.NoError(t, err, "read after write %d", i)
		require.Equal(t, len(want), n)
		require.True(t, bytes.Equal(want, got), "contents diverge after write %d", i)
	}

	sub := make([]byte, 100)
	_, err := a.ReadAt(sub, 990)
	require.NoError(t, err)
	assert.Equal(t, []byte(want[990:1090]), sub)
}

func TestPaddedIORoundTrip(t *testing.T) {
	for name, c := range map[string]Crypter{"aes-ctr": NewAESCTRCrypter(), "chacha20": NewChaCha20Crypter()} {
		t.Run(name, func(t *testing.T) {
			wal := NewWAL[LogEntry](LogEntryCodec{})
			keys := NewStableKeyMap(seededKeygen(t, t.Name()), c.KeySize())
			p, err := NewPaddedIO(newMemDevice(), keys, wal, &AdapterOptions{Crypter: c, Geometry: smallGeometry})
			require.NoError(t, err)
			assert.Equal(t, 512-c.IVSize(), p.DataSize())
			checkRoundTrips(t, p)
		})
	}
}

func TestPaddedIOAcrossEpochs(t *testing.T) {
	dev := newMemDevice()
	wal := NewWAL[LogEntry](LogEntryCodec{})
	keys := NewStableKeyMap(seededKeygen(t, t.Name()), 32)
	p, err := NewPaddedIO(dev, keys, wal, &AdapterOptions{Geometry: smallGeometry})
	require.NoError(t, err)

	data := pattern(2000, 1)
	_, err = p.WriteAt(data, 0)
	require.NoError(t, err)
	_, err = keys.Update(wal)
	require.NoError(t, err)

	before := dev.bytes()
	_, err = p.WriteAt([]byte("patch"), 10)
	require.NoError(t, err)
	copy(data[10:], "patch")
	after := dev.bytes()
	assert.NotEqual(t, before[:1024], after[:1024], "the patched block is re-encrypted")
	assert.Equal(t, before[1024:], after[1024:], "untouched blocks keep their ciphertext")

	_, err = keys.Update(wal)
	require.NoError(t, err)
	got := make([]byte, len(data))
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Deleting a block's key shreds its data.
	require.NoError(t, keys.Delete(wal, 0))
	_, err = p.ReadAt(got[:10], 0)
	assert.ErrorIs(t, err, ErrMissingKey)
	_, err = p.ReadAt(got[:10], 1100)
	assert.NoError(t, err)
}

func TestPaddedIOShortRead(t *testing.T) {
	wal := NewWAL[LogEntry](LogEntryCodec{})
	p, err := NewPaddedIO(newMemDevice(), NewStableKeyMap(nil, 32), wal, &AdapterOptions{Geometry: smallGeometry})
	require.NoError(t, err)
	_, err = p.WriteAt(pattern(100, 3), 0)
	require.NoError(t, err)

	buf := make([]byte, 1000)
	n, err := p.ReadAt(buf, 0)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, p.DataSize(), n, "a whole sector is present")

	_, err = p.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrNegativeOffset)
	_, err = p.WriteAt(nil, 0)
	assert.ErrorIs(t, err, ErrNilBuffer)
}

// Every sector an unaligned write touches is rewritten once with a
// marked IV.
func TestPaddedIOSectorRewrite(t *testing.T) {
	const sector = 512
	e, _ := newTestEngine(t)
	wal := NewWAL[LogEntry](LogEntryCodec{})
	dev := newMemDevice()
	stat := NewStatIO(dev)
	p, err := NewPaddedIO(stat, NewLocalizer(e, 1), wal, &AdapterOptions{
		Crypter:  NewAESCTRCrypter(),
		Geometry: Geometry{SectorSize: sector, BlockSize: sector},
	})
	require.NoError(t, err)
	require.Equal(t, 496, p.DataSize())

	data := pattern(8192, 9)
	_, err = p.WriteAt(data, 100)
	require.NoError(t, err)

	sectors := (100 + 8192 + 495) / 496
	require.Equal(t, 17, sectors)
	raw := dev.bytes()
	require.Len(t, raw, sectors*sector)
	for i := 0; i < sectors; i++ {
		assert.True(t, IsMarkedDirty(raw[i*sector:i*sector+16]), "sector %d", i)
	}
	st := stat.Stats()
	assert.Equal(t, uint64(1), st.Writes)
	assert.Equal(t, uint64(sectors*sector), st.BytesWritten)

	got := make([]byte, len(data))
	_, err = p.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	pairs, err := e.Update(wal)
	require.NoError(t, err)
	assert.Len(t, pairs, sectors)
	_, err = p.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, data, got, "contents survive rotation")

	require.NoError(t, p.Sync())
	assert.Equal(t, uint64(1), stat.Stats().Syncs)
	stat.Reset()
	assert.Equal(t, IOStats{}, stat.Stats())
}

func TestUnpaddedIO(t *testing.T) {
	dev := newMemDevice()
	wal := NewWAL[LogEntry](LogEntryCodec{})
	keys := NewStableKeyMap(seededKeygen(t, t.Name()), 32)
	u, err := NewUnpaddedIO(dev, keys, wal, &AdapterOptions{Crypter: NewChaCha20Crypter(), Geometry: smallGeometry})
	require.NoError(t, err)

	checkRoundTrips(t, u)
	assert.Len(t, dev.bytes(), 7168, "ciphertext is stored without tags")

	_, err = keys.Update(wal)
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = u.ReadAt(buf, 4090)
	require.NoError(t, err)
	require.NoError(t, u.Sync())
	assert.Equal(t, 1, dev.syncs)
}

func TestVersionedIO(t *testing.T) {
	wal := NewWAL[LogEntry](LogEntryCodec{})
	keys, err := NewAffineKeyMap(Blake2bHasher{}, seededKeygen(t, t.Name()))
	require.NoError(t, err)

	_, err = NewVersionedIO(newMemDevice(), keys, wal, 0, nil)
	assert.True(t, IsValidationError(err))
	_, err = NewVersionedIO(newMemDevice(), keys, wal, 1, &AdapterOptions{Crypter: shortIVCrypter{NewAESCTRCrypter()}})
	assert.True(t, IsValidationError(err))

	v, err := NewVersionedIO(newMemDevice(), keys, wal, 1, &AdapterOptions{Geometry: smallGeometry})
	require.NoError(t, err)
	assert.Equal(t, 512-versionSize, v.DataSize())
	checkRoundTrips(t, v)

	var want model
	want.write(pattern(3000, 5), 0)
	_, err = v.WriteAt(want, 0)
	require.NoError(t, err)

	// The next version mixes sectors written on both sides of the rotation.
	_, err = keys.Update(wal)
	require.NoError(t, err)
	v.SetVersion(2)
	patch := pattern(40, 77)
	_, err = v.WriteAt(patch, 490)
	require.NoError(t, err)
	want.write(patch, 490)

	got := make([]byte, 3000)
	_, err = v.ReadAt(got, 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want[:3000], got))

	v.SetVersion(1)
	_, err = v.ReadAt(got, 0)
	assert.True(t, IsCorruptionError(err), "a version from the future: %v", err)
}

func TestVersionedSectorIV(t *testing.T) {
	keys, err := NewAffineKeyMap(Blake2bHasher{}, seededKeygen(t, t.Name()))
	require.NoError(t, err)
	v, err := NewVersionedIO(newMemDevice(), keys, NewWAL[LogEntry](LogEntryCodec{}), 1, &AdapterOptions{Geometry: smallGeometry})
	require.NoError(t, err)

	assert.NotEqual(t, v.sectorIV(3, 7), v.sectorIV(3, 7+1<<32), "versions 2^32 apart")
	assert.NotEqual(t, v.sectorIV(2, 7), v.sectorIV(3, 7), "sectors of one block")
	assert.Equal(t, v.sectorIV(2, 7), v.sectorIV(2, 7))
}

// shortIVCrypter reports an IV too small for derived sector IVs.
type shortIVCrypter struct{ Crypter }

func (shortIVCrypter) IVSize() int { return 8 }

func TestJournaledIO(t *testing.T) {
	fs := newTestFS(t)
	root := testKey(1, 32)
	geo := Geometry{BlockSize: 512}
	journal, err := OpenWAL[JournalEntry](fs, "/journal", root, JournalEntryCodec{}, nil)
	require.NoError(t, err)
	keys := NewUnstableKeyMap(seededKeygen(t, t.Name()), 32)
	dev := newMemDevice()
	j, err := NewJournaledIO(dev, keys, journal, root, 3, &AdapterOptions{Geometry: geo})
	require.NoError(t, err)

	checkRoundTrips(t, j)
	require.NoError(t, j.Sync())
	assert.Equal(t, 0, journal.Len())
	assert.Equal(t, 1, dev.syncs)

	_, err = j.WriteAt(pattern(700, 1), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, journal.Len(), "one entry per block written")
	require.NoError(t, j.Sync())

	before, _, err := keys.Derive(1)
	require.NoError(t, err)
	_, err = j.WriteAt(pattern(512, 2), 512)
	require.NoError(t, err)
	after, _, err := keys.Derive(1)
	require.NoError(t, err)
	assert.NotEqual(t, before, after, "every write draws a fresh key")
	require.NoError(t, j.Sync())

	// Tear a write: the journal is durable but the device write fails.
	torn := pattern(512, 3)
	dev.failAt = 1024 + 10
	_, err = j.WriteAt(torn, 1024)
	assert.True(t, IsIOError(err), "torn write: %v", err)
	dev.failAt = -1

	recovered, err := OpenWAL[JournalEntry](fs, "/journal", root, JournalEntryCodec{}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, recovered.Len())
	require.NoError(t, ReplayJournal(recovered, keys, j))

	got := make([]byte, 512)
	_, err = j.ReadAt(got, 1024)
	require.NoError(t, err)
	assert.Equal(t, torn, got)
}

func TestReplayJournalRejectsBadEntries(t *testing.T) {
	fs := newTestFS(t)
	root := testKey(1, 32)
	journal, err := OpenWAL[JournalEntry](fs, "/journal", root, JournalEntryCodec{}, nil)
	require.NoError(t, err)
	keys := NewUnstableKeyMap(nil, 32)
	j, err := NewJournaledIO(newMemDevice(), keys, journal, root, 3, &AdapterOptions{Geometry: Geometry{BlockSize: 512}})
	require.NoError(t, err)

	other := NewWAL[JournalEntry](JournalEntryCodec{})
	other.Append(JournalEntry{ID: 4, Block: 0, Key: testKey(1, 32), Data: make([]byte, 512)})
	require.NoError(t, ReplayJournal(other, keys, j), "entries for other objects are skipped")
	_, found, _ := keys.Derive(0)
	assert.False(t, found)

	other.Append(JournalEntry{ID: 3, Block: 0, Key: testKey(1, 32), Data: make([]byte, 100)})
	assert.True(t, IsCorruptionError(ReplayJournal(other, keys, j)))

	bad := NewWAL[JournalEntry](JournalEntryCodec{})
	bad.Append(JournalEntry{ID: 3, Block: 0, Key: testKey(1, 8), Data: make([]byte, 512)})
	assert.True(t, IsValidationError(ReplayJournal(bad, keys, j)))
}

func TestSpeculativeIO(t *testing.T) {
	e, _ := newTestEngine(t)
	wal := NewWAL[LogEntry](LogEntryCodec{})
	scheme := NewLocalizer(e, 1)
	dev := newMemDevice()
	opts := AdapterOptions{Geometry: Geometry{SectorSize: 512, BlockSize: 512, ChunkSize: 4096}}

	w, err := NewSpeculativeIO(dev, scheme, wal, SpeculativeOptions{AdapterOptions: opts, Offset: 1000, Length: 3000, Write: true})
	require.NoError(t, err)
	assert.Equal(t, BlockRange{Start: 0, End: 16}, w.Speculated())
	journaled := wal.Len()

	data := pattern(3000, 4)
	_, err = w.WriteAt(data[:1500], 1000)
	require.NoError(t, err)
	_, err = w.WriteAt(data[1500:], 2500)
	require.NoError(t, err)
	assert.Equal(t, journaled, wal.Len(), "writes inside the speculated range journal nothing")

	back := make([]byte, 10)
	_, err = w.ReadAt(back, 1000)
	require.NoError(t, err)
	assert.Equal(t, data[:10], back)

	assert.Panics(t, func() { _, _ = w.WriteAt(make([]byte, 10), 995) })
	assert.Panics(t, func() { _, _ = w.ReadAt(make([]byte, 10), 3995) })

	r, err := NewSpeculativeIO(dev, scheme, wal, SpeculativeOptions{AdapterOptions: opts, Offset: 1000, Length: 3000})
	require.NoError(t, err)
	got := make([]byte, 3000)
	_, err = r.ReadAt(got, 1000)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Panics(t, func() { _, _ = r.WriteAt(got[:1], 1000) }, "read-only adapter")

	// A padded adapter on the same scheme sees the same bytes.
	p, err := NewPaddedIO(dev, scheme, wal, &opts)
	require.NoError(t, err)
	_, err = p.ReadAt(got, 1000)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	assert.Panics(t, func() {
		_, _ = NewSpeculativeIO(dev, scheme, wal, SpeculativeOptions{
			AdapterOptions: opts, Offset: 1000, Length: 3000, Spec: &BlockRange{Start: 0, End: 1},
		})
	})
	_, err = NewSpeculativeIO(dev, scheme, wal, SpeculativeOptions{AdapterOptions: opts, Length: 0})
	assert.True(t, IsValidationError(err))
}

func TestScraper(t *testing.T) {
	dev := newMemDevice()
	wal := NewWAL[LogEntry](LogEntryCodec{})
	keys := NewStableKeyMap(nil, 32)
	p, err := NewPaddedIO(dev, keys, wal, &AdapterOptions{Geometry: smallGeometry})
	require.NoError(t, err)
	data := pattern(5000, 6)
	_, err = p.WriteAt(data, 0)
	require.NoError(t, err)

	s, err := NewScraper(dev, 16, smallGeometry)
	require.NoError(t, err)
	res, err := s.Scan()
	require.NoError(t, err)
	require.Len(t, res.Sectors, 11, "every written sector is marked")
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5}, res.Blocks)

	require.NoError(t, s.ClearMarkers(res.Sectors))
	res, err = s.Scan()
	require.NoError(t, err)
	assert.Empty(t, res.Sectors)

	got := make([]byte, len(data))
	_, err = p.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got, "clearing markers keeps the plaintext")

	_, err = p.WriteAt([]byte("x"), 2000)
	require.NoError(t, err)
	res, err = s.Scan()
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.Blocks, "a rewrite marks the whole block")
	assert.Len(t, res.Sectors, 2)

	_, err = NewScraper(dev, 0, smallGeometry)
	assert.True(t, IsValidationError(err))
}

type shortDevice struct{ *memDevice }

func (d shortDevice) WriteAt(p []byte, off int64) (int, error) {
	n, err := d.memDevice.WriteAt(p[:len(p)/2], off)
	return n, err
}

func TestFullTransfers(t *testing.T) {
	dev := newMemDevice()
	require.NoError(t, WriteFullAt(dev, []byte("abcd"), 0))
	buf := make([]byte, 8)
	err := ReadFullAt(dev, buf, 0)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
	assert.True(t, IsIOError(err))
	require.NoError(t, ReadFullAt(dev, buf[:4], 0))

	err = WriteFullAt(shortDevice{dev}, []byte("abcd"), 0)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)

	dev.failAt = 2
	err = WriteFullAt(dev, []byte("abcd"), 0)
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestGeometryValidate(t *testing.T) {
	require.NoError(t, DefaultGeometry().Validate())
	require.NoError(t, smallGeometry.Validate())
	for _, g := range []Geometry{
		{SectorSize: 0, BlockSize: 512, ChunkSize: 512},
		{SectorSize: 512, BlockSize: 768, ChunkSize: 1536},
		{SectorSize: 512, BlockSize: 1024, ChunkSize: 1000},
	} {
		assert.True(t, IsValidationError(g.Validate()), "%+v", g)
	}
	_, err := newLayout(Geometry{SectorSize: 16, BlockSize: 16}, 16)
	assert.True(t, IsValidationError(err), "a sector must hold more than its tag")
}

func TestParallelRun(t *testing.T) {
	p := ParallelConfig{Enabled: true, MaxWorkers: 4, MinSectorsForParallel: 2}
	require.NoError(t, p.Validate())
	out := make([]int, 100)
	require.NoError(t, p.run(len(out), func(i int) error {
		out[i] = i * i
		return nil
	}))
	for i, v := range out {
		require.Equal(t, i*i, v)
	}

	err := p.run(50, func(i int) error {
		if i == 17 {
			return ErrMissingKey
		}
		return nil
	})
	assert.ErrorIs(t, err, ErrMissingKey)

	err = p.run(50, func(i int) error {
		if i == 3 {
			panic("boom")
		}
		return nil
	})
	assert.ErrorContains(t, err, "panic in sector worker")

	assert.Error(t, (&ParallelConfig{Enabled: true, MaxWorkers: -1, MinSectorsForParallel: 1}).Validate())
	assert.Error(t, (&ParallelConfig{Enabled: true, MinSectorsForParallel: 0}).Validate())
	assert.NoError(t, (&ParallelConfig{}).Validate())
}

func TestParallelAdapter(t *testing.T) {
	wal := NewWAL[LogEntry](LogEntryCodec{})
	p, err := NewPaddedIO(newMemDevice(), NewStableKeyMap(nil, 32), wal, &AdapterOptions{
		Geometry: smallGeometry,
		Parallel: ParallelConfig{Enabled: true, MaxWorkers: 4, MinSectorsForParallel: 2},
	})
	require.NoError(t, err)
	checkRoundTrips(t, p)
}
