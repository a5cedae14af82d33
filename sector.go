package lethe

import (
	"errors"
	"io"
)

// dirtyMarker is set in the last byte of every IV written by an adapter,
// so a scraper can find sectors modified since their markers were cleared.
const dirtyMarker = 0x80

func markDirty(iv []byte) {
	iv[len(iv)-1] |= dirtyMarker
}

// unmarked returns the IV a stored tag encrypts with: the tag with its
// marker cleared, so clearing a marker never changes the plaintext.
func unmarked(iv []byte) []byte {
	out := make([]byte, len(iv))
	copy(out, iv)
	out[len(out)-1] &^= dirtyMarker
	return out
}

// IsMarkedDirty reports whether a stored IV carries the dirty marker.
func IsMarkedDirty(iv []byte) bool {
	return len(iv) > 0 && iv[len(iv)-1]&dirtyMarker != 0
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// layout is the sector arithmetic shared by the adapters. Logical bytes
// are packed dataSize to a sector; each sector stores tagSize bytes of
// IV or version ahead of its payload.
type layout struct {
	sectorSize int64
	tagSize    int64
	dataSize   int64
	perBlock   int64
}

func newLayout(geo Geometry, tagSize int) (layout, error) {
	geo.setDefaults()
	if err := geo.Validate(); err != nil {
		return layout{}, err
	}
	if tagSize < 0 || tagSize >= geo.SectorSize {
		return layout{}, NewValidationError("SectorSize", geo.SectorSize, "sector too small for its tag")
	}
	return layout{
		sectorSize: int64(geo.SectorSize),
		tagSize:    int64(tagSize),
		dataSize:   int64(geo.SectorSize - tagSize),
		perBlock:   int64(geo.BlockSize / geo.SectorSize),
	}, nil
}

// span returns the sectors [first, end) holding logical bytes [off, off+n)
// and the offset of off inside the first sector.
func (l layout) span(off int64, n int) (first, end, pad int64) {
	first = off / l.dataSize
	pad = off % l.dataSize
	end = (off + int64(n) + l.dataSize - 1) / l.dataSize
	return first, end, pad
}

func (l layout) block(sector int64) uint64 {
	return uint64(sector / l.perBlock)
}

func (l layout) blocks(first, end int64) BlockRange {
	return BlockRange{Start: l.block(first), End: l.block(end-1) + 1}
}

// widen grows [first, end) to whole blocks, extending past end only over
// sectors that exist on the device.
func (l layout) widen(first, end, existing int64) (int64, int64) {
	wfirst := first / l.perBlock * l.perBlock
	blockEnd := (end + l.perBlock - 1) / l.perBlock * l.perBlock
	return wfirst, max(end, min(blockEnd, existing))
}

func keyTable(pairs []KeyPair[uint64]) map[uint64]Key {
	t := make(map[uint64]Key, len(pairs))
	for _, p := range pairs {
		t[p.ID] = p.Key
	}
	return t
}

// openFunc decrypts one raw sector into out.
type openFunc func(sector int64, raw, out []byte) error

// sealFunc encrypts one sector of plaintext into out.
type sealFunc func(sector int64, data, out []byte) error

type sectorIO struct {
	dev      BlockDevice
	l        layout
	parallel ParallelConfig
}

// deviceSectors returns the number of sectors on the device, counting a
// trailing partial one.
func (s *sectorIO) deviceSectors() (int64, error) {
	info, err := s.dev.Stat()
	if err != nil {
		return 0, NewIOError("stat", "", err)
	}
	return (info.Size() + s.l.sectorSize - 1) / s.l.sectorSize, nil
}

// load reads sectors [first, end) and opens those want accepts, or all of
// them if want is nil. It returns the plaintext of the range and the
// number of whole sectors present on the device. Absent sectors read as
// zeros.
func (s *sectorIO) load(first, end int64, want func(int64) bool, open openFunc) ([]byte, int64, error) {
	ss, ds := s.l.sectorSize, s.l.dataSize
	count := end - first
	raw := make([]byte, count*ss)
	n, err := s.dev.ReadAt(raw, first*ss)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, NewDeviceError("read", first*ss, err)
	}
	present := int64(n) / ss
	plain := make([]byte, count*ds)
	err = s.parallel.run(int(present), func(i int) error {
		sector := first + int64(i)
		if want != nil && !want(sector) {
			return nil
		}
		j := int64(i)
		return open(sector, raw[j*ss:(j+1)*ss], plain[j*ds:(j+1)*ds])
	})
	if err != nil {
		return nil, 0, err
	}
	return plain, present, nil
}

// store seals plaintext for the sectors starting at first and writes them.
func (s *sectorIO) store(first int64, plain []byte, seal sealFunc) error {
	ss, ds := s.l.sectorSize, s.l.dataSize
	count := int64(len(plain)) / ds
	raw := make([]byte, count*ss)
	err := s.parallel.run(int(count), func(i int) error {
		j := int64(i)
		return seal(first+j, plain[j*ds:(j+1)*ds], raw[j*ss:(j+1)*ss])
	})
	if err != nil {
		return err
	}
	return WriteFullAt(s.dev, raw, first*ss)
}

// readAt assembles logical bytes [off, off+len(buf)) from their sectors.
// opener is given the blocks involved and returns how to decrypt them.
// Reading past the last sector yields a short count and io.EOF.
func (s *sectorIO) readAt(buf []byte, off int64, opener func(BlockRange) (openFunc, error)) (int, error) {
	if err := ValidateReadWrite(buf, off); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	first, end, pad := s.l.span(off, len(buf))
	open, err := opener(s.l.blocks(first, end))
	if err != nil {
		return 0, err
	}
	plain, present, err := s.load(first, end, nil, open)
	if err != nil {
		return 0, err
	}
	avail := present*s.l.dataSize - pad
	n := int(min(max(avail, 0), int64(len(buf))))
	copy(buf[:n], plain[pad:])
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// sealerFunc returns how to encrypt the sectors of blocks r. It sees the
// merged plaintext of the sectors starting at first before any is written.
type sealerFunc func(r BlockRange, first int64, plain []byte) (sealFunc, error)

// writeAt merges buf into its sectors and rewrites them, each sealed
// exactly once. Partially covered sectors are opened with the keys of old
// before sealer is asked for write keys. With widen the rewrite covers the
// whole blocks involved, so no sector is left under a key its block no
// longer has.
func (s *sectorIO) writeAt(buf []byte, off int64, widen bool, old func(BlockRange) (openFunc, error), sealer sealerFunc) (int, error) {
	if err := ValidateReadWrite(buf, off); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	ds := s.l.dataSize
	first, end, pad := s.l.span(off, len(buf))
	tail := (off + int64(len(buf))) % ds
	wfirst, wend := first, end
	if widen {
		existing, err := s.deviceSectors()
		if err != nil {
			return 0, err
		}
		wfirst, wend = s.l.widen(first, end, existing)
	}

	var plain []byte
	if wfirst < first || wend > end || pad > 0 || tail != 0 {
		want := func(sector int64) bool {
			return sector < first || sector >= end ||
				(sector == first && pad > 0) || (sector == end-1 && tail != 0)
		}
		open, err := old(s.l.blocks(wfirst, wend))
		if err != nil {
			return 0, err
		}
		plain, _, err = s.load(wfirst, wend, want, open)
		if err != nil {
			return 0, err
		}
	} else {
		plain = make([]byte, (wend-wfirst)*ds)
	}
	copy(plain[(first-wfirst)*ds+pad:], buf)

	seal, err := sealer(s.l.blocks(wfirst, wend), wfirst, plain)
	if err != nil {
		return 0, err
	}
	if err := s.store(wfirst, plain, seal); err != nil {
		return 0, err
	}
	return len(buf), nil
}
