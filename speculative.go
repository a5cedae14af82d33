package lethe

import (
	"github.com/grailbio/base/must"
)

// SpeculatingScheme is a stable scheme that can journal ranges ahead of use.
type SpeculatingScheme interface {
	StableScheme[uint64]
	SpeculativeScheme[uint64]
}

// SpeculativeOptions configures a SpeculativeIO.
type SpeculativeOptions struct {
	AdapterOptions
	// Offset and Length are the logical byte range the adapter serves.
	Offset int64
	Length int
	// Write selects write keys and fresh IVs instead of read keys.
	Write bool
	// Spec overrides the speculated block range, which by default is the
	// covering range aligned to the geometry's chunk size. It must contain
	// every block of the served range.
	Spec *BlockRange
}

// SpeculativeIO is a padded adapter for one logical byte range whose keys,
// and for writes IVs, are derived up front for a chunk-aligned superset
// of the range in one scheme call. Accessing bytes outside the range is a
// programming error and panics.
type SpeculativeIO struct {
	sectorIO
	crypter Crypter
	ivg     IVGenerator

	off    int64
	length int
	write  bool
	spec   BlockRange
	keys   map[uint64]Key

	// Write mode holds the plaintext of the whole blocks under the range
	// and one unused IV per sector.
	wfirst int64
	base   []byte
	ivs    map[int64][]byte
}

// NewSpeculativeIO creates a speculative adapter over dev.
func NewSpeculativeIO(dev BlockDevice, scheme SpeculatingScheme, wal *WAL[LogEntry], opts SpeculativeOptions) (*SpeculativeIO, error) {
	opts.AdapterOptions.setDefaults()
	l, err := newLayout(opts.Geometry, opts.Crypter.IVSize())
	if err != nil {
		return nil, err
	}
	if err := ValidateOffset(opts.Offset, "offset"); err != nil {
		return nil, err
	}
	if opts.Length <= 0 {
		return nil, NewValidationError("Length", opts.Length, "speculated length must be positive")
	}
	s := &SpeculativeIO{
		sectorIO: sectorIO{dev: dev, l: l, parallel: opts.Parallel},
		crypter:  opts.Crypter,
		ivg:      opts.IVGenerator,
		off:      opts.Offset,
		length:   opts.Length,
		write:    opts.Write,
	}

	first, end, _ := l.span(opts.Offset, opts.Length)
	blocks := l.blocks(first, end)
	chunk := uint64(opts.Geometry.ChunkSize / opts.Geometry.BlockSize)
	s.spec = BlockRange{
		Start: blocks.Start / chunk * chunk,
		End:   (blocks.End + chunk - 1) / chunk * chunk,
	}
	if opts.Spec != nil {
		s.spec = *opts.Spec
	}
	must.True(s.spec.Contains(blocks), "speculative io: range ", blocks, " not covered by speculated ", s.spec)

	if !s.write {
		pairs, err := scheme.DeriveRange(s.spec.Start, s.spec.End)
		if err != nil {
			return nil, err
		}
		s.keys = keyTable(pairs)
		return s, nil
	}

	existing, err := s.deviceSectors()
	if err != nil {
		return nil, err
	}
	wfirst, wend := l.widen(first, end, existing)
	old, err := scheme.DeriveRange(blocks.Start, blocks.End)
	if err != nil {
		return nil, err
	}
	s.wfirst = wfirst
	s.base, _, err = s.load(wfirst, wend, nil, openIV(s.crypter, l, keyTable(old), true))
	if err != nil {
		return nil, err
	}

	if err := scheme.SpeculateRange(wal, s.spec.Start, s.spec.End); err != nil {
		return nil, err
	}
	pairs, err := scheme.DeriveMutRange(wal, s.spec.Start, s.spec.End, &s.spec)
	if err != nil {
		return nil, err
	}
	s.keys = keyTable(pairs)
	s.ivs = make(map[int64][]byte, wend-wfirst)
	for sector := wfirst; sector < wend; sector++ {
		iv := make([]byte, l.tagSize)
		if err := s.ivg.Generate(iv); err != nil {
			return nil, err
		}
		markDirty(iv)
		s.ivs[sector] = iv
	}
	return s, nil
}

// Range returns the logical byte range the adapter serves.
func (s *SpeculativeIO) Range() (int64, int) { return s.off, s.length }

// Speculated returns the block range whose keys were derived.
func (s *SpeculativeIO) Speculated() BlockRange { return s.spec }

func (s *SpeculativeIO) check(buf []byte, off int64) {
	must.True(off >= s.off && off+int64(len(buf)) <= s.off+int64(s.length),
		"speculative io: access [", off, ", ", off+int64(len(buf)), ") outside [", s.off, ", ", s.off+int64(s.length), ")")
}

// ReadAt reads logical bytes at off, which must lie inside the adapter's range.
func (s *SpeculativeIO) ReadAt(buf []byte, off int64) (int, error) {
	if err := ValidateReadWrite(buf, off); err != nil {
		return 0, err
	}
	s.check(buf, off)
	if s.write {
		return copy(buf, s.base[off-s.wfirst*s.l.dataSize:]), nil
	}
	return s.readAt(buf, off, func(r BlockRange) (openFunc, error) {
		must.True(s.spec.Contains(r), "speculative io: blocks ", r, " not speculated")
		return openIV(s.crypter, s.l, s.keys, false), nil
	})
}

// WriteAt writes logical bytes at off, which must lie inside the adapter's
// range. The whole blocks touched are rewritten under the speculated keys.
func (s *SpeculativeIO) WriteAt(buf []byte, off int64) (int, error) {
	if err := ValidateReadWrite(buf, off); err != nil {
		return 0, err
	}
	must.True(s.write, "speculative io: write through a read-only adapter")
	s.check(buf, off)
	if len(buf) == 0 {
		return 0, nil
	}
	ds := s.l.dataSize
	copy(s.base[off-s.wfirst*ds:], buf)

	first, end, _ := s.l.span(off, len(buf))
	wend := s.wfirst + int64(len(s.base))/ds
	lo, hi := s.l.widen(first, end, wend)
	lo = max(lo, s.wfirst)

	// Each IV encrypts exactly once; a rewritten sector draws a new one.
	for sector := lo; sector < hi; sector++ {
		if s.ivs[sector] != nil {
			continue
		}
		iv := make([]byte, s.l.tagSize)
		if err := s.ivg.Generate(iv); err != nil {
			return 0, err
		}
		markDirty(iv)
		s.ivs[sector] = iv
	}
	plain := s.base[(lo-s.wfirst)*ds : (hi-s.wfirst)*ds]
	err := s.store(lo, plain, func(sector int64, data, out []byte) error {
		key, ok := s.keys[s.l.block(sector)]
		if !ok {
			return ErrMissingKey
		}
		iv := out[:s.l.tagSize]
		copy(iv, s.ivs[sector])
		body := out[s.l.tagSize:]
		copy(body, data)
		return s.crypter.Encrypt(key, unmarked(iv), body)
	})
	if err != nil {
		return 0, err
	}
	for sector := lo; sector < hi; sector++ {
		delete(s.ivs, sector)
	}
	return len(buf), nil
}
