package lethe

import (
	"fmt"
)

// AdapterOptions configures the crypto of an adapter.
type AdapterOptions struct {
	// Crypter encrypts sectors. Defaults to AES-256-CTR.
	Crypter Crypter
	// IVGenerator supplies fresh sector IVs. Defaults to RandomIVGenerator.
	IVGenerator IVGenerator
	// Geometry lays out sectors and blocks. Zero fields take their defaults.
	Geometry Geometry
	// Parallel spreads sector crypto over a worker pool.
	Parallel ParallelConfig
}

func (o *AdapterOptions) setDefaults() {
	if o.Crypter == nil {
		o.Crypter = NewAESCTRCrypter()
	}
	if o.IVGenerator == nil {
		o.IVGenerator = RandomIVGenerator{}
	}
	o.Geometry.setDefaults()
}

func adapterOptions(opts *AdapterOptions) AdapterOptions {
	var o AdapterOptions
	if opts != nil {
		o = *opts
	}
	o.setDefaults()
	return o
}

// PaddedIO stores a fresh IV at the head of every sector and keys sectors
// by block. Each rewritten sector gets a new IV carrying the dirty marker.
type PaddedIO struct {
	sectorIO
	scheme  StableScheme[uint64]
	wal     *WAL[LogEntry]
	crypter Crypter
	ivg     IVGenerator
}

// NewPaddedIO creates a padded adapter over dev.
func NewPaddedIO(dev BlockDevice, scheme StableScheme[uint64], wal *WAL[LogEntry], opts *AdapterOptions) (*PaddedIO, error) {
	o := adapterOptions(opts)
	l, err := newLayout(o.Geometry, o.Crypter.IVSize())
	if err != nil {
		return nil, err
	}
	return &PaddedIO{
		sectorIO: sectorIO{dev: dev, l: l, parallel: o.Parallel},
		scheme:   scheme,
		wal:      wal,
		crypter:  o.Crypter,
		ivg:      o.IVGenerator,
	}, nil
}

// DataSize returns the logical bytes carried by one sector.
func (p *PaddedIO) DataSize() int { return int(p.l.dataSize) }

// openIV decrypts sectors whose IV is stored in their tag. An all-zero
// tag is a sector that was never written. A sector whose block has no key
// is an error unless lenient, in which case it reads as zeros.
func openIV(c Crypter, l layout, keys map[uint64]Key, lenient bool) openFunc {
	return func(sector int64, raw, out []byte) error {
		iv := raw[:l.tagSize]
		if isZero(iv) {
			clear(out)
			return nil
		}
		key, ok := keys[l.block(sector)]
		if !ok {
			if lenient {
				clear(out)
				return nil
			}
			return fmt.Errorf("sector %d: %w", sector, ErrMissingKey)
		}
		copy(out, raw[l.tagSize:])
		return c.Decrypt(key, unmarked(iv), out)
	}
}

// sealIV encrypts sectors under fresh dirty-marked IVs.
func sealIV(c Crypter, ivg IVGenerator, l layout, keys map[uint64]Key) sealFunc {
	return func(sector int64, data, out []byte) error {
		key, ok := keys[l.block(sector)]
		if !ok {
			return fmt.Errorf("sector %d: %w", sector, ErrMissingKey)
		}
		iv := out[:l.tagSize]
		if err := ivg.Generate(iv); err != nil {
			return err
		}
		markDirty(iv)
		body := out[l.tagSize:]
		copy(body, data)
		return c.Encrypt(key, unmarked(iv), body)
	}
}

func (p *PaddedIO) opener(lenient bool) func(BlockRange) (openFunc, error) {
	return func(r BlockRange) (openFunc, error) {
		pairs, err := p.scheme.DeriveRange(r.Start, r.End)
		if err != nil {
			return nil, err
		}
		return openIV(p.crypter, p.l, keyTable(pairs), lenient), nil
	}
}

// ReadAt reads logical bytes at off.
func (p *PaddedIO) ReadAt(buf []byte, off int64) (int, error) {
	return p.readAt(buf, off, p.opener(false))
}

// WriteAt writes logical bytes at off. The blocks touched are marked for
// rotation and rewritten whole under their write keys.
func (p *PaddedIO) WriteAt(buf []byte, off int64) (int, error) {
	return p.writeAt(buf, off, true, p.opener(true), func(r BlockRange, _ int64, _ []byte) (sealFunc, error) {
		pairs, err := p.scheme.DeriveMutRange(p.wal, r.Start, r.End, nil)
		if err != nil {
			return nil, err
		}
		return sealIV(p.crypter, p.ivg, p.l, keyTable(pairs)), nil
	})
}

// Sync flushes the device.
func (p *PaddedIO) Sync() error {
	if err := p.dev.Sync(); err != nil {
		return NewIOError("sync", "", err)
	}
	return nil
}
