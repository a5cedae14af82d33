package lethe

// UnpaddedIO encrypts whole blocks with the one-time mode of the cipher
// and stores no IVs, so logical and device offsets coincide. A block key
// must never encrypt two different plaintexts, which holds as long as each
// block is written at most once per epoch.
type UnpaddedIO struct {
	sectorIO
	scheme  StableScheme[uint64]
	wal     *WAL[LogEntry]
	crypter Crypter
}

// NewUnpaddedIO creates an unpadded adapter over dev. Its unit is the
// geometry's block size; the sector size is ignored.
func NewUnpaddedIO(dev BlockDevice, scheme StableScheme[uint64], wal *WAL[LogEntry], opts *AdapterOptions) (*UnpaddedIO, error) {
	o := adapterOptions(opts)
	geo := o.Geometry
	geo.SectorSize = geo.BlockSize
	l, err := newLayout(geo, 0)
	if err != nil {
		return nil, err
	}
	return &UnpaddedIO{
		sectorIO: sectorIO{dev: dev, l: l, parallel: o.Parallel},
		scheme:   scheme,
		wal:      wal,
		crypter:  o.Crypter,
	}, nil
}

// openOnetime decrypts tagless blocks. Blocks without a key read as zeros.
func openOnetime(c Crypter, l layout, keys map[uint64]Key) openFunc {
	return func(sector int64, raw, out []byte) error {
		key, ok := keys[l.block(sector)]
		if !ok {
			clear(out)
			return nil
		}
		copy(out, raw)
		return c.OnetimeDecrypt(key, out)
	}
}

func sealOnetime(c Crypter, l layout, keys map[uint64]Key) sealFunc {
	return func(sector int64, data, out []byte) error {
		key, ok := keys[l.block(sector)]
		if !ok {
			return ErrMissingKey
		}
		copy(out, data)
		return c.OnetimeEncrypt(key, out)
	}
}

func (u *UnpaddedIO) opener(r BlockRange) (openFunc, error) {
	pairs, err := u.scheme.DeriveRange(r.Start, r.End)
	if err != nil {
		return nil, err
	}
	return openOnetime(u.crypter, u.l, keyTable(pairs)), nil
}

// ReadAt reads bytes at off.
func (u *UnpaddedIO) ReadAt(buf []byte, off int64) (int, error) {
	return u.readAt(buf, off, u.opener)
}

// WriteAt writes bytes at off, re-encrypting every block touched.
func (u *UnpaddedIO) WriteAt(buf []byte, off int64) (int, error) {
	return u.writeAt(buf, off, false, u.opener, func(r BlockRange, _ int64, _ []byte) (sealFunc, error) {
		pairs, err := u.scheme.DeriveMutRange(u.wal, r.Start, r.End, nil)
		if err != nil {
			return nil, err
		}
		return sealOnetime(u.crypter, u.l, keyTable(pairs)), nil
	})
}

// Sync flushes the device.
func (u *UnpaddedIO) Sync() error {
	if err := u.dev.Sync(); err != nil {
		return NewIOError("sync", "", err)
	}
	return nil
}
