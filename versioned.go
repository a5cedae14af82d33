package lethe

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// versionSize is the stored tag of a versioned sector.
const versionSize = 8

// VersionedIO tags each sector with the little-endian version it was
// written at instead of an IV. Sectors written before the current version
// decrypt with their block's read key, sectors written at it with the
// block's pending write key, so a block may hold sectors from both sides
// of an epoch boundary.
//
// The IV is derived from the version and the sector's index within its
// block, which is unique under the block's key; the caller must
// advance the version before rewriting a sector under the same key.
// Version zero marks a sector that was never written.
type VersionedIO struct {
	sectorIO
	scheme  AffineScheme[uint64]
	wal     *WAL[LogEntry]
	crypter Crypter
	version atomic.Uint64
}

// NewVersionedIO creates a versioned adapter writing at version, which must be positive.
func NewVersionedIO(dev BlockDevice, scheme AffineScheme[uint64], wal *WAL[LogEntry], version uint64, opts *AdapterOptions) (*VersionedIO, error) {
	if version == 0 {
		return nil, NewValidationError("version", version, "version must be positive")
	}
	o := adapterOptions(opts)
	if o.Crypter.IVSize() < 12 {
		return nil, NewValidationError("Crypter", o.Crypter.Suite(), "iv too short for a derived sector iv")
	}
	l, err := newLayout(o.Geometry, versionSize)
	if err != nil {
		return nil, err
	}
	v := &VersionedIO{
		sectorIO: sectorIO{dev: dev, l: l, parallel: o.Parallel},
		scheme:   scheme,
		wal:      wal,
		crypter:  o.Crypter,
	}
	v.version.Store(version)
	return v, nil
}

// Version returns the version new writes are tagged with.
func (v *VersionedIO) Version() uint64 { return v.version.Load() }

// SetVersion changes the version new writes are tagged with.
func (v *VersionedIO) SetVersion(version uint64) {
	v.version.Store(version)
}

// DataSize returns the logical bytes carried by one sector.
func (v *VersionedIO) DataSize() int { return int(v.l.dataSize) }

func (v *VersionedIO) sectorIV(sector int64, version uint64) []byte {
	iv := make([]byte, v.crypter.IVSize())
	binary.LittleEndian.PutUint64(iv[0:8], version)
	binary.LittleEndian.PutUint32(iv[8:12], uint32(sector%v.l.perBlock))
	return iv
}

func (v *VersionedIO) opener(current uint64) func(BlockRange) (openFunc, error) {
	return func(r BlockRange) (openFunc, error) {
		readPairs, err := v.scheme.DeriveReadKeys(r.Start, r.End)
		if err != nil {
			return nil, err
		}
		pendingPairs, err := v.scheme.PendingWriteKeys(r.Start, r.End)
		if err != nil {
			return nil, err
		}
		read, pending := keyTable(readPairs), keyTable(pendingPairs)
		return func(sector int64, raw, out []byte) error {
			version := binary.LittleEndian.Uint64(raw[:versionSize])
			if version == 0 {
				clear(out)
				return nil
			}
			if version > current {
				return NewCorruptionError("", fmt.Sprintf("sector %d has version %d beyond current %d", sector, version, current), nil)
			}
			block := v.l.block(sector)
			key, ok := read[block]
			if version == current {
				if k, found := pending[block]; found {
					key, ok = k, true
				}
			}
			if !ok {
				return fmt.Errorf("sector %d: %w", sector, ErrMissingKey)
			}
			copy(out, raw[versionSize:])
			return v.crypter.Decrypt(key, v.sectorIV(sector, version), out)
		}, nil
	}
}

// ReadAt reads logical bytes at off.
func (v *VersionedIO) ReadAt(buf []byte, off int64) (int, error) {
	return v.readAt(buf, off, v.opener(v.Version()))
}

// WriteAt writes logical bytes at off tagged with the current version.
func (v *VersionedIO) WriteAt(buf []byte, off int64) (int, error) {
	current := v.Version()
	return v.writeAt(buf, off, false, v.opener(current), func(r BlockRange, _ int64, _ []byte) (sealFunc, error) {
		pairs, err := v.scheme.DeriveWriteKeys(v.wal, r.Start, r.End, nil)
		if err != nil {
			return nil, err
		}
		keys := keyTable(pairs)
		return func(sector int64, data, out []byte) error {
			key, ok := keys[v.l.block(sector)]
			if !ok {
				return fmt.Errorf("sector %d: %w", sector, ErrMissingKey)
			}
			binary.LittleEndian.PutUint64(out[:versionSize], current)
			body := out[versionSize:]
			copy(body, data)
			return v.crypter.Encrypt(key, v.sectorIV(sector, current), body)
		}, nil
	})
}

// Sync flushes the device.
func (v *VersionedIO) Sync() error {
	if err := v.dev.Sync(); err != nil {
		return NewIOError("sync", "", err)
	}
	return nil
}
