package lethe

import (
	"bytes"
	"fmt"
)

// JournaledIO encrypts whole blocks under keys from an unstable scheme.
// Before a block is overwritten, its new key and plaintext are appended to
// a journal and the journal is persisted, so a write torn by a crash can
// be finished by ReplayJournal.
type JournaledIO struct {
	sectorIO
	scheme  UnstableScheme
	journal *WAL[JournalEntry]
	rootKey Key
	object  uint64
	crypter Crypter
}

// NewJournaledIO creates a journaled adapter for object over dev. The
// journal is persisted under rootKey before every device write.
func NewJournaledIO(dev BlockDevice, scheme UnstableScheme, journal *WAL[JournalEntry], rootKey Key, object uint64, opts *AdapterOptions) (*JournaledIO, error) {
	o := adapterOptions(opts)
	geo := o.Geometry
	geo.SectorSize = geo.BlockSize
	l, err := newLayout(geo, 0)
	if err != nil {
		return nil, err
	}
	return &JournaledIO{
		sectorIO: sectorIO{dev: dev, l: l, parallel: o.Parallel},
		scheme:   scheme,
		journal:  journal,
		rootKey:  rootKey.Clone(),
		object:   object,
		crypter:  o.Crypter,
	}, nil
}

func (j *JournaledIO) opener(r BlockRange) (openFunc, error) {
	keys := make(map[uint64]Key, r.Len())
	for b := r.Start; b < r.End; b++ {
		key, ok, err := j.scheme.Derive(b)
		if err != nil {
			return nil, err
		}
		if ok {
			keys[b] = key
		}
	}
	return openOnetime(j.crypter, j.l, keys), nil
}

// ReadAt reads bytes at off.
func (j *JournaledIO) ReadAt(buf []byte, off int64) (int, error) {
	return j.readAt(buf, off, j.opener)
}

// WriteAt writes bytes at off. Every block touched gets a fresh key, and
// one journal entry per block is made durable before the device write.
func (j *JournaledIO) WriteAt(buf []byte, off int64) (int, error) {
	return j.writeAt(buf, off, false, j.opener, func(r BlockRange, first int64, plain []byte) (sealFunc, error) {
		keys := make(map[uint64]Key, r.Len())
		size := j.l.dataSize
		for b := r.Start; b < r.End; b++ {
			key, err := j.scheme.DeriveMut(b)
			if err != nil {
				return nil, err
			}
			keys[b] = key
			i := int64(b) - first
			j.journal.Append(JournalEntry{
				ID:    j.object,
				Block: b,
				Key:   key,
				Data:  bytes.Clone(plain[i*size : (i+1)*size]),
			})
		}
		if err := j.journal.Persist(j.rootKey); err != nil {
			return nil, err
		}
		return func(sector int64, data, out []byte) error {
			copy(out, data)
			return j.crypter.OnetimeEncrypt(keys[j.l.block(sector)], out)
		}, nil
	})
}

// Sync flushes the device and then drops the journal, whose writes are
// now durable.
func (j *JournaledIO) Sync() error {
	if err := j.dev.Sync(); err != nil {
		return NewIOError("sync", "", err)
	}
	j.journal.Clear()
	return j.journal.Persist(j.rootKey)
}

// ReplayJournal reinstalls the key of every entry in journal and rewrites
// its block, completing writes torn by a crash. Entries for other objects
// are skipped.
func ReplayJournal(journal *WAL[JournalEntry], scheme UnstableScheme, jio *JournaledIO) error {
	for _, entry := range journal.All() {
		if entry.ID != jio.object {
			continue
		}
		if len(entry.Data) != int(jio.l.dataSize) {
			return NewCorruptionError("", fmt.Sprintf("journal entry for block %d holds %d bytes", entry.Block, len(entry.Data)), nil)
		}
		if err := scheme.Sync(entry); err != nil {
			return err
		}
		block := bytes.Clone(entry.Data)
		if err := jio.crypter.OnetimeEncrypt(entry.Key, block); err != nil {
			return err
		}
		if err := WriteFullAt(jio.dev, block, int64(entry.Block)*jio.l.sectorSize); err != nil {
			return err
		}
	}
	return jio.dev.Sync()
}
