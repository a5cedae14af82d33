package lethe

// LocalizableScheme is a key manager addressed by (object, block).
type LocalizableScheme interface {
	StableScheme[ObjectKey]
	AffineScheme[ObjectKey]
	SpeculativeScheme[ObjectKey]
}

// Localizer presents one object of a localized scheme as a scheme over
// block ids, so adapters can be built on a single object.
//
// Update rotates the whole underlying scheme and returns only this
// object's keys.
type Localizer struct {
	scheme LocalizableScheme
	object uint64
}

// NewLocalizer binds scheme to object.
func NewLocalizer(scheme LocalizableScheme, object uint64) *Localizer {
	return &Localizer{scheme: scheme, object: object}
}

// Object returns the bound object id.
func (l *Localizer) Object() uint64 { return l.object }

func (l *Localizer) key(block uint64) ObjectKey {
	return ObjectKey{Object: l.object, Block: block}
}

func (l *Localizer) unwrap(pairs []KeyPair[ObjectKey]) []KeyPair[uint64] {
	out := make([]KeyPair[uint64], 0, len(pairs))
	for _, p := range pairs {
		if p.ID.Object == l.object {
			out = append(out, KeyPair[uint64]{ID: p.ID.Block, Key: p.Key})
		}
	}
	return out
}

// Derive returns the current key of block.
func (l *Localizer) Derive(block uint64) (Key, bool, error) {
	return l.scheme.Derive(l.key(block))
}

// DeriveRange returns the current keys of the blocks in [start, end).
func (l *Localizer) DeriveRange(start, end uint64) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.DeriveRange(l.key(start), l.key(end))
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// DeriveMut marks block for rotation and returns its write key.
func (l *Localizer) DeriveMut(wal *WAL[LogEntry], block uint64) (Key, error) {
	return l.scheme.DeriveMut(wal, l.key(block))
}

// DeriveMutRange marks [start, end) and returns their write keys.
func (l *Localizer) DeriveMutRange(wal *WAL[LogEntry], start, end uint64, spec *BlockRange) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.DeriveMutRange(wal, l.key(start), l.key(end), spec)
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// Delete removes block's key.
func (l *Localizer) Delete(wal *WAL[LogEntry], block uint64) error {
	return l.scheme.Delete(wal, l.key(block))
}

// Update rotates the engine and returns the new keys of this object's blocks.
func (l *Localizer) Update(wal *WAL[LogEntry]) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.Update(wal)
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// DeriveReadKey returns the key block had when the epoch began.
func (l *Localizer) DeriveReadKey(block uint64) (Key, bool, error) {
	return l.scheme.DeriveReadKey(l.key(block))
}

// DeriveReadKeys returns the read keys of the blocks in [start, end).
func (l *Localizer) DeriveReadKeys(start, end uint64) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.DeriveReadKeys(l.key(start), l.key(end))
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// DeriveWriteKey returns the key block must be written under this epoch.
func (l *Localizer) DeriveWriteKey(wal *WAL[LogEntry], block uint64) (Key, error) {
	return l.scheme.DeriveWriteKey(wal, l.key(block))
}

// DeriveWriteKeys returns the write keys of [start, end).
func (l *Localizer) DeriveWriteKeys(wal *WAL[LogEntry], start, end uint64, spec *BlockRange) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.DeriveWriteKeys(wal, l.key(start), l.key(end), spec)
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// PendingWriteKeys returns the write keys already handed out in [start, end).
func (l *Localizer) PendingWriteKeys(start, end uint64) ([]KeyPair[uint64], error) {
	pairs, err := l.scheme.PendingWriteKeys(l.key(start), l.key(end))
	if err != nil {
		return nil, err
	}
	return l.unwrap(pairs), nil
}

// SpeculateRange marks [start, end) as speculated for this epoch.
func (l *Localizer) SpeculateRange(wal *WAL[LogEntry], start, end uint64) error {
	return l.scheme.SpeculateRange(wal, l.key(start), l.key(end))
}

var (
	_ LocalizableScheme               = (*Engine)(nil)
	_ LocalizedScheme                 = (*Engine)(nil)
	_ PersistableScheme               = (*Engine)(nil)
	_ InstrumentedScheme[EngineStats] = (*Engine)(nil)
	_ StableScheme[uint64]            = (*Localizer)(nil)
	_ AffineScheme[uint64]            = (*Localizer)(nil)
	_ SpeculativeScheme[uint64]       = (*Localizer)(nil)
	_ StableScheme[uint64]            = (*StableKeyMap)(nil)
	_ UnstableScheme                  = (*UnstableKeyMap)(nil)
	_ AffineScheme[uint64]            = (*AffineKeyMap)(nil)
)
