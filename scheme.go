package lethe

// The key-management contracts. A key manager implements whichever of
// these it supports; adapters ask only for the contract they need.

// StableScheme hands out keys that stay valid until the next Update.
//
// Derive reports false for ids that have no key yet. DeriveMut creates the
// key if needed, marks it for rotation and journals the mutation in wal.
// Update rotates every marked key and returns the new keys.
type StableScheme[ID any] interface {
	Derive(id ID) (Key, bool, error)
	DeriveRange(start, end ID) ([]KeyPair[ID], error)
	DeriveMut(wal *WAL[LogEntry], id ID) (Key, error)
	// DeriveMutRange returns write keys for [start, end). A non-nil spec
	// must contain the range and is journaled as one speculation interval.
	DeriveMutRange(wal *WAL[LogEntry], start, end ID, spec *BlockRange) ([]KeyPair[ID], error)
	Delete(wal *WAL[LogEntry], id ID) error
	Update(wal *WAL[LogEntry]) ([]KeyPair[ID], error)
}

// UnstableScheme installs a fresh key on every DeriveMut. There is no
// epoch: Update always reports nothing and Sync applies one journal entry.
type UnstableScheme interface {
	Derive(id uint64) (Key, bool, error)
	DeriveMut(id uint64) (Key, error)
	Delete(id uint64) error
	Sync(entry JournalEntry) error
	Update() ([]KeyPair[uint64], error)
}

// AffineScheme separates read keys, which decrypt ciphertext written
// before the current epoch, from write keys for the current epoch.
type AffineScheme[ID any] interface {
	DeriveReadKey(id ID) (Key, bool, error)
	DeriveReadKeys(start, end ID) ([]KeyPair[ID], error)
	DeriveWriteKey(wal *WAL[LogEntry], id ID) (Key, error)
	DeriveWriteKeys(wal *WAL[LogEntry], start, end ID, spec *BlockRange) ([]KeyPair[ID], error)
	// PendingWriteKeys returns the write keys of ids in [start, end) that
	// were already handed out this epoch, without marking anything.
	PendingWriteKeys(start, end ID) ([]KeyPair[ID], error)
}

// SpeculativeScheme journals a range of future write derivations at once
// so later derivations inside the range need no journal appends.
type SpeculativeScheme[ID any] interface {
	SpeculateRange(wal *WAL[LogEntry], start, end ID) error
}

// LocalizedScheme addresses keys by (object, block).
type LocalizedScheme interface {
	DeleteObject(wal *WAL[LogEntry], object uint64) error
	TruncateObject(wal *WAL[LogEntry], object uint64, numKeys uint64) error
}

// PersistableScheme writes its state, encrypted under rootKey, into dir.
// Loading is done by a constructor of the concrete type, which treats a
// missing dir as fresh state.
type PersistableScheme interface {
	Persist(rootKey Key, dir string) error
}

// InstrumentedScheme reports internal statistics.
type InstrumentedScheme[S any] interface {
	Stats() S
}
