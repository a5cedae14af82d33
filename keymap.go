package lethe

import (
	"slices"
	"sync"
)

// StableKeyMap keeps one random key per block id in memory. Write keys
// are drawn on the first DeriveMut of an epoch and installed by Update.
// It is the smallest StableScheme and is useful where the key space is
// small enough to hold whole.
type StableKeyMap struct {
	mu      sync.Mutex
	keygen  KeyGenerator
	size    int
	keys    map[uint64]Key
	pending map[uint64]Key
}

// NewStableKeyMap creates an empty key map drawing keys of size bytes from keygen.
func NewStableKeyMap(keygen KeyGenerator, size int) *StableKeyMap {
	if keygen == nil {
		keygen = RandomKeyGenerator{}
	}
	return &StableKeyMap{
		keygen:  keygen,
		size:    size,
		keys:    make(map[uint64]Key),
		pending: make(map[uint64]Key),
	}
}

// Derive returns the current key of id.
func (m *StableKeyMap) Derive(id uint64) (Key, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.current(id)
	return key, ok, nil
}

func (m *StableKeyMap) current(id uint64) (Key, bool) {
	if key, ok := m.pending[id]; ok {
		return key, true
	}
	key, ok := m.keys[id]
	return key, ok
}

// DeriveRange returns the current keys of the ids in [start, end) that have one.
func (m *StableKeyMap) DeriveRange(start, end uint64) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []KeyPair[uint64]
	for id := start; id < end; id++ {
		if key, ok := m.current(id); ok {
			pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
		}
	}
	return pairs, nil
}

func (m *StableKeyMap) mark(id uint64) (Key, error) {
	if key, ok := m.pending[id]; ok {
		return key, nil
	}
	key, err := m.keygen.GenerateKey(m.size)
	if err != nil {
		return nil, err
	}
	m.pending[id] = key
	return key, nil
}

// DeriveMut returns the write key of id for this epoch.
func (m *StableKeyMap) DeriveMut(wal *WAL[LogEntry], id uint64) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := m.mark(id)
	if err != nil {
		return nil, err
	}
	wal.Append(UpdateEntry{Block: id})
	return key, nil
}

// DeriveMutRange returns the write keys of [start, end), journaled as one range.
func (m *StableKeyMap) DeriveMutRange(wal *WAL[LogEntry], start, end uint64, spec *BlockRange) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := BlockRange{Start: start, End: end}
	if spec != nil {
		r = *spec
	}
	pairs := make([]KeyPair[uint64], 0, BlockRange{Start: start, End: end}.Len())
	for id := r.Start; id < r.End; id++ {
		key, err := m.mark(id)
		if err != nil {
			return nil, err
		}
		if id >= start && id < end {
			pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
		}
	}
	if r.Len() > 0 {
		wal.Append(UpdateRangeEntry{Start: r.Start, End: r.End})
	}
	return pairs, nil
}

// Delete forgets id.
func (m *StableKeyMap) Delete(wal *WAL[LogEntry], id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	delete(m.pending, id)
	wal.Append(DeleteEntry{Block: id})
	return nil
}

// Update installs every write key of the epoch and returns them by id.
func (m *StableKeyMap) Update(wal *WAL[LogEntry]) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]KeyPair[uint64], 0, len(m.pending))
	for id, key := range m.pending {
		m.keys[id] = key
		pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
	}
	clear(m.pending)
	sortPairs(pairs)
	wal.Advance(wal.Epoch() + 1)
	return pairs, nil
}

func sortPairs(pairs []KeyPair[uint64]) {
	slices.SortFunc(pairs, func(a, b KeyPair[uint64]) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

// UnstableKeyMap installs a fresh key on every DeriveMut. It backs the
// journaled adapter, which records each key with the block it encrypted.
type UnstableKeyMap struct {
	mu     sync.Mutex
	keygen KeyGenerator
	size   int
	keys   map[uint64]Key
}

// NewUnstableKeyMap creates an empty unstable key map.
func NewUnstableKeyMap(keygen KeyGenerator, size int) *UnstableKeyMap {
	if keygen == nil {
		keygen = RandomKeyGenerator{}
	}
	return &UnstableKeyMap{keygen: keygen, size: size, keys: make(map[uint64]Key)}
}

// Derive returns the installed key of id.
func (m *UnstableKeyMap) Derive(id uint64) (Key, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	return key, ok, nil
}

// DeriveMut installs and returns a fresh key for id.
func (m *UnstableKeyMap) DeriveMut(id uint64) (Key, error) {
	key, err := m.keygen.GenerateKey(m.size)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[id] = key
	return key, nil
}

// Delete forgets id.
func (m *UnstableKeyMap) Delete(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	return nil
}

// Sync installs the key recorded by a journal entry.
func (m *UnstableKeyMap) Sync(entry JournalEntry) error {
	if len(entry.Key) != m.size {
		return NewValidationError("Key", len(entry.Key), "journal entry key has the wrong size")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[entry.Block] = entry.Key.Clone()
	return nil
}

// Update reports nothing; keys are installed as they are derived.
func (m *UnstableKeyMap) Update() ([]KeyPair[uint64], error) {
	return nil, nil
}

// AffineKeyMap keeps installed read keys in memory and derives the write
// keys of an epoch from a per-epoch root with the keyed hash. Update
// installs the write keys of marked ids and draws a new root.
type AffineKeyMap struct {
	mu     sync.Mutex
	hasher Hasher
	keygen KeyGenerator
	root   Key
	keys   map[uint64]Key
	dirty  map[uint64]struct{}
}

// NewAffineKeyMap creates an empty affine key map.
func NewAffineKeyMap(hasher Hasher, keygen KeyGenerator) (*AffineKeyMap, error) {
	if keygen == nil {
		keygen = RandomKeyGenerator{}
	}
	root, err := keygen.GenerateKey(hasher.Size())
	if err != nil {
		return nil, err
	}
	return &AffineKeyMap{
		hasher: hasher,
		keygen: keygen,
		root:   root,
		keys:   make(map[uint64]Key),
		dirty:  make(map[uint64]struct{}),
	}, nil
}

// DeriveReadKey returns the key id was installed with.
func (m *AffineKeyMap) DeriveReadKey(id uint64) (Key, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	return key, ok, nil
}

// DeriveReadKeys returns the installed keys of [start, end).
func (m *AffineKeyMap) DeriveReadKeys(start, end uint64) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []KeyPair[uint64]
	for id := start; id < end; id++ {
		if key, ok := m.keys[id]; ok {
			pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
		}
	}
	return pairs, nil
}

// DeriveWriteKey marks id and returns its write key for this epoch.
func (m *AffineKeyMap) DeriveWriteKey(wal *WAL[LogEntry], id uint64) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[id] = struct{}{}
	wal.Append(UpdateEntry{Block: id})
	return hashIndex(m.hasher, m.root, id)
}

// DeriveWriteKeys marks [start, end), or spec if given, and returns the write keys of [start, end).
func (m *AffineKeyMap) DeriveWriteKeys(wal *WAL[LogEntry], start, end uint64, spec *BlockRange) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := BlockRange{Start: start, End: end}
	if spec != nil {
		r = *spec
	}
	for id := r.Start; id < r.End; id++ {
		m.dirty[id] = struct{}{}
	}
	if r.Len() > 0 {
		wal.Append(UpdateRangeEntry{Start: r.Start, End: r.End})
	}
	var pairs []KeyPair[uint64]
	for id := start; id < end; id++ {
		key, err := hashIndex(m.hasher, m.root, id)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
	}
	return pairs, nil
}

// PendingWriteKeys returns the write keys of the ids in [start, end) marked this epoch.
func (m *AffineKeyMap) PendingWriteKeys(start, end uint64) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pairs []KeyPair[uint64]
	for id := start; id < end; id++ {
		if _, ok := m.dirty[id]; !ok {
			continue
		}
		key, err := hashIndex(m.hasher, m.root, id)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
	}
	return pairs, nil
}

// Delete forgets id.
func (m *AffineKeyMap) Delete(wal *WAL[LogEntry], id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, id)
	delete(m.dirty, id)
	wal.Append(DeleteEntry{Block: id})
	return nil
}

// Update installs the write keys of marked ids and draws the next epoch's root.
func (m *AffineKeyMap) Update(wal *WAL[LogEntry]) ([]KeyPair[uint64], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairs := make([]KeyPair[uint64], 0, len(m.dirty))
	for id := range m.dirty {
		key, err := hashIndex(m.hasher, m.root, id)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: id, Key: key})
	}
	root, err := m.keygen.GenerateKey(m.hasher.Size())
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		m.keys[p.ID] = p.Key
	}
	m.root = root
	clear(m.dirty)
	sortPairs(pairs)
	wal.Advance(wal.Epoch() + 1)
	return pairs, nil
}
