package lethe

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/absfs/absfs"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	lru "github.com/hashicorp/golang-lru/v2"
)

// blockKey addresses a block by forest id, which unlike an object id is
// never reused.
type blockKey struct {
	forest uint64
	block  uint64
}

// EngineStats describes the state of an engine.
type EngineStats struct {
	Epoch             uint64
	Objects           int
	DirtyObjects      int
	System            ForestStats
	Arena             ArenaStats
	ReadCacheKeys     int
	WriteCacheKeys    int
	SpeculatedForests int
}

// Engine is a localized secure-deletion key manager. Each object owns a
// forest whose leaves are the object's block keys. The forest is sealed in
// its own file under an unlock key derived from the system forest at the
// object's forest id. Rotating an object's keys rotates its unlock key too,
// so an old forest file is unreadable once the system forest has been
// persisted after an update.
//
// Every mutation is journaled in the caller's WAL. Update replays the
// journal of the current epoch, so an engine reloaded from its last
// persisted state reproduces the keys a crashed engine would have
// installed.
//
// An Engine is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	fs      absfs.FileSystem
	config  Config
	hasher  Hasher
	crypter Crypter
	sealer  *OneshotIO

	systemParams ForestParams
	objectParams ForestParams

	system *Forest
	ids    *IDManager[uint64, uint64]
	arena  *Arena
	epoch  uint64

	dirtyObjects map[uint64]struct{}
	readCache    *keyCache[blockKey]
	writeCache   *keyCache[blockKey]
	speculated   *lru.Cache[uint64, []BlockRange]
}

// NewEngine creates an empty engine keeping its files under dir.
func NewEngine(fs absfs.FileSystem, dir string, config *Config) (*Engine, error) {
	e, err := newEngine(fs, dir, config)
	if err != nil {
		return nil, err
	}
	e.system, err = GenerateForest(e.systemParams)
	if err != nil {
		return nil, err
	}
	e.ids = NewIDManager[uint64, uint64](NewSequentialAllocator())
	log.Debug.Printf("engine %s: created", dir)
	return e, nil
}

func newEngine(fs absfs.FileSystem, dir string, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg := *config
	cfg.setDefaults()

	hasher, err := NewHasher(cfg.Hash)
	if err != nil {
		return nil, err
	}
	crypter, err := NewCrypter(cfg.Cipher)
	if err != nil {
		return nil, err
	}
	if hasher.Size() != crypter.KeySize() {
		return nil, NewValidationError("Hash", cfg.Hash, fmt.Sprintf("hash size %d does not match %s key size %d", hasher.Size(), cfg.Cipher, crypter.KeySize()))
	}
	systemTopo, err := NewTopology(cfg.SystemFanouts)
	if err != nil {
		return nil, err
	}
	objectTopo, err := NewTopology(cfg.ObjectFanouts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		fs:           fs,
		config:       cfg,
		hasher:       hasher,
		crypter:      crypter,
		sealer:       NewOneshotIO(crypter, hasher, cfg.IVGenerator),
		systemParams: ForestParams{Topology: systemTopo, Hasher: hasher, KeyGenerator: cfg.KeyGenerator, CacheSize: cfg.ForestCacheSize},
		objectParams: ForestParams{Topology: objectTopo, Hasher: hasher, KeyGenerator: cfg.KeyGenerator, CacheSize: cfg.ForestCacheSize},
		dirtyObjects: make(map[uint64]struct{}),
		readCache:    newKeyCache[blockKey](cfg.KeyCacheSize),
		writeCache:   newKeyCache[blockKey](cfg.KeyCacheSize),
	}
	e.arena, err = NewArena(fs, dir, cfg.MemoryLimit, e.sealer, e.objectParams)
	if err != nil {
		return nil, err
	}
	e.speculated, err = lru.New[uint64, []BlockRange](max(cfg.SpeculationCacheSize, 1))
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Epoch returns the number of updates applied.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch
}

// Dir returns the directory holding the engine's files.
func (e *Engine) Dir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.arena.Dir()
}

// Crypter returns the cipher the engine seals its files with.
func (e *Engine) Crypter() Crypter { return e.crypter }

// Hasher returns the keyed hash the engine's forests derive keys with.
func (e *Engine) Hasher() Hasher { return e.hasher }

func (e *Engine) journal(wal *WAL[LogEntry], entry LogEntry) {
	wal.AppendAt(e.epoch, entry)
}

// overhead is the memory held outside the arena, charged against its limit.
func (e *Engine) overhead() int {
	keySize := e.hasher.Size()
	return e.system.MemSize() + (e.readCache.len()+e.writeCache.len())*(48+keySize)
}

// load borrows the forest of fid, unsealing it under its current unlock key.
func (e *Engine) load(fid uint64) (*Handle, error) {
	if h, ok := e.arena.Get(fid); ok {
		return h, nil
	}
	key, err := e.system.Derive(fid)
	if err != nil {
		return nil, &LoadError{ForestID: fid, Path: e.arena.Path(fid), Err: err}
	}
	h, err := e.arena.Load(fid, key, e.overhead())
	if err == nil || !IsAuthenticationError(err) || e.system.IsDirty(fid) {
		return h, err
	}
	// A forest evicted during this epoch is sealed under its write key,
	// which a restarted engine no longer has marked.
	wkey, werr := e.system.WriteKey(fid)
	if werr != nil {
		return nil, err
	}
	h, werr = e.arena.Load(fid, wkey, e.overhead())
	if werr != nil {
		return nil, err
	}
	e.system.Mark(fid)
	log.Printf("engine: forest %d recovered under its pending key", fid)
	return h, nil
}

// allocate maps object to a new forest drawn from fresh roots.
func (e *Engine) allocate(wal *WAL[LogEntry], object uint64) (*Handle, uint64, error) {
	root, err := e.config.KeyGenerator.GenerateKey(e.hasher.Size())
	if err != nil {
		return nil, 0, err
	}
	spanning, err := e.config.KeyGenerator.GenerateKey(e.hasher.Size())
	if err != nil {
		return nil, 0, err
	}
	fid, err := e.ids.Insert(object)
	if err != nil {
		return nil, 0, err
	}
	h, err := e.install(object, fid, root, spanning)
	if err != nil {
		e.ids.Remove(object)
		return nil, 0, err
	}
	e.journal(wal, AllocEntry{ID: object, ForestID: fid, RootKey: root, SpanningRootKey: spanning})
	log.Debug.Printf("engine: object %d allocated forest %d", object, fid)
	return h, fid, nil
}

// install creates the forest of fid and marks its unlock key for rotation.
func (e *Engine) install(object, fid uint64, root, spanning Key) (*Handle, error) {
	key, err := e.system.DeriveMut(fid)
	if err != nil {
		return nil, err
	}
	h, err := e.arena.Insert(fid, NewForest(e.objectParams, root, spanning), key, e.overhead())
	if err != nil {
		return nil, err
	}
	e.dirtyObjects[object] = struct{}{}
	return h, nil
}

// touch borrows the forest of fid for mutation. The forest is loaded
// before its unlock key is marked, since its file is sealed under the
// unmarked key.
func (e *Engine) touch(object, fid uint64) (*Handle, error) {
	h, err := e.load(fid)
	if err != nil {
		return nil, err
	}
	if !e.system.IsDirty(fid) {
		key, err := e.system.DeriveMut(fid)
		if err != nil {
			h.Release()
			return nil, err
		}
		h.MarkDirty(key)
	} else {
		h.MarkDirty(h.Key())
	}
	e.dirtyObjects[object] = struct{}{}
	return h, nil
}

// mutable borrows the forest of object for mutation, allocating one if needed.
func (e *Engine) mutable(wal *WAL[LogEntry], object uint64) (*Handle, uint64, error) {
	fid, ok := e.ids.Get(object)
	if !ok {
		return e.allocate(wal, object)
	}
	h, err := e.touch(object, fid)
	return h, fid, err
}

func (e *Engine) isSpeculated(fid uint64, r BlockRange) bool {
	ranges, ok := e.speculated.Peek(fid)
	if !ok {
		return false
	}
	for _, s := range ranges {
		if s.Contains(r) {
			return true
		}
	}
	return false
}

func (e *Engine) addSpeculated(fid uint64, r BlockRange) {
	ranges, _ := e.speculated.Get(fid)
	e.speculated.Add(fid, append(ranges, r))
}

// Derive returns the key currently protecting a block. It reports false if
// the object or block has no key.
func (e *Engine) Derive(id ObjectKey) (Key, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.derive(id, false)
}

func (e *Engine) derive(id ObjectKey, installed bool) (Key, bool, error) {
	fid, ok := e.ids.Get(id.Object)
	if !ok {
		return nil, false, nil
	}
	bk := blockKey{fid, id.Block}
	if !installed {
		if key, ok := e.readCache.get(bk); ok {
			return key, true, nil
		}
	}
	h, err := e.load(fid)
	if err != nil {
		return nil, false, err
	}
	defer h.Release()
	var key Key
	if installed {
		key, err = h.Forest().DeriveInstalled(id.Block)
	} else {
		key, err = h.Forest().Derive(id.Block)
	}
	if errors.Is(err, ErrOutOfRange) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !installed {
		e.readCache.add(bk, key)
	}
	return key, true, nil
}

// DeriveRange returns the current keys of the derivable blocks in
// [start, end), which must address the same object.
func (e *Engine) DeriveRange(start, end ObjectKey) ([]KeyPair[ObjectKey], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveRange(start, end, false)
}

func (e *Engine) deriveRange(start, end ObjectKey, installed bool) ([]KeyPair[ObjectKey], error) {
	must.True(start.Object == end.Object, "engine: range spans objects ", start.Object, " and ", end.Object)
	var pairs []KeyPair[ObjectKey]
	for b := start.Block; b < end.Block; b++ {
		id := ObjectKey{Object: start.Object, Block: b}
		key, ok, err := e.derive(id, installed)
		if err != nil {
			return nil, err
		}
		if ok {
			pairs = append(pairs, KeyPair[ObjectKey]{ID: id, Key: key})
		}
	}
	return pairs, nil
}

// DeriveMut marks a block for rotation and returns the key it must be
// written under this epoch.
func (e *Engine) DeriveMut(wal *WAL[LogEntry], id ObjectKey) (Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveMut(wal, id)
}

func (e *Engine) deriveMut(wal *WAL[LogEntry], id ObjectKey) (Key, error) {
	if fid, ok := e.ids.Get(id.Object); ok {
		if key, ok := e.writeCache.get(blockKey{fid, id.Block}); ok {
			if !e.isSpeculated(fid, BlockRange{id.Block, id.Block + 1}) {
				e.journal(wal, UpdateEntry{ID: id.Object, Block: id.Block})
			}
			return key, nil
		}
	}
	h, fid, err := e.mutable(wal, id.Object)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	key, err := h.Forest().DeriveMut(id.Block)
	if err != nil {
		return nil, err
	}
	if !e.isSpeculated(fid, BlockRange{id.Block, id.Block + 1}) {
		e.journal(wal, UpdateEntry{ID: id.Object, Block: id.Block})
	}
	bk := blockKey{fid, id.Block}
	e.readCache.add(bk, key)
	e.writeCache.add(bk, key)
	return key, nil
}

// DeriveMutRange marks [start, end) and returns their write keys. A
// non-nil spec must contain the range; it is marked and journaled as a
// whole unless it was already.
func (e *Engine) DeriveMutRange(wal *WAL[LogEntry], start, end ObjectKey, spec *BlockRange) ([]KeyPair[ObjectKey], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveMutRange(wal, start, end, spec)
}

func (e *Engine) deriveMutRange(wal *WAL[LogEntry], start, end ObjectKey, spec *BlockRange) ([]KeyPair[ObjectKey], error) {
	must.True(start.Object == end.Object, "engine: range spans objects ", start.Object, " and ", end.Object)
	r := BlockRange{Start: start.Block, End: end.Block}
	if r.Len() == 0 {
		return nil, nil
	}
	interval := r
	if spec != nil {
		must.True(spec.Contains(r), "engine: range ", r, " outside speculated ", *spec)
		interval = *spec
	}
	h, fid, err := e.mutable(wal, start.Object)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	if err := e.speculate(wal, h, start.Object, fid, interval); err != nil {
		return nil, err
	}
	pairs := make([]KeyPair[ObjectKey], 0, r.Len())
	for b := r.Start; b < r.End; b++ {
		key, err := h.Forest().WriteKey(b)
		if err != nil {
			return nil, err
		}
		bk := blockKey{fid, b}
		e.readCache.add(bk, key)
		e.writeCache.add(bk, key)
		pairs = append(pairs, KeyPair[ObjectKey]{ID: ObjectKey{Object: start.Object, Block: b}, Key: key})
	}
	return pairs, nil
}

// speculate marks interval in the borrowed forest and journals it once.
func (e *Engine) speculate(wal *WAL[LogEntry], h *Handle, object, fid uint64, interval BlockRange) error {
	if e.isSpeculated(fid, interval) {
		return nil
	}
	h.Forest().MarkRange(interval.Start, interval.End)
	for b := interval.Start; b < interval.End; b++ {
		e.readCache.remove(blockKey{fid, b})
	}
	e.journal(wal, UpdateRangeEntry{ID: object, Start: interval.Start, End: interval.End})
	e.addSpeculated(fid, interval)
	return nil
}

// SpeculateRange marks [start, end) for rotation with a single journal
// entry. Later derivations inside the range are not journaled again.
func (e *Engine) SpeculateRange(wal *WAL[LogEntry], start, end ObjectKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	must.True(start.Object == end.Object, "engine: range spans objects ", start.Object, " and ", end.Object)
	r := BlockRange{Start: start.Block, End: end.Block}
	if r.Len() == 0 {
		return nil
	}
	h, fid, err := e.mutable(wal, start.Object)
	if err != nil {
		return err
	}
	defer h.Release()
	return e.speculate(wal, h, start.Object, fid, r)
}

// Delete forgets a block's key. A block of an unmapped object is ignored.
func (e *Engine) Delete(wal *WAL[LogEntry], id ObjectKey) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fid, ok := e.ids.Get(id.Object)
	if !ok {
		return nil
	}
	h, err := e.touch(id.Object, fid)
	if err != nil {
		return err
	}
	defer h.Release()
	e.deleteBlock(wal, h, id.Object, fid, id.Block)
	return nil
}

func (e *Engine) deleteBlock(wal *WAL[LogEntry], h *Handle, object, fid, block uint64) {
	if h.Forest().Delete(block) {
		e.journal(wal, DeleteEntry{ID: object, Block: block})
	} else {
		e.journal(wal, UpdateEntry{ID: object, Block: block})
	}
	bk := blockKey{fid, block}
	e.readCache.remove(bk)
	e.writeCache.remove(bk)
	// Intervals journaled before the delete no longer vouch for later writes.
	e.speculated.Remove(fid)
}

// DeleteObject destroys an object's forest and forgets its mapping.
func (e *Engine) DeleteObject(wal *WAL[LogEntry], object uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fid, ok := e.ids.Get(object)
	if !ok {
		return nil
	}
	if err := e.removeObject(object, fid); err != nil {
		return err
	}
	e.journal(wal, DeleteObjectEntry{ID: object})
	e.journal(wal, DeallocEntry{ID: object, ForestID: fid})
	return nil
}

func (e *Engine) removeObject(object, fid uint64) error {
	e.ids.Remove(object)
	e.system.Delete(fid)
	delete(e.dirtyObjects, object)
	e.readCache.purge()
	e.writeCache.purge()
	e.speculated.Remove(fid)
	if err := e.arena.Remove(fid); err != nil {
		return err
	}
	log.Debug.Printf("engine: object %d deleted forest %d", object, fid)
	return nil
}

// TruncateObject deletes the keys of every block from numKeys upward,
// highest first.
func (e *Engine) TruncateObject(wal *WAL[LogEntry], object uint64, numKeys uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fid, ok := e.ids.Get(object)
	if !ok {
		return nil
	}
	h, err := e.touch(object, fid)
	if err != nil {
		return err
	}
	defer h.Release()
	for b := h.Forest().NumKeys(); b > numKeys; b-- {
		e.deleteBlock(wal, h, object, fid, b-1)
	}
	return nil
}

// NumKeys returns the number of blocks allocated to object.
func (e *Engine) NumKeys(object uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fid, ok := e.ids.Get(object)
	if !ok {
		return 0, nil
	}
	h, err := e.load(fid)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	return h.Forest().NumKeys(), nil
}

// DeriveReadKey returns the key a block had when the epoch began.
func (e *Engine) DeriveReadKey(id ObjectKey) (Key, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.derive(id, true)
}

// DeriveReadKeys returns the read keys of [start, end).
func (e *Engine) DeriveReadKeys(start, end ObjectKey) ([]KeyPair[ObjectKey], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deriveRange(start, end, true)
}

// DeriveWriteKey is DeriveMut.
func (e *Engine) DeriveWriteKey(wal *WAL[LogEntry], id ObjectKey) (Key, error) {
	return e.DeriveMut(wal, id)
}

// DeriveWriteKeys is DeriveMutRange.
func (e *Engine) DeriveWriteKeys(wal *WAL[LogEntry], start, end ObjectKey, spec *BlockRange) ([]KeyPair[ObjectKey], error) {
	return e.DeriveMutRange(wal, start, end, spec)
}

// PendingWriteKeys returns the write keys of the blocks in [start, end)
// marked this epoch.
func (e *Engine) PendingWriteKeys(start, end ObjectKey) ([]KeyPair[ObjectKey], error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	must.True(start.Object == end.Object, "engine: range spans objects ", start.Object, " and ", end.Object)
	fid, ok := e.ids.Get(start.Object)
	if !ok {
		return nil, nil
	}
	h, err := e.load(fid)
	if err != nil {
		return nil, err
	}
	defer h.Release()
	var pairs []KeyPair[ObjectKey]
	for b := start.Block; b < end.Block; b++ {
		if !h.Forest().IsDirty(b) {
			continue
		}
		key, err := h.Forest().WriteKey(b)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[ObjectKey]{ID: ObjectKey{Object: start.Object, Block: b}, Key: key})
	}
	return pairs, nil
}

// Update rotates every key marked this epoch and returns the new keys,
// sorted by object then block. It replays the WAL's entries for the
// current epoch, so it also completes an update interrupted by a crash.
func (e *Engine) Update(wal *WAL[LogEntry]) ([]KeyPair[ObjectKey], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := wal.Entries(e.epoch)
	if stale := wal.Len() - len(entries); stale > 0 {
		log.Debug.Printf("engine: ignoring %d journal entries outside epoch %d", stale, e.epoch)
	}
	if err := e.replaySystem(entries); err != nil {
		return nil, err
	}
	rotated, err := e.system.Update()
	if err != nil {
		return nil, err
	}

	byObject := make(map[uint64][]LogEntry)
	for _, entry := range entries {
		switch entry.(type) {
		case UpdateRangeEntry, UpdateEntry, DeleteEntry:
			byObject[entry.Object()] = append(byObject[entry.Object()], entry)
		}
	}

	var out []KeyPair[ObjectKey]
	for _, pair := range rotated {
		object, ok := e.ids.Resolve(pair.ID)
		if !ok {
			continue
		}
		h, err := e.arena.Load(pair.ID, pair.Key, e.overhead())
		if err != nil {
			return nil, err
		}
		f := h.Forest()
		for _, entry := range byObject[object] {
			switch en := entry.(type) {
			case UpdateRangeEntry:
				f.MarkRange(en.Start, en.End)
			case UpdateEntry:
				f.Mark(en.Block)
			case DeleteEntry:
				f.Delete(en.Block)
			}
		}
		keys, err := f.Update()
		if err != nil {
			h.Release()
			return nil, err
		}
		h.MarkDirty(pair.Key)
		h.Release()
		e.dirtyObjects[object] = struct{}{}
		for _, k := range keys {
			out = append(out, KeyPair[ObjectKey]{ID: ObjectKey{Object: object, Block: k.ID}, Key: k.Key})
		}
	}
	slices.SortFunc(out, func(a, b KeyPair[ObjectKey]) int {
		if a.ID.Object != b.ID.Object {
			if a.ID.Object < b.ID.Object {
				return -1
			}
			return 1
		}
		switch {
		case a.ID.Block < b.ID.Block:
			return -1
		case a.ID.Block > b.ID.Block:
			return 1
		}
		return 0
	})

	e.epoch++
	wal.Advance(e.epoch)
	e.readCache.purge()
	e.writeCache.purge()
	e.speculated.Purge()
	log.Printf("engine: epoch %d: rotated %d keys across %d forests", e.epoch, len(out), len(rotated))
	return out, nil
}

// replaySystem applies the journal to the system forest. Entries already
// applied live are idempotent; entries lost in a crash recreate their
// effect.
func (e *Engine) replaySystem(entries []LogEntry) error {
	for _, entry := range entries {
		switch en := entry.(type) {
		case UpdateRangeEntry, UpdateEntry, DeleteEntry:
			fid, ok := e.ids.Get(en.Object())
			if !ok {
				continue
			}
			h, err := e.touch(en.Object(), fid)
			if err != nil {
				return err
			}
			h.Release()
		case AllocEntry:
			if fid, ok := e.ids.Get(en.ID); ok {
				if fid == en.ForestID {
					e.system.Mark(fid)
				}
				continue
			}
			if err := e.ids.InsertAt(en.ID, en.ForestID); err != nil {
				return fmt.Errorf("replaying allocation of object %d: %w", en.ID, err)
			}
			h, err := e.install(en.ID, en.ForestID, en.RootKey, en.SpanningRootKey)
			if err != nil {
				return err
			}
			h.Release()
		case DeleteObjectEntry:
			// The following DeallocEntry names the forest to destroy.
		case DeallocEntry:
			if object, ok := e.ids.Resolve(en.ForestID); ok && object == en.ID {
				if err := e.removeObject(en.ID, en.ForestID); err != nil {
					return err
				}
				continue
			}
			e.system.Delete(en.ForestID)
			if err := e.arena.Remove(en.ForestID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports the engine's state.
func (e *Engine) Stats() EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EngineStats{
		Epoch:             e.epoch,
		Objects:           e.ids.Len(),
		DirtyObjects:      len(e.dirtyObjects),
		System:            e.system.Stats(),
		Arena:             e.arena.Stats(),
		ReadCacheKeys:     e.readCache.len(),
		WriteCacheKeys:    e.writeCache.len(),
		SpeculatedForests: e.speculated.Len(),
	}
}
