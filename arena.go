package lethe

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type arenaEntry struct {
	id     uint64
	forest *Forest
	key    Key // key the forest file must be sealed under
	size   int
	refs   int
	dirty  bool
}

// Handle is a borrowed reference to a resident forest. A forest with an
// outstanding handle is never evicted. Every handle must be released
// exactly once.
type Handle struct {
	arena    *Arena
	entry    *arenaEntry
	released bool
}

// ID returns the forest id.
func (h *Handle) ID() uint64 { return h.entry.id }

// Forest returns the borrowed forest.
func (h *Handle) Forest() *Forest { return h.entry.forest }

// Key returns the key the forest will be sealed under.
func (h *Handle) Key() Key { return h.entry.key }

// MarkDirty records that the forest changed and must be sealed under key.
func (h *Handle) MarkDirty(key Key) {
	h.entry.key = key.Clone()
	h.entry.dirty = true
}

// Release returns the handle to the arena.
func (h *Handle) Release() {
	must.True(!h.released, "arena: handle for forest ", h.entry.id, " released twice")
	h.released = true
	h.entry.refs--
	h.arena.resize(h.entry)
}

// ArenaStats describes arena occupancy.
type ArenaStats struct {
	Resident  int
	Borrowed  int
	Dirty     int
	UsedBytes int
	Limit     int
	Evictions uint64
	Loads     uint64
}

// Arena is a bounded-memory cache of forests backed by one sealed file
// per forest under dir. Entries are evicted in least-recently-used order;
// dirty entries are written out first.
type Arena struct {
	fs     absfs.FileSystem
	dir    string
	limit  int
	used   int
	sealer *OneshotIO
	params ForestParams
	order  *simplelru.LRU[uint64, *arenaEntry]

	evictions uint64
	loads     uint64
}

// NewArena creates an arena storing forests under dir with a memory limit in bytes.
func NewArena(fs absfs.FileSystem, dir string, limit int, sealer *OneshotIO, params ForestParams) (*Arena, error) {
	order, err := simplelru.NewLRU[uint64, *arenaEntry](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &Arena{
		fs:     fs,
		dir:    dir,
		limit:  limit,
		sealer: sealer,
		params: params,
		order:  order,
	}, nil
}

// Dir returns the directory holding forest files.
func (a *Arena) Dir() string { return a.dir }

// Path returns the file holding forest id.
func (a *Arena) Path(id uint64) string {
	return path.Join(a.dir, fmt.Sprintf("%d.khf", id))
}

// Insert adds a new forest, sealed under key when written, and returns a
// handle to it. extra is memory the caller needs beyond the entry itself.
func (a *Arena) Insert(id uint64, forest *Forest, key Key, extra int) (*Handle, error) {
	if old, ok := a.order.Peek(id); ok {
		if old.refs > 0 {
			return nil, fmt.Errorf("arena: forest %d is borrowed", id)
		}
		a.drop(old)
	}
	e := &arenaEntry{id: id, forest: forest, key: key.Clone(), size: forest.MemSize(), dirty: true}
	if err := a.reserve(e.size + extra); err != nil {
		return nil, err
	}
	return a.admit(e), nil
}

func (a *Arena) admit(e *arenaEntry) *Handle {
	a.order.Add(e.id, e)
	a.used += e.size
	e.refs++
	return &Handle{arena: a, entry: e}
}

// Get borrows a resident forest.
func (a *Arena) Get(id uint64) (*Handle, bool) {
	e, ok := a.order.Get(id)
	if !ok {
		return nil, false
	}
	e.refs++
	return &Handle{arena: a, entry: e}, true
}

// Load borrows forest id, reading it from its file under key if it is not
// resident.
func (a *Arena) Load(id uint64, key Key, extra int) (*Handle, error) {
	if h, ok := a.Get(id); ok {
		return h, nil
	}
	name := a.Path(id)
	data, err := a.sealer.ReadFile(a.fs, name, key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{ForestID: id, Path: name, Err: ErrForestNotFound}
	}
	if err != nil {
		return nil, &LoadError{ForestID: id, Path: name, Err: err}
	}
	forest, err := UnmarshalForest(data, a.params)
	if err != nil {
		return nil, &LoadError{ForestID: id, Path: name, Err: err}
	}
	e := &arenaEntry{id: id, forest: forest, key: key.Clone(), size: forest.MemSize()}
	if err := a.reserve(e.size + extra); err != nil {
		return nil, err
	}
	a.loads++
	log.Debug.Printf("arena: loaded forest %d (%d bytes)", id, e.size)
	return a.admit(e), nil
}

// Contains reports whether forest id is resident or persisted.
func (a *Arena) Contains(id uint64) (bool, error) {
	if a.order.Contains(id) {
		return true, nil
	}
	return fileExists(a.fs, a.Path(id))
}

// IsResident reports whether forest id is in memory.
func (a *Arena) IsResident(id uint64) bool {
	return a.order.Contains(id)
}

// Remove drops forest id from memory and deletes its file.
func (a *Arena) Remove(id uint64) error {
	if e, ok := a.order.Peek(id); ok {
		a.drop(e)
	}
	return removeFile(a.fs, a.Path(id))
}

// SetKey changes the key forest id will be sealed under and marks it dirty.
func (a *Arena) SetKey(id uint64, key Key) bool {
	e, ok := a.order.Peek(id)
	if !ok {
		return false
	}
	e.key = key.Clone()
	e.dirty = true
	return true
}

// MarkDirty flags a resident forest for writing without changing its key.
func (a *Arena) MarkDirty(id uint64) bool {
	e, ok := a.order.Peek(id)
	if ok {
		e.dirty = true
	}
	return ok
}

// Persist writes forest id if it is resident and dirty.
func (a *Arena) Persist(id uint64) error {
	e, ok := a.order.Peek(id)
	if !ok || !e.dirty {
		return nil
	}
	return a.write(e)
}

// PersistAll writes every dirty resident forest.
func (a *Arena) PersistAll() error {
	for _, id := range a.order.Keys() {
		if err := a.Persist(id); err != nil {
			return err
		}
	}
	return nil
}

func (a *Arena) write(e *arenaEntry) error {
	data, err := e.forest.MarshalBinary()
	if err != nil {
		return &PersistError{What: "forest", Path: a.Path(e.id), Err: err}
	}
	if err := a.sealer.WriteFile(a.fs, a.Path(e.id), e.key, data); err != nil {
		return &PersistError{What: "forest", Path: a.Path(e.id), Err: err}
	}
	e.dirty = false
	return nil
}

// Rebase moves the files of ids into dir and makes dir the arena's home.
func (a *Arena) Rebase(dir string, ids []uint64) error {
	if dir == a.dir {
		return nil
	}
	if err := a.fs.MkdirAll(dir, 0700); err != nil {
		return NewIOError("mkdir", dir, err)
	}
	old := a.dir
	for _, id := range ids {
		from := a.Path(id)
		data, err := readFile(a.fs, from)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return err
		}
		to := path.Join(dir, path.Base(from))
		if err := writeFileAtomic(a.fs, to, data); err != nil {
			return err
		}
		if err := removeFile(a.fs, from); err != nil {
			return err
		}
	}
	a.dir = dir
	log.Debug.Printf("arena: rebased %d forests from %s to %s", len(ids), old, dir)
	return nil
}

// reserve evicts unborrowed entries until need more bytes fit.
func (a *Arena) reserve(need int) error {
	for a.used+need > a.limit {
		e, ok := a.findEvictable()
		if !ok {
			if a.order.Len() == 0 {
				return ErrEntryTooLarge
			}
			return ErrEvictionImpossible
		}
		if err := a.evict(e); err != nil {
			return err
		}
	}
	return nil
}

func (a *Arena) findEvictable() (*arenaEntry, bool) {
	for _, id := range a.order.Keys() {
		e, _ := a.order.Peek(id)
		if e.refs == 0 {
			return e, true
		}
	}
	return nil, false
}

func (a *Arena) evict(e *arenaEntry) error {
	if e.dirty {
		if err := a.write(e); err != nil {
			return err
		}
	}
	a.drop(e)
	a.evictions++
	log.Debug.Printf("arena: evicted forest %d (%d bytes)", e.id, e.size)
	return nil
}

func (a *Arena) drop(e *arenaEntry) {
	a.order.Remove(e.id)
	a.used -= e.size
}

func (a *Arena) resize(e *arenaEntry) {
	if cur, ok := a.order.Peek(e.id); !ok || cur != e {
		return
	}
	size := e.forest.MemSize()
	a.used += size - e.size
	e.size = size
}

// Len returns the number of resident forests.
func (a *Arena) Len() int { return a.order.Len() }

// Stats reports arena occupancy.
func (a *Arena) Stats() ArenaStats {
	s := ArenaStats{
		Resident:  a.order.Len(),
		UsedBytes: a.used,
		Limit:     a.limit,
		Evictions: a.evictions,
		Loads:     a.loads,
	}
	for _, id := range a.order.Keys() {
		e, _ := a.order.Peek(id)
		if e.refs > 0 {
			s.Borrowed++
		}
		if e.dirty {
			s.Dirty++
		}
	}
	return s
}
