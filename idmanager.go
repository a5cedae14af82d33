package lethe

import (
	"math"

	"github.com/google/uuid"
)

// Allocator hands out identifiers that are not in use.
type Allocator[D comparable] interface {
	// Alloc returns a fresh identifier.
	Alloc() (D, error)
	// Reserve marks id as in use so Alloc never returns it.
	Reserve(id D) error
	// Release returns id to the allocator.
	Release(id D)
	// IsReserved reports whether id is in use.
	IsReserved(id D) bool
}

// SequentialAllocator allocates increasing uint64 ids, skipping reserved
// ones. Released ids are not reused, so a stale file named after an old
// id can never be mistaken for a live one.
type SequentialAllocator struct {
	Next     uint64
	Reserved map[uint64]struct{}
}

// NewSequentialAllocator creates an allocator starting at 0.
func NewSequentialAllocator() *SequentialAllocator {
	return &SequentialAllocator{Reserved: make(map[uint64]struct{})}
}

// Alloc returns the next free id.
func (a *SequentialAllocator) Alloc() (uint64, error) {
	for {
		if a.Next == math.MaxUint64 {
			return 0, ErrOutOfIDs
		}
		id := a.Next
		a.Next++
		if _, ok := a.Reserved[id]; !ok {
			a.Reserved[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks id as in use. Later allocations come after id.
func (a *SequentialAllocator) Reserve(id uint64) error {
	a.Reserved[id] = struct{}{}
	if id >= a.Next && id < math.MaxUint64 {
		a.Next = id + 1
	}
	return nil
}

// Release frees id.
func (a *SequentialAllocator) Release(id uint64) {
	delete(a.Reserved, id)
}

// IsReserved reports whether id is in use.
func (a *SequentialAllocator) IsReserved(id uint64) bool {
	_, ok := a.Reserved[id]
	return ok
}

// UUIDAllocator allocates random version 4 UUIDs.
type UUIDAllocator struct {
	reserved map[uuid.UUID]struct{}
}

// NewUUIDAllocator creates a UUID allocator.
func NewUUIDAllocator() *UUIDAllocator {
	return &UUIDAllocator{reserved: make(map[uuid.UUID]struct{})}
}

// Alloc returns a fresh UUID.
func (a *UUIDAllocator) Alloc() (uuid.UUID, error) {
	for {
		id, err := uuid.NewRandom()
		if err != nil {
			return uuid.Nil, NewPrimitiveError("keygen", "uuid", err)
		}
		if _, ok := a.reserved[id]; !ok {
			a.reserved[id] = struct{}{}
			return id, nil
		}
	}
}

// Reserve marks id as in use.
func (a *UUIDAllocator) Reserve(id uuid.UUID) error {
	a.reserved[id] = struct{}{}
	return nil
}

// Release frees id.
func (a *UUIDAllocator) Release(id uuid.UUID) {
	delete(a.reserved, id)
}

// IsReserved reports whether id is in use.
func (a *UUIDAllocator) IsReserved(id uuid.UUID) bool {
	_, ok := a.reserved[id]
	return ok
}

// IDManager is a bijective mapping from source ids to allocated
// destination ids.
type IDManager[S comparable, D comparable] struct {
	alloc   Allocator[D]
	forward map[S]D
	reverse map[D]S
}

// NewIDManager creates a mapping backed by alloc.
func NewIDManager[S comparable, D comparable](alloc Allocator[D]) *IDManager[S, D] {
	return &IDManager[S, D]{
		alloc:   alloc,
		forward: make(map[S]D),
		reverse: make(map[D]S),
	}
}

// Allocator returns the underlying allocator.
func (m *IDManager[S, D]) Allocator() Allocator[D] { return m.alloc }

// Insert allocates a destination id for src. It fails if src is mapped.
func (m *IDManager[S, D]) Insert(src S) (D, error) {
	var zero D
	if _, ok := m.forward[src]; ok {
		return zero, ErrAlreadyMapped
	}
	dst, err := m.alloc.Alloc()
	if err != nil {
		return zero, err
	}
	m.forward[src] = dst
	m.reverse[dst] = src
	return dst, nil
}

// InsertAt maps src to dst, reserving dst.
func (m *IDManager[S, D]) InsertAt(src S, dst D) error {
	if _, ok := m.forward[src]; ok {
		return ErrAlreadyMapped
	}
	if _, ok := m.reverse[dst]; ok {
		return ErrAlreadyMapped
	}
	if err := m.alloc.Reserve(dst); err != nil {
		return err
	}
	m.forward[src] = dst
	m.reverse[dst] = src
	return nil
}

// Get returns the destination id of src.
func (m *IDManager[S, D]) Get(src S) (D, bool) {
	dst, ok := m.forward[src]
	return dst, ok
}

// Resolve returns the source id mapped to dst.
func (m *IDManager[S, D]) Resolve(dst D) (S, bool) {
	src, ok := m.reverse[dst]
	return src, ok
}

// Remove drops the mapping of src and releases its destination id.
func (m *IDManager[S, D]) Remove(src S) (D, bool) {
	dst, ok := m.forward[src]
	if !ok {
		return dst, false
	}
	delete(m.forward, src)
	delete(m.reverse, dst)
	m.alloc.Release(dst)
	return dst, true
}

// Len returns the number of mappings.
func (m *IDManager[S, D]) Len() int { return len(m.forward) }

// Range calls fn for every mapping until fn returns false.
func (m *IDManager[S, D]) Range(fn func(src S, dst D) bool) {
	for src, dst := range m.forward {
		if !fn(src, dst) {
			return
		}
	}
}
