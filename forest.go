package lethe

import (
	"errors"
	"slices"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ForestParams holds what a forest needs besides its keys.
type ForestParams struct {
	Topology     *Topology
	Hasher       Hasher
	KeyGenerator KeyGenerator
	CacheSize    int
}

type node struct {
	Pos Pos
	Key Key
}

type cachePos struct {
	spanning bool
	pos      Pos
}

// Forest is a key derivation forest. Leaf keys are hash chains from the
// node covering them down to the leaf position.
//
// A forest has two structures. The installed structure is a set of
// explicit nodes per tree, and yields the keys that were valid when the
// current epoch began. The spanning root yields the write keys handed out
// during the epoch for dirty leaves. Update installs those write keys and
// draws a fresh spanning root.
//
// A Forest is not safe for concurrent use.
type Forest struct {
	topo      *Topology
	hasher    Hasher
	keygen    KeyGenerator
	cacheSize int

	spanning Key
	roots    map[uint64][]node
	numKeys  uint64
	dirty    map[uint64]struct{}
	deleted  map[uint64]struct{}
	epoch    uint64

	cache *keyCache[cachePos]
}

// NewForest creates an empty forest whose first tree is rooted at root.
func NewForest(params ForestParams, root, spanning Key) *Forest {
	f := newForest(params)
	f.spanning = spanning.Clone()
	f.roots[0] = []node{{Pos: Pos{Level: 0, Index: 0}, Key: root.Clone()}}
	return f
}

// GenerateForest creates an empty forest with both roots drawn from the key generator.
func GenerateForest(params ForestParams) (*Forest, error) {
	root, err := params.KeyGenerator.GenerateKey(params.Hasher.Size())
	if err != nil {
		return nil, err
	}
	spanning, err := params.KeyGenerator.GenerateKey(params.Hasher.Size())
	if err != nil {
		return nil, err
	}
	return NewForest(params, root, spanning), nil
}

func newForest(params ForestParams) *Forest {
	return &Forest{
		topo:      params.Topology,
		hasher:    params.Hasher,
		keygen:    params.KeyGenerator,
		cacheSize: params.CacheSize,
		roots:     make(map[uint64][]node),
		dirty:     make(map[uint64]struct{}),
		deleted:   make(map[uint64]struct{}),
		cache:     newKeyCache[cachePos](params.CacheSize),
	}
}

// Topology returns the forest's fanout layout.
func (f *Forest) Topology() *Topology { return f.topo }

// NumKeys returns the number of allocated leaves.
func (f *Forest) NumKeys() uint64 { return f.numKeys }

// Epoch returns the number of updates applied to the forest.
func (f *Forest) Epoch() uint64 { return f.epoch }

// IsDirty reports whether leaf will be rotated at the next update.
func (f *Forest) IsDirty(leaf uint64) bool {
	_, ok := f.dirty[leaf]
	return ok
}

// NumDirty returns the number of leaves marked for rotation.
func (f *Forest) NumDirty() int { return len(f.dirty) }

func (f *Forest) locate(leaf uint64) (node, bool) {
	nodes := f.roots[f.topo.Tree(leaf)]
	i := sort.Search(len(nodes), func(i int) bool { return f.topo.End(nodes[i].Pos) > leaf })
	if i == len(nodes) || f.topo.Start(nodes[i].Pos) > leaf {
		return node{}, false
	}
	return nodes[i], true
}

// descend walks from an explicit node down to the position to, starting
// from the deepest cached ancestor.
func (f *Forest) descend(from node, to Pos, spanning bool) (Key, error) {
	key, level := from.Key, from.Pos.Level
	for l := to.Level; l > from.Pos.Level; l-- {
		if k, ok := f.cache.get(cachePos{spanning, f.topo.Ancestor(to, l)}); ok {
			key, level = k, l
			break
		}
	}
	for l := level + 1; l <= to.Level; l++ {
		p := f.topo.Ancestor(to, l)
		k, err := hashIndex(f.hasher, key, f.topo.ChildOffset(p))
		if err != nil {
			return nil, err
		}
		f.cache.add(cachePos{spanning, p}, k)
		key = k
	}
	return key, nil
}

func (f *Forest) installedKey(leaf uint64) (Key, bool, error) {
	n, ok := f.locate(leaf)
	if !ok {
		return nil, false, nil
	}
	key, err := f.descend(n, f.topo.Leaf(leaf), false)
	if err != nil {
		return nil, false, err
	}
	return key, true, nil
}

func (f *Forest) spanningKey(p Pos) (Key, error) {
	rootPos := Pos{Level: 0, Index: f.topo.Tree(f.topo.Start(p))}
	root, ok := f.cache.get(cachePos{true, rootPos})
	if !ok {
		var err error
		root, err = hashIndex(f.hasher, f.spanning, rootPos.Index)
		if err != nil {
			return nil, err
		}
		f.cache.add(cachePos{true, rootPos}, root)
	}
	return f.descend(node{Pos: rootPos, Key: root}, p, true)
}

// Derive returns the key currently protecting leaf: its write key if the
// leaf is dirty, else its installed key.
func (f *Forest) Derive(leaf uint64) (Key, error) {
	if leaf >= f.numKeys {
		return nil, ErrOutOfRange
	}
	if f.IsDirty(leaf) {
		return f.spanningKey(f.topo.Leaf(leaf))
	}
	key, ok, err := f.installedKey(leaf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutOfRange
	}
	return key, nil
}

// DeriveInstalled returns the key leaf had when the epoch began.
func (f *Forest) DeriveInstalled(leaf uint64) (Key, error) {
	if leaf >= f.numKeys {
		return nil, ErrOutOfRange
	}
	key, ok, err := f.installedKey(leaf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOutOfRange
	}
	return key, nil
}

// WriteKey returns the key leaf will hold after the next update, without marking it.
func (f *Forest) WriteKey(leaf uint64) (Key, error) {
	return f.spanningKey(f.topo.Leaf(leaf))
}

// DeriveRange returns the current keys of the derivable leaves in [start, end).
func (f *Forest) DeriveRange(start, end uint64) ([]KeyPair[uint64], error) {
	end = min(end, f.numKeys)
	var pairs []KeyPair[uint64]
	for leaf := start; leaf < end; leaf++ {
		key, err := f.Derive(leaf)
		if errors.Is(err, ErrOutOfRange) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: leaf, Key: key})
	}
	return pairs, nil
}

// Mark flags leaf for rotation at the next update, allocating it if needed.
func (f *Forest) Mark(leaf uint64) {
	f.dirty[leaf] = struct{}{}
	if leaf >= f.numKeys {
		f.numKeys = leaf + 1
	}
}

// MarkRange marks every leaf in [start, end).
func (f *Forest) MarkRange(start, end uint64) {
	for leaf := start; leaf < end; leaf++ {
		f.Mark(leaf)
	}
}

// DeriveMut marks leaf and returns its write key.
func (f *Forest) DeriveMut(leaf uint64) (Key, error) {
	f.Mark(leaf)
	return f.WriteKey(leaf)
}

// DeriveMutRange marks [start, end) and returns the write keys.
func (f *Forest) DeriveMutRange(start, end uint64) ([]KeyPair[uint64], error) {
	if end <= start {
		return nil, nil
	}
	pairs := make([]KeyPair[uint64], 0, end-start)
	for leaf := start; leaf < end; leaf++ {
		key, err := f.DeriveMut(leaf)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: leaf, Key: key})
	}
	return pairs, nil
}

// Delete forgets leaf. Deleting the last allocated leaf truncates the
// forest and reports true. Deleting an interior leaf marks it so the next
// update replaces its key.
func (f *Forest) Delete(leaf uint64) bool {
	_, gone := f.deleted[leaf]
	switch {
	case gone && !f.IsDirty(leaf):
		// Already deleted this epoch.
		if f.numKeys > 0 && leaf == f.numKeys-1 {
			f.numKeys--
		}
		return true
	case leaf >= f.numKeys:
		delete(f.dirty, leaf)
		f.deleted[leaf] = struct{}{}
		return true
	case leaf == f.numKeys-1:
		f.numKeys--
		delete(f.dirty, leaf)
		f.deleted[leaf] = struct{}{}
		return true
	default:
		f.Mark(leaf)
		return false
	}
}

// Truncate deletes every leaf from n upward, highest first.
func (f *Forest) Truncate(n uint64) {
	for f.numKeys > n {
		f.Delete(f.numKeys - 1)
	}
}

// Update rotates every dirty leaf to the write key it was handed out
// under, drops deleted leaves, and draws a new spanning root. Only trees
// holding dirty or deleted leaves are rebuilt. It returns the rotated
// leaves and their new keys in ascending order.
func (f *Forest) Update() ([]KeyPair[uint64], error) {
	dirty := sortedSet(f.dirty)
	gone := make([]uint64, 0, len(f.deleted))
	for leaf := range f.deleted {
		if !f.IsDirty(leaf) {
			gone = append(gone, leaf)
		}
	}
	slices.Sort(gone)

	pairs := make([]KeyPair[uint64], 0, len(dirty))
	for _, leaf := range dirty {
		key, err := f.WriteKey(leaf)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, KeyPair[uint64]{ID: leaf, Key: key})
	}

	trees := make(map[uint64]struct{})
	for _, leaf := range dirty {
		trees[f.topo.Tree(leaf)] = struct{}{}
	}
	for _, leaf := range gone {
		trees[f.topo.Tree(leaf)] = struct{}{}
	}

	rebuilt := make(map[uint64][]node, len(trees))
	for t := range trees {
		var out []node
		if err := f.cover(Pos{Level: 0, Index: t}, f.roots[t], dirty, gone, &out); err != nil {
			return nil, err
		}
		rebuilt[t] = out
	}

	spanning, err := f.keygen.GenerateKey(f.hasher.Size())
	if err != nil {
		return nil, err
	}

	for t, nodes := range rebuilt {
		if len(nodes) == 0 {
			delete(f.roots, t)
		} else {
			f.roots[t] = nodes
		}
	}
	f.spanning = spanning
	clear(f.dirty)
	clear(f.deleted)
	f.cache.purge()
	f.epoch++
	return pairs, nil
}

// cover emits the minimal node set for p after rotation. Fully dirty
// subtrees take their spanning key, clean subtrees keep their installed
// key, and deleted leaves are left uncovered.
func (f *Forest) cover(p Pos, old []node, dirty, gone []uint64, out *[]node) error {
	start, end := f.topo.Start(p), f.topo.End(p)
	if start >= f.numKeys {
		return nil
	}
	alloc := min(end, f.numKeys) - start
	nd, nx := countIn(dirty, start, end), countIn(gone, start, end)

	switch {
	case nx == 0 && nd == alloc:
		key, err := f.spanningKey(p)
		if err != nil {
			return err
		}
		*out = append(*out, node{Pos: p, Key: key})
		return nil
	case nd == 0 && nx == 0:
		for _, n := range old {
			if f.topo.Covers(n.Pos, p) {
				key, err := f.descend(n, p, false)
				if err != nil {
					return err
				}
				*out = append(*out, node{Pos: p, Key: key})
				return nil
			}
		}
		for _, n := range old {
			if f.topo.Covers(p, n.Pos) {
				*out = append(*out, n)
			}
		}
		return nil
	case p.Level == f.topo.Depth():
		return nil
	}

	for _, c := range f.topo.Children(p) {
		if err := f.cover(c, old, dirty, gone, out); err != nil {
			return err
		}
	}
	return nil
}

func countIn(sorted []uint64, lo, hi uint64) uint64 {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= lo })
	j := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= hi })
	return uint64(j - i)
}

func sortedSet(s map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}

// MemSize estimates the bytes held by the forest.
func (f *Forest) MemSize() int {
	keySize := f.hasher.Size()
	size := 256 + keySize
	for _, nodes := range f.roots {
		size += 48 + len(nodes)*(40+keySize)
	}
	size += (len(f.dirty) + len(f.deleted)) * 16
	size += f.cache.len() * (64 + keySize)
	return size
}

// ForestStats describes the shape of a forest.
type ForestStats struct {
	NumKeys    uint64
	Trees      int
	Nodes      int
	Dirty      int
	Deleted    int
	CachedKeys int
	Fragmented bool
	Epoch      uint64
}

// Stats reports the forest's shape.
func (f *Forest) Stats() ForestStats {
	s := ForestStats{
		NumKeys:    f.numKeys,
		Trees:      len(f.roots),
		Dirty:      len(f.dirty),
		Deleted:    len(f.deleted),
		CachedKeys: f.cache.len(),
		Epoch:      f.epoch,
	}
	for _, nodes := range f.roots {
		s.Nodes += len(nodes)
		if len(nodes) != 1 || nodes[0].Pos.Level != 0 {
			s.Fragmented = true
		}
	}
	return s
}

type nodeState struct {
	Level int    `cbor:"1,keyasint"`
	Index uint64 `cbor:"2,keyasint"`
	Key   []byte `cbor:"3,keyasint"`
}

type forestState struct {
	Fanouts  []uint64    `cbor:"1,keyasint"`
	Hash     HashSuite   `cbor:"2,keyasint"`
	Spanning []byte      `cbor:"3,keyasint"`
	Nodes    []nodeState `cbor:"4,keyasint"`
	NumKeys  uint64      `cbor:"5,keyasint"`
	Dirty    []uint64    `cbor:"6,keyasint,omitempty"`
	Deleted  []uint64    `cbor:"7,keyasint,omitempty"`
	Epoch    uint64      `cbor:"8,keyasint"`
}

// MarshalBinary serializes the forest, including its pending marks.
func (f *Forest) MarshalBinary() ([]byte, error) {
	st := forestState{
		Fanouts:  f.topo.Fanouts(),
		Hash:     f.hasher.Suite(),
		Spanning: f.spanning,
		NumKeys:  f.numKeys,
		Dirty:    sortedSet(f.dirty),
		Deleted:  sortedSet(f.deleted),
		Epoch:    f.epoch,
	}
	trees := make([]uint64, 0, len(f.roots))
	for t := range f.roots {
		trees = append(trees, t)
	}
	slices.Sort(trees)
	for _, t := range trees {
		for _, n := range f.roots[t] {
			st.Nodes = append(st.Nodes, nodeState{Level: n.Pos.Level, Index: n.Pos.Index, Key: n.Key})
		}
	}
	data, err := cbor.Marshal(st)
	if err != nil {
		return nil, NewCorruptionError("", "failed to encode forest", err)
	}
	return data, nil
}

// UnmarshalForest decodes a forest. The topology stored with the forest
// takes precedence over params.Topology.
func UnmarshalForest(data []byte, params ForestParams) (*Forest, error) {
	var st forestState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, NewCorruptionError("", "failed to decode forest", err)
	}
	topo, err := NewTopology(st.Fanouts)
	if err != nil {
		return nil, NewCorruptionError("", "invalid forest topology", err)
	}
	if st.Hash != params.Hasher.Suite() {
		return nil, NewCorruptionError("", "forest hash suite "+st.Hash.String()+" does not match "+params.Hasher.Suite().String(), nil)
	}
	if len(st.Spanning) != params.Hasher.Size() {
		return nil, NewCorruptionError("", "invalid spanning root", ErrInvalidKey)
	}
	params.Topology = topo
	f := newForest(params)
	f.spanning = st.Spanning
	f.numKeys = st.NumKeys
	f.epoch = st.Epoch
	for _, n := range st.Nodes {
		if n.Level < 0 || n.Level > topo.Depth() || len(n.Key) != params.Hasher.Size() {
			return nil, NewCorruptionError("", "invalid forest node", nil)
		}
		p := Pos{Level: n.Level, Index: n.Index}
		t := topo.Tree(topo.Start(p))
		f.roots[t] = append(f.roots[t], node{Pos: p, Key: n.Key})
	}
	for _, leaf := range st.Dirty {
		f.dirty[leaf] = struct{}{}
	}
	for _, leaf := range st.Deleted {
		f.deleted[leaf] = struct{}{}
	}
	return f, nil
}
