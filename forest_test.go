package lethe

import (
	"errors"
	"testing"
)

func newTestForest(t *testing.T, fanouts ...uint64) *Forest {
	t.Helper()
	f, err := GenerateForest(testParams(t, fanouts...))
	if err != nil {
		t.Fatalf("failed to generate forest: %v", err)
	}
	return f
}

func TestTopology(t *testing.T) {
	topo, err := NewTopology([]uint64{2, 4})
	if err != nil {
		t.Fatalf("failed to create topology: %v", err)
	}
	if topo.Capacity() != 8 {
		t.Errorf("Capacity() = %d, want 8", topo.Capacity())
	}
	if topo.Tree(17) != 2 {
		t.Errorf("Tree(17) = %d, want 2", topo.Tree(17))
	}
	leaf := topo.Leaf(13)
	if got := topo.Ancestor(leaf, 1); got != (Pos{Level: 1, Index: 3}) {
		t.Errorf("Ancestor(13, 1) = %v, want (1, 3)", got)
	}
	if !topo.Covers(Pos{Level: 0, Index: 1}, leaf) {
		t.Error("tree 1 should cover leaf 13")
	}
	if topo.ChildOffset(leaf) != 1 {
		t.Errorf("ChildOffset(13) = %d, want 1", topo.ChildOffset(leaf))
	}
	if kids := topo.Children(Pos{Level: 0, Index: 1}); len(kids) != 2 || kids[1] != (Pos{Level: 1, Index: 3}) {
		t.Errorf("Children((0, 1)) = %v", kids)
	}

	for _, bad := range [][]uint64{nil, {4, 0}} {
		if _, err := NewTopology(bad); err == nil {
			t.Errorf("NewTopology(%v) should fail", bad)
		}
	}
}

func TestForestDeterministic(t *testing.T) {
	params := testParams(t, 4, 4)
	root, spanning := testKey(1, 32), testKey(2, 32)
	a := NewForest(params, root, spanning)
	b := NewForest(params, root, spanning)

	for leaf := uint64(0); leaf < 10; leaf++ {
		ka, err := a.DeriveMut(leaf)
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", leaf, err)
		}
		kb, err := b.DeriveMut(leaf)
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", leaf, err)
		}
		if !ka.Equal(kb) {
			t.Errorf("leaf %d: forests with equal roots derived different keys", leaf)
		}
	}

	seen := make(map[string]uint64)
	for leaf := uint64(0); leaf < 10; leaf++ {
		k, _ := a.Derive(leaf)
		if prev, dup := seen[string(k)]; dup {
			t.Errorf("leaves %d and %d share a key", prev, leaf)
		}
		seen[string(k)] = leaf
	}
}

func TestForestOutOfRange(t *testing.T) {
	f := newTestForest(t, 4, 4)
	if _, err := f.Derive(0); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Derive on an empty forest = %v, want ErrOutOfRange", err)
	}
	f.Mark(2)
	if f.NumKeys() != 3 {
		t.Errorf("NumKeys() = %d after marking leaf 2, want 3", f.NumKeys())
	}
	if _, err := f.Derive(3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Derive(3) = %v, want ErrOutOfRange", err)
	}
}

func TestForestUpdateInstallsWriteKeys(t *testing.T) {
	f := newTestForest(t, 4, 4)
	pending, err := f.DeriveMutRange(0, 10)
	if err != nil {
		t.Fatalf("failed to derive range: %v", err)
	}

	pairs, err := f.Update()
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if len(pairs) != len(pending) {
		t.Fatalf("Update() rotated %d leaves, want %d", len(pairs), len(pending))
	}
	for i, p := range pairs {
		if p.ID != pending[i].ID || !p.Key.Equal(pending[i].Key) {
			t.Errorf("pair %d = %d, want the write key of leaf %d", i, p.ID, pending[i].ID)
		}
		got, err := f.Derive(p.ID)
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", p.ID, err)
		}
		if !got.Equal(p.Key) {
			t.Errorf("leaf %d: installed key differs from the key returned by Update", p.ID)
		}
	}
	if f.NumDirty() != 0 || f.Epoch() != 1 {
		t.Errorf("after update: dirty = %d, epoch = %d", f.NumDirty(), f.Epoch())
	}
}

func TestForestEpochIsolation(t *testing.T) {
	f := newTestForest(t, 4, 4)
	if _, err := f.DeriveMutRange(0, 10); err != nil {
		t.Fatalf("failed to derive range: %v", err)
	}
	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	before := make([]Key, 10)
	for leaf := range before {
		k, err := f.Derive(uint64(leaf))
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", leaf, err)
		}
		before[leaf] = k
	}

	write, err := f.DeriveMut(3)
	if err != nil {
		t.Fatalf("failed to derive leaf 3: %v", err)
	}
	if write.Equal(before[3]) {
		t.Fatal("write key of a dirty leaf must differ from its read key")
	}
	installed, err := f.DeriveInstalled(3)
	if err != nil {
		t.Fatalf("failed to derive installed key: %v", err)
	}
	if !installed.Equal(before[3]) {
		t.Error("marking a leaf must not change its installed key")
	}

	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	for leaf := uint64(0); leaf < 10; leaf++ {
		k, err := f.Derive(leaf)
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", leaf, err)
		}
		switch {
		case leaf == 3 && !k.Equal(write):
			t.Error("leaf 3 should hold its write key after update")
		case leaf != 3 && !k.Equal(before[leaf]):
			t.Errorf("leaf %d changed without being marked", leaf)
		}
	}
	if !f.Stats().Fragmented {
		t.Error("rotating one leaf should fragment its tree")
	}
}

func TestForestDelete(t *testing.T) {
	f := newTestForest(t, 4, 4)
	if _, err := f.DeriveMutRange(0, 10); err != nil {
		t.Fatalf("failed to derive range: %v", err)
	}
	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	old4, _ := f.Derive(4)

	if !f.Delete(9) {
		t.Error("deleting the last leaf should truncate")
	}
	if f.NumKeys() != 9 {
		t.Errorf("NumKeys() = %d, want 9", f.NumKeys())
	}
	if _, err := f.Derive(9); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Derive(9) after truncation = %v, want ErrOutOfRange", err)
	}
	if f.Delete(4) {
		t.Error("deleting an interior leaf should not truncate")
	}
	if !f.IsDirty(4) {
		t.Error("an interior delete should mark the leaf for rotation")
	}

	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	new4, err := f.Derive(4)
	if err != nil {
		t.Fatalf("failed to derive leaf 4: %v", err)
	}
	if new4.Equal(old4) {
		t.Error("a deleted leaf must not keep its key across an update")
	}

	f.Truncate(2)
	if f.NumKeys() != 2 {
		t.Errorf("NumKeys() after Truncate(2) = %d", f.NumKeys())
	}
}

// Applying the same delete twice in an epoch must not revive the leaf,
// even after the forest has grown past it.
func TestForestDeleteIdempotent(t *testing.T) {
	f := newTestForest(t, 4, 4)
	if _, err := f.DeriveMutRange(0, 10); err != nil {
		t.Fatalf("failed to derive range: %v", err)
	}
	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	f.Delete(9)
	if _, err := f.DeriveMut(15); err != nil {
		t.Fatalf("failed to derive leaf 15: %v", err)
	}
	if !f.Delete(9) {
		t.Error("a repeated delete should report the leaf gone")
	}
	if f.IsDirty(9) {
		t.Error("a repeated delete marked leaf 9 for rotation")
	}

	pairs, err := f.Update()
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if len(pairs) != 1 || pairs[0].ID != 15 {
		t.Errorf("Update() rotated %v, want only leaf 15", pairs)
	}
	if _, err := f.Derive(9); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Derive(9) = %v, want ErrOutOfRange", err)
	}

	// Truncating through a deleted leaf still terminates.
	f.Delete(15)
	if _, err := f.DeriveMut(17); err != nil {
		t.Fatalf("failed to derive leaf 17: %v", err)
	}
	f.Truncate(3)
	if f.NumKeys() != 3 {
		t.Errorf("NumKeys() after Truncate(3) = %d", f.NumKeys())
	}
}

func TestForestSerialization(t *testing.T) {
	params := testParams(t, 4, 4)
	f, err := GenerateForest(params)
	if err != nil {
		t.Fatalf("failed to generate forest: %v", err)
	}
	if _, err := f.DeriveMutRange(0, 20); err != nil {
		t.Fatalf("failed to derive range: %v", err)
	}
	if _, err := f.Update(); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	f.Mark(7)
	f.Delete(19)

	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	g, err := UnmarshalForest(data, params)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if g.NumKeys() != f.NumKeys() || g.Epoch() != f.Epoch() || !g.IsDirty(7) {
		t.Fatalf("unmarshaled forest: keys = %d, epoch = %d, dirty(7) = %v", g.NumKeys(), g.Epoch(), g.IsDirty(7))
	}
	for leaf := uint64(0); leaf < f.NumKeys(); leaf++ {
		a, _ := f.Derive(leaf)
		b, err := g.Derive(leaf)
		if err != nil {
			t.Fatalf("failed to derive leaf %d: %v", leaf, err)
		}
		if !a.Equal(b) {
			t.Errorf("leaf %d differs after a round trip", leaf)
		}
	}

	if _, err := UnmarshalForest([]byte("not cbor"), params); !IsCorruptionError(err) {
		t.Errorf("decoding garbage = %v, want a corruption error", err)
	}
	other := params
	other.Hasher = SHA3Hasher{}
	if _, err := UnmarshalForest(data, other); !IsCorruptionError(err) {
		t.Errorf("decoding with the wrong hash suite = %v, want a corruption error", err)
	}
}
