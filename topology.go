package lethe

import (
	"fmt"
	"slices"
)

// Pos is a tree position. Level 0 holds tree roots and level Depth holds
// leaves. Index is absolute across the forest: the node at (l, i) covers
// leaves [i*Span(l), (i+1)*Span(l)).
type Pos struct {
	Level int
	Index uint64
}

func (p Pos) String() string {
	return fmt.Sprintf("(%d, %d)", p.Level, p.Index)
}

// Topology is the fanout layout shared by every tree of a forest.
type Topology struct {
	fanouts []uint64
	spans   []uint64
}

// NewTopology builds a topology. fanouts[l] is the number of children of a node at level l.
func NewTopology(fanouts []uint64) (*Topology, error) {
	if err := ValidateFanouts(fanouts, "fanouts"); err != nil {
		return nil, err
	}
	t := &Topology{
		fanouts: slices.Clone(fanouts),
		spans:   make([]uint64, len(fanouts)+1),
	}
	t.spans[len(fanouts)] = 1
	for l := len(fanouts) - 1; l >= 0; l-- {
		t.spans[l] = t.spans[l+1] * fanouts[l]
	}
	return t, nil
}

// Fanouts returns a copy of the fanout list.
func (t *Topology) Fanouts() []uint64 { return slices.Clone(t.fanouts) }

// Depth is the leaf level.
func (t *Topology) Depth() int { return len(t.fanouts) }

// Capacity is the number of leaves in one tree.
func (t *Topology) Capacity() uint64 { return t.spans[0] }

// Span is the number of leaves under a node at level.
func (t *Topology) Span(level int) uint64 { return t.spans[level] }

// Leaf returns the position of leaf id.
func (t *Topology) Leaf(id uint64) Pos { return Pos{Level: t.Depth(), Index: id} }

// Tree returns the index of the tree holding leaf id.
func (t *Topology) Tree(id uint64) uint64 { return id / t.spans[0] }

// Start is the first leaf covered by p.
func (t *Topology) Start(p Pos) uint64 { return p.Index * t.spans[p.Level] }

// End is one past the last leaf covered by p.
func (t *Topology) End(p Pos) uint64 { return (p.Index + 1) * t.spans[p.Level] }

// Ancestor returns the node at level covering p. level must not exceed p.Level.
func (t *Topology) Ancestor(p Pos, level int) Pos {
	return Pos{Level: level, Index: t.Start(p) / t.spans[level]}
}

// Covers reports whether a covers b, including a == b.
func (t *Topology) Covers(a, b Pos) bool {
	return a.Level <= b.Level && t.Ancestor(b, a.Level) == a
}

// ChildOffset is the index of p among its siblings.
func (t *Topology) ChildOffset(p Pos) uint64 {
	return p.Index % t.fanouts[p.Level-1]
}

// Children returns the positions directly below p.
func (t *Topology) Children(p Pos) []Pos {
	if p.Level >= t.Depth() {
		return nil
	}
	n := t.fanouts[p.Level]
	out := make([]Pos, n)
	for i := range out {
		out[i] = Pos{Level: p.Level + 1, Index: p.Index*n + uint64(i)}
	}
	return out
}
