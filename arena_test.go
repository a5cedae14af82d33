package lethe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, limit int) (*Arena, ForestParams) {
	t.Helper()
	params := testParams(t, 4, 4)
	sealer := NewOneshotIO(NewChaCha20Crypter(), Blake2bHasher{}, RandomIVGenerator{})
	a, err := NewArena(newTestFS(t), "/forests", limit, sealer, params)
	require.NoError(t, err)
	return a, params
}

// arenaForest is a forest with one marked leaf, so its size does not
// change while it sits in the arena.
func arenaForest(params ForestParams, id uint64) *Forest {
	f := NewForest(params, testKey(byte(id), 32), testKey(byte(id)+100, 32))
	f.Mark(0)
	return f
}

func TestArenaEviction(t *testing.T) {
	probe, _ := newTestArena(t, 1<<20)
	size := arenaForest(probe.params, 0).MemSize()
	a, params := newTestArena(t, 3*size+size/2)

	for id := uint64(0); id < 3; id++ {
		h, err := a.Insert(id, arenaForest(params, id), testKey(byte(50+id), 32), 0)
		require.NoError(t, err)
		h.Release()
	}
	h, ok := a.Get(0)
	require.True(t, ok)
	h.Release()

	h, err := a.Insert(3, arenaForest(params, 3), testKey(53, 32), 0)
	require.NoError(t, err)
	h.Release()

	assert.False(t, a.IsResident(1), "least recently used forest should be evicted")
	assert.True(t, a.IsResident(0))
	ok, err = a.Contains(1)
	require.NoError(t, err)
	assert.True(t, ok, "an evicted dirty forest is written out")

	h, err = a.Load(1, testKey(51, 32), 0)
	require.NoError(t, err)
	want, _ := arenaForest(params, 1).Derive(0)
	got, err := h.Forest().Derive(0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	h.Release()
	assert.False(t, a.IsResident(2))

	st := a.Stats()
	assert.Equal(t, uint64(2), st.Evictions)
	assert.Equal(t, uint64(1), st.Loads)
	assert.Equal(t, 3, st.Resident)
}

func TestArenaBorrowedNeverEvicted(t *testing.T) {
	probe, _ := newTestArena(t, 1<<20)
	size := arenaForest(probe.params, 0).MemSize()
	a, params := newTestArena(t, 2*size+size/2)

	h0, err := a.Insert(0, arenaForest(params, 0), testKey(1, 32), 0)
	require.NoError(t, err)
	h1, err := a.Insert(1, arenaForest(params, 1), testKey(2, 32), 0)
	require.NoError(t, err)

	_, err = a.Insert(2, arenaForest(params, 2), testKey(3, 32), 0)
	assert.ErrorIs(t, err, ErrEvictionImpossible)
	assert.True(t, a.IsResident(0))
	assert.True(t, a.IsResident(1))
	assert.Equal(t, 2, a.Stats().Borrowed)

	h0.Release()
	h, err := a.Insert(2, arenaForest(params, 2), testKey(3, 32), 0)
	require.NoError(t, err)
	assert.False(t, a.IsResident(0))
	h.Release()
	h1.Release()

	assert.Panics(t, func() { h1.Release() }, "double release")
}

func TestArenaEntryTooLarge(t *testing.T) {
	a, params := newTestArena(t, 16)
	_, err := a.Insert(0, arenaForest(params, 0), testKey(1, 32), 0)
	assert.ErrorIs(t, err, ErrEntryTooLarge)
}

func TestArenaPersistAndRebase(t *testing.T) {
	a, params := newTestArena(t, 1<<20)
	key := testKey(7, 32)
	h, err := a.Insert(4, arenaForest(params, 4), key, 0)
	require.NoError(t, err)
	h.Release()
	require.NoError(t, a.PersistAll())
	assert.Equal(t, 0, a.Stats().Dirty)

	require.NoError(t, a.Rebase("/moved", []uint64{4}))
	assert.Equal(t, "/moved", a.Dir())
	assert.Equal(t, "/moved/4.khf", a.Path(4))

	// Drop the resident copy and reload from the new location.
	a.drop(h.entry)
	h, err = a.Load(4, key, 0)
	require.NoError(t, err)
	h.Release()

	_, err = a.Load(9, key, 0)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrForestNotFound)

	a.drop(h.entry)
	_, err = a.Load(4, testKey(8, 32), 0)
	assert.True(t, IsAuthenticationError(err), "wrong key: %v", err)

	require.NoError(t, a.Remove(4))
	ok, err := a.Contains(4)
	require.NoError(t, err)
	assert.False(t, ok)
}
