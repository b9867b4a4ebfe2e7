package memory

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

func testConfig() *utils.VmConfig {
	return utils.DefaultVmConfig()
}

func testDims() Dimensions {
	return NewDimensions(testConfig().Memory)
}

func elems(values ...uint64) []field.Element {
	out := make([]field.Element, len(values))
	for i, v := range values {
		out[i] = field.New(v)
	}
	return out
}

func chunk(values ...uint64) [core.Chunk]field.Element {
	c := zeroChunk()
	copy(c[:], elems(values...))
	return c
}

func newPersistent(t *testing.T, img Image) (*Controller, *MerkleTree) {
	t.Helper()
	tree, err := NewMerkleTree(core.Tip5Hasher{}, testDims(), img.ToEquipartition())
	require.NoError(t, err)
	return NewController(testDims(), tree, testConfig().Memory.TimestampMaxBits), tree
}

func TestDimensions(t *testing.T) {
	d := testDims()
	assert.Equal(t, 13, d.AddressHeight)
	assert.Equal(t, 17, d.Overall())

	key := ChunkKey{AddrSpace: 3, Label: 5}
	idx := d.LeafIndex(key)
	assert.Equal(t, uint64(2)<<13|5, idx)
	assert.Equal(t, key, d.KeyOf(idx))

	for _, h := range []int{0, 3, 13, 15} {
		as, label := d.NodeLabels(h, idx>>h)
		assert.Equal(t, idx>>h, d.NodeIndex(h, as, label), "height %d", h)
	}
}

func TestCheckAccess(t *testing.T) {
	d := testDims()
	tests := []struct {
		name string
		as   uint32
		ptr  uint32
		n    int
		want error
	}{
		{"cell", 1, 7, 1, nil},
		{"block", 2, 8, 8, nil},
		{"immediate", 0, 1 << 30, 1, nil},
		{"wide immediate", 0, 0, 2, ErrUnalignedAccess},
		{"unaligned", 1, 2, 4, ErrUnalignedAccess},
		{"not a power of two", 1, 0, 3, ErrUnalignedAccess},
		{"too wide", 1, 0, 16, ErrUnalignedAccess},
		{"pointer past the end", 1, 1 << 16, 1, ErrMemoryOutOfRange},
		{"address space past the end", 17, 0, 1, ErrMemoryOutOfRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.CheckAccess(tt.as, tt.ptr, tt.n)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}

	var oor *MemoryOutOfRangeError
	require.True(t, errors.As(d.CheckAccess(1, 1<<16, 1), &oor))
	assert.Equal(t, uint32(1), oor.AddrSpace)
}

func TestControllerVolatileAccesses(t *testing.T) {
	c := NewController(testDims(), nil, 24)

	v, _, err := c.ReadCell(1, 5)
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	_, err = c.Write(1, 4, elems(1, 2, 3, 4))
	require.NoError(t, err)

	rec, err := c.Read(1, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, elems(1, 2), rec.Data)
	assert.Equal(t, uint32(3), rec.Timestamp)

	imm, _, err := c.ReadCell(0, 99)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), imm.Value())
	assert.Equal(t, 3, c.NumAccesses(), "immediates are not logged")
	assert.Equal(t, uint32(5), c.Timestamp(), "immediates still advance time")

	_, err = c.WriteCell(0, 1, field.One)
	require.ErrorIs(t, err, ErrImmediateWrite)

	_, err = c.Read(1, 1<<16, 1)
	require.ErrorIs(t, err, ErrMemoryOutOfRange)

	peek, err := c.UnsafeRead(1, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, elems(1, 2, 3, 4), peek)
	assert.Equal(t, uint32(5), c.Timestamp())
}

func TestTimestampOverflow(t *testing.T) {
	c := NewController(testDims(), nil, 2)
	for i := 0; i < 3; i++ {
		_, err := c.WriteCell(1, 0, field.One)
		require.NoError(t, err)
	}
	_, err := c.WriteCell(1, 0, field.One)
	require.ErrorIs(t, err, ErrTimestampOverflow)
}

func TestOfflineCheckerSplitsAndMerges(t *testing.T) {
	c := NewController(testDims(), nil, 24)
	_, err := c.Write(1, 0, elems(1, 2, 3, 4))
	require.NoError(t, err)
	_, err = c.Read(1, 0, 4)
	require.NoError(t, err)
	_, err = c.Write(1, 0, elems(10, 11))
	require.NoError(t, err)
	_, err = c.Read(1, 0, 4)
	require.NoError(t, err)

	fm, err := c.Finalize()
	require.NoError(t, err)

	acc := fm.Accesses
	require.Len(t, acc, 4)
	assert.Equal(t, uint32(0), acc[0].PrevTimestamp)
	assert.Equal(t, elems(0, 0, 0, 0), acc[0].PrevData)
	assert.Equal(t, uint32(1), acc[1].PrevTimestamp)
	assert.Equal(t, uint32(2), acc[2].PrevTimestamp)
	assert.Equal(t, elems(1, 2), acc[2].PrevData)
	assert.Equal(t, uint32(3), acc[3].PrevTimestamp)
	assert.Equal(t, elems(10, 11, 3, 4), acc[3].Data)

	type summary struct {
		kind   AdapterKind
		ptr    uint32
		size   int
		tl, tr uint32
	}
	var got []summary
	for _, a := range fm.Adapters {
		got = append(got, summary{a.Kind, a.Pointer, a.Size, a.LeftTimestamp, a.RightTimestamp})
	}
	assert.Equal(t, []summary{
		{AdapterSplit, 0, 8, 0, 0},
		{AdapterSplit, 0, 4, 2, 2},
		{AdapterMerge, 0, 4, 3, 2},
		{AdapterMerge, 0, 8, 4, 0},
	}, got)

	require.Len(t, fm.Touched, 1)
	assert.Equal(t, chunk(10, 11, 3, 4), fm.Touched[0].Final)
	assert.Equal(t, uint32(4), fm.Touched[0].FinalTimestamp)
}

func TestFinalizeClosesPartialBlocks(t *testing.T) {
	c := NewController(testDims(), nil, 24)
	_, err := c.Write(1, 0, elems(5, 6, 7, 8))
	require.NoError(t, err)

	fm, err := c.Finalize()
	require.NoError(t, err)
	require.Len(t, fm.Adapters, 2)
	assert.Equal(t, AdapterSplit, fm.Adapters[0].Kind)
	assert.Equal(t, AdapterMerge, fm.Adapters[1].Kind)

	_, err = c.Finalize()
	require.ErrorIs(t, err, ErrInconsistentLog)
	_, err = c.WriteCell(1, 0, field.One)
	require.ErrorIs(t, err, ErrInconsistentLog)
}

func TestMerkleTreeUpdateMatchesRebuild(t *testing.T) {
	h := core.Tip5Hasher{}
	d := testDims()
	base, err := NewMerkleTree(h, d, Equipartition{{AddrSpace: 1, Label: 0}: chunk(1)})
	require.NoError(t, err)
	assert.False(t, base.Root().Equal(ZeroRoot(h, d)))

	updates := Equipartition{
		{AddrSpace: 1, Label: 0}: chunk(2),
		{AddrSpace: 4, Label: 9}: chunk(3, 4),
	}
	next, err := base.Update(updates)
	require.NoError(t, err)

	fresh, err := MemoryRoot(h, d, updates)
	require.NoError(t, err)
	assert.True(t, fresh.Equal(next.Root()))
	assert.Equal(t, chunk(1), base.Leaf(ChunkKey{AddrSpace: 1, Label: 0}), "parent version is untouched")

	key := ChunkKey{AddrSpace: 4, Label: 9}
	path, err := next.LeafPath(key)
	require.NoError(t, err)
	assert.Len(t, path, d.Overall())
	assert.True(t, core.FoldPath(h, h.Hash(chunk(3, 4)), path).Equal(next.Root()))

	_, err = next.Update(Equipartition{{AddrSpace: 40, Label: 0}: chunk()})
	require.ErrorIs(t, err, ErrMemoryOutOfRange)
}

func TestPersistentRoundTrip(t *testing.T) {
	c, initial := newPersistent(t, Image{{AddrSpace: 1, Pointer: 0}: field.New(42)})

	v, _, err := c.ReadCell(1, 0)
	require.NoError(t, err)
	_, err = c.WriteCell(1, 1, v.Add(field.One))
	require.NoError(t, err)

	fm, err := c.Finalize()
	require.NoError(t, err)
	assert.True(t, fm.InitialRoot().Equal(initial.Root()))
	assert.False(t, fm.FinalRoot().Equal(fm.InitialRoot()))

	key := ChunkKey{AddrSpace: 1, Label: 0}
	assert.Equal(t, chunk(42, 43), fm.FinalTree.Leaf(key))
	path, err := fm.FinalTree.LeafPath(key)
	require.NoError(t, err)
	h := core.Tip5Hasher{}
	assert.True(t, core.FoldPath(h, h.Hash(chunk(42, 43)), path).Equal(fm.FinalRoot()))
}

func TestUntouchedMemoryKeepsRoot(t *testing.T) {
	c, _ := newPersistent(t, Image{{AddrSpace: 2, Pointer: 3}: field.New(1)})
	fm, err := c.Finalize()
	require.NoError(t, err)
	assert.Empty(t, fm.Touched)
	assert.True(t, fm.FinalRoot().Equal(fm.InitialRoot()))
}

func TestIndependentReadOrderDoesNotChangeRoot(t *testing.T) {
	img := Image{
		{AddrSpace: 1, Pointer: 0}:  field.New(3),
		{AddrSpace: 1, Pointer: 17}: field.New(4),
		{AddrSpace: 2, Pointer: 8}:  field.New(5),
	}
	addrs := img.SortedAddresses()
	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 2, 0}}

	var roots []core.Digest
	for _, order := range orders {
		c, _ := newPersistent(t, img)
		for _, i := range order {
			_, _, err := c.ReadCell(addrs[i].AddrSpace, addrs[i].Pointer)
			require.NoError(t, err)
		}
		_, err := c.WriteCell(1, 1, field.New(9))
		require.NoError(t, err)
		fm, err := c.Finalize()
		require.NoError(t, err)
		roots = append(roots, fm.FinalRoot())
	}
	for _, r := range roots[1:] {
		assert.True(t, roots[0].Equal(r))
	}
}

func TestUserPublicValuesProof(t *testing.T) {
	h := core.Tip5Hasher{}
	d := testDims()
	const numPV = 16
	pvAS := d.PublicValuesAddrSpace()

	c, _ := newPersistent(t, nil)
	_, err := c.WriteCell(pvAS, 0, field.New(55))
	require.NoError(t, err)
	_, err = c.WriteCell(pvAS, 9, field.New(7))
	require.NoError(t, err)
	fm, err := c.Finalize()
	require.NoError(t, err)

	values := ExtractPublicValues(fm.FinalTree, numPV)
	want := make([]field.Element, numPV)
	for i := range want {
		want[i] = field.Zero
	}
	want[0], want[9] = field.New(55), field.New(7)
	assert.Equal(t, want, values)

	proof, err := ComputeUserPublicValuesProof(fm.FinalTree, numPV)
	require.NoError(t, err)
	assert.Len(t, proof.Siblings, d.Overall()-1)
	require.NoError(t, proof.Verify(h, d, numPV, fm.FinalRoot(), values))

	t.Run("wrong root", func(t *testing.T) {
		require.ErrorIs(t, proof.Verify(h, d, numPV, fm.InitialRoot(), nil), ErrPublicValuesProof)
	})
	t.Run("wrong values", func(t *testing.T) {
		bad := append([]field.Element(nil), values...)
		bad[3] = field.One
		require.ErrorIs(t, proof.Verify(h, d, numPV, fm.FinalRoot(), bad), ErrPublicValuesProof)
	})
	t.Run("tampered sibling", func(t *testing.T) {
		bad := &UserPublicValuesProof{Siblings: append([]core.Digest(nil), proof.Siblings...), PublicValuesCommit: proof.PublicValuesCommit}
		bad.Siblings[2] = core.ZeroDigest()
		require.ErrorIs(t, bad.Verify(h, d, numPV, fm.FinalRoot(), nil), ErrPublicValuesProof)
	})
	t.Run("empty buffer commits to zeros", func(t *testing.T) {
		empty, err := NewMerkleTree(h, d, nil)
		require.NoError(t, err)
		p, err := ComputeUserPublicValuesProof(empty, numPV)
		require.NoError(t, err)
		zeros, err := core.MerkleRoot(h, core.Zeros(numPV))
		require.NoError(t, err)
		assert.True(t, zeros.Equal(p.PublicValuesCommit))
	})
}
