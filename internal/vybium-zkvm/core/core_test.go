package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

func allHashers(t *testing.T) map[HasherKind]Hasher {
	t.Helper()
	out := make(map[HasherKind]Hasher)
	for _, kind := range []HasherKind{HasherTip5, HasherSHA3, HasherBlake3} {
		h, err := NewHasher(kind)
		require.NoError(t, err)
		out[kind] = h
	}
	return out
}

func chunkOf(values ...uint64) [Chunk]field.Element {
	var c [Chunk]field.Element
	for i := range c {
		c[i] = field.Zero
	}
	for i, v := range values {
		c[i] = field.New(v)
	}
	return c
}

func TestHashersAreDeterministicAndDomainSeparated(t *testing.T) {
	for kind, h := range allHashers(t) {
		t.Run(string(kind), func(t *testing.T) {
			a := h.Hash(chunkOf(1, 2, 3))
			b := h.Hash(chunkOf(1, 2, 3))
			assert.True(t, a.Equal(b))

			c := h.Hash(chunkOf(1, 2, 4))
			assert.False(t, a.Equal(c))

			// Compressing a digest with zero must differ from hashing it.
			left := Digest(chunkOf(1, 2, 3))
			assert.False(t, h.Compress(left, ZeroDigest()).Equal(h.Hash(chunkOf(1, 2, 3))))
			assert.False(t, h.Compress(a, c).Equal(h.Compress(c, a)))
		})
	}
}

func TestUnknownHasher(t *testing.T) {
	_, err := NewHasher("md5")
	require.Error(t, err)
}

func TestCachedHasherMatchesInner(t *testing.T) {
	inner := Tip5Hasher{}
	cached, err := NewCachedHasher(inner, 16)
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		c := chunkOf(i, i+1)
		require.True(t, inner.Hash(c).Equal(cached.Hash(c)))
		require.True(t, inner.Hash(c).Equal(cached.Hash(c)))
	}
	l, r := inner.Hash(chunkOf(9)), inner.Hash(chunkOf(10))
	require.True(t, inner.Compress(l, r).Equal(cached.Compress(l, r)))
	require.Equal(t, 5, cached.(*CachedHasher).Len())

	same, err := NewCachedHasher(inner, 0)
	require.NoError(t, err)
	require.Equal(t, inner, same)
}

func TestMerkleRoot(t *testing.T) {
	h := Tip5Hasher{}

	t.Run("single chunk is its leaf hash", func(t *testing.T) {
		values := chunkOf(5, 6, 7)
		root, err := MerkleRoot(h, values[:])
		require.NoError(t, err)
		require.True(t, root.Equal(h.Hash(values)))
	})

	t.Run("two chunks compress", func(t *testing.T) {
		a, b := chunkOf(1), chunkOf(2)
		values := append(append([]field.Element{}, a[:]...), b[:]...)
		root, err := MerkleRoot(h, values)
		require.NoError(t, err)
		require.True(t, root.Equal(h.Compress(h.Hash(a), h.Hash(b))))
	})

	t.Run("all zeros equals zero subtree", func(t *testing.T) {
		root, err := MerkleRoot(h, Zeros(4*Chunk))
		require.NoError(t, err)
		require.True(t, root.Equal(ZeroHashes(h, 2)[2]))
	})

	t.Run("rejects bad lengths", func(t *testing.T) {
		_, err := MerkleRoot(h, Zeros(Chunk+1))
		require.Error(t, err)
		_, err = MerkleRoot(h, Zeros(3*Chunk))
		require.Error(t, err)
		_, err = MerkleRoot(h, nil)
		require.Error(t, err)
	})
}

func TestMerkleRootOfDigestsPads(t *testing.T) {
	h := SHA3Hasher{}
	zeros := ZeroHashes(h, 2)
	a, b, c := h.Hash(chunkOf(1)), h.Hash(chunkOf(2)), h.Hash(chunkOf(3))

	got := MerkleRootOfDigests(h, []Digest{a, b, c})
	want := h.Compress(h.Compress(a, b), h.Compress(c, zeros[0]))
	require.True(t, got.Equal(want))
	require.True(t, MerkleRootOfDigests(h, []Digest{a}).Equal(a))
}

func TestFoldPath(t *testing.T) {
	h := Blake3Hasher{}
	leaves := []Digest{h.Hash(chunkOf(1)), h.Hash(chunkOf(2)), h.Hash(chunkOf(3)), h.Hash(chunkOf(4))}
	root := MerkleRootOfDigests(h, leaves)

	// Open leaf 2: right sibling leaf 3, then left sibling node(0,1).
	path := []PathStep{
		{IsRight: false, Sibling: leaves[3]},
		{IsRight: true, Sibling: h.Compress(leaves[0], leaves[1])},
	}
	require.True(t, FoldPath(h, leaves[2], path).Equal(root))

	path[0].IsRight = true
	require.False(t, FoldPath(h, leaves[2], path).Equal(root))
}

func TestDigestConversions(t *testing.T) {
	d := Digest(chunkOf(1, 2, 3, 4, 5, 6, 7, 8))
	require.Len(t, d.Bytes(), 64)
	require.NotEmpty(t, d.String())

	u32s, err := d.Uint32s()
	require.NoError(t, err)
	require.Equal(t, [Chunk]uint32{1, 2, 3, 4, 5, 6, 7, 8}, u32s)

	big := d
	big[0] = field.New(1 << 40)
	_, err = big.Uint32s()
	require.Error(t, err)

	require.NotEqual(t, d.Commit32(), big.Commit32())
	require.True(t, ZeroDigest().ToU256().IsZero())
	require.True(t, PaddedDigest(field.New(7))[0].Equal(field.New(7)))

	_, err = DigestFromSlice(Zeros(3))
	require.Error(t, err)
}

func TestPackBytesRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		[]byte("the quick brown fox jumps over the lazy dog"),
	}
	for _, data := range cases {
		words := PackBytes(data)
		got, err := UnpackBytes(words)
		require.NoError(t, err)
		require.Equal(t, data, got)
	}

	_, err := UnpackBytes(nil)
	require.Error(t, err)
	_, err = UnpackBytes([]field.Element{field.New(20), field.New(1)})
	require.Error(t, err)
}

func TestHashSliceBindsLength(t *testing.T) {
	h := Tip5Hasher{}
	a := HashSlice(h, []field.Element{field.New(1)})
	b := HashSlice(h, []field.Element{field.New(1), field.Zero})
	require.False(t, a.Equal(b))
	require.True(t, a.Equal(HashSlice(h, []field.Element{field.New(1)})))
}
