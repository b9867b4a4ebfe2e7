package core

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// ZeroHashes returns the roots of all-zero subtrees for heights 0..height.
// ZeroHashes(h, n)[0] is the hash of a zero leaf.
func ZeroHashes(h Hasher, height int) []Digest {
	out := make([]Digest, height+1)
	var zero [Chunk]field.Element
	for i := range zero {
		zero[i] = field.Zero
	}
	out[0] = h.Hash(zero)
	for i := 1; i <= height; i++ {
		out[i] = h.Compress(out[i-1], out[i-1])
	}
	return out
}

// MerkleRoot commits to values as a full binary tree of Chunk-wide leaves.
// len(values) must be a power-of-two multiple of Chunk.
func MerkleRoot(h Hasher, values []field.Element) (Digest, error) {
	if len(values) == 0 || len(values)%Chunk != 0 {
		return Digest{}, fmt.Errorf("merkle root needs a multiple of %d values, got %d", Chunk, len(values))
	}
	n := len(values) / Chunk
	if n&(n-1) != 0 {
		return Digest{}, fmt.Errorf("merkle root needs a power-of-two number of chunks, got %d", n)
	}

	layer := make([]Digest, n)
	for i := range layer {
		var chunk [Chunk]field.Element
		copy(chunk[:], values[i*Chunk:(i+1)*Chunk])
		layer[i] = h.Hash(chunk)
	}
	for len(layer) > 1 {
		next := make([]Digest, len(layer)/2)
		for i := range next {
			next[i] = h.Compress(layer[2*i], layer[2*i+1])
		}
		layer = next
	}
	return layer[0], nil
}

// MerkleRootOfDigests commits to a list of digests, padding with zero-subtree
// digests up to the next power of two.
func MerkleRootOfDigests(h Hasher, leaves []Digest) Digest {
	if len(leaves) == 0 {
		return ZeroHashes(h, 0)[0]
	}
	size := 1
	height := 0
	for size < len(leaves) {
		size <<= 1
		height++
	}
	zeros := ZeroHashes(h, height)

	layer := make([]Digest, len(leaves))
	copy(layer, leaves)
	for level := 0; level < height; level++ {
		next := make([]Digest, (len(layer)+1)/2)
		for i := range next {
			right := zeros[level]
			if 2*i+1 < len(layer) {
				right = layer[2*i+1]
			}
			next[i] = h.Compress(layer[2*i], right)
		}
		layer = next
	}
	return layer[0]
}

// PathStep is one sibling on a Merkle opening.
type PathStep struct {
	// IsRight is true when the opened node is the right child at this level.
	IsRight bool
	Sibling Digest
}

// FoldPath recomputes a root from a leaf-side digest and its opening, bottom
// up.
func FoldPath(h Hasher, node Digest, path []PathStep) Digest {
	for _, step := range path {
		if step.IsRight {
			node = h.Compress(step.Sibling, node)
		} else {
			node = h.Compress(node, step.Sibling)
		}
	}
	return node
}
