package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

type nodeID int32

type arenaNode struct {
	hash   core.Digest
	left   nodeID
	right  nodeID
	values [core.Chunk]field.Element
}

// arena owns every node of every tree version. Nodes are immutable once
// appended; the all-zero subtree of each height exists exactly once.
type arena struct {
	mu    sync.RWMutex
	nodes []arenaNode
	zeros []nodeID
}

func newArena(h core.Hasher, height int) *arena {
	a := &arena{zeros: make([]nodeID, height+1)}
	hashes := core.ZeroHashes(h, height)
	a.zeros[0] = a.push(arenaNode{hash: hashes[0], left: -1, right: -1, values: zeroChunk()})
	for i := 1; i <= height; i++ {
		a.zeros[i] = a.push(arenaNode{hash: hashes[i], left: a.zeros[i-1], right: a.zeros[i-1]})
	}
	return a
}

func (a *arena) push(n arenaNode) nodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes = append(a.nodes, n)
	return nodeID(len(a.nodes) - 1)
}

func (a *arena) get(id nodeID) arenaNode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nodes[id]
}

// MerkleTree is one version of the persistent memory. Versions derived with
// Update share every untouched subtree with their parent.
type MerkleTree struct {
	hasher core.Hasher
	dims   Dimensions
	arena  *arena
	root   nodeID
}

// leafEntry is a leaf index with its values.
type leafEntry struct {
	index  uint64
	values [core.Chunk]field.Element
}

func sortedLeaves(dims Dimensions, eq Equipartition) ([]leafEntry, error) {
	out := make([]leafEntry, 0, len(eq))
	for key, values := range eq {
		if key.AddrSpace < dims.ASOffset || key.AddrSpace-dims.ASOffset >= dims.NumAddressSpaces() ||
			uint64(key.Label) >= uint64(1)<<dims.AddressHeight {
			return nil, &MemoryOutOfRangeError{AddrSpace: key.AddrSpace, Pointer: key.Label * core.Chunk, Size: core.Chunk}
		}
		out = append(out, leafEntry{index: dims.LeafIndex(key), values: values})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out, nil
}

// NewMerkleTree builds the tree of an equipartitioned memory.
func NewMerkleTree(h core.Hasher, dims Dimensions, eq Equipartition) (*MerkleTree, error) {
	leaves, err := sortedLeaves(dims, eq)
	if err != nil {
		return nil, err
	}
	a := newArena(h, dims.Overall())
	t := &MerkleTree{hasher: h, dims: dims, arena: a}
	t.root = t.build(dims.Overall(), 0, leaves, a.zeros[dims.Overall()])
	return t, nil
}

// Update returns a new version with the given leaves replaced.
func (t *MerkleTree) Update(eq Equipartition) (*MerkleTree, error) {
	leaves, err := sortedLeaves(t.dims, eq)
	if err != nil {
		return nil, err
	}
	next := &MerkleTree{hasher: t.hasher, dims: t.dims, arena: t.arena}
	next.root = next.build(t.dims.Overall(), 0, leaves, t.root)
	return next, nil
}

// build rebuilds the subtree at (height, index) over base, replacing the
// given sorted leaves.
func (t *MerkleTree) build(height int, index uint64, leaves []leafEntry, base nodeID) nodeID {
	if len(leaves) == 0 {
		return base
	}
	if height == 0 {
		return t.arena.push(arenaNode{hash: t.hasher.Hash(leaves[0].values), left: -1, right: -1, values: leaves[0].values})
	}
	mid := (2*index + 1) << (height - 1)
	split := sort.Search(len(leaves), func(i int) bool { return leaves[i].index >= mid })

	b := t.arena.get(base)
	left := t.build(height-1, 2*index, leaves[:split], b.left)
	right := t.build(height-1, 2*index+1, leaves[split:], b.right)
	return t.arena.push(arenaNode{
		hash:  t.hasher.Compress(t.arena.get(left).hash, t.arena.get(right).hash),
		left:  left,
		right: right,
	})
}

// Root returns the root digest.
func (t *MerkleTree) Root() core.Digest {
	return t.arena.get(t.root).hash
}

// Dimensions returns the tree shape.
func (t *MerkleTree) Dimensions() Dimensions {
	return t.dims
}

func (t *MerkleTree) nodeAt(height int, index uint64) nodeID {
	id := t.root
	for h := t.dims.Overall(); h > height; h-- {
		n := t.arena.get(id)
		if (index>>(h-1-height))&1 == 1 {
			id = n.right
		} else {
			id = n.left
		}
	}
	return id
}

// NodeHash returns the digest of the node at (height, index).
func (t *MerkleTree) NodeHash(height int, index uint64) core.Digest {
	return t.arena.get(t.nodeAt(height, index)).hash
}

// Leaf returns the values stored in a chunk.
func (t *MerkleTree) Leaf(key ChunkKey) [core.Chunk]field.Element {
	return t.arena.get(t.nodeAt(0, t.dims.LeafIndex(key))).values
}

// Path returns the bottom-up opening of the node at (height, index).
func (t *MerkleTree) Path(height int, index uint64) ([]core.PathStep, error) {
	if height < 0 || height > t.dims.Overall() || index>>(t.dims.Overall()-height) != 0 {
		return nil, fmt.Errorf("node (%d, %d) is outside a tree of height %d", height, index, t.dims.Overall())
	}
	path := make([]core.PathStep, 0, t.dims.Overall()-height)
	for h := height; h < t.dims.Overall(); h++ {
		idx := index >> (h - height)
		path = append(path, core.PathStep{
			IsRight: idx&1 == 1,
			Sibling: t.NodeHash(h, idx^1),
		})
	}
	return path, nil
}

// LeafPath opens the chunk at key.
func (t *MerkleTree) LeafPath(key ChunkKey) ([]core.PathStep, error) {
	return t.Path(0, t.dims.LeafIndex(key))
}

// ZeroRoot returns the root of an all-zero memory.
func ZeroRoot(h core.Hasher, dims Dimensions) core.Digest {
	return core.ZeroHashes(h, dims.Overall())[dims.Overall()]
}

// MemoryRoot returns the root of an equipartitioned memory.
func MemoryRoot(h core.Hasher, dims Dimensions, eq Equipartition) (core.Digest, error) {
	t, err := NewMerkleTree(h, dims, eq)
	if err != nil {
		return core.Digest{}, err
	}
	return t.Root(), nil
}
