package memory

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// ErrPublicValuesProof reports an opening that does not bind the user public
// values into a memory root.
var ErrPublicValuesProof = errors.New("invalid user public values proof")

// PublicValuesAddrSpace returns the address space holding the user public
// values buffer.
func (d Dimensions) PublicValuesAddrSpace() uint32 {
	return d.ASOffset + 2
}

// PublicValuesNode returns the tree node whose subtree is exactly the user
// public values buffer of numPublicValues cells.
func (d Dimensions) PublicValuesNode(numPublicValues int) (int, uint64) {
	height := utils.Log2(numPublicValues / core.Chunk)
	leaf := d.LeafIndex(ChunkKey{AddrSpace: d.PublicValuesAddrSpace(), Label: 0})
	return height, leaf >> height
}

// UserPublicValuesProof opens the public values buffer inside a final memory
// root: Siblings runs bottom-up from the buffer's subtree to the root.
type UserPublicValuesProof struct {
	Siblings           []core.Digest
	PublicValuesCommit core.Digest
}

// ComputeUserPublicValuesProof opens the buffer inside tree.
func ComputeUserPublicValuesProof(tree *MerkleTree, numPublicValues int) (*UserPublicValuesProof, error) {
	height, index := tree.Dimensions().PublicValuesNode(numPublicValues)
	path, err := tree.Path(height, index)
	if err != nil {
		return nil, err
	}
	siblings := make([]core.Digest, len(path))
	for i, step := range path {
		siblings[i] = step.Sibling
	}
	return &UserPublicValuesProof{
		Siblings:           siblings,
		PublicValuesCommit: tree.NodeHash(height, index),
	}, nil
}

// Verify checks that the commitment sits at the buffer's fixed position
// under root, and, when values is non-nil, that it commits to values.
func (p *UserPublicValuesProof) Verify(h core.Hasher, dims Dimensions, numPublicValues int, root core.Digest, values []field.Element) error {
	height, index := dims.PublicValuesNode(numPublicValues)
	if len(p.Siblings) != dims.Overall()-height {
		return fmt.Errorf("%w: %d siblings, expected %d", ErrPublicValuesProof, len(p.Siblings), dims.Overall()-height)
	}
	if values != nil {
		if len(values) != numPublicValues {
			return fmt.Errorf("%w: %d values, expected %d", ErrPublicValuesProof, len(values), numPublicValues)
		}
		commit, err := core.MerkleRoot(h, values)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublicValuesProof, err)
		}
		if !commit.Equal(p.PublicValuesCommit) {
			return fmt.Errorf("%w: values do not match the commitment", ErrPublicValuesProof)
		}
	}

	path := make([]core.PathStep, len(p.Siblings))
	for i, s := range p.Siblings {
		path[i] = core.PathStep{IsRight: (index>>i)&1 == 1, Sibling: s}
	}
	if !core.FoldPath(h, p.PublicValuesCommit, path).Equal(root) {
		return fmt.Errorf("%w: opening does not reach the memory root", ErrPublicValuesProof)
	}
	return nil
}

// ExtractPublicValues reads the buffer out of a memory tree.
func ExtractPublicValues(tree *MerkleTree, numPublicValues int) []field.Element {
	dims := tree.Dimensions()
	out := make([]field.Element, 0, numPublicValues)
	for label := 0; label < numPublicValues/core.Chunk; label++ {
		leaf := tree.Leaf(ChunkKey{AddrSpace: dims.PublicValuesAddrSpace(), Label: uint32(label)})
		out = append(out, leaf[:]...)
	}
	return out
}
