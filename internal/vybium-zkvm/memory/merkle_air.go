package memory

import (
	"sort"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// MerkleAirName names the Merkle expansion table.
const MerkleAirName = "MemoryMerkle"

// MerkleFields builds a Merkle-bus message.
func MerkleFields(height int, asLabel, label field.Element, hash core.Digest) []field.Element {
	fields := make([]field.Element, 0, 3+core.Chunk)
	fields = append(fields, field.New(uint64(height)), asLabel, label)
	return append(fields, hash[:]...)
}

// Column layout of the Merkle expansion table.
const (
	mkDir     = 0
	mkHeight  = 1
	mkASLabel = 2
	mkLabel   = 3
	mkParent  = 4
	mkLeft    = mkParent + core.Chunk
	mkRight   = mkLeft + core.Chunk
	mkIsRoot  = mkRight + core.Chunk
	mkWidth   = mkIsRoot + 1
)

// MerkleAir expands the initial and final memory roots along every touched
// chunk. Each touched internal node has one row per direction: +1 for the
// initial tree and -1 for the final tree. A row consumes its parent digest
// (or pins it to a public root) and produces both children. Untouched
// siblings are produced by both trees with opposite signs and cancel.
//
// Public values: initial_root[Chunk] | final_root[Chunk].
type MerkleAir struct {
	dims Dimensions
}

// NewMerkleAir creates the expansion table.
func NewMerkleAir(dims Dimensions) *MerkleAir {
	return &MerkleAir{dims: dims}
}

func (a *MerkleAir) Name() string          { return MerkleAirName }
func (a *MerkleAir) Width() int            { return mkWidth }
func (a *MerkleAir) NumPublicValues() int  { return 2 * core.Chunk }
func (a *MerkleAir) ConstraintDegree() int { return 3 }

// PublicValues lays out the roots.
func (a *MerkleAir) PublicValues(fm *FinalizedMemory) []field.Element {
	pvs := fm.InitialRoot().Elements()
	return append(pvs, fm.FinalRoot().Elements()...)
}

type merkleNode struct {
	height int
	index  uint64
}

// touchedNodes returns every internal node above a touched leaf, top-down.
func (a *MerkleAir) touchedNodes(fm *FinalizedMemory) []merkleNode {
	seen := make(map[merkleNode]bool)
	var nodes []merkleNode
	for _, tc := range fm.Touched {
		idx := a.dims.LeafIndex(tc.Key)
		for h := 1; h <= a.dims.Overall(); h++ {
			n := merkleNode{height: h, index: idx >> h}
			if seen[n] {
				break
			}
			seen[n] = true
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].height != nodes[j].height {
			return nodes[i].height > nodes[j].height
		}
		return nodes[i].index < nodes[j].index
	})
	return nodes
}

func (a *MerkleAir) row(tree *MerkleTree, dir field.Element, n merkleNode, chip *protocols.HashChip) []field.Element {
	left := tree.NodeHash(n.height-1, 2*n.index)
	right := tree.NodeHash(n.height-1, 2*n.index+1)
	parent := chip.Compress(left, right)

	asLabel, label := a.dims.NodeLabels(n.height, n.index)
	row := make([]field.Element, 0, mkWidth)
	row = append(row, dir, field.New(uint64(n.height)), field.New(uint64(asLabel)), field.New(uint64(label)))
	row = append(row, parent[:]...)
	row = append(row, left[:]...)
	row = append(row, right[:]...)
	if n.height == a.dims.Overall() {
		row = append(row, field.One)
	} else {
		row = append(row, field.Zero)
	}
	return row
}

// GenerateTrace emits the initial-tree rows followed by the final-tree rows,
// each top-down, and records every compression with chip.
func (a *MerkleAir) GenerateTrace(fm *FinalizedMemory, chip *protocols.HashChip) (*protocols.Trace, error) {
	nodes := a.touchedNodes(fm)
	rows := make([][]field.Element, 0, 2*len(nodes))
	for _, n := range nodes {
		rows = append(rows, a.row(fm.InitialTree, field.One, n, chip))
	}
	for _, n := range nodes {
		rows = append(rows, a.row(fm.FinalTree, field.One.Neg(), n, chip))
	}
	return protocols.TraceFromRows(mkWidth, rows)
}

// Eval pins the two root rows to the public roots. Without touched chunks
// the roots must coincide.
func (a *MerkleAir) Eval(trace *protocols.Trace, pvs []field.Element) error {
	initialRoot, finalRoot := pvs[:core.Chunk], pvs[core.Chunk:]
	if trace.Height() == 0 {
		if !protocols.EqualSlices(initialRoot, finalRoot) {
			return protocols.Violation(a.Name(), -1, "roots differ without touched memory")
		}
		return nil
	}

	minusOne := field.One.Neg()
	roots := map[bool]int{}
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		dir, isRoot := row[mkDir], row[mkIsRoot]
		if !dir.IsOne() && !dir.Equal(minusOne) {
			return protocols.Violation(a.Name(), i, "direction is neither 1 nor -1")
		}
		if !protocols.IsBool(isRoot) {
			return protocols.Violation(a.Name(), i, "root flag is not boolean")
		}
		height := row[mkHeight].Value()
		if height == 0 || height > uint64(a.dims.Overall()) {
			return protocols.Violation(a.Name(), i, "height %d outside (0, %d]", height, a.dims.Overall())
		}
		asLabel, label := row[mkASLabel].Value(), row[mkLabel].Value()
		idx := a.dims.NodeIndex(int(height), uint32(asLabel), uint32(label))
		if idx>>(a.dims.Overall()-int(height)) != 0 {
			return protocols.Violation(a.Name(), i, "node index out of range")
		}
		if a2, l2 := a.dims.NodeLabels(int(height), idx); uint64(a2) != asLabel || uint64(l2) != label {
			return protocols.Violation(a.Name(), i, "non-canonical node labels")
		}

		if (height == uint64(a.dims.Overall())) != isRoot.IsOne() {
			return protocols.Violation(a.Name(), i, "root flag disagrees with height")
		}
		if isRoot.IsOne() {
			want := initialRoot
			if !dir.IsOne() {
				want = finalRoot
			}
			if !protocols.EqualSlices(row[mkParent:mkLeft], want) {
				return protocols.Violation(a.Name(), i, "root row does not match the public root")
			}
			roots[dir.IsOne()]++
		}
	}
	if roots[true] != 1 || roots[false] != 1 {
		return protocols.Violation(a.Name(), -1, "expected one root row per tree, got %d initial and %d final", roots[true], roots[false])
	}
	return nil
}

// Interactions consumes the parent (unless it is the root), produces both
// children and requests the compression.
func (a *MerkleAir) Interactions(row []field.Element) []protocols.Interaction {
	dir := row[mkDir]
	height := int(row[mkHeight].Value())
	parent, _ := core.DigestFromSlice(row[mkParent:mkLeft])
	left, _ := core.DigestFromSlice(row[mkLeft:mkRight])
	right, _ := core.DigestFromSlice(row[mkRight:mkIsRoot])

	idx := a.dims.NodeIndex(height, uint32(row[mkASLabel].Value()), uint32(row[mkLabel].Value()))
	la, ll := a.dims.NodeLabels(height-1, 2*idx)
	ra, rl := a.dims.NodeLabels(height-1, 2*idx+1)

	out := make([]protocols.Interaction, 0, 4)
	if row[mkIsRoot].IsZero() {
		out = append(out, protocols.Receive(protocols.MerkleBus, dir, MerkleFields(height, row[mkASLabel], row[mkLabel], parent)...))
	}
	return append(out,
		protocols.Send(protocols.MerkleBus, dir, MerkleFields(height-1, field.New(uint64(la)), field.New(uint64(ll)), left)...),
		protocols.Send(protocols.MerkleBus, dir, MerkleFields(height-1, field.New(uint64(ra)), field.New(uint64(rl)), right)...),
		protocols.Send(protocols.HashBus, field.One, protocols.CompressFields(left[:], right[:], parent)...),
	)
}
