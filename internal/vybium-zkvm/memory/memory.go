// Package memory implements the zkVM memory subsystem: the online memory
// controller used during execution, the offline memory checker that turns
// its access log into bus-balanced records, the persistent Merkle memory,
// and the AIRs proving all of it.
package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

var (
	// ErrMemoryOutOfRange reports an access outside the configured window.
	ErrMemoryOutOfRange = errors.New("memory out of range")

	// ErrImmediateWrite reports a write to address space 0.
	ErrImmediateWrite = errors.New("write to immediate address space")

	// ErrUnalignedAccess reports a block access that is not a power of two
	// up to Chunk, or not aligned to its size.
	ErrUnalignedAccess = errors.New("unaligned memory access")

	// ErrTimestampOverflow reports a segment whose timestamps outgrew the
	// range checker.
	ErrTimestampOverflow = errors.New("memory timestamp overflow")

	// ErrInconsistentLog reports an access log that disagrees with replay.
	ErrInconsistentLog = errors.New("inconsistent memory access log")
)

// MemoryOutOfRangeError carries the offending address.
type MemoryOutOfRangeError struct {
	AddrSpace uint32
	Pointer   uint32
	Size      int
}

func (e *MemoryOutOfRangeError) Error() string {
	return fmt.Sprintf("memory out of range: [%d]_%d (size %d)", e.Pointer, e.AddrSpace, e.Size)
}

func (e *MemoryOutOfRangeError) Unwrap() error {
	return ErrMemoryOutOfRange
}

// Address is a cell location.
type Address struct {
	AddrSpace uint32
	Pointer   uint32
}

// ChunkKey is a Chunk-wide leaf location: Label = Pointer / Chunk.
type ChunkKey struct {
	AddrSpace uint32
	Label     uint32
}

// ChunkOf returns the leaf holding addr and the offset of addr inside it.
func ChunkOf(addr Address) (ChunkKey, int) {
	return ChunkKey{AddrSpace: addr.AddrSpace, Label: addr.Pointer / core.Chunk}, int(addr.Pointer % core.Chunk)
}

// ============================================================================
// Dimensions
// ============================================================================

// Dimensions fixes the shape of the memory Merkle tree: ASHeight bits of
// address-space label above AddressHeight bits of chunk label.
type Dimensions struct {
	ASHeight      int
	AddressHeight int
	ASOffset      uint32
	PointerBits   int
}

// NewDimensions derives the tree shape from the memory configuration.
func NewDimensions(cfg utils.MemoryConfig) Dimensions {
	return Dimensions{
		ASHeight:      cfg.ASHeight,
		AddressHeight: cfg.PointerMaxBits - utils.Log2(core.Chunk),
		ASOffset:      cfg.ASOffset,
		PointerBits:   cfg.PointerMaxBits,
	}
}

// Overall returns the tree height.
func (d Dimensions) Overall() int {
	return d.ASHeight + d.AddressHeight
}

// NumAddressSpaces returns the number of mutable address spaces.
func (d Dimensions) NumAddressSpaces() uint32 {
	return 1 << d.ASHeight
}

// LeafIndex maps a chunk to its leaf index.
func (d Dimensions) LeafIndex(key ChunkKey) uint64 {
	asLabel := uint64(key.AddrSpace - d.ASOffset)
	return asLabel<<d.AddressHeight | uint64(key.Label)
}

// KeyOf inverts LeafIndex.
func (d Dimensions) KeyOf(index uint64) ChunkKey {
	mask := uint64(1)<<d.AddressHeight - 1
	return ChunkKey{
		AddrSpace: uint32(index>>d.AddressHeight) + d.ASOffset,
		Label:     uint32(index & mask),
	}
}

// NodeLabels splits the index of a node at the given height into its
// address-space label and chunk label. Nodes above the address part carry
// label 0.
func (d Dimensions) NodeLabels(height int, index uint64) (uint32, uint32) {
	if height >= d.AddressHeight {
		return uint32(index), 0
	}
	shift := d.AddressHeight - height
	return uint32(index >> shift), uint32(index & (uint64(1)<<shift - 1))
}

// NodeIndex inverts NodeLabels.
func (d Dimensions) NodeIndex(height int, asLabel, label uint32) uint64 {
	if height >= d.AddressHeight {
		return uint64(asLabel)
	}
	return uint64(asLabel)<<(d.AddressHeight-height) | uint64(label)
}

// CheckAccess validates an N-cell access at (as, ptr).
func (d Dimensions) CheckAccess(as, ptr uint32, n int) error {
	if n <= 0 || n > core.Chunk || n&(n-1) != 0 || ptr%uint32(n) != 0 {
		return fmt.Errorf("%w: [%d]_%d size %d", ErrUnalignedAccess, ptr, as, n)
	}
	if as == 0 {
		if n != 1 {
			return fmt.Errorf("%w: immediate access of size %d", ErrUnalignedAccess, n)
		}
		return nil
	}
	if as < d.ASOffset || as-d.ASOffset >= d.NumAddressSpaces() || uint64(ptr)+uint64(n) > uint64(1)<<d.PointerBits {
		return &MemoryOutOfRangeError{AddrSpace: as, Pointer: ptr, Size: n}
	}
	return nil
}

// ============================================================================
// Memory images
// ============================================================================

// Image is a sparse cell-level memory: absent cells are zero.
type Image map[Address]field.Element

// Equipartition maps chunk locations to their Chunk-wide values.
type Equipartition map[ChunkKey][core.Chunk]field.Element

// ToEquipartition groups the image into leaves.
func (img Image) ToEquipartition() Equipartition {
	eq := make(Equipartition)
	for addr, v := range img {
		key, off := ChunkOf(addr)
		chunk, ok := eq[key]
		if !ok {
			chunk = zeroChunk()
		}
		chunk[off] = v
		eq[key] = chunk
	}
	return eq
}

// Validate checks every address against the dimensions.
func (img Image) Validate(d Dimensions) error {
	for addr := range img {
		if addr.AddrSpace == 0 {
			return fmt.Errorf("%w: initial memory in address space 0", ErrMemoryOutOfRange)
		}
		if err := d.CheckAccess(addr.AddrSpace, addr.Pointer, 1); err != nil {
			return err
		}
	}
	return nil
}

// SortedAddresses returns the image addresses in (space, pointer) order.
func (img Image) SortedAddresses() []Address {
	out := make([]Address, 0, len(img))
	for addr := range img {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddrSpace != out[j].AddrSpace {
			return out[i].AddrSpace < out[j].AddrSpace
		}
		return out[i].Pointer < out[j].Pointer
	})
	return out
}

// SortedKeys returns the leaf locations in leaf-index order.
func (eq Equipartition) SortedKeys() []ChunkKey {
	out := make([]ChunkKey, 0, len(eq))
	for k := range eq {
		out = append(out, k)
	}
	sortKeys(out)
	return out
}

func sortKeys(keys []ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AddrSpace != keys[j].AddrSpace {
			return keys[i].AddrSpace < keys[j].AddrSpace
		}
		return keys[i].Label < keys[j].Label
	})
}

func zeroChunk() [core.Chunk]field.Element {
	var c [core.Chunk]field.Element
	for i := range c {
		c[i] = field.Zero
	}
	return c
}
