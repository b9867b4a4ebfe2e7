package memory

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

// AdapterKind distinguishes block splits from block merges.
type AdapterKind uint8

const (
	AdapterSplit AdapterKind = iota
	AdapterMerge
)

// AdapterRecord is one split or merge of a block of Size cells into its two
// halves. A split carries LeftTimestamp == RightTimestamp.
type AdapterRecord struct {
	Kind           AdapterKind
	AddrSpace      uint32
	Pointer        uint32
	Size           int
	Data           []field.Element
	LeftTimestamp  uint32
	RightTimestamp uint32
}

// Timestamp returns the timestamp of the whole block.
func (r *AdapterRecord) Timestamp() uint32 {
	return max(r.LeftTimestamp, r.RightTimestamp)
}

// TouchedChunk is one leaf touched during a segment.
type TouchedChunk struct {
	Key            ChunkKey
	Initial        [core.Chunk]field.Element
	Final          [core.Chunk]field.Element
	FinalTimestamp uint32
}

// FinalizedMemory is everything the memory AIRs need once a segment has
// ended.
type FinalizedMemory struct {
	Dims       Dimensions
	Persistent bool

	Accesses []*AccessRecord
	Adapters []AdapterRecord

	// Touched is sorted by leaf index.
	Touched []TouchedChunk

	// InitialTree and FinalTree are set for persistent memory only.
	InitialTree *MerkleTree
	FinalTree   *MerkleTree
}

// InitialRoot returns the memory root at segment start.
func (f *FinalizedMemory) InitialRoot() core.Digest {
	return f.InitialTree.Root()
}

// FinalRoot returns the memory root at segment end.
func (f *FinalizedMemory) FinalRoot() core.Digest {
	return f.FinalTree.Root()
}

// chunkBlocks tracks the block partition of one chunk during replay. A block
// starting at offset o has size[o] > 0; other offsets carry size 0.
type chunkBlocks struct {
	size   [core.Chunk]int
	ts     [core.Chunk]uint32
	values [core.Chunk]field.Element
}

type offlineChecker struct {
	chunks   map[ChunkKey]*chunkBlocks
	initial  map[ChunkKey][core.Chunk]field.Element
	adapters []AdapterRecord
}

func (o *offlineChecker) blocks(key ChunkKey) (*chunkBlocks, error) {
	if b, ok := o.chunks[key]; ok {
		return b, nil
	}
	init, ok := o.initial[key]
	if !ok {
		return nil, fmt.Errorf("%w: chunk %v has no initial value", ErrInconsistentLog, key)
	}
	b := &chunkBlocks{values: init}
	b.size[0] = core.Chunk
	b.ts[0] = InitialTimestamp
	o.chunks[key] = b
	return b, nil
}

func (o *offlineChecker) record(kind AdapterKind, key ChunkKey, b *chunkBlocks, off, size int, tl, tr uint32) {
	data := make([]field.Element, size)
	copy(data, b.values[off:off+size])
	o.adapters = append(o.adapters, AdapterRecord{
		Kind:           kind,
		AddrSpace:      key.AddrSpace,
		Pointer:        key.Label*core.Chunk + uint32(off),
		Size:           size,
		Data:           data,
		LeftTimestamp:  tl,
		RightTimestamp: tr,
	})
}

// containing returns the start of the block covering off.
func (b *chunkBlocks) containing(off int) int {
	for s := off; s >= 0; s-- {
		if b.size[s] > 0 {
			return s
		}
	}
	return 0
}

// splitDown splits the block covering off until it is no larger than n.
func (o *offlineChecker) splitDown(key ChunkKey, b *chunkBlocks, off, n int) {
	for {
		s := b.containing(off)
		if b.size[s] <= n {
			return
		}
		size := b.size[s]
		o.record(AdapterSplit, key, b, s, size, b.ts[s], b.ts[s])
		half := size / 2
		b.size[s] = half
		b.size[s+half] = half
		b.ts[s+half] = b.ts[s]
	}
}

// mergeUp merges the blocks inside [off, off+n) into one block.
func (o *offlineChecker) mergeUp(key ChunkKey, b *chunkBlocks, off, n int) {
	if b.size[off] == n {
		return
	}
	half := n / 2
	o.mergeUp(key, b, off, half)
	o.mergeUp(key, b, off+half, half)
	tl, tr := b.ts[off], b.ts[off+half]
	o.record(AdapterMerge, key, b, off, n, tl, tr)
	b.size[off] = n
	b.size[off+half] = 0
	b.ts[off] = max(tl, tr)
}

func (o *offlineChecker) access(rec *AccessRecord) error {
	key, off := ChunkOf(Address{AddrSpace: rec.AddrSpace, Pointer: rec.Pointer})
	b, err := o.blocks(key)
	if err != nil {
		return err
	}
	n := rec.Size()
	o.splitDown(key, b, off, n)
	o.mergeUp(key, b, off, n)

	rec.PrevTimestamp = b.ts[off]
	rec.PrevData = make([]field.Element, n)
	copy(rec.PrevData, b.values[off:off+n])
	if rec.PrevTimestamp >= rec.Timestamp {
		return fmt.Errorf("%w: timestamp %d after %d", ErrInconsistentLog, rec.Timestamp, rec.PrevTimestamp)
	}

	switch rec.Kind {
	case AccessRead:
		for i := range rec.Data {
			if !rec.Data[i].Equal(rec.PrevData[i]) {
				return fmt.Errorf("%w: read of [%d]_%d disagrees with replay", ErrInconsistentLog, rec.Pointer+uint32(i), rec.AddrSpace)
			}
		}
	case AccessWrite:
		copy(b.values[off:off+n], rec.Data)
	}
	b.ts[off] = rec.Timestamp
	return nil
}

// Finalize consumes the controller: it replays the access log to fill each
// record's previous timestamp and data, emits the adapter records, and
// closes every touched chunk back to a single Chunk-wide block. For
// persistent memory it also derives the final tree.
func (c *Controller) Finalize() (*FinalizedMemory, error) {
	if c.finalized {
		return nil, fmt.Errorf("%w: finalized twice", ErrInconsistentLog)
	}
	c.finalized = true

	o := &offlineChecker{
		chunks:  make(map[ChunkKey]*chunkBlocks, len(c.initial)),
		initial: c.initial,
	}
	for _, rec := range c.log {
		if err := o.access(rec); err != nil {
			return nil, err
		}
	}

	keys := make([]ChunkKey, 0, len(o.chunks))
	for k := range o.chunks {
		keys = append(keys, k)
	}
	sortKeys(keys)

	fm := &FinalizedMemory{
		Dims:       c.dims,
		Persistent: c.base != nil,
		Accesses:   c.log,
		Touched:    make([]TouchedChunk, 0, len(keys)),
	}
	updates := make(Equipartition, len(keys))
	for _, key := range keys {
		b := o.chunks[key]
		o.mergeUp(key, b, 0, core.Chunk)
		if !equalChunks(*c.chunks[key], b.values) {
			return nil, fmt.Errorf("%w: chunk %v disagrees with replay", ErrInconsistentLog, key)
		}
		fm.Touched = append(fm.Touched, TouchedChunk{
			Key:            key,
			Initial:        c.initial[key],
			Final:          b.values,
			FinalTimestamp: b.ts[0],
		})
		updates[key] = b.values
	}
	fm.Adapters = o.adapters

	if c.base != nil {
		final, err := c.base.Update(updates)
		if err != nil {
			return nil, err
		}
		fm.InitialTree = c.base
		fm.FinalTree = final
	}
	return fm, nil
}

func equalChunks(a, b [core.Chunk]field.Element) bool {
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
