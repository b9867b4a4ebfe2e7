package memory

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

// InitialTimestamp is the timestamp of every block at segment start.
const InitialTimestamp = 0

// AccessKind distinguishes reads from writes.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
)

// AccessRecord is one logged N-cell access. PrevTimestamp and PrevData are
// filled by the offline checker when the segment is finalized.
type AccessRecord struct {
	Kind      AccessKind
	AddrSpace uint32
	Pointer   uint32
	Timestamp uint32
	Data      []field.Element

	PrevTimestamp uint32
	PrevData      []field.Element
}

// Size returns the number of cells accessed.
func (r *AccessRecord) Size() int {
	return len(r.Data)
}

// IsImmediate reports an address-space 0 read.
func (r *AccessRecord) IsImmediate() bool {
	return r.AddrSpace == 0
}

// Controller is the online memory of one segment. It is owned by the
// execution loop until Finalize consumes it.
type Controller struct {
	dims         Dimensions
	base         *MerkleTree
	maxTimestamp uint32

	timestamp uint32
	chunks    map[ChunkKey]*[core.Chunk]field.Element
	initial   map[ChunkKey][core.Chunk]field.Element
	log       []*AccessRecord
	finalized bool
}

// NewController creates the memory of a segment. base is the persistent
// memory at segment start; nil means all-zero volatile memory.
func NewController(dims Dimensions, base *MerkleTree, timestampBits int) *Controller {
	return &Controller{
		dims:         dims,
		base:         base,
		maxTimestamp: uint32(1)<<timestampBits - 1,
		timestamp:    InitialTimestamp + 1,
		chunks:       make(map[ChunkKey]*[core.Chunk]field.Element),
		initial:      make(map[ChunkKey][core.Chunk]field.Element),
	}
}

// Dimensions returns the memory shape.
func (c *Controller) Dimensions() Dimensions {
	return c.dims
}

// Timestamp returns the timestamp the next access will carry.
func (c *Controller) Timestamp() uint32 {
	return c.timestamp
}

// Persistent reports whether the segment runs over Merkle memory.
func (c *Controller) Persistent() bool {
	return c.base != nil
}

// NumAccesses returns the length of the access log.
func (c *Controller) NumAccesses() int {
	return len(c.log)
}

func (c *Controller) chunk(key ChunkKey) *[core.Chunk]field.Element {
	if ch, ok := c.chunks[key]; ok {
		return ch
	}
	var values [core.Chunk]field.Element
	if c.base != nil {
		values = c.base.Leaf(key)
	} else {
		values = zeroChunk()
	}
	c.initial[key] = values
	ch := &values
	c.chunks[key] = ch
	return ch
}

func (c *Controller) tick() (uint32, error) {
	if c.finalized {
		return 0, fmt.Errorf("%w: access after finalize", ErrInconsistentLog)
	}
	if c.timestamp > c.maxTimestamp {
		return 0, ErrTimestampOverflow
	}
	ts := c.timestamp
	c.timestamp++
	return ts, nil
}

// Read reads n cells. An address-space 0 read returns the pointer itself and
// is not logged.
func (c *Controller) Read(as, ptr uint32, n int) (*AccessRecord, error) {
	if err := c.dims.CheckAccess(as, ptr, n); err != nil {
		return nil, err
	}
	ts, err := c.tick()
	if err != nil {
		return nil, err
	}
	if as == 0 {
		v := []field.Element{field.New(uint64(ptr))}
		return &AccessRecord{Kind: AccessRead, Pointer: ptr, Timestamp: ts, Data: v, PrevData: v}, nil
	}

	key, off := ChunkOf(Address{AddrSpace: as, Pointer: ptr})
	ch := c.chunk(key)
	data := make([]field.Element, n)
	copy(data, ch[off:off+n])
	rec := &AccessRecord{Kind: AccessRead, AddrSpace: as, Pointer: ptr, Timestamp: ts, Data: data}
	c.log = append(c.log, rec)
	return rec, nil
}

// ReadCell reads one cell.
func (c *Controller) ReadCell(as, ptr uint32) (field.Element, *AccessRecord, error) {
	rec, err := c.Read(as, ptr, 1)
	if err != nil {
		return field.Zero, nil, err
	}
	return rec.Data[0], rec, nil
}

// Write writes len(values) cells.
func (c *Controller) Write(as, ptr uint32, values []field.Element) (*AccessRecord, error) {
	if as == 0 {
		return nil, fmt.Errorf("%w: [%d]_0", ErrImmediateWrite, ptr)
	}
	if err := c.dims.CheckAccess(as, ptr, len(values)); err != nil {
		return nil, err
	}
	ts, err := c.tick()
	if err != nil {
		return nil, err
	}

	key, off := ChunkOf(Address{AddrSpace: as, Pointer: ptr})
	ch := c.chunk(key)
	copy(ch[off:off+len(values)], values)
	data := make([]field.Element, len(values))
	copy(data, values)
	rec := &AccessRecord{Kind: AccessWrite, AddrSpace: as, Pointer: ptr, Timestamp: ts, Data: data}
	c.log = append(c.log, rec)
	return rec, nil
}

// WriteCell writes one cell.
func (c *Controller) WriteCell(as, ptr uint32, v field.Element) (*AccessRecord, error) {
	return c.Write(as, ptr, []field.Element{v})
}

// UnsafeRead peeks at n cells without logging or advancing time.
func (c *Controller) UnsafeRead(as, ptr uint32, n int) ([]field.Element, error) {
	if as == 0 {
		if n != 1 {
			return nil, fmt.Errorf("%w: immediate access of size %d", ErrUnalignedAccess, n)
		}
		return []field.Element{field.New(uint64(ptr))}, nil
	}
	out := make([]field.Element, n)
	for i := range out {
		if err := c.dims.CheckAccess(as, ptr+uint32(i), 1); err != nil {
			return nil, err
		}
		key, off := ChunkOf(Address{AddrSpace: as, Pointer: ptr + uint32(i)})
		if ch, ok := c.chunks[key]; ok {
			out[i] = ch[off]
		} else if c.base != nil {
			leaf := c.base.Leaf(key)
			out[i] = leaf[off]
		} else {
			out[i] = field.Zero
		}
	}
	return out, nil
}

// Touched returns the number of chunks touched so far.
func (c *Controller) Touched() int {
	return len(c.chunks)
}
