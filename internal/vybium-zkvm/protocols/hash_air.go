package protocols

import (
	"sort"
	"sync"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
)

// Hash request kinds on the hash bus.
const (
	HashKindLeaf     = 0
	HashKindCompress = 1
)

// HashAirWidth is kind, 16 input elements, 8 output elements and a
// multiplicity.
const HashAirWidth = 1 + 2*core.Chunk + core.Chunk + 1

type hashRecord struct {
	kind   uint8
	input  [2 * core.Chunk]field.Element
	output core.Digest
}

// HashChip is a Hasher that records every call so the hash table can prove
// it. It is safe for concurrent use.
type HashChip struct {
	hasher core.Hasher

	mu     sync.Mutex
	counts map[hashRecord]uint32
}

// NewHashChip wraps hasher.
func NewHashChip(hasher core.Hasher) *HashChip {
	return &HashChip{hasher: hasher, counts: make(map[hashRecord]uint32)}
}

// Inner returns the wrapped hasher.
func (c *HashChip) Inner() core.Hasher {
	return c.hasher
}

// Hash implements core.Hasher.
func (c *HashChip) Hash(chunk [core.Chunk]field.Element) core.Digest {
	out := c.hasher.Hash(chunk)
	var input [2 * core.Chunk]field.Element
	copy(input[:], chunk[:])
	copy(input[core.Chunk:], core.Zeros(core.Chunk))
	c.record(hashRecord{kind: HashKindLeaf, input: input, output: out})
	return out
}

// Compress implements core.Hasher.
func (c *HashChip) Compress(left, right core.Digest) core.Digest {
	out := c.hasher.Compress(left, right)
	var input [2 * core.Chunk]field.Element
	copy(input[:], left[:])
	copy(input[core.Chunk:], right[:])
	c.record(hashRecord{kind: HashKindCompress, input: input, output: out})
	return out
}

func (c *HashChip) record(r hashRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[r]++
}

// Len returns the number of distinct requests.
func (c *HashChip) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

// Reset drops every recorded request.
func (c *HashChip) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[hashRecord]uint32)
}

// GenerateTrace emits one row per distinct request, sorted so the trace does
// not depend on request order.
func (c *HashChip) GenerateTrace() *Trace {
	c.mu.Lock()
	records := make([]hashRecord, 0, len(c.counts))
	for r := range c.counts {
		records = append(records, r)
	}
	counts := c.counts
	c.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.kind != b.kind {
			return a.kind < b.kind
		}
		for k := range a.input {
			if av, bv := a.input[k].Value(), b.input[k].Value(); av != bv {
				return av < bv
			}
		}
		return false
	})

	t := &Trace{Width: HashAirWidth, Values: make([]field.Element, 0, HashAirWidth*len(records))}
	for _, r := range records {
		t.Values = append(t.Values, field.New(uint64(r.kind)))
		t.Values = append(t.Values, r.input[:]...)
		t.Values = append(t.Values, r.output[:]...)
		t.Values = append(t.Values, field.New(uint64(counts[r])))
	}
	return t
}

// LeafHashFields returns the hash-bus message of a leaf hash.
func LeafHashFields(values []field.Element, out core.Digest) []field.Element {
	fields := make([]field.Element, 0, 1+3*core.Chunk)
	fields = append(fields, field.New(HashKindLeaf))
	fields = append(fields, values[:core.Chunk]...)
	fields = append(fields, core.Zeros(core.Chunk)...)
	return append(fields, out[:]...)
}

// CompressFields returns the hash-bus message of a compression.
func CompressFields(left, right []field.Element, out core.Digest) []field.Element {
	fields := make([]field.Element, 0, 1+3*core.Chunk)
	fields = append(fields, field.New(HashKindCompress))
	fields = append(fields, left[:core.Chunk]...)
	fields = append(fields, right[:core.Chunk]...)
	return append(fields, out[:]...)
}

// HashAir proves every recorded hash request.
type HashAir struct {
	hasher core.Hasher
}

// NewHashAir creates the hash table for hasher.
func NewHashAir(hasher core.Hasher) *HashAir {
	return &HashAir{hasher: hasher}
}

func (a *HashAir) Name() string          { return "Hash" }
func (a *HashAir) Width() int            { return HashAirWidth }
func (a *HashAir) NumPublicValues() int  { return 0 }
func (a *HashAir) ConstraintDegree() int { return 7 }

// Eval recomputes each row's output.
func (a *HashAir) Eval(trace *Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		var in [2 * core.Chunk]field.Element
		copy(in[:], row[1:1+2*core.Chunk])
		out, _ := core.DigestFromSlice(row[1+2*core.Chunk:])

		var want core.Digest
		switch row[0].Value() {
		case HashKindLeaf:
			var chunk [core.Chunk]field.Element
			copy(chunk[:], in[:core.Chunk])
			for _, v := range in[core.Chunk:] {
				if !v.IsZero() {
					return Violation(a.Name(), i, "leaf hash with non-zero padding")
				}
			}
			want = a.hasher.Hash(chunk)
		case HashKindCompress:
			var l, r core.Digest
			copy(l[:], in[:core.Chunk])
			copy(r[:], in[core.Chunk:])
			want = a.hasher.Compress(l, r)
		default:
			return Violation(a.Name(), i, "unknown hash kind %d", row[0].Value())
		}
		if !want.Equal(out) {
			return Violation(a.Name(), i, "hash output mismatch")
		}
	}
	return nil
}

// Interactions receives the request with its multiplicity.
func (a *HashAir) Interactions(row []field.Element) []Interaction {
	return []Interaction{Receive(HashBus, row[HashAirWidth-1], row[:HashAirWidth-1]...)}
}
