package memory

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// AdapterSizes lists the block sizes that have an access adapter table.
var AdapterSizes = []int{2, 4, core.Chunk}

// AccessAdapterAir proves the splits and merges of blocks of one size:
//
//	is_split | as | ptr | t_left | t_right | left_lt | data[Size] | limbs
//
// A split receives the block and sends both halves at the same timestamp. A
// merge receives both halves and sends the block at max(t_left, t_right).
type AccessAdapterAir struct {
	size       int
	numLimbs   int
	decompBits int
}

// NewAccessAdapterAir creates the adapter table for blocks of size cells.
func NewAccessAdapterAir(size, timestampBits, decompBits int) *AccessAdapterAir {
	return &AccessAdapterAir{
		size:       size,
		numLimbs:   NumTimestampLimbs(timestampBits, decompBits),
		decompBits: decompBits,
	}
}

// AdapterAirName returns the table name of the adapter for size.
func AdapterAirName(size int) string {
	return fmt.Sprintf("AccessAdapter%d", size)
}

func (a *AccessAdapterAir) Name() string          { return AdapterAirName(a.size) }
func (a *AccessAdapterAir) Width() int            { return 6 + a.size + a.numLimbs }
func (a *AccessAdapterAir) NumPublicValues() int  { return 0 }
func (a *AccessAdapterAir) ConstraintDegree() int { return 3 }

// Size returns the parent block size.
func (a *AccessAdapterAir) Size() int {
	return a.size
}

func (a *AccessAdapterAir) data(row []field.Element) []field.Element {
	return row[6 : 6+a.size]
}

func (a *AccessAdapterAir) limbs(row []field.Element) []field.Element {
	return row[6+a.size:]
}

// GenerateTrace lays out the adapter records of this size and range checks
// their timestamp comparisons.
func (a *AccessAdapterAir) GenerateTrace(records []AdapterRecord, rc *protocols.RangeCheckerChip) (*protocols.Trace, error) {
	var rows [][]field.Element
	for _, rec := range records {
		if rec.Size != a.size {
			continue
		}
		row := core.Zeros(a.Width())
		lt := rec.LeftTimestamp < rec.RightTimestamp
		var diff uint32
		if lt {
			diff = rec.RightTimestamp - rec.LeftTimestamp - 1
		} else {
			diff = rec.LeftTimestamp - rec.RightTimestamp
		}
		if rec.Kind == AdapterSplit {
			row[0] = field.One
		}
		row[1] = field.New(uint64(rec.AddrSpace))
		row[2] = field.New(uint64(rec.Pointer))
		row[3] = field.New(uint64(rec.LeftTimestamp))
		row[4] = field.New(uint64(rec.RightTimestamp))
		if lt {
			row[5] = field.One
		}
		copy(a.data(row), rec.Data)

		limbs, err := rc.Decompose(uint64(diff), a.numLimbs)
		if err != nil {
			return nil, err
		}
		for i, l := range limbs {
			row[6+a.size+i] = field.New(uint64(l))
		}
		rows = append(rows, row)
	}
	return protocols.TraceFromRows(a.Width(), rows)
}

// Eval checks flags, alignment and the less-than decomposition.
func (a *AccessAdapterAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		isSplit, tl, tr, lt := row[0], row[3], row[4], row[5]
		if !protocols.IsBool(isSplit) || !protocols.IsBool(lt) {
			return protocols.Violation(a.Name(), i, "flags are not boolean")
		}
		if row[2].Value()%uint64(a.size) != 0 {
			return protocols.Violation(a.Name(), i, "pointer %d is not aligned to %d", row[2].Value(), a.size)
		}
		if isSplit.IsOne() && (!tl.Equal(tr) || lt.IsOne()) {
			return protocols.Violation(a.Name(), i, "split halves carry different timestamps")
		}
		var diff field.Element
		if lt.IsOne() {
			diff = tr.Sub(tl).Sub(field.One)
		} else {
			diff = tl.Sub(tr)
		}
		if !protocols.RecomposeLimbs(a.limbs(row), a.decompBits).Equal(diff) {
			return protocols.Violation(a.Name(), i, "timestamp limbs do not recompose")
		}
	}
	return nil
}

// Interactions moves the parent block and its halves on the memory bus.
func (a *AccessAdapterAir) Interactions(row []field.Element) []protocols.Interaction {
	sign := field.One
	if row[0].IsZero() {
		sign = sign.Neg()
	}
	as, ptr, tl, tr := row[1], row[2], row[3], row[4]
	parentTs := tl
	if row[5].IsOne() {
		parentTs = tr
	}
	data := a.data(row)
	half := a.size / 2

	out := []protocols.Interaction{
		protocols.Receive(protocols.MemoryBus, sign, MemoryFields(as, ptr, a.size, parentTs, data)...),
		protocols.Send(protocols.MemoryBus, sign, MemoryFields(as, ptr, half, tl, data[:half])...),
		protocols.Send(protocols.MemoryBus, sign, MemoryFields(as, ptr.Add(field.New(uint64(half))), half, tr, data[half:])...),
	}
	return append(out, protocols.RangeSends(a.limbs(row))...)
}
