package memory

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// NumTimestampLimbs returns how many range-checked limbs prove a timestamp
// difference below 2^timestampBits.
func NumTimestampLimbs(timestampBits, decompBits int) int {
	return (timestampBits + decompBits - 1) / decompBits
}

// MemoryFields builds a memory-bus message.
func MemoryFields(as, ptr field.Element, size int, ts field.Element, data []field.Element) []field.Element {
	fields := make([]field.Element, 0, 4+len(data))
	fields = append(fields, as, ptr, field.New(uint64(size)), ts)
	return append(fields, data...)
}

// AccessSlot is the column layout of one memory access inside an executor
// row:
//
//	as | ptr | ts | prev_ts | prev_data[Size] | data[Size] | limbs[NumLimbs]
//
// An address-space 0 slot is an immediate and has no bus interactions; an
// all-zero slot is an unused immediate.
type AccessSlot struct {
	Offset     int
	Size       int
	NumLimbs   int
	DecompBits int
}

// NewAccessSlot lays out a Size-cell access starting at column offset.
func NewAccessSlot(offset, size int, cfg *utils.VmConfig) AccessSlot {
	return AccessSlot{
		Offset:     offset,
		Size:       size,
		NumLimbs:   NumTimestampLimbs(cfg.Memory.TimestampMaxBits, cfg.RangeDecompBits),
		DecompBits: cfg.RangeDecompBits,
	}
}

// Width returns the number of columns of the slot.
func (s AccessSlot) Width() int {
	return 4 + 2*s.Size + s.NumLimbs
}

// End returns the first column after the slot.
func (s AccessSlot) End() int {
	return s.Offset + s.Width()
}

func (s AccessSlot) AddrSpace(row []field.Element) field.Element     { return row[s.Offset] }
func (s AccessSlot) Pointer(row []field.Element) field.Element       { return row[s.Offset+1] }
func (s AccessSlot) Timestamp(row []field.Element) field.Element     { return row[s.Offset+2] }
func (s AccessSlot) PrevTimestamp(row []field.Element) field.Element { return row[s.Offset+3] }

// PrevData returns the cells before the access.
func (s AccessSlot) PrevData(row []field.Element) []field.Element {
	start := s.Offset + 4
	return row[start : start+s.Size]
}

// Data returns the cells after the access.
func (s AccessSlot) Data(row []field.Element) []field.Element {
	start := s.Offset + 4 + s.Size
	return row[start : start+s.Size]
}

// Limbs returns the decomposition of ts - prev_ts - 1.
func (s AccessSlot) Limbs(row []field.Element) []field.Element {
	start := s.Offset + 4 + 2*s.Size
	return row[start : start+s.NumLimbs]
}

// IsImmediate reports an address-space 0 slot.
func (s AccessSlot) IsImmediate(row []field.Element) bool {
	return s.AddrSpace(row).IsZero()
}

// Fill writes a finalized access record into row and records its limbs with
// rc. A nil record leaves the slot as an unused immediate.
func (s AccessSlot) Fill(row []field.Element, rec *AccessRecord, rc *protocols.RangeCheckerChip) error {
	if rec == nil {
		return nil
	}
	row[s.Offset] = field.New(uint64(rec.AddrSpace))
	row[s.Offset+1] = field.New(uint64(rec.Pointer))
	row[s.Offset+2] = field.New(uint64(rec.Timestamp))
	copy(s.Data(row), rec.Data)
	if rec.IsImmediate() {
		copy(s.PrevData(row), rec.Data)
		return nil
	}
	row[s.Offset+3] = field.New(uint64(rec.PrevTimestamp))
	copy(s.PrevData(row), rec.PrevData)

	limbs, err := rc.Decompose(uint64(rec.Timestamp-rec.PrevTimestamp-1), s.NumLimbs)
	if err != nil {
		return err
	}
	out := s.Limbs(row)
	for i, l := range limbs {
		out[i] = field.New(uint64(l))
	}
	return nil
}

// Check evaluates the constraints of the slot. A read additionally requires
// the data to be unchanged.
func (s AccessSlot) Check(row []field.Element, write bool) (string, bool) {
	if s.IsImmediate(row) {
		data := s.Data(row)
		if !data[0].Equal(s.Pointer(row)) {
			return "immediate read does not return its pointer", false
		}
		for _, v := range data[1:] {
			if !v.IsZero() {
				return "immediate read wider than one cell", false
			}
		}
		if write {
			return "write to immediate address space", false
		}
		return "", true
	}
	diff := s.Timestamp(row).Sub(s.PrevTimestamp(row)).Sub(field.One)
	if !protocols.RecomposeLimbs(s.Limbs(row), s.DecompBits).Equal(diff) {
		return "timestamp limbs do not recompose", false
	}
	if !write && !protocols.EqualSlices(s.Data(row), s.PrevData(row)) {
		return "read changes memory", false
	}
	return "", true
}

// Interactions receives the previous block and sends the new one on the
// memory bus, and range checks the timestamp limbs.
func (s AccessSlot) Interactions(row []field.Element) []protocols.Interaction {
	if s.IsImmediate(row) {
		return nil
	}
	as, ptr := s.AddrSpace(row), s.Pointer(row)
	out := make([]protocols.Interaction, 0, 2+s.NumLimbs)
	out = append(out,
		protocols.Receive(protocols.MemoryBus, field.One, MemoryFields(as, ptr, s.Size, s.PrevTimestamp(row), s.PrevData(row))...),
		protocols.Send(protocols.MemoryBus, field.One, MemoryFields(as, ptr, s.Size, s.Timestamp(row), s.Data(row))...),
	)
	return append(out, protocols.RangeSends(s.Limbs(row))...)
}
