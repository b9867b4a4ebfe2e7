// Package protocols holds the proving-system contract of the zkVM: AIRs and
// their bus interactions, the StarkBackend interface, a transparent
// commitment backend implementing it, and the shared lookup and hash chips.
package protocols

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// BusIndex identifies a bus shared between AIRs.
type BusIndex uint16

const (
	// ExecutionBus carries (pc, timestamp) between executors and the connector.
	ExecutionBus BusIndex = iota

	// ProgramBus carries (pc, opcode, a..g) between executors and the program table.
	ProgramBus

	// MemoryBus carries (address_space, pointer, size, timestamp, data...).
	MemoryBus

	// RangeBus carries single limbs checked against the range table.
	RangeBus

	// HashBus carries (kind, input[16], output[8]) to the hash chip.
	HashBus

	// MerkleBus carries (height, as_label, label, hash[8]) inside the Merkle expansion.
	MerkleBus

	// PublicValuesBus carries (index, value) from PUBLISH to the public values table.
	PublicValuesBus
)

// String returns the name of the bus
func (b BusIndex) String() string {
	switch b {
	case ExecutionBus:
		return "Execution"
	case ProgramBus:
		return "Program"
	case MemoryBus:
		return "Memory"
	case RangeBus:
		return "Range"
	case HashBus:
		return "Hash"
	case MerkleBus:
		return "Merkle"
	case PublicValuesBus:
		return "PublicValues"
	default:
		return fmt.Sprintf("Bus(%d)", uint16(b))
	}
}

// Interaction is one signed message on a bus. Count is positive for a send
// and negative (field negation) for a receive.
type Interaction struct {
	Bus    BusIndex
	Fields []field.Element
	Count  field.Element
}

// Send builds a send interaction with multiplicity count.
func Send(bus BusIndex, count field.Element, fields ...field.Element) Interaction {
	return Interaction{Bus: bus, Fields: fields, Count: count}
}

// Receive builds a receive interaction with multiplicity count.
func Receive(bus BusIndex, count field.Element, fields ...field.Element) Interaction {
	return Interaction{Bus: bus, Fields: fields, Count: count.Neg()}
}

// Air is the arithmetization of one table.
//
// A row passed to Eval or Interactions is the concatenation of the
// preprocessed columns, the cached columns and the main columns, in that
// order.
type Air interface {
	// Name returns a stable, unique table name.
	Name() string

	// Width returns the number of main columns.
	Width() int

	// NumPublicValues returns the number of public values the table exposes.
	NumPublicValues() int

	// ConstraintDegree returns the maximal degree of the table's constraints.
	ConstraintDegree() int

	// Eval checks every constraint of the table against its trace.
	Eval(trace *Trace, publicValues []field.Element) error

	// Interactions lists the bus messages of one row.
	Interactions(row []field.Element) []Interaction
}

// PreprocessedAir has columns fixed at keygen time.
type PreprocessedAir interface {
	Air
	PreprocessedTrace() *Trace
}

// CachedAir has a column partition committed separately from the main trace,
// such as the program table.
type CachedAir interface {
	Air
	CachedWidth() int
}

// ============================================================================
// Trace matrices
// ============================================================================

// Trace is a row-major matrix of field elements.
type Trace struct {
	Width  int
	Values []field.Element
}

// NewTrace allocates a zero trace.
func NewTrace(width, height int) *Trace {
	values := make([]field.Element, width*height)
	for i := range values {
		values[i] = field.Zero
	}
	return &Trace{Width: width, Values: values}
}

// TraceFromRows builds a trace from equally wide rows.
func TraceFromRows(width int, rows [][]field.Element) (*Trace, error) {
	values := make([]field.Element, 0, width*len(rows))
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has width %d, expected %d", i, len(row), width)
		}
		values = append(values, row...)
	}
	return &Trace{Width: width, Values: values}, nil
}

// Height returns the number of rows.
func (t *Trace) Height() int {
	if t == nil || t.Width == 0 {
		return 0
	}
	return len(t.Values) / t.Width
}

// Row returns row i, aliasing the trace storage.
func (t *Trace) Row(i int) []field.Element {
	return t.Values[i*t.Width : (i+1)*t.Width]
}

// Clone returns a deep copy.
func (t *Trace) Clone() *Trace {
	if t == nil {
		return nil
	}
	values := make([]field.Element, len(t.Values))
	copy(values, t.Values)
	return &Trace{Width: t.Width, Values: values}
}

// joinRows concatenates the i-th rows of the given partitions.
func joinRows(i int, parts ...*Trace) []field.Element {
	width := 0
	for _, p := range parts {
		if p != nil {
			width += p.Width
		}
	}
	row := make([]field.Element, 0, width)
	for _, p := range parts {
		if p != nil && p.Width > 0 {
			row = append(row, p.Row(i)...)
		}
	}
	return row
}

// JoinedTrace concatenates partitions column-wise. All non-empty partitions
// must share a height.
func JoinedTrace(parts ...*Trace) (*Trace, error) {
	height := -1
	width := 0
	for _, p := range parts {
		if p == nil || p.Width == 0 {
			continue
		}
		if height >= 0 && p.Height() != height {
			return nil, fmt.Errorf("partition heights differ: %d vs %d", height, p.Height())
		}
		height = p.Height()
		width += p.Width
	}
	if height < 0 {
		return &Trace{}, nil
	}
	out := &Trace{Width: width, Values: make([]field.Element, 0, width*height)}
	for i := 0; i < height; i++ {
		out.Values = append(out.Values, joinRows(i, parts...)...)
	}
	return out, nil
}

// ============================================================================
// Constraint helpers
// ============================================================================

// ConstraintError reports a violated constraint.
type ConstraintError struct {
	Air    string
	Row    int
	Reason string
}

func (e *ConstraintError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("air %s: %s", e.Air, e.Reason)
	}
	return fmt.Sprintf("air %s row %d: %s", e.Air, e.Row, e.Reason)
}

// Violation builds a ConstraintError; row -1 marks a table-level constraint.
func Violation(air string, row int, format string, args ...any) error {
	return &ConstraintError{Air: air, Row: row, Reason: fmt.Sprintf(format, args...)}
}

// IsBool reports whether v is 0 or 1.
func IsBool(v field.Element) bool {
	return v.IsZero() || v.IsOne()
}

// EqualSlices compares two element slices.
func EqualSlices(a, b []field.Element) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Elem lifts an int into the field; negative values map to p - |v|.
func Elem(v int) field.Element {
	if v < 0 {
		return field.New(uint64(-v)).Neg()
	}
	return field.New(uint64(v))
}
