package protocols

import (
	"fmt"
	"sync/atomic"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// RangeCheckerChip counts range-check requests for values in [0, 2^bits).
// Requests may come from several trace generators at once.
type RangeCheckerChip struct {
	bits   int
	counts []atomic.Uint32
}

// NewRangeCheckerChip creates a chip for bits-wide limbs.
func NewRangeCheckerChip(bits int) *RangeCheckerChip {
	return &RangeCheckerChip{bits: bits, counts: make([]atomic.Uint32, 1<<bits)}
}

// Bits returns the limb width.
func (c *RangeCheckerChip) Bits() int {
	return c.bits
}

// Add records one request for value.
func (c *RangeCheckerChip) Add(value uint32) error {
	if int(value) >= len(c.counts) {
		return fmt.Errorf("range check: %d does not fit in %d bits", value, c.bits)
	}
	c.counts[value].Add(1)
	return nil
}

// Decompose splits value into numLimbs limbs of Bits() bits, records each
// limb and returns them little-endian.
func (c *RangeCheckerChip) Decompose(value uint64, numLimbs int) ([]uint32, error) {
	limbs, err := DecomposeLimbs(value, c.bits, numLimbs)
	if err != nil {
		return nil, err
	}
	for _, l := range limbs {
		if err := c.Add(l); err != nil {
			return nil, err
		}
	}
	return limbs, nil
}

// Reset clears every count.
func (c *RangeCheckerChip) Reset() {
	for i := range c.counts {
		c.counts[i].Store(0)
	}
}

// GenerateTrace returns the multiplicity column.
func (c *RangeCheckerChip) GenerateTrace() *Trace {
	t := &Trace{Width: 1, Values: make([]field.Element, len(c.counts))}
	for i := range c.counts {
		t.Values[i] = field.New(uint64(c.counts[i].Load()))
	}
	return t
}

// DecomposeLimbs splits value into numLimbs little-endian limbs of bits bits.
func DecomposeLimbs(value uint64, bits, numLimbs int) ([]uint32, error) {
	if bits*numLimbs < 64 && value>>(bits*numLimbs) != 0 {
		return nil, fmt.Errorf("range check: %d does not fit in %d limbs of %d bits", value, numLimbs, bits)
	}
	mask := uint64(1)<<bits - 1
	limbs := make([]uint32, numLimbs)
	for i := range limbs {
		limbs[i] = uint32(value & mask)
		value >>= bits
	}
	return limbs, nil
}

// RecomposeLimbs folds little-endian limbs back into a field element.
func RecomposeLimbs(limbs []field.Element, bits int) field.Element {
	acc := field.Zero
	shift := field.New(uint64(1) << bits)
	for i := len(limbs) - 1; i >= 0; i-- {
		acc = acc.Mul(shift).Add(limbs[i])
	}
	return acc
}

// RangeCheckerAir is the range table: a preprocessed column 0..2^bits-1 and
// a multiplicity column.
type RangeCheckerAir struct {
	bits int
}

// NewRangeCheckerAir creates the range table AIR.
func NewRangeCheckerAir(bits int) *RangeCheckerAir {
	return &RangeCheckerAir{bits: bits}
}

func (a *RangeCheckerAir) Name() string          { return "RangeChecker" }
func (a *RangeCheckerAir) Width() int            { return 1 }
func (a *RangeCheckerAir) NumPublicValues() int  { return 0 }
func (a *RangeCheckerAir) ConstraintDegree() int { return 1 }

// PreprocessedTrace returns the column of all limb values.
func (a *RangeCheckerAir) PreprocessedTrace() *Trace {
	t := &Trace{Width: 1, Values: make([]field.Element, 1<<a.bits)}
	for i := range t.Values {
		t.Values[i] = field.New(uint64(i))
	}
	return t
}

// Eval checks the preprocessed column enumerates every limb.
func (a *RangeCheckerAir) Eval(trace *Trace, _ []field.Element) error {
	if trace.Height() != 1<<a.bits {
		return Violation(a.Name(), -1, "height %d, expected %d", trace.Height(), 1<<a.bits)
	}
	for i := 0; i < trace.Height(); i++ {
		if trace.Row(i)[0].Value() != uint64(i) {
			return Violation(a.Name(), i, "preprocessed value %d", trace.Row(i)[0].Value())
		}
	}
	return nil
}

// Interactions receives each limb with its multiplicity.
func (a *RangeCheckerAir) Interactions(row []field.Element) []Interaction {
	return []Interaction{Receive(RangeBus, row[1], row[0])}
}

// RangeSends builds the range-bus sends of a limb slice.
func RangeSends(limbs []field.Element) []Interaction {
	out := make([]Interaction, len(limbs))
	for i, l := range limbs {
		out[i] = Send(RangeBus, field.One, l)
	}
	return out
}
