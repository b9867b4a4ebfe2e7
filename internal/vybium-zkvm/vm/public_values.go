package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// PublicValuesAirName names the user public values table.
const PublicValuesAirName = "PublicValues"

// PublicValuesAir exposes the user public values of a volatile segment: one
// row (index, value, is_published) per buffer cell, receiving every PUBLISH
// on the public values bus. Its public values are the buffer commitment
// followed by the raw buffer.
type PublicValuesAir struct {
	hasher          core.Hasher
	numPublicValues int
}

func NewPublicValuesAir(h core.Hasher, numPublicValues int) *PublicValuesAir {
	return &PublicValuesAir{hasher: h, numPublicValues: numPublicValues}
}

func (a *PublicValuesAir) Name() string          { return PublicValuesAirName }
func (a *PublicValuesAir) Width() int            { return 3 }
func (a *PublicValuesAir) NumPublicValues() int  { return core.Chunk + a.numPublicValues }
func (a *PublicValuesAir) ConstraintDegree() int { return 2 }

// GenerateTrace lays out the buffer and returns the table with its public
// values.
func (a *PublicValuesAir) GenerateTrace(values []field.Element, published map[uint32]bool) (*protocols.Trace, []field.Element, error) {
	t := protocols.NewTrace(3, a.numPublicValues)
	for i := 0; i < a.numPublicValues; i++ {
		row := t.Row(i)
		row[0] = field.New(uint64(i))
		row[1] = values[i]
		if published[uint32(i)] {
			row[2] = field.One
		}
	}
	commit, err := core.MerkleRoot(a.hasher, values)
	if err != nil {
		return nil, nil, err
	}
	pvs := append(commit.Elements(), values...)
	return t, pvs, nil
}

func (a *PublicValuesAir) Eval(trace *protocols.Trace, pvs []field.Element) error {
	if trace.Height() != a.numPublicValues {
		return protocols.Violation(a.Name(), -1, "height %d, expected %d", trace.Height(), a.numPublicValues)
	}
	raw := pvs[core.Chunk:]
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		if !row[0].Equal(field.New(uint64(i))) {
			return protocols.Violation(a.Name(), i, "index")
		}
		if !protocols.IsBool(row[2]) {
			return protocols.Violation(a.Name(), i, "is_published is not boolean")
		}
		if row[2].IsZero() && !row[1].IsZero() {
			return protocols.Violation(a.Name(), i, "unpublished value is not zero")
		}
		if !row[1].Equal(raw[i]) {
			return protocols.Violation(a.Name(), i, "value does not match public values")
		}
	}
	commit, err := core.MerkleRoot(a.hasher, raw)
	if err != nil {
		return protocols.Violation(a.Name(), -1, "%v", err)
	}
	if !protocols.EqualSlices(commit.Elements(), pvs[:core.Chunk]) {
		return protocols.Violation(a.Name(), -1, "commitment does not match the buffer")
	}
	return nil
}

func (a *PublicValuesAir) Interactions(row []field.Element) []protocols.Interaction {
	return []protocols.Interaction{
		protocols.Receive(protocols.PublicValuesBus, row[2], row[0], row[1]),
	}
}
