package memory

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// accessTable proves raw access records: is_write followed by one slot per
// block size, of which exactly the one matching the record is used.
type accessTable struct {
	slots []AccessSlot
}

func newAccessTable(cfg *utils.VmConfig) *accessTable {
	t := &accessTable{}
	offset := 1
	for _, size := range []int{1, 2, 4, 8} {
		s := NewAccessSlot(offset, size, cfg)
		t.slots = append(t.slots, s)
		offset = s.End()
	}
	return t
}

func (a *accessTable) Name() string          { return "Accesses" }
func (a *accessTable) Width() int            { return a.slots[len(a.slots)-1].End() }
func (a *accessTable) NumPublicValues() int  { return 0 }
func (a *accessTable) ConstraintDegree() int { return 3 }

func (a *accessTable) generate(records []*AccessRecord, rc *protocols.RangeCheckerChip) (*protocols.Trace, error) {
	var rows [][]field.Element
	for _, rec := range records {
		row := core.Zeros(a.Width())
		if rec.Kind == AccessWrite {
			row[0] = field.One
		}
		for _, s := range a.slots {
			if s.Size == rec.Size() {
				if err := s.Fill(row, rec, rc); err != nil {
					return nil, err
				}
			}
		}
		rows = append(rows, row)
	}
	return protocols.TraceFromRows(a.Width(), rows)
}

func (a *accessTable) Eval(trace *protocols.Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		for _, s := range a.slots {
			if reason, ok := s.Check(row, row[0].IsOne() && !s.IsImmediate(row)); !ok {
				return protocols.Violation(a.Name(), i, "%s", reason)
			}
		}
	}
	return nil
}

func (a *accessTable) Interactions(row []field.Element) []protocols.Interaction {
	var out []protocols.Interaction
	for _, s := range a.slots {
		out = append(out, s.Interactions(row)...)
	}
	return out
}

type memoryProver struct {
	cfg      *utils.VmConfig
	backend  *protocols.TransparentBackend
	pk       *protocols.ProvingKey
	accesses *accessTable
	merkle   *MerkleAir
	boundary *PersistentBoundaryAir
	adapters []*AccessAdapterAir
	rangeAir *protocols.RangeCheckerAir
	hashAir  *protocols.HashAir
}

func newMemoryProver(t *testing.T) *memoryProver {
	t.Helper()
	cfg := testConfig()
	dims := NewDimensions(cfg.Memory)
	h := core.Tip5Hasher{}
	p := &memoryProver{
		cfg:      cfg,
		backend:  protocols.NewTransparentBackend(h, cfg, nil),
		accesses: newAccessTable(cfg),
		merkle:   NewMerkleAir(dims),
		boundary: NewPersistentBoundaryAir(dims),
		rangeAir: protocols.NewRangeCheckerAir(cfg.RangeDecompBits),
		hashAir:  protocols.NewHashAir(h),
	}
	airs := []protocols.Air{p.accesses, p.merkle, p.boundary, p.rangeAir, p.hashAir}
	for _, size := range AdapterSizes {
		a := NewAccessAdapterAir(size, cfg.Memory.TimestampMaxBits, cfg.RangeDecompBits)
		p.adapters = append(p.adapters, a)
		airs = append(airs, a)
	}
	pk, err := p.backend.Keygen(airs)
	require.NoError(t, err)
	p.pk = pk
	return p
}

func (p *memoryProver) inputs(t *testing.T, fm *FinalizedMemory) []protocols.AirProofInput {
	t.Helper()
	rc := protocols.NewRangeCheckerChip(p.cfg.RangeDecompBits)
	chip := protocols.NewHashChip(p.backend.Hasher())

	accessTrace, err := p.accesses.generate(fm.Accesses, rc)
	require.NoError(t, err)
	merkleTrace, err := p.merkle.GenerateTrace(fm, chip)
	require.NoError(t, err)
	boundaryTrace, err := p.boundary.GenerateTrace(fm, chip)
	require.NoError(t, err)

	inputs := []protocols.AirProofInput{
		{AirID: 0, Main: accessTrace},
		{AirID: 1, Main: merkleTrace, PublicValues: p.merkle.PublicValues(fm)},
		{AirID: 2, Main: boundaryTrace},
	}
	for i, a := range p.adapters {
		tr, err := a.GenerateTrace(fm.Adapters, rc)
		require.NoError(t, err)
		inputs = append(inputs, protocols.AirProofInput{AirID: 5 + i, Main: tr})
	}
	inputs = append(inputs,
		protocols.AirProofInput{AirID: 3, Main: rc.GenerateTrace()},
		protocols.AirProofInput{AirID: 4, Main: chip.GenerateTrace()},
	)
	return inputs
}

func runAccesses(t *testing.T) *FinalizedMemory {
	t.Helper()
	c, _ := newPersistent(t, Image{
		{AddrSpace: 1, Pointer: 0}: field.New(42),
		{AddrSpace: 2, Pointer: 9}: field.New(8),
	})
	v, _, err := c.ReadCell(1, 0)
	require.NoError(t, err)
	_, err = c.WriteCell(1, 1, v.Add(field.One))
	require.NoError(t, err)
	_, err = c.Write(2, 8, []field.Element{field.New(1), field.New(2)})
	require.NoError(t, err)
	_, err = c.Read(2, 8, 8)
	require.NoError(t, err)
	_, err = c.Write(1, 4, []field.Element{field.New(5), field.New(6), field.New(7), field.New(8)})
	require.NoError(t, err)
	_, _, err = c.ReadCell(0, 3)
	require.NoError(t, err)

	fm, err := c.Finalize()
	require.NoError(t, err)
	return fm
}

func TestMemoryAirsBalance(t *testing.T) {
	p := newMemoryProver(t)
	fm := runAccesses(t)

	proof, err := p.backend.Prove(p.pk, p.inputs(t, fm))
	require.NoError(t, err)
	require.NoError(t, p.backend.Verify(p.pk.VK, proof))
}

func TestTamperedAccessIsUnsound(t *testing.T) {
	p := newMemoryProver(t)
	fm := runAccesses(t)

	// Claim the write at (1, 1) overwrote a different value.
	for _, rec := range fm.Accesses {
		if rec.Kind == AccessWrite && rec.AddrSpace == 1 && rec.Pointer == 1 {
			rec.PrevData[0] = field.New(1000)
		}
	}
	proof, err := p.backend.Prove(p.pk, p.inputs(t, fm))
	require.NoError(t, err)
	require.ErrorIs(t, p.backend.Verify(p.pk.VK, proof), protocols.ErrUnsoundMemoryAccess)
}

func TestTamperedRootIsRejected(t *testing.T) {
	p := newMemoryProver(t)
	fm := runAccesses(t)
	inputs := p.inputs(t, fm)
	inputs[1].PublicValues[0] = inputs[1].PublicValues[0].Add(field.One)

	proof, err := p.backend.Prove(p.pk, inputs)
	require.NoError(t, err)
	require.ErrorIs(t, p.backend.Verify(p.pk.VK, proof), protocols.ErrBackendVerifyFailure)
}
