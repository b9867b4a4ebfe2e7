package memory

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// BoundaryAirName is shared by both boundary variants; a VM carries one.
const BoundaryAirName = "MemoryBoundary"

// VolatileBoundaryAir opens every touched chunk at zero and closes it at its
// final value:
//
//	as | label | final[Chunk] | final_ts
type VolatileBoundaryAir struct{}

// NewVolatileBoundaryAir creates the volatile boundary table.
func NewVolatileBoundaryAir() *VolatileBoundaryAir {
	return &VolatileBoundaryAir{}
}

func (a *VolatileBoundaryAir) Name() string          { return BoundaryAirName }
func (a *VolatileBoundaryAir) Width() int            { return 3 + core.Chunk }
func (a *VolatileBoundaryAir) NumPublicValues() int  { return 0 }
func (a *VolatileBoundaryAir) ConstraintDegree() int { return 2 }

// GenerateTrace emits one row per touched chunk.
func (a *VolatileBoundaryAir) GenerateTrace(fm *FinalizedMemory) (*protocols.Trace, error) {
	rows := make([][]field.Element, 0, len(fm.Touched))
	for _, tc := range fm.Touched {
		row := make([]field.Element, 0, a.Width())
		row = append(row, field.New(uint64(tc.Key.AddrSpace)), field.New(uint64(tc.Key.Label)))
		row = append(row, tc.Final[:]...)
		row = append(row, field.New(uint64(tc.FinalTimestamp)))
		rows = append(rows, row)
	}
	return protocols.TraceFromRows(a.Width(), rows)
}

// Eval requires rows strictly sorted by (as, label), so each chunk is opened
// once.
func (a *VolatileBoundaryAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	return checkSortedChunks(a.Name(), trace)
}

// Interactions sends the zero chunk at timestamp 0 and receives the final
// chunk.
func (a *VolatileBoundaryAir) Interactions(row []field.Element) []protocols.Interaction {
	as := row[0]
	ptr := row[1].Mul(field.New(core.Chunk))
	final := row[2 : 2+core.Chunk]
	return []protocols.Interaction{
		protocols.Send(protocols.MemoryBus, field.One, MemoryFields(as, ptr, core.Chunk, field.Zero, core.Zeros(core.Chunk))...),
		protocols.Receive(protocols.MemoryBus, field.One, MemoryFields(as, ptr, core.Chunk, row[2+core.Chunk], final)...),
	}
}

// PersistentBoundaryAir links every touched chunk to the leaves of the
// initial and final memory trees:
//
//	as | label | init[Chunk] | final[Chunk] | final_ts | init_hash[Chunk] | final_hash[Chunk]
type PersistentBoundaryAir struct {
	dims Dimensions
}

// NewPersistentBoundaryAir creates the persistent boundary table.
func NewPersistentBoundaryAir(dims Dimensions) *PersistentBoundaryAir {
	return &PersistentBoundaryAir{dims: dims}
}

func (a *PersistentBoundaryAir) Name() string          { return BoundaryAirName }
func (a *PersistentBoundaryAir) Width() int            { return 3 + 4*core.Chunk }
func (a *PersistentBoundaryAir) NumPublicValues() int  { return 0 }
func (a *PersistentBoundaryAir) ConstraintDegree() int { return 2 }

const (
	pbInit      = 2
	pbFinal     = pbInit + core.Chunk
	pbFinalTs   = pbFinal + core.Chunk
	pbInitHash  = pbFinalTs + 1
	pbFinalHash = pbInitHash + core.Chunk
)

// GenerateTrace emits one row per touched chunk, hashing both leaves through
// the hash chip.
func (a *PersistentBoundaryAir) GenerateTrace(fm *FinalizedMemory, chip *protocols.HashChip) (*protocols.Trace, error) {
	rows := make([][]field.Element, 0, len(fm.Touched))
	for _, tc := range fm.Touched {
		initHash := chip.Hash(tc.Initial)
		finalHash := chip.Hash(tc.Final)

		row := make([]field.Element, 0, a.Width())
		row = append(row, field.New(uint64(tc.Key.AddrSpace)), field.New(uint64(tc.Key.Label)))
		row = append(row, tc.Initial[:]...)
		row = append(row, tc.Final[:]...)
		row = append(row, field.New(uint64(tc.FinalTimestamp)))
		row = append(row, initHash[:]...)
		row = append(row, finalHash[:]...)
		rows = append(rows, row)
	}
	return protocols.TraceFromRows(a.Width(), rows)
}

// Eval requires sorted unique chunks inside the configured address spaces.
func (a *PersistentBoundaryAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	if err := checkSortedChunks(a.Name(), trace); err != nil {
		return err
	}
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		as, label := row[0].Value(), row[1].Value()
		if as < uint64(a.dims.ASOffset) || as-uint64(a.dims.ASOffset) >= uint64(a.dims.NumAddressSpaces()) ||
			label >= uint64(1)<<a.dims.AddressHeight {
			return protocols.Violation(a.Name(), i, "chunk (%d, %d) is outside the memory tree", as, label)
		}
	}
	return nil
}

// Interactions opens the initial chunk at timestamp 0, closes the final one,
// consumes the initial leaf and produces the final leaf on the Merkle bus,
// and requests both leaf hashes.
func (a *PersistentBoundaryAir) Interactions(row []field.Element) []protocols.Interaction {
	as := row[0]
	ptr := row[1].Mul(field.New(core.Chunk))
	asLabel := as.Sub(field.New(uint64(a.dims.ASOffset)))
	init := row[pbInit:pbFinal]
	final := row[pbFinal:pbFinalTs]
	initHash, _ := core.DigestFromSlice(row[pbInitHash:pbFinalHash])
	finalHash, _ := core.DigestFromSlice(row[pbFinalHash:])

	return []protocols.Interaction{
		protocols.Send(protocols.MemoryBus, field.One, MemoryFields(as, ptr, core.Chunk, field.Zero, init)...),
		protocols.Receive(protocols.MemoryBus, field.One, MemoryFields(as, ptr, core.Chunk, row[pbFinalTs], final)...),
		protocols.Receive(protocols.MerkleBus, field.One, MerkleFields(0, asLabel, row[1], initHash)...),
		protocols.Send(protocols.MerkleBus, field.One, MerkleFields(0, asLabel, row[1], finalHash)...),
		protocols.Send(protocols.HashBus, field.One, protocols.LeafHashFields(init, initHash)...),
		protocols.Send(protocols.HashBus, field.One, protocols.LeafHashFields(final, finalHash)...),
	}
}

func checkSortedChunks(name string, trace *protocols.Trace) error {
	for i := 1; i < trace.Height(); i++ {
		prev, cur := trace.Row(i-1), trace.Row(i)
		pa, pl := prev[0].Value(), prev[1].Value()
		ca, cl := cur[0].Value(), cur[1].Value()
		if ca < pa || (ca == pa && cl <= pl) {
			return protocols.Violation(name, i, "chunks are not strictly increasing")
		}
	}
	for i := 0; i < trace.Height(); i++ {
		if trace.Row(i)[0].IsZero() {
			return protocols.Violation(name, i, "boundary chunk in immediate address space")
		}
	}
	return nil
}
