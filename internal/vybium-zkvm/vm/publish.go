package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// PublishAir proves user_pv[[b]_e] <- [a]_d. The value is written into the
// public values address space; with volatile memory it is also sent to the
// public values table.
type PublishAir struct {
	tableAir
	volatile        bool
	pvAddrSpace     field.Element
	numPublicValues uint64
}

func NewPublishAir(cfg *utils.VmConfig) *PublishAir {
	dims := memory.NewDimensions(cfg.Memory)
	return &PublishAir{
		tableAir:        newTableAir("Publish", newRowLayout(cfg, 0, 1, 1, 1), 3, PUBLISH),
		volatile:        !cfg.ContinuationEnabled,
		pvAddrSpace:     field.New(uint64(dims.PublicValuesAddrSpace())),
		numPublicValues: uint64(cfg.NumPublicValues),
	}
}

func (a *PublishAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	value, index, out := a.layout.slots[0], a.layout.slots[1], a.layout.slots[2]
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		if _, ok := a.opcodeOf(row); !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		idx := index.Data(row)[0]
		if idx.Value() >= a.numPublicValues {
			return protocols.Violation(a.name, i, "public value index %d out of range", idx.Value())
		}
		if !slotAt(row, value, operand(row, 3), operand(row, 0), 0) ||
			!slotAt(row, index, operand(row, 4), operand(row, 1), 1) ||
			!slotAt(row, out, a.pvAddrSpace, idx, 2) ||
			!out.Data(row)[0].Equal(value.Data(row)[0]) {
			return protocols.Violation(a.name, i, "publish")
		}
		for k, s := range a.layout.slots {
			if err := a.checkSlot(i, row, s, k == 2); err != nil {
				return err
			}
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
	}
	return nil
}

func (a *PublishAir) Interactions(row []field.Element) []protocols.Interaction {
	out := append(coreInteractions(row, 3), a.layout.slotInteractions(row)...)
	if a.volatile {
		value, index := a.layout.slots[0], a.layout.slots[1]
		out = append(out, protocols.Send(protocols.PublicValuesBus, field.One, index.Data(row)[0], value.Data(row)[0]))
	}
	return out
}

type publishExecutor struct {
	baseExecutor
	air *PublishAir
}

func newPublishExecutor(cfg *utils.VmConfig) *publishExecutor {
	air := NewPublishAir(cfg)
	return &publishExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *publishExecutor) Opcodes() []Opcode  { return []Opcode{PUBLISH} }
func (e *publishExecutor) Air() protocols.Air { return e.air }

func (e *publishExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	rec := e.begin(env, pc, inst)
	value, err := env.read(pc, inst.D(), inst.A(), 1)
	if err != nil {
		return 0, err
	}
	index, err := env.read(pc, inst.E(), inst.B(), 1)
	if err != nil {
		return 0, err
	}
	idx := index.Data[0].Value()
	if idx >= uint64(env.numPublicValues) {
		return 0, invalidInstruction(pc, "public value index %d out of range [0, %d)", idx, env.numPublicValues)
	}
	if env.published[uint32(idx)] {
		return 0, fmt.Errorf("%w: index %d at pc %d", ErrDoublePublish, idx, pc)
	}
	env.published[uint32(idx)] = true

	out, err := env.write(pc, field.New(uint64(env.pvAddrSpace)), index.Data[0], value.Data)
	if err != nil {
		return 0, err
	}
	rec.slots[0], rec.slots[1], rec.slots[2] = value, index, out
	return e.commit(rec, pc+1), nil
}
