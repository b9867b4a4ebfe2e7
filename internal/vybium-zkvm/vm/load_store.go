package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// LoadStoreAir proves word loads and stores through a base pointer:
//
//	LOADW        [a]_d          <- [[c]_d + b]_e
//	STOREW       [[c]_d + b]_e  <- [a]_d
//	HINT_STOREW  [[c]_d + b]_e  <- hint
type LoadStoreAir struct {
	tableAir
}

func NewLoadStoreAir(cfg *utils.VmConfig) *LoadStoreAir {
	return &LoadStoreAir{newTableAir("LoadStore", newRowLayout(cfg, 0, 1, 1, 1), 3, LOADW, STOREW, HINT_STOREW)}
}

func loadStoreAccesses(op Opcode) int {
	if op == HINT_STOREW {
		return 2
	}
	return 3
}

func (a *LoadStoreAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	base, s1, s2 := a.layout.slots[0], a.layout.slots[1], a.layout.slots[2]
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		op, ok := a.opcodeOf(row)
		if !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		d, e := operand(row, 3), operand(row, 4)
		if !slotAt(row, base, d, operand(row, 2), 0) {
			return protocols.Violation(a.name, i, "base pointer address")
		}
		ptr := base.Data(row)[0].Add(operand(row, 1))

		switch op {
		case LOADW:
			if d.IsZero() ||
				!slotAt(row, s1, e, ptr, 1) ||
				!slotAt(row, s2, d, operand(row, 0), 2) ||
				!s2.Data(row)[0].Equal(s1.Data(row)[0]) {
				return protocols.Violation(a.name, i, "loadw")
			}
		case STOREW:
			if e.IsZero() ||
				!slotAt(row, s1, d, operand(row, 0), 1) ||
				!slotAt(row, s2, e, ptr, 2) ||
				!s2.Data(row)[0].Equal(s1.Data(row)[0]) {
				return protocols.Violation(a.name, i, "storew")
			}
		case HINT_STOREW:
			if e.IsZero() || !slotAt(row, s1, e, ptr, 1) || !isUnused(row, s2) {
				return protocols.Violation(a.name, i, "hint_storew")
			}
		}

		if err := a.checkSlot(i, row, base, false); err != nil {
			return err
		}
		if err := a.checkSlot(i, row, s1, op == HINT_STOREW); err != nil {
			return err
		}
		if err := a.checkSlot(i, row, s2, op != HINT_STOREW); err != nil {
			return err
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
	}
	return nil
}

func (a *LoadStoreAir) Interactions(row []field.Element) []protocols.Interaction {
	op, _ := rowOpcode(row)
	return append(coreInteractions(row, loadStoreAccesses(op)), a.layout.slotInteractions(row)...)
}

type loadStoreExecutor struct {
	baseExecutor
	air *LoadStoreAir
}

func newLoadStoreExecutor(cfg *utils.VmConfig) *loadStoreExecutor {
	air := NewLoadStoreAir(cfg)
	return &loadStoreExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *loadStoreExecutor) Opcodes() []Opcode  { return []Opcode{LOADW, STOREW, HINT_STOREW} }
func (e *loadStoreExecutor) Air() protocols.Air { return e.air }

func (e *loadStoreExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	switch inst.Opcode {
	case LOADW:
		if inst.D().IsZero() {
			return 0, invalidInstruction(pc, "loadw writes to address space 0")
		}
	default:
		if inst.E().IsZero() {
			return 0, invalidInstruction(pc, "%s writes to address space 0", inst.Opcode)
		}
	}

	rec := e.begin(env, pc, inst)
	base, err := env.read(pc, inst.D(), inst.C(), 1)
	if err != nil {
		return 0, err
	}
	rec.slots[0] = base
	ptr := base.Data[0].Add(inst.B())

	switch inst.Opcode {
	case LOADW:
		src, err := env.read(pc, inst.E(), ptr, 1)
		if err != nil {
			return 0, err
		}
		dst, err := env.write(pc, inst.D(), inst.A(), src.Data)
		if err != nil {
			return 0, err
		}
		rec.slots[1], rec.slots[2] = src, dst
	case STOREW:
		src, err := env.read(pc, inst.D(), inst.A(), 1)
		if err != nil {
			return 0, err
		}
		dst, err := env.write(pc, inst.E(), ptr, src.Data)
		if err != nil {
			return 0, err
		}
		rec.slots[1], rec.slots[2] = src, dst
	case HINT_STOREW:
		w, err := env.streams.NextHint()
		if err != nil {
			return 0, err
		}
		dst, err := env.write(pc, inst.E(), ptr, []field.Element{w})
		if err != nil {
			return 0, err
		}
		rec.slots[1] = dst
	}
	return e.commit(rec, pc+1), nil
}
