package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// FieldArithAir proves [a]_d <- [b]_e op [c]_f.
type FieldArithAir struct {
	tableAir
}

func NewFieldArithAir(cfg *utils.VmConfig) *FieldArithAir {
	return &FieldArithAir{newTableAir("FieldArith", newRowLayout(cfg, 0, 1, 1, 1), 3, ADD, SUB, MUL, DIV)}
}

func applyFieldOp(op Opcode, x, y field.Element) (field.Element, bool) {
	switch op {
	case ADD:
		return x.Add(y), true
	case SUB:
		return x.Sub(y), true
	case MUL:
		return x.Mul(y), true
	case DIV:
		if y.IsZero() {
			return field.Zero, false
		}
		return x.Mul(y.Inverse()), true
	}
	return field.Zero, false
}

func (a *FieldArithAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	x, y, z := a.layout.slots[0], a.layout.slots[1], a.layout.slots[2]
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		op, ok := a.opcodeOf(row)
		if !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		if operand(row, 3).IsZero() {
			return protocols.Violation(a.name, i, "destination in address space 0")
		}
		if !slotAt(row, x, operand(row, 4), operand(row, 1), 0) ||
			!slotAt(row, y, operand(row, 5), operand(row, 2), 1) ||
			!slotAt(row, z, operand(row, 3), operand(row, 0), 2) {
			return protocols.Violation(a.name, i, "operand addresses")
		}
		for k, s := range a.layout.slots {
			if err := a.checkSlot(i, row, s, k == 2); err != nil {
				return err
			}
		}
		want, ok := applyFieldOp(op, x.Data(row)[0], y.Data(row)[0])
		if !ok {
			return protocols.Violation(a.name, i, "division by zero")
		}
		if !z.Data(row)[0].Equal(want) {
			return protocols.Violation(a.name, i, "%s result", op)
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
	}
	return nil
}

func (a *FieldArithAir) Interactions(row []field.Element) []protocols.Interaction {
	return append(coreInteractions(row, 3), a.layout.slotInteractions(row)...)
}

type fieldArithExecutor struct {
	baseExecutor
	air *FieldArithAir
}

func newFieldArithExecutor(cfg *utils.VmConfig) *fieldArithExecutor {
	air := NewFieldArithAir(cfg)
	return &fieldArithExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *fieldArithExecutor) Opcodes() []Opcode  { return []Opcode{ADD, SUB, MUL, DIV} }
func (e *fieldArithExecutor) Air() protocols.Air { return e.air }

func (e *fieldArithExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	if inst.D().IsZero() {
		return 0, invalidInstruction(pc, "%s writes to address space 0", inst.Opcode)
	}
	rec := e.begin(env, pc, inst)
	var accs [3]*memory.AccessRecord
	var err error
	if accs[0], err = env.read(pc, inst.E(), inst.B(), 1); err != nil {
		return 0, err
	}
	if accs[1], err = env.read(pc, inst.F(), inst.C(), 1); err != nil {
		return 0, err
	}
	out, ok := applyFieldOp(inst.Opcode, accs[0].Data[0], accs[1].Data[0])
	if !ok {
		return 0, invalidInstruction(pc, "division by zero")
	}
	if accs[2], err = env.write(pc, inst.D(), inst.A(), []field.Element{out}); err != nil {
		return 0, err
	}
	copy(rec.slots, accs[:])
	return e.commit(rec, pc+1), nil
}
