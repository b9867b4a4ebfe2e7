package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// BranchAir proves conditional branches and jump-and-link. Branch offsets
// are field elements, so a backward jump adds p - k.
type BranchAir struct {
	tableAir
}

func NewBranchAir(cfg *utils.VmConfig) *BranchAir {
	return &BranchAir{newTableAir("Branch", newRowLayout(cfg, 0, 1, 1), 2, BEQ, BNE, JAL)}
}

func branchAccesses(op Opcode) int {
	if op == JAL {
		return 1
	}
	return 2
}

func (a *BranchAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	x, y := a.layout.slots[0], a.layout.slots[1]
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		op, ok := a.opcodeOf(row)
		if !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		if op == JAL {
			link := row[colPC].Add(field.One)
			if operand(row, 3).IsZero() ||
				!slotAt(row, x, operand(row, 3), operand(row, 0), 0) ||
				!x.Data(row)[0].Equal(link) ||
				!isUnused(row, y) {
				return protocols.Violation(a.name, i, "jal link")
			}
			if err := a.checkSlot(i, row, x, true); err != nil {
				return err
			}
			if !nextPCIs(row, operand(row, 1)) {
				return protocols.Violation(a.name, i, "jal target")
			}
			continue
		}

		if !slotAt(row, x, operand(row, 3), operand(row, 0), 0) ||
			!slotAt(row, y, operand(row, 4), operand(row, 1), 1) {
			return protocols.Violation(a.name, i, "operand addresses")
		}
		for _, s := range a.layout.slots {
			if err := a.checkSlot(i, row, s, false); err != nil {
				return err
			}
		}
		taken := x.Data(row)[0].Equal(y.Data(row)[0]) == (op == BEQ)
		delta := field.One
		if taken {
			delta = operand(row, 2)
		}
		if !nextPCIs(row, delta) {
			return protocols.Violation(a.name, i, "%s target", op)
		}
	}
	return nil
}

func (a *BranchAir) Interactions(row []field.Element) []protocols.Interaction {
	op, _ := rowOpcode(row)
	return append(coreInteractions(row, branchAccesses(op)), a.layout.slotInteractions(row)...)
}

type branchExecutor struct {
	baseExecutor
	air *BranchAir
}

func newBranchExecutor(cfg *utils.VmConfig) *branchExecutor {
	air := NewBranchAir(cfg)
	return &branchExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *branchExecutor) Opcodes() []Opcode  { return []Opcode{BEQ, BNE, JAL} }
func (e *branchExecutor) Air() protocols.Air { return e.air }

// target adds a field offset to pc and requires the result to be a 32-bit pc.
func target(pc uint32, offset field.Element) (uint32, error) {
	return toU32(pc, field.New(uint64(pc)).Add(offset), "branch target")
}

func (e *branchExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	rec := e.begin(env, pc, inst)

	if inst.Opcode == JAL {
		next, err := target(pc, inst.B())
		if err != nil {
			return 0, err
		}
		link, err := env.write(pc, inst.D(), inst.A(), []field.Element{field.New(uint64(pc) + 1)})
		if err != nil {
			return 0, err
		}
		rec.slots[0] = link
		return e.commit(rec, next), nil
	}

	x, err := env.read(pc, inst.D(), inst.A(), 1)
	if err != nil {
		return 0, err
	}
	y, err := env.read(pc, inst.E(), inst.B(), 1)
	if err != nil {
		return 0, err
	}
	rec.slots[0], rec.slots[1] = x, y

	next := pc + 1
	if x.Data[0].Equal(y.Data[0]) == (inst.Opcode == BEQ) {
		if next, err = target(pc, inst.C()); err != nil {
			return 0, err
		}
	}
	return e.commit(rec, next), nil
}
