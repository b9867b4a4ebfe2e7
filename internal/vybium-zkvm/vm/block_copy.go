package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// blockSizes are the copy widths; slot pair k serves blockSizes[k].
var blockSizes = []int{1, 2, 4, core.Chunk}

// BlockCopyAir proves [a..a+f)_d <- [b..b+f)_e with one read slot and one
// write slot per block size, of which exactly one pair is used.
type BlockCopyAir struct {
	tableAir
}

func NewBlockCopyAir(cfg *utils.VmConfig) *BlockCopyAir {
	var sizes []int
	for _, n := range blockSizes {
		sizes = append(sizes, n, n)
	}
	return &BlockCopyAir{newTableAir("BlockCopy", newRowLayout(cfg, 0, sizes...), 3, BLOCK_COPY)}
}

func blockPair(f field.Element) (int, bool) {
	for k, n := range blockSizes {
		if f.Equal(field.New(uint64(n))) {
			return k, true
		}
	}
	return 0, false
}

func (a *BlockCopyAir) pair(k int) (memory.AccessSlot, memory.AccessSlot) {
	return a.layout.slots[2*k], a.layout.slots[2*k+1]
}

func (a *BlockCopyAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		if _, ok := a.opcodeOf(row); !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		used, ok := blockPair(operand(row, 5))
		if !ok {
			return protocols.Violation(a.name, i, "block size %d", operand(row, 5).Value())
		}
		for k := range blockSizes {
			src, dst := a.pair(k)
			if k != used {
				if !isUnused(row, src) || !isUnused(row, dst) {
					return protocols.Violation(a.name, i, "unused slot pair %d is set", k)
				}
				continue
			}
			if operand(row, 3).IsZero() ||
				!slotAt(row, src, operand(row, 4), operand(row, 1), 0) ||
				!slotAt(row, dst, operand(row, 3), operand(row, 0), 1) ||
				!protocols.EqualSlices(src.Data(row), dst.Data(row)) {
				return protocols.Violation(a.name, i, "block copy")
			}
			if err := a.checkSlot(i, row, src, false); err != nil {
				return err
			}
			if err := a.checkSlot(i, row, dst, true); err != nil {
				return err
			}
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
	}
	return nil
}

func (a *BlockCopyAir) Interactions(row []field.Element) []protocols.Interaction {
	return append(coreInteractions(row, 2), a.layout.slotInteractions(row)...)
}

type blockCopyExecutor struct {
	baseExecutor
	air *BlockCopyAir
}

func newBlockCopyExecutor(cfg *utils.VmConfig) *blockCopyExecutor {
	air := NewBlockCopyAir(cfg)
	return &blockCopyExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *blockCopyExecutor) Opcodes() []Opcode  { return []Opcode{BLOCK_COPY} }
func (e *blockCopyExecutor) Air() protocols.Air { return e.air }

func (e *blockCopyExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	k, ok := blockPair(inst.F())
	if !ok {
		return 0, invalidInstruction(pc, "block size %d", inst.F().Value())
	}
	if inst.D().IsZero() || inst.E().IsZero() {
		return 0, invalidInstruction(pc, "block copy needs memory address spaces")
	}
	rec := e.begin(env, pc, inst)
	src, err := env.read(pc, inst.E(), inst.B(), blockSizes[k])
	if err != nil {
		return 0, err
	}
	dst, err := env.write(pc, inst.D(), inst.A(), src.Data)
	if err != nil {
		return 0, err
	}
	rec.slots[2*k], rec.slots[2*k+1] = src, dst
	return e.commit(rec, pc+1), nil
}
