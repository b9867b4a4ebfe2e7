package vm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// PhantomAir proves that a phantom instruction only advances the pc. Its
// effects on the streams and the log are unconstrained.
type PhantomAir struct {
	tableAir
}

func NewPhantomAir(cfg *utils.VmConfig) *PhantomAir {
	return &PhantomAir{newTableAir("Phantom", newRowLayout(cfg, 0), 1, PHANTOM)}
}

func decodePhantom(c field.Element) (PhantomDiscriminant, uint32, bool) {
	v := c.Value()
	if v > uint64(^uint32(0)) {
		return 0, 0, false
	}
	d := PhantomDiscriminant(v & 0xffff)
	return d, uint32(v >> 16), d <= PhantomCycleTrackerEnd
}

func (a *PhantomAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		row := trace.Row(i)
		if _, ok := a.opcodeOf(row); !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		if _, _, ok := decodePhantom(operand(row, 2)); !ok {
			return protocols.Violation(a.name, i, "unknown phantom discriminant")
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
	}
	return nil
}

func (a *PhantomAir) Interactions(row []field.Element) []protocols.Interaction {
	return coreInteractions(row, 0)
}

type phantomExecutor struct {
	baseExecutor
	air *PhantomAir
}

func newPhantomExecutor(cfg *utils.VmConfig) *phantomExecutor {
	air := NewPhantomAir(cfg)
	return &phantomExecutor{baseExecutor: baseExecutor{layout: air.layout}, air: air}
}

func (e *phantomExecutor) Opcodes() []Opcode  { return []Opcode{PHANTOM} }
func (e *phantomExecutor) Air() protocols.Air { return e.air }

func (e *phantomExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	d, as, ok := decodePhantom(inst.C())
	if !ok {
		return 0, invalidInstruction(pc, "unknown phantom discriminant %d", inst.C().Value()&0xffff)
	}

	switch d {
	case PhantomNop:
	case PhantomPrint:
		ptr, err := toU32(pc, inst.A(), "pointer")
		if err != nil {
			return 0, err
		}
		v, err := env.memory.UnsafeRead(as, ptr, 1)
		if err != nil {
			return 0, err
		}
		env.logger.Info("Print", "pc", pc, "as", as, "ptr", ptr, "value", v[0].Value())
	case PhantomHintInput:
		vec, err := env.streams.ReadVec()
		if err != nil {
			return 0, err
		}
		hint := make([]field.Element, 0, len(vec)+1)
		hint = append(hint, field.New(uint64(len(vec))))
		env.streams.SetHint(append(hint, vec...))
	case PhantomHintBits:
		ptr, err := toU32(pc, inst.A(), "pointer")
		if err != nil {
			return 0, err
		}
		n := inst.B().Value()
		if n > 64 {
			return 0, invalidInstruction(pc, "hint_bits of %d bits", n)
		}
		v, err := env.memory.UnsafeRead(as, ptr, 1)
		if err != nil {
			return 0, err
		}
		x := v[0].Value()
		for i := uint64(0); i < n; i++ {
			env.streams.PushHint(field.New(x >> i & 1))
		}
	case PhantomCycleTrackerStart, PhantomCycleTrackerEnd:
		if env.profiling {
			env.logger.Info("cycle_tracker", "event", d.String(), "label", inst.A().Value(), "pc", pc, "timestamp", env.memory.Timestamp())
		}
	}

	rec := e.begin(env, pc, inst)
	return e.commit(rec, pc+1), nil
}
