package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// Program represents a complete program: instruction i lives at pc i.
type Program struct {
	Instructions []Instruction
}

// NewProgram creates a new program
func NewProgram(instructions ...Instruction) *Program {
	return &Program{Instructions: append([]Instruction(nil), instructions...)}
}

// AddInstruction appends an instruction and returns its pc.
func (p *Program) AddInstruction(inst Instruction) uint32 {
	p.Instructions = append(p.Instructions, inst)
	return uint32(len(p.Instructions) - 1)
}

// Len returns the number of instructions.
func (p *Program) Len() int {
	return len(p.Instructions)
}

// Fetch returns the instruction at pc.
func (p *Program) Fetch(pc uint32) (Instruction, bool) {
	if int64(pc) >= int64(len(p.Instructions)) {
		return Instruction{}, false
	}
	return p.Instructions[pc], true
}

// ToWords converts the program to its row-major encoding (pc, opcode, a..g).
func (p *Program) ToWords() []field.Element {
	words := make([]field.Element, 0, len(p.Instructions)*ProgramCachedWidth)
	for pc, inst := range p.Instructions {
		words = append(words, field.New(uint64(pc)))
		words = append(words, inst.Words()...)
	}
	return words
}

// CachedTrace returns the committed partition of the program table.
func (p *Program) CachedTrace() *protocols.Trace {
	return &protocols.Trace{Width: ProgramCachedWidth, Values: p.ToWords()}
}

// Commit returns the trace commitment of the program table.
func (p *Program) Commit(h core.Hasher) core.Digest {
	return protocols.CommitTrace(h, p.CachedTrace())
}

// ValidateProgram validates a program for correctness
func ValidateProgram(program *Program) error {
	if program == nil || len(program.Instructions) == 0 {
		return fmt.Errorf("empty program")
	}
	for pc, inst := range program.Instructions {
		if _, ok := AllOpcodes[inst.Opcode]; !ok {
			return invalidInstruction(uint32(pc), "unknown opcode 0x%x", uint32(inst.Opcode))
		}
	}
	return nil
}

// Exe is a program together with its entry point and initial memory.
type Exe struct {
	Program    *Program
	PcStart    uint32
	InitMemory memory.Image
}

// NewExe wraps a program starting at pc 0 over empty memory.
func NewExe(p *Program) *Exe {
	return &Exe{Program: p, InitMemory: memory.Image{}}
}

// ============================================================================
// Program table
// ============================================================================

// ProgramCachedWidth is pc, opcode and the seven operands.
const ProgramCachedWidth = 2 + NumOperands

// ProgramAirName names the program table.
const ProgramAirName = "Program"

// ProgramAir receives every instruction lookup on the program bus. The
// instruction columns are cached so that their commitment is the program
// commitment; the main trace holds one execution count per row.
type ProgramAir struct{}

func NewProgramAir() *ProgramAir { return &ProgramAir{} }

func (a *ProgramAir) Name() string          { return ProgramAirName }
func (a *ProgramAir) Width() int            { return 1 }
func (a *ProgramAir) CachedWidth() int      { return ProgramCachedWidth }
func (a *ProgramAir) NumPublicValues() int  { return 0 }
func (a *ProgramAir) ConstraintDegree() int { return 1 }

// GenerateTrace returns the cached and main partitions for the given
// per-pc execution counts.
func (a *ProgramAir) GenerateTrace(p *Program, counts []uint32) (*protocols.Trace, *protocols.Trace) {
	main := protocols.NewTrace(1, p.Len())
	for pc, n := range counts {
		main.Values[pc] = field.New(uint64(n))
	}
	return p.CachedTrace(), main
}

// Eval checks that row i describes pc i.
func (a *ProgramAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	for i := 0; i < trace.Height(); i++ {
		if !trace.Row(i)[0].Equal(field.New(uint64(i))) {
			return protocols.Violation(a.Name(), i, "row does not hold pc %d", i)
		}
	}
	return nil
}

// Interactions receives the row's instruction with its execution count.
func (a *ProgramAir) Interactions(row []field.Element) []protocols.Interaction {
	return []protocols.Interaction{
		protocols.Receive(protocols.ProgramBus, row[ProgramCachedWidth], row[:ProgramCachedWidth]...),
	}
}
