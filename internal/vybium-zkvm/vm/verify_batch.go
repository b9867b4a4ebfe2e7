package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// BatchVerifier checks the child proofs of one aggregation node and derives
// the node's public values from them.
type BatchVerifier interface {
	// Level names the aggregation level. It is part of the VERIFY_BATCH
	// table name, so verifier VMs of different levels never share a key.
	Level() string

	// NumOutputs returns the number of values VerifyBatch produces, a
	// multiple of core.Chunk.
	NumOutputs() int

	// VerifyBatch verifies the batch encoded in words. constants is the
	// digest the program loaded before the call; the verifier rejects it
	// unless it matches the keys it verifies against.
	VerifyBatch(constants core.Digest, words []field.Element) ([]field.Element, error)
}

// Extra columns of the verify-batch table.
const (
	vbIsInstruction = 0
	vbWord          = 1
	vbNumWords      = 2
	vbExtra         = 3
)

// VerifyBatchAirName names the VERIFY_BATCH table of a verifier level.
func VerifyBatchAirName(level string) string {
	return "VerifyBatch/" + level
}

// VerifyBatchAir proves VERIFY_BATCH a b _ d: read the constants block
// [b..b+8)_d, verify the batch carried by the following word rows and write
// the outputs to [a..)_d. Each instruction row is followed by its word rows.
type VerifyBatchAir struct {
	tableAir
	verifier BatchVerifier
}

func NewVerifyBatchAir(cfg *utils.VmConfig, verifier BatchVerifier) *VerifyBatchAir {
	sizes := []int{core.Chunk}
	for k := 0; k < verifier.NumOutputs()/core.Chunk; k++ {
		sizes = append(sizes, core.Chunk)
	}
	return &VerifyBatchAir{
		tableAir: newTableAir(VerifyBatchAirName(verifier.Level()), newRowLayout(cfg, vbExtra, sizes...), 2, VERIFY_BATCH),
		verifier: verifier,
	}
}

func (a *VerifyBatchAir) numAccesses() int {
	return len(a.layout.slots)
}

func (a *VerifyBatchAir) Eval(trace *protocols.Trace, _ []field.Element) error {
	h := trace.Height()
	for i := 0; i < h; {
		row := trace.Row(i)
		extra := a.layout.extraCols(row)
		if !extra[vbIsInstruction].IsOne() {
			return protocols.Violation(a.name, i, "word row without an instruction")
		}
		if _, ok := a.opcodeOf(row); !ok {
			return protocols.Violation(a.name, i, "unexpected opcode %d", row[colOpcode].Value())
		}
		n := extra[vbNumWords].Value()
		if n > uint64(h-i-1) {
			return protocols.Violation(a.name, i, "%d words exceed the table", n)
		}

		words := make([]field.Element, n)
		for j := range words {
			wordRow := trace.Row(i + 1 + j)
			wordExtra := a.layout.extraCols(wordRow)
			if !wordExtra[vbIsInstruction].IsZero() {
				return protocols.Violation(a.name, i+1+j, "instruction inside a word run")
			}
			words[j] = wordExtra[vbWord]
		}

		d := operand(row, 3)
		if d.IsZero() {
			return protocols.Violation(a.name, i, "address space 0")
		}
		cs := a.layout.slots[0]
		if !slotAt(row, cs, d, operand(row, 1), 0) {
			return protocols.Violation(a.name, i, "constants address")
		}
		if err := a.checkSlot(i, row, cs, false); err != nil {
			return err
		}
		constants, err := core.DigestFromSlice(cs.Data(row))
		if err != nil {
			return protocols.Violation(a.name, i, "%v", err)
		}
		outputs, err := a.verifier.VerifyBatch(constants, words)
		if err != nil {
			return protocols.Violation(a.name, i, "batch rejected: %v", err)
		}
		if len(outputs) != core.Chunk*(len(a.layout.slots)-1) {
			return protocols.Violation(a.name, i, "verifier produced %d outputs", len(outputs))
		}
		for k, s := range a.layout.slots[1:] {
			ptr := operand(row, 0).Add(protocols.Elem(core.Chunk * k))
			if !slotAt(row, s, d, ptr, k+1) ||
				!protocols.EqualSlices(s.Data(row), outputs[core.Chunk*k:core.Chunk*(k+1)]) {
				return protocols.Violation(a.name, i, "output block %d", k)
			}
			if err := a.checkSlot(i, row, s, true); err != nil {
				return err
			}
		}
		if !nextPCIs(row, field.One) {
			return protocols.Violation(a.name, i, "next pc")
		}
		i += 1 + int(n)
	}
	return nil
}

func (a *VerifyBatchAir) Interactions(row []field.Element) []protocols.Interaction {
	if !a.layout.extraCols(row)[vbIsInstruction].IsOne() {
		return nil
	}
	return append(coreInteractions(row, a.numAccesses()), a.layout.slotInteractions(row)...)
}

type verifyBatchRecord struct {
	*execRecord
	words []field.Element
}

type verifyBatchExecutor struct {
	air     *VerifyBatchAir
	records []verifyBatchRecord
	height  int
}

func newVerifyBatchExecutor(cfg *utils.VmConfig, verifier BatchVerifier) *verifyBatchExecutor {
	return &verifyBatchExecutor{air: NewVerifyBatchAir(cfg, verifier)}
}

func (e *verifyBatchExecutor) Opcodes() []Opcode  { return []Opcode{VERIFY_BATCH} }
func (e *verifyBatchExecutor) Air() protocols.Air { return e.air }
func (e *verifyBatchExecutor) Height() int        { return e.height }

func (e *verifyBatchExecutor) Reset() {
	e.records = nil
	e.height = 0
}

func (e *verifyBatchExecutor) execute(env *execEnv, pc uint32, inst Instruction) (uint32, error) {
	if inst.D().IsZero() {
		return 0, invalidInstruction(pc, "verify_batch in address space 0")
	}
	layout := e.air.layout
	base := baseExecutor{layout: layout}
	rec := base.begin(env, pc, inst)

	cs, err := env.read(pc, inst.D(), inst.B(), core.Chunk)
	if err != nil {
		return 0, err
	}
	rec.slots[0] = cs
	constants, err := core.DigestFromSlice(cs.Data)
	if err != nil {
		return 0, fatal("%v", err)
	}

	words := env.streams.DrainHint()
	outputs, err := e.air.verifier.VerifyBatch(constants, words)
	if err != nil {
		return 0, fmt.Errorf("verify_batch at pc %d: %w", pc, err)
	}
	if len(outputs) != core.Chunk*(len(layout.slots)-1) {
		return 0, fatal("verifier produced %d outputs, expected %d", len(outputs), core.Chunk*(len(layout.slots)-1))
	}
	for k := range layout.slots[1:] {
		ptr := inst.A().Add(protocols.Elem(core.Chunk * k))
		out, err := env.write(pc, inst.D(), ptr, outputs[core.Chunk*k:core.Chunk*(k+1)])
		if err != nil {
			return 0, err
		}
		rec.slots[k+1] = out
	}

	rec.extra[vbIsInstruction] = field.One
	rec.extra[vbNumWords] = field.New(uint64(len(words)))
	rec.nextPC = pc + 1
	e.records = append(e.records, verifyBatchRecord{execRecord: rec, words: words})
	e.height += 1 + len(words)
	return pc + 1, nil
}

func (e *verifyBatchExecutor) GenerateTrace(rc *protocols.RangeCheckerChip) (*protocols.Trace, error) {
	layout := e.air.layout
	rows := make([][]field.Element, 0, e.height)
	for _, rec := range e.records {
		row, err := layout.fill(rec.execRecord, rc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", rec.pc, err)
		}
		rows = append(rows, row)
		for _, w := range rec.words {
			wordRow := core.Zeros(layout.width())
			layout.extraCols(wordRow)[vbWord] = w
			rows = append(rows, wordRow)
		}
	}
	return protocols.TraceFromRows(layout.width(), rows)
}
