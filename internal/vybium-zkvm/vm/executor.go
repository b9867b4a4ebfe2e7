package vm

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// Executor implements the state transition and trace rows of one opcode
// class. The set of executors is closed: every variant lives in this
// package.
type Executor interface {
	// Opcodes lists the opcodes the executor handles.
	Opcodes() []Opcode

	// Air returns the stateless table proving the executor's rows.
	Air() protocols.Air

	// Height returns the number of rows recorded so far.
	Height() int

	// GenerateTrace emits the rows recorded since the last Reset. The
	// segment's memory must be finalized first.
	GenerateTrace(rc *protocols.RangeCheckerChip) (*protocols.Trace, error)

	// Reset drops the recorded rows.
	Reset()

	execute(env *execEnv, pc uint32, inst Instruction) (uint32, error)
}

// execEnv is what an executor may touch while running one instruction.
type execEnv struct {
	memory    *memory.Controller
	streams   *Streams
	logger    log.Logger
	profiling bool

	// published is shared by every segment of a run.
	published       map[uint32]bool
	numPublicValues int
	pvAddrSpace     uint32
}

func toU32(pc uint32, v field.Element, what string) (uint32, error) {
	u, ok := core.ToU32(v)
	if !ok {
		return 0, invalidInstruction(pc, "%s %d does not fit in 32 bits", what, v.Value())
	}
	return u, nil
}

func (e *execEnv) memoryError(pc uint32, err error) error {
	switch {
	case errors.Is(err, memory.ErrTimestampOverflow):
		return fmt.Errorf("%w: %w", ErrSegmentBudgetExceeded, err)
	case errors.Is(err, memory.ErrImmediateWrite), errors.Is(err, memory.ErrUnalignedAccess):
		return invalidInstruction(pc, "%v", err)
	default:
		return err
	}
}

// read performs a logged n-cell read of [ptr]_as.
func (e *execEnv) read(pc uint32, as, ptr field.Element, n int) (*memory.AccessRecord, error) {
	a, err := toU32(pc, as, "address space")
	if err != nil {
		return nil, err
	}
	p, err := toU32(pc, ptr, "pointer")
	if err != nil {
		return nil, err
	}
	rec, err := e.memory.Read(a, p, n)
	if err != nil {
		return nil, e.memoryError(pc, err)
	}
	return rec, nil
}

// write performs a logged write of data to [ptr]_as.
func (e *execEnv) write(pc uint32, as, ptr field.Element, data []field.Element) (*memory.AccessRecord, error) {
	a, err := toU32(pc, as, "address space")
	if err != nil {
		return nil, err
	}
	if a == 0 {
		return nil, invalidInstruction(pc, "write to address space 0")
	}
	p, err := toU32(pc, ptr, "pointer")
	if err != nil {
		return nil, err
	}
	rec, err := e.memory.Write(a, p, data)
	if err != nil {
		return nil, e.memoryError(pc, err)
	}
	return rec, nil
}

// ============================================================================
// Row layout shared by executor tables
// ============================================================================

// Core columns present at the start of every executor row.
const (
	colPC        = 0
	colTimestamp = 1
	colOpcode    = 2
	colOperands  = 3
	colNextPC    = colOperands + NumOperands
	numCoreCols  = colNextPC + 1
)

func operand(row []field.Element, i int) field.Element {
	return row[colOperands+i]
}

func rowOpcode(row []field.Element) (Opcode, bool) {
	v := row[colOpcode].Value()
	if v > uint64(^uint32(0)) {
		return 0, false
	}
	return Opcode(v), true
}

// coreInteractions consumes (pc, ts) and produces (next_pc, ts + used) on the
// execution bus, and looks the instruction up in the program table.
func coreInteractions(row []field.Element, used int) []protocols.Interaction {
	pc, ts := row[colPC], row[colTimestamp]
	lookup := make([]field.Element, 0, 2+NumOperands)
	lookup = append(lookup, pc, row[colOpcode])
	lookup = append(lookup, row[colOperands:colOperands+NumOperands]...)
	return []protocols.Interaction{
		protocols.Receive(protocols.ExecutionBus, field.One, pc, ts),
		protocols.Send(protocols.ExecutionBus, field.One, row[colNextPC], ts.Add(protocols.Elem(used))),
		protocols.Send(protocols.ProgramBus, field.One, lookup...),
	}
}

// slotAt reports whether slot s accessed [ptr]_as as the k-th access of
// the row.
func slotAt(row []field.Element, s memory.AccessSlot, as, ptr field.Element, k int) bool {
	return s.AddrSpace(row).Equal(as) &&
		s.Pointer(row).Equal(ptr) &&
		s.Timestamp(row).Equal(row[colTimestamp].Add(protocols.Elem(k)))
}

// isUnused reports whether a slot holds no access at all.
func isUnused(row []field.Element, s memory.AccessSlot) bool {
	for i := s.Offset; i < s.End(); i++ {
		if !row[i].IsZero() {
			return false
		}
	}
	return true
}

// nextPCIs reports whether the row's next pc equals pc + delta.
func nextPCIs(row []field.Element, delta field.Element) bool {
	return row[colNextPC].Equal(row[colPC].Add(delta))
}

// execRecord is one executed instruction awaiting trace generation. The
// access records are completed by the offline checker.
type execRecord struct {
	pc     uint32
	ts     uint32
	inst   Instruction
	nextPC uint32
	slots  []*memory.AccessRecord
	extra  []field.Element
}

// rowLayout places executor-specific columns after the core columns,
// followed by the access slots.
type rowLayout struct {
	extra int
	slots []memory.AccessSlot
}

func newRowLayout(cfg *utils.VmConfig, extra int, sizes ...int) rowLayout {
	l := rowLayout{extra: extra}
	offset := numCoreCols + extra
	for _, size := range sizes {
		s := memory.NewAccessSlot(offset, size, cfg)
		l.slots = append(l.slots, s)
		offset = s.End()
	}
	return l
}

func (l rowLayout) width() int {
	if len(l.slots) == 0 {
		return numCoreCols + l.extra
	}
	return l.slots[len(l.slots)-1].End()
}

func (l rowLayout) extraCols(row []field.Element) []field.Element {
	return row[numCoreCols : numCoreCols+l.extra]
}

func (l rowLayout) fill(rec *execRecord, rc *protocols.RangeCheckerChip) ([]field.Element, error) {
	row := core.Zeros(l.width())
	row[colPC] = field.New(uint64(rec.pc))
	row[colTimestamp] = field.New(uint64(rec.ts))
	row[colOpcode] = field.New(uint64(rec.inst.Opcode))
	copy(row[colOperands:], rec.inst.Operands[:])
	row[colNextPC] = field.New(uint64(rec.nextPC))
	copy(l.extraCols(row), rec.extra)
	for i, acc := range rec.slots {
		if err := l.slots[i].Fill(row, acc, rc); err != nil {
			return nil, err
		}
	}
	return row, nil
}

func (l rowLayout) generate(records []*execRecord, rc *protocols.RangeCheckerChip) (*protocols.Trace, error) {
	rows := make([][]field.Element, len(records))
	for i, rec := range records {
		row, err := l.fill(rec, rc)
		if err != nil {
			return nil, fmt.Errorf("pc %d: %w", rec.pc, err)
		}
		rows[i] = row
	}
	return protocols.TraceFromRows(l.width(), rows)
}

// slotInteractions collects the memory and range interactions of every slot.
func (l rowLayout) slotInteractions(row []field.Element) []protocols.Interaction {
	var out []protocols.Interaction
	for _, s := range l.slots {
		out = append(out, s.Interactions(row)...)
	}
	return out
}

// baseExecutor records rows against a fixed layout.
type baseExecutor struct {
	layout  rowLayout
	records []*execRecord
}

func (b *baseExecutor) Height() int { return len(b.records) }
func (b *baseExecutor) Reset()      { b.records = nil }

func (b *baseExecutor) GenerateTrace(rc *protocols.RangeCheckerChip) (*protocols.Trace, error) {
	return b.layout.generate(b.records, rc)
}

// begin starts a record at the controller's current timestamp.
func (b *baseExecutor) begin(env *execEnv, pc uint32, inst Instruction) *execRecord {
	rec := &execRecord{
		pc:    pc,
		ts:    env.memory.Timestamp(),
		inst:  inst,
		slots: make([]*memory.AccessRecord, len(b.layout.slots)),
	}
	if b.layout.extra > 0 {
		rec.extra = core.Zeros(b.layout.extra)
	}
	return rec
}

// commit stores a completed record.
func (b *baseExecutor) commit(rec *execRecord, nextPC uint32) uint32 {
	rec.nextPC = nextPC
	b.records = append(b.records, rec)
	return nextPC
}

// tableAir carries the parts shared by executor tables.
type tableAir struct {
	name   string
	layout rowLayout
	degree int
	ops    map[Opcode]bool
}

func newTableAir(name string, layout rowLayout, degree int, ops ...Opcode) tableAir {
	set := make(map[Opcode]bool, len(ops))
	for _, op := range ops {
		set[op] = true
	}
	return tableAir{name: name, layout: layout, degree: degree, ops: set}
}

func (a *tableAir) Name() string          { return a.name }
func (a *tableAir) Width() int            { return a.layout.width() }
func (a *tableAir) NumPublicValues() int  { return 0 }
func (a *tableAir) ConstraintDegree() int { return a.degree }

// opcodeOf returns the row's opcode if the table handles it.
func (a *tableAir) opcodeOf(row []field.Element) (Opcode, bool) {
	op, ok := rowOpcode(row)
	return op, ok && a.ops[op]
}

// checkSlot runs the slot's own constraints.
func (a *tableAir) checkSlot(i int, row []field.Element, s memory.AccessSlot, write bool) error {
	if reason, ok := s.Check(row, write); !ok {
		return protocols.Violation(a.name, i, "%s", reason)
	}
	return nil
}

// ============================================================================
// Registry
// ============================================================================

// ExecutorRegistry dispatches opcodes to the executors of one VM
// configuration.
type ExecutorRegistry struct {
	space     *OpcodeSpace
	executors []Executor
	byOpcode  map[Opcode]Executor
}

func newExecutorRegistry(space *OpcodeSpace, executors []Executor) (*ExecutorRegistry, error) {
	r := &ExecutorRegistry{space: space, executors: executors, byOpcode: make(map[Opcode]Executor)}
	for _, ex := range executors {
		for _, op := range ex.Opcodes() {
			if _, ok := space.ClassOf(op); !ok {
				return nil, fmt.Errorf("%w: opcode %s is outside every class", ErrClassOverlap, op)
			}
			if prev, dup := r.byOpcode[op]; dup {
				return nil, fmt.Errorf("%w: opcode %s claimed by %s and %s",
					ErrClassOverlap, op, prev.Air().Name(), ex.Air().Name())
			}
			r.byOpcode[op] = ex
		}
	}
	return r, nil
}

// Lookup returns the executor of op. Opcodes of a known class without an
// executor are disabled; anything else is invalid.
func (r *ExecutorRegistry) Lookup(pc uint32, op Opcode) (Executor, error) {
	if ex, ok := r.byOpcode[op]; ok {
		return ex, nil
	}
	if _, known := AllOpcodes[op]; known {
		if _, ok := r.space.ClassOf(op); ok {
			return nil, &DisabledOperationError{Opcode: op}
		}
	}
	return nil, invalidInstruction(pc, "unknown opcode 0x%x", uint32(op))
}

// Executors returns the executors in table order.
func (r *ExecutorRegistry) Executors() []Executor {
	return r.executors
}

// Reset clears every executor between segments.
func (r *ExecutorRegistry) Reset() {
	for _, ex := range r.executors {
		ex.Reset()
	}
}
