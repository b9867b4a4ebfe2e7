// Package vm provides the Vybium zkVM execution engine: the instruction set,
// the executor registry, the segmented execution loop and the AIRs that
// prove one segment.
package vm

import (
	"fmt"
	"sort"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
)

// Opcode is a global opcode. Each opcode class owns a disjoint offset range.
type Opcode uint32

// Class offsets of the global opcode space.
const (
	SystemClassOffset     Opcode = 0x000
	PhantomClassOffset    Opcode = 0x010
	PublishClassOffset    Opcode = 0x020
	FieldArithClassOffset Opcode = 0x100
	LoadStoreClassOffset  Opcode = 0x110
	BranchClassOffset     Opcode = 0x120
	BlockClassOffset      Opcode = 0x130
	RecursionClassOffset  Opcode = 0x140
	KeccakClassOffset     Opcode = 0x200
	ModularClassOffset    Opcode = 0x300
	EccClassOffset        Opcode = 0x400
	PairingClassOffset    Opcode = 0x500
)

// Vybium zkVM instruction set. [x]_s is cell x of address space s; space 0
// returns x itself.
const (
	// TERMINATE exits with code c.
	TERMINATE = SystemClassOffset

	// PHANTOM runs the side-channel selected by c & 0xffff.
	PHANTOM = PhantomClassOffset

	// PUBLISH sets user_pv[[b]_e] to [a]_d.
	PUBLISH = PublishClassOffset

	// [a]_d <- [b]_e op [c]_f
	ADD = FieldArithClassOffset + 0
	SUB = FieldArithClassOffset + 1
	MUL = FieldArithClassOffset + 2
	DIV = FieldArithClassOffset + 3

	// LOADW: [a]_d <- [[c]_d + b]_e
	LOADW = LoadStoreClassOffset + 0
	// STOREW: [[c]_d + b]_e <- [a]_d
	STOREW = LoadStoreClassOffset + 1
	// HINT_STOREW: [[c]_d + b]_e <- next hint word
	HINT_STOREW = LoadStoreClassOffset + 2

	// BEQ/BNE: pc += c if [a]_d ==/!= [b]_e, else pc += 1
	BEQ = BranchClassOffset + 0
	BNE = BranchClassOffset + 1
	// JAL: [a]_d <- pc + 1, pc += b
	JAL = BranchClassOffset + 2

	// BLOCK_COPY: [a..a+f)_d <- [b..b+f)_e
	BLOCK_COPY = BlockClassOffset

	// VERIFY_BATCH verifies the child proofs on the hint stream and writes
	// the merged public values to [a..)_d.
	VERIFY_BATCH = RecursionClassOffset

	KECCAK256     = KeccakClassOffset
	MOD_ADD       = ModularClassOffset
	EC_ADD        = EccClassOffset
	PAIRING_CHECK = PairingClassOffset
)

// OpcodeInfo provides metadata about an opcode
type OpcodeInfo struct {
	Opcode      Opcode
	Name        string
	Description string
}

// AllOpcodes lists every globally known opcode
var AllOpcodes = map[Opcode]OpcodeInfo{
	TERMINATE: {TERMINATE, "terminate", "Exit with code c"},
	PHANTOM:   {PHANTOM, "phantom", "Side-channel operation"},
	PUBLISH:   {PUBLISH, "publish", "Publish a user public value"},

	ADD: {ADD, "add", "Field addition"},
	SUB: {SUB, "sub", "Field subtraction"},
	MUL: {MUL, "mul", "Field multiplication"},
	DIV: {DIV, "div", "Field division"},

	LOADW:       {LOADW, "loadw", "Load word"},
	STOREW:      {STOREW, "storew", "Store word"},
	HINT_STOREW: {HINT_STOREW, "hint_storew", "Store next hint word"},

	BEQ: {BEQ, "beq", "Branch if equal"},
	BNE: {BNE, "bne", "Branch if not equal"},
	JAL: {JAL, "jal", "Jump and link"},

	BLOCK_COPY: {BLOCK_COPY, "block_copy", "Copy an aligned block"},

	VERIFY_BATCH: {VERIFY_BATCH, "verify_batch", "Verify a batch of child proofs"},

	KECCAK256:     {KECCAK256, "keccak256", "Keccak-256 permutation"},
	MOD_ADD:       {MOD_ADD, "mod_add", "Modular addition"},
	EC_ADD:        {EC_ADD, "ec_add", "Elliptic curve addition"},
	PAIRING_CHECK: {PAIRING_CHECK, "pairing_check", "Pairing check"},
}

// String returns the name of the opcode
func (o Opcode) String() string {
	if info, ok := AllOpcodes[o]; ok {
		return info.Name
	}
	return fmt.Sprintf("unknown(0x%x)", uint32(o))
}

// Info returns metadata about the opcode
func (o Opcode) Info() (OpcodeInfo, error) {
	info, ok := AllOpcodes[o]
	if !ok {
		return OpcodeInfo{}, fmt.Errorf("unknown opcode: 0x%x", uint32(o))
	}
	return info, nil
}

// PhantomDiscriminant selects a phantom side-channel.
type PhantomDiscriminant uint16

const (
	PhantomNop PhantomDiscriminant = iota
	PhantomPrint
	PhantomHintInput
	PhantomHintBits
	PhantomCycleTrackerStart
	PhantomCycleTrackerEnd
)

func (d PhantomDiscriminant) String() string {
	switch d {
	case PhantomNop:
		return "nop"
	case PhantomPrint:
		return "print"
	case PhantomHintInput:
		return "hint_input"
	case PhantomHintBits:
		return "hint_bits"
	case PhantomCycleTrackerStart:
		return "cycle_tracker_start"
	case PhantomCycleTrackerEnd:
		return "cycle_tracker_end"
	default:
		return fmt.Sprintf("phantom(%d)", uint16(d))
	}
}

// ============================================================================
// Instructions
// ============================================================================

// NumOperands is the operand count of every instruction.
const NumOperands = 7

// Instruction is (opcode, a, b, c, d, e, f, g).
type Instruction struct {
	Opcode   Opcode
	Operands [NumOperands]field.Element
}

// NewInstruction builds an instruction from small operands; missing trailing
// operands are zero.
func NewInstruction(op Opcode, operands ...uint64) Instruction {
	inst := Instruction{Opcode: op}
	for i := range inst.Operands {
		inst.Operands[i] = field.Zero
	}
	for i, v := range operands {
		inst.Operands[i] = field.New(v)
	}
	return inst
}

func (i Instruction) A() field.Element { return i.Operands[0] }
func (i Instruction) B() field.Element { return i.Operands[1] }
func (i Instruction) C() field.Element { return i.Operands[2] }
func (i Instruction) D() field.Element { return i.Operands[3] }
func (i Instruction) E() field.Element { return i.Operands[4] }
func (i Instruction) F() field.Element { return i.Operands[5] }
func (i Instruction) G() field.Element { return i.Operands[6] }

// Words returns the program-bus encoding without the pc.
func (i Instruction) Words() []field.Element {
	out := make([]field.Element, 0, 1+NumOperands)
	out = append(out, field.New(uint64(i.Opcode)))
	return append(out, i.Operands[:]...)
}

func (i Instruction) String() string {
	s := i.Opcode.String()
	for _, op := range i.Operands {
		s += fmt.Sprintf(" %d", op.Value())
	}
	return s
}

// Phantom builds a PHANTOM instruction for discriminant d over address
// space as.
func Phantom(d PhantomDiscriminant, a, b, as uint64) Instruction {
	return NewInstruction(PHANTOM, a, b, as<<16|uint64(d))
}

// Terminate builds TERMINATE with exit code code.
func Terminate(code uint32) Instruction {
	return NewInstruction(TERMINATE, 0, 0, uint64(code))
}

// ============================================================================
// Opcode space
// ============================================================================

// OpcodeClass is one contiguous range of the global opcode space.
type OpcodeClass struct {
	Name   string
	Offset Opcode
	Size   uint32
}

// Contains reports whether op falls in the class range.
func (c OpcodeClass) Contains(op Opcode) bool {
	return op >= c.Offset && uint32(op-c.Offset) < c.Size
}

// OpcodeSpaceBuilder collects class descriptors and checks them for overlap
// once.
type OpcodeSpaceBuilder struct {
	classes []OpcodeClass
}

// NewOpcodeSpaceBuilder creates an empty builder.
func NewOpcodeSpaceBuilder() *OpcodeSpaceBuilder {
	return &OpcodeSpaceBuilder{}
}

// Add registers a class.
func (b *OpcodeSpaceBuilder) Add(name string, offset Opcode, size uint32) *OpcodeSpaceBuilder {
	b.classes = append(b.classes, OpcodeClass{Name: name, Offset: offset, Size: size})
	return b
}

// Build emits the offset map, failing on overlapping or duplicate classes.
func (b *OpcodeSpaceBuilder) Build() (*OpcodeSpace, error) {
	classes := make([]OpcodeClass, len(b.classes))
	copy(classes, b.classes)
	sort.Slice(classes, func(i, j int) bool { return classes[i].Offset < classes[j].Offset })

	byName := make(map[string]OpcodeClass, len(classes))
	for i, c := range classes {
		if c.Size == 0 {
			return nil, fmt.Errorf("opcode class %s is empty", c.Name)
		}
		if _, dup := byName[c.Name]; dup {
			return nil, fmt.Errorf("%w: class %s registered twice", ErrClassOverlap, c.Name)
		}
		byName[c.Name] = c
		if i > 0 {
			prev := classes[i-1]
			if uint64(prev.Offset)+uint64(prev.Size) > uint64(c.Offset) {
				return nil, fmt.Errorf("%w: %s [0x%x, +%d) and %s [0x%x, +%d)",
					ErrClassOverlap, prev.Name, uint32(prev.Offset), prev.Size, c.Name, uint32(c.Offset), c.Size)
			}
		}
	}
	return &OpcodeSpace{classes: classes, byName: byName}, nil
}

// OpcodeSpace is a validated set of opcode classes.
type OpcodeSpace struct {
	classes []OpcodeClass
	byName  map[string]OpcodeClass
}

// DefaultOpcodeSpace registers every class of the ISA.
func DefaultOpcodeSpace() (*OpcodeSpace, error) {
	return NewOpcodeSpaceBuilder().
		Add("system", SystemClassOffset, 1).
		Add("phantom", PhantomClassOffset, 1).
		Add("publish", PublishClassOffset, 1).
		Add("field_arith", FieldArithClassOffset, 4).
		Add("load_store", LoadStoreClassOffset, 3).
		Add("branch", BranchClassOffset, 3).
		Add("block", BlockClassOffset, 1).
		Add("recursion", RecursionClassOffset, 1).
		Add("keccak", KeccakClassOffset, 1).
		Add("modular", ModularClassOffset, 1).
		Add("ecc", EccClassOffset, 1).
		Add("pairing", PairingClassOffset, 1).
		Build()
}

// ClassOf returns the class containing op.
func (s *OpcodeSpace) ClassOf(op Opcode) (OpcodeClass, bool) {
	i := sort.Search(len(s.classes), func(i int) bool {
		c := s.classes[i]
		return uint64(c.Offset)+uint64(c.Size) > uint64(op)
	})
	if i < len(s.classes) && s.classes[i].Contains(op) {
		return s.classes[i], true
	}
	return OpcodeClass{}, false
}

// Class returns the class registered under name.
func (s *OpcodeSpace) Class(name string) (OpcodeClass, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// Classes returns the classes in offset order.
func (s *OpcodeSpace) Classes() []OpcodeClass {
	out := make([]OpcodeClass, len(s.classes))
	copy(out, s.classes)
	return out
}
