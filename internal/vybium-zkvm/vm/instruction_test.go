package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

func TestOpcodeSpace(t *testing.T) {
	space, err := DefaultOpcodeSpace()
	require.NoError(t, err)

	for op := range AllOpcodes {
		_, ok := space.ClassOf(op)
		assert.True(t, ok, "opcode %s has no class", op)
	}
	class, ok := space.ClassOf(ADD)
	require.True(t, ok)
	assert.True(t, class.Contains(DIV))
	assert.False(t, class.Contains(TERMINATE))

	_, ok = space.ClassOf(Opcode(0xfffff))
	assert.False(t, ok)
}

func TestOpcodeSpaceOverlap(t *testing.T) {
	_, err := NewOpcodeSpaceBuilder().
		Add("a", 0x100, 0x20).
		Add("b", 0x110, 0x10).
		Build()
	assert.ErrorIs(t, err, ErrClassOverlap)

	_, err = NewOpcodeSpaceBuilder().
		Add("a", 0x100, 0x10).
		Add("a", 0x200, 0x10).
		Build()
	assert.ErrorIs(t, err, ErrClassOverlap)

	space, err := NewOpcodeSpaceBuilder().
		Add("a", 0x100, 0x10).
		Add("b", 0x110, 0x10).
		Build()
	require.NoError(t, err)
	assert.Len(t, space.Classes(), 2)
}

func TestRegistryRejectsForeignOpcodes(t *testing.T) {
	space, err := NewOpcodeSpaceBuilder().Add("system", 0, 0x10).Build()
	require.NoError(t, err)

	_, err = newExecutorRegistry(space, []Executor{newFieldArithExecutor(utils.DefaultVmConfig())})
	assert.ErrorIs(t, err, ErrClassOverlap)

	full, err := DefaultOpcodeSpace()
	require.NoError(t, err)
	cfg := utils.DefaultVmConfig()
	_, err = newExecutorRegistry(full, []Executor{newFieldArithExecutor(cfg), newFieldArithExecutor(cfg)})
	assert.ErrorIs(t, err, ErrClassOverlap)
}

func TestRegistryLookup(t *testing.T) {
	space, err := DefaultOpcodeSpace()
	require.NoError(t, err)
	reg, err := newExecutorRegistry(space, []Executor{newBranchExecutor(utils.DefaultVmConfig())})
	require.NoError(t, err)

	ex, err := reg.Lookup(0, BEQ)
	require.NoError(t, err)
	assert.Equal(t, "Branch", ex.Air().Name())

	_, err = reg.Lookup(3, ADD)
	var disabled *DisabledOperationError
	require.ErrorAs(t, err, &disabled)
	assert.Equal(t, ADD, disabled.Opcode)

	_, err = reg.Lookup(4, Opcode(0x7ff))
	var invalid *InvalidInstructionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, uint32(4), invalid.PC)
}

func TestInstructionEncoding(t *testing.T) {
	inst := NewInstruction(ADD, 1, 2, 3, 4, 5, 6, 7)
	assert.Equal(t, field.New(1), inst.A())
	assert.Equal(t, field.New(7), inst.G())
	assert.Len(t, inst.Words(), 1+NumOperands)

	p := Phantom(PhantomHintBits, 10, 32, 2)
	d, as, ok := decodePhantom(p.C())
	require.True(t, ok)
	assert.Equal(t, PhantomHintBits, d)
	assert.Equal(t, uint32(2), as)

	term := Terminate(9)
	assert.Equal(t, TERMINATE, term.Opcode)
	assert.Equal(t, field.New(9), term.C())
}

func TestProgramTable(t *testing.T) {
	p := NewProgram(NewInstruction(ADD, 0, 0, 1, 1, 1, 0), Terminate(0))
	cached, main := NewProgramAir().GenerateTrace(p, []uint32{3, 1})
	require.Equal(t, 2, cached.Height())
	assert.Equal(t, field.New(1), cached.Row(1)[0])
	assert.Equal(t, field.New(3), main.Row(0)[0])

	require.NoError(t, ValidateProgram(p))
	assert.Error(t, ValidateProgram(NewProgram()))
	assert.ErrorIs(t, ValidateProgram(NewProgram(Instruction{Opcode: 0x7ff})), ErrInvalidInstruction)
}

func TestStreams(t *testing.T) {
	s := NewStreams([][]field.Element{elems(1, 2)})
	vec, err := s.ReadVec()
	require.NoError(t, err)
	assert.Equal(t, elems(1, 2), vec)
	_, err = s.ReadVec()
	assert.ErrorIs(t, err, ErrHintOutOfBounds)

	s.SetHint(elems(5))
	s.PushHint(elems(6)...)
	assert.Equal(t, 2, s.HintLen())
	w, err := s.NextHint()
	require.NoError(t, err)
	assert.Equal(t, field.New(5), w)
	assert.Equal(t, elems(6), s.DrainHint())
	_, err = s.NextHint()
	assert.ErrorIs(t, err, ErrHintOutOfBounds)
}
