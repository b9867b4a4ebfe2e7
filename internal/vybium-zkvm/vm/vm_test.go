package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

func elems(values ...uint64) []field.Element {
	out := make([]field.Element, len(values))
	for i, v := range values {
		out[i] = field.New(v)
	}
	return out
}

// neg encodes -k as an operand.
func neg(k uint64) uint64 {
	return field.P - k
}

func newTestVM(t *testing.T, cfg *utils.VmConfig, opts ...Option) *VirtualMachine {
	t.Helper()
	vm, err := NewVirtualMachine(cfg, opts...)
	require.NoError(t, err)
	return vm
}

// fibProgram publishes fib(n) to user_pv[0]. [0]_1 and [1]_1 hold the
// running pair, [3]_1 counts down.
func fibProgram(n uint64) *Program {
	return NewProgram(
		NewInstruction(ADD, 0, 0, 0, 1, 0, 0),
		NewInstruction(ADD, 1, 1, 0, 1, 0, 0),
		NewInstruction(ADD, 3, n, 0, 1, 0, 0),
		NewInstruction(BEQ, 3, 0, 6, 1, 0),
		NewInstruction(ADD, 2, 0, 1, 1, 1, 1),
		NewInstruction(ADD, 0, 1, 0, 1, 1, 0),
		NewInstruction(ADD, 1, 2, 0, 1, 1, 0),
		NewInstruction(SUB, 3, 3, 1, 1, 1, 0),
		NewInstruction(JAL, 4, neg(5), 0, 1),
		NewInstruction(PUBLISH, 0, 0, 0, 1, 0),
		Terminate(ExitCodeSuccess),
	)
}

// hintEchoProgram publishes the three words of the first input vector.
func hintEchoProgram() *Program {
	p := NewProgram(Phantom(PhantomHintInput, 0, 0, 0))
	for k := uint64(0); k < 4; k++ {
		p.AddInstruction(NewInstruction(HINT_STOREW, 0, k, 8, 1, 1))
	}
	for i := uint64(0); i < 3; i++ {
		p.AddInstruction(NewInstruction(PUBLISH, i+1, i, 0, 1, 0))
	}
	p.AddInstruction(Terminate(ExitCodeSuccess))
	return p
}

// addChain increments [0]_1 n times.
func addChain(n int) *Program {
	p := NewProgram()
	for i := 0; i < n; i++ {
		p.AddInstruction(NewInstruction(ADD, 0, 0, 1, 1, 1, 0))
	}
	p.AddInstruction(Terminate(ExitCodeSuccess))
	return p
}

func expectedPVs(cfg *utils.VmConfig, values ...uint64) []field.Element {
	out := core.Zeros(cfg.NumPublicValues)
	copy(out, elems(values...))
	return out
}

func proveRun(t *testing.T, vm *VirtualMachine, exe *Exe, inputs [][]field.Element) (*protocols.ProvingKey, *CommittedExe, *ContinuationProof) {
	t.Helper()
	pk, err := vm.Keygen()
	require.NoError(t, err)
	committed, err := vm.Commit(exe)
	require.NoError(t, err)
	proof, err := vm.Prove(context.Background(), pk, exe, inputs)
	require.NoError(t, err)
	return pk, committed, proof
}

func TestFibonacci(t *testing.T) {
	for _, continuations := range []bool{true, false} {
		cfg := utils.DefaultVmConfig().WithContinuations(continuations)
		vm := newTestVM(t, cfg)
		exe := NewExe(fibProgram(10))

		res, err := vm.Execute(exe, nil)
		require.NoError(t, err)
		require.Len(t, res.Segments, 1)
		assert.Equal(t, uint32(ExitCodeSuccess), res.ExitCode)
		assert.Equal(t, expectedPVs(cfg, 55), res.UserPublicValues)
		assert.Equal(t, uint32(10), res.FinalSegment().State.FinalPC)

		pk, committed, proof := proveRun(t, vm, exe, nil)
		require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, expectedPVs(cfg, 55)), "continuations=%v", continuations)
		require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, nil))

		err = vm.VerifySegments(pk.VK, committed, proof, expectedPVs(cfg, 56))
		assert.ErrorIs(t, err, ErrUnexpectedPublicValues)
	}
}

func TestHintEcho(t *testing.T) {
	cfg := utils.DefaultVmConfig()
	vm := newTestVM(t, cfg)
	exe := NewExe(hintEchoProgram())
	inputs := [][]field.Element{elems(7, 8, 9)}

	res, err := vm.Execute(exe, inputs)
	require.NoError(t, err)
	assert.Equal(t, expectedPVs(cfg, 7, 8, 9), res.UserPublicValues)

	pk, committed, proof := proveRun(t, vm, exe, inputs)
	require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, expectedPVs(cfg, 7, 8, 9)))
}

func TestTwoSegmentSplit(t *testing.T) {
	cfg := utils.DefaultVmConfig().WithMaxSegmentLen(100)
	vm := newTestVM(t, cfg)
	exe := NewExe(addChain(150))

	res, err := vm.Execute(exe, nil)
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)

	first, second := res.Segments[0], res.Segments[1]
	assert.Equal(t, uint32(100), first.State.FinalPC)
	assert.Equal(t, uint32(100), second.State.InitialPC)
	assert.Equal(t, first.Memory.FinalRoot(), second.Memory.InitialRoot())
	assert.False(t, first.State.IsTerminate)
	assert.Equal(t, uint32(DefaultSuspendExitCode), first.State.ExitCode)
	assert.True(t, second.State.IsTerminate)
	assert.Equal(t, uint32(ExitCodeSuccess), second.State.ExitCode)
	assert.Equal(t, 100, first.Instructions)
	assert.Equal(t, 50, second.Instructions)

	pk, committed, proof := proveRun(t, vm, exe, nil)
	require.Len(t, proof.PerSegment, 2)
	require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, nil))

	t.Run("swapped", func(t *testing.T) {
		swapped := &ContinuationProof{
			PerSegment:            []*protocols.Proof{proof.PerSegment[1], proof.PerSegment[0]},
			UserPublicValuesProof: proof.UserPublicValuesProof,
		}
		assert.ErrorIs(t, vm.VerifySegments(pk.VK, committed, swapped, nil), ErrInitialPcMismatch)
	})
	t.Run("truncated", func(t *testing.T) {
		truncated := &ContinuationProof{
			PerSegment:            proof.PerSegment[:1],
			UserPublicValuesProof: proof.UserPublicValuesProof,
		}
		assert.ErrorIs(t, vm.VerifySegments(pk.VK, committed, truncated, nil), ErrIsTerminateMismatch)
	})
	t.Run("empty", func(t *testing.T) {
		assert.ErrorIs(t, vm.VerifySegments(pk.VK, committed, &ContinuationProof{}, nil), ErrEmptyProof)
	})
}

func TestPersistentMemoryRoundTrip(t *testing.T) {
	cfg := utils.DefaultVmConfig()
	vm := newTestVM(t, cfg)
	exe := NewExe(NewProgram(
		NewInstruction(ADD, 1, 0, 1, 1, 1, 0),
		Terminate(ExitCodeSuccess),
	))
	exe.InitMemory[memory.Address{AddrSpace: 1, Pointer: 0}] = field.New(42)

	res, err := vm.Execute(exe, nil)
	require.NoError(t, err)
	fm := res.FinalSegment().Memory
	assert.NotEqual(t, fm.InitialRoot(), fm.FinalRoot())

	key := memory.ChunkKey{AddrSpace: 1, Label: 0}
	leaf := fm.FinalTree.Leaf(key)
	assert.Equal(t, elems(42, 43, 0, 0, 0, 0, 0, 0), leaf[:])

	path, err := fm.FinalTree.LeafPath(key)
	require.NoError(t, err)
	assert.Equal(t, fm.FinalRoot(), core.FoldPath(vm.Hasher(), vm.Hasher().Hash(leaf), path))

	pk, committed, proof := proveRun(t, vm, exe, nil)
	require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, expectedPVs(cfg)))

	other := NewExe(exe.Program)
	otherCommitted, err := vm.Commit(other)
	require.NoError(t, err)
	assert.ErrorIs(t, vm.VerifySegments(pk.VK, otherCommitted, proof, nil), ErrInitialMemoryRootMismatch)
}

func TestTerminateOnly(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig())
	exe := NewExe(NewProgram(Terminate(ExitCodeSuccess)))

	res, err := vm.Execute(exe, nil)
	require.NoError(t, err)
	require.Len(t, res.Segments, 1)
	seg := res.FinalSegment()
	assert.Equal(t, 0, seg.Instructions)
	assert.Empty(t, seg.Memory.Touched)
	assert.Equal(t, seg.Memory.InitialRoot(), seg.Memory.FinalRoot())

	pk, committed, proof := proveRun(t, vm, exe, nil)
	require.NoError(t, vm.VerifySegments(pk.VK, committed, proof, nil))
}

func TestNonZeroExitCode(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig())
	exe := NewExe(NewProgram(Terminate(3)))

	res, err := vm.Execute(exe, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), res.ExitCode)

	pk, committed, proof := proveRun(t, vm, exe, nil)
	assert.ErrorIs(t, vm.VerifySegments(pk.VK, committed, proof, nil), ErrExitCodeMismatch)
}

func TestProgramCommitMismatch(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig())
	exe := NewExe(fibProgram(5))
	pk, _, proof := proveRun(t, vm, exe, nil)

	committed, err := vm.Commit(NewExe(fibProgram(6)))
	require.NoError(t, err)
	assert.ErrorIs(t, vm.VerifySegments(pk.VK, committed, proof, nil), ErrProgramCommitMismatch)
}

func TestTamperedTrace(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig().WithMaxSegmentLen(100))
	exe := NewExe(addChain(150))
	pk, committed, proof := proveRun(t, vm, exe, nil)

	tampered := proof.PerSegment[1].Clone()
	id, ok := pk.VK.AirID("FieldArith")
	require.True(t, ok)
	for i := range tampered.PerAir {
		if tampered.PerAir[i].AirID == id {
			main := tampered.PerAir[i].Main
			main.Values[len(main.Values)-1] = main.Values[len(main.Values)-1].Add(field.One)
		}
	}
	bad := &ContinuationProof{
		PerSegment:            []*protocols.Proof{proof.PerSegment[0], tampered},
		UserPublicValuesProof: proof.UserPublicValuesProof,
	}
	err := vm.VerifySegments(pk.VK, committed, bad, nil)
	assert.ErrorIs(t, err, protocols.ErrBackendVerifyFailure)
}

func TestContinuationProofCodec(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig().WithMaxSegmentLen(100))
	exe := NewExe(addChain(150))
	pk, committed, proof := proveRun(t, vm, exe, nil)

	data, err := EncodeContinuationProof(proof)
	require.NoError(t, err)
	decoded, err := DecodeContinuationProof(data)
	require.NoError(t, err)
	require.Len(t, decoded.PerSegment, 2)
	require.NoError(t, vm.VerifySegments(pk.VK, committed, decoded, nil))
}

func TestExecutionErrors(t *testing.T) {
	persistent := utils.DefaultVmConfig()
	volatile := utils.DefaultVmConfig().WithContinuations(false)

	tests := []struct {
		name    string
		cfg     *utils.VmConfig
		program *Program
		inputs  [][]field.Element
		want    error
	}{
		{
			name:    "disabled operation",
			cfg:     persistent,
			program: NewProgram(NewInstruction(KECCAK256, 0, 0, 0, 1, 1), Terminate(0)),
			want:    ErrDisabledOperation,
		},
		{
			name: "double publish",
			cfg:  persistent,
			program: NewProgram(
				NewInstruction(PUBLISH, 0, 0, 0, 1, 0),
				NewInstruction(PUBLISH, 1, 0, 0, 1, 0),
				Terminate(0),
			),
			want: ErrDoublePublish,
		},
		{
			name:    "publish out of range",
			cfg:     persistent,
			program: NewProgram(NewInstruction(PUBLISH, 0, 16, 0, 1, 0), Terminate(0)),
			want:    ErrInvalidInstruction,
		},
		{
			name:    "empty hint stream",
			cfg:     persistent,
			program: NewProgram(NewInstruction(HINT_STOREW, 0, 0, 0, 1, 1), Terminate(0)),
			want:    ErrHintOutOfBounds,
		},
		{
			name:    "empty input stream",
			cfg:     persistent,
			program: NewProgram(Phantom(PhantomHintInput, 0, 0, 0), Terminate(0)),
			want:    ErrHintOutOfBounds,
		},
		{
			name:    "pc past the end",
			cfg:     persistent,
			program: NewProgram(NewInstruction(ADD, 0, 0, 1, 1, 1, 0)),
			want:    ErrInvalidInstruction,
		},
		{
			name:    "division by zero",
			cfg:     persistent,
			program: NewProgram(NewInstruction(DIV, 0, 1, 0, 1, 0, 0), Terminate(0)),
			want:    ErrInvalidInstruction,
		},
		{
			name:    "write to immediates",
			cfg:     persistent,
			program: NewProgram(NewInstruction(ADD, 0, 0, 1, 0, 0, 0), Terminate(0)),
			want:    ErrInvalidInstruction,
		},
		{
			name:    "terminate with operands",
			cfg:     persistent,
			program: NewProgram(NewInstruction(TERMINATE, 1, 0, 0)),
			want:    ErrInvalidInstruction,
		},
		{
			name:    "budget without continuations",
			cfg:     volatile.Clone().WithMaxTraceHeight(16),
			program: addChain(20),
			want:    ErrSegmentBudgetExceeded,
		},
		{
			name:    "disabled by degree",
			cfg:     volatile.Clone().WithMaxConstraintDegree(2),
			program: addChain(1),
			want:    ErrDisabledOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm := newTestVM(t, tt.cfg)
			_, err := vm.Execute(NewExe(tt.program), tt.inputs)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestVolatileRejectsInitialMemory(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig().WithContinuations(false))
	exe := NewExe(NewProgram(Terminate(0)))
	exe.InitMemory[memory.Address{AddrSpace: 1, Pointer: 0}] = field.New(1)

	_, err := vm.Execute(exe, nil)
	assert.Error(t, err)
	_, err = vm.Commit(exe)
	assert.Error(t, err)
}

func TestTraceHeightOverflow(t *testing.T) {
	cfg := utils.DefaultVmConfig().WithMaxTraceHeight(64)
	vm := newTestVM(t, cfg, WithSegmentationStrategy(&DefaultSegmentationStrategy{
		MaxSegmentLen:  1 << 20,
		MaxTraceHeight: 1 << 20,
		MaxCells:       1 << 30,
	}))
	_, err := vm.Execute(NewExe(addChain(80)), nil)
	assert.ErrorIs(t, err, ErrTraceHeightOverflow)
	assert.True(t, IsBudgetExceeded(err))
}

func TestExeCommit(t *testing.T) {
	vm := newTestVM(t, utils.DefaultVmConfig())
	exe := NewExe(fibProgram(10))
	exe.InitMemory[memory.Address{AddrSpace: 2, Pointer: 9}] = field.New(5)

	committed, err := vm.Commit(exe)
	require.NoError(t, err)
	h := vm.Hasher()
	commit := committed.ExeCommit(h)

	moved := *committed
	moved.Exe = NewExe(exe.Program)
	moved.Exe.InitMemory = exe.InitMemory
	moved.Exe.PcStart = 1
	assert.NotEqual(t, commit, moved.ExeCommit(h))

	data, err := EncodeCommittedExe(committed)
	require.NoError(t, err)
	decoded, err := DecodeCommittedExe(data)
	require.NoError(t, err)
	assert.Equal(t, commit, decoded.ExeCommit(h))
	assert.Equal(t, exe.Program.Instructions, decoded.Exe.Program.Instructions)
	assert.Equal(t, exe.InitMemory, decoded.Exe.InitMemory)

	recommitted, err := vm.Commit(decoded.Exe)
	require.NoError(t, err)
	assert.Equal(t, committed.ProgramCommit, recommitted.ProgramCommit)
	assert.Equal(t, committed.InitMemoryRoot, recommitted.InitMemoryRoot)
}

func TestSegmentationThresholds(t *testing.T) {
	s := NewDefaultSegmentationStrategy(utils.DefaultVmConfig().WithMaxSegmentLen(10))
	assert.False(t, s.ShouldSegment(SegmentStats{Instructions: 9}))
	assert.True(t, s.ShouldSegment(SegmentStats{Instructions: 10}))
	assert.True(t, s.ShouldSegment(SegmentStats{MaxTraceHeight: s.MaxTraceHeight}))
	assert.True(t, s.ShouldSegment(SegmentStats{Cells: s.MaxCells}))

	unbounded := NewDefaultSegmentationStrategy(utils.DefaultVmConfig().WithContinuations(false))
	assert.False(t, unbounded.ShouldSegment(SegmentStats{Instructions: 1 << 30}))
}
