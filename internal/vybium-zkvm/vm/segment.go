package vm

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// Segment is one executed interval of a run together with the proof inputs
// of its tables.
type Segment struct {
	Index        int
	State        ConnectorState
	Instructions int

	// Memory is the finalized memory of the segment. For persistent memory
	// Memory.FinalTree is the initial memory of the next segment.
	Memory *memory.FinalizedMemory

	// UserPublicValues is the public values buffer at segment end.
	UserPublicValues []field.Element

	Inputs []protocols.AirProofInput
}

// ExecutionResult is the outcome of a run.
type ExecutionResult struct {
	Segments         []*Segment
	ExitCode         uint32
	UserPublicValues []field.Element

	// UserPublicValuesProof opens the buffer in the final memory root. It is
	// nil for volatile memory.
	UserPublicValuesProof *memory.UserPublicValuesProof
}

// FinalSegment returns the terminating segment.
func (r *ExecutionResult) FinalSegment() *Segment {
	return r.Segments[len(r.Segments)-1]
}

// segmentState is a finished segment awaiting trace generation.
type segmentState struct {
	state      ConnectorState
	program    *Program
	counts     []uint32
	memory     *memory.FinalizedMemory
	registry   *ExecutorRegistry
	userValues []field.Element
	published  map[uint32]bool
}

// run carries what outlives a segment.
type run struct {
	exe       *Exe
	registry  *ExecutorRegistry
	streams   *Streams
	published map[uint32]bool
}

// Execute runs exe on inputs until TERMINATE, cutting segments as the
// segmentation strategy demands.
func (vm *VirtualMachine) Execute(exe *Exe, inputs [][]field.Element) (*ExecutionResult, error) {
	if err := ValidateProgram(exe.Program); err != nil {
		return nil, err
	}
	base, err := vm.initialMemory(exe)
	if err != nil {
		return nil, err
	}
	reg, err := vm.newRegistry()
	if err != nil {
		return nil, err
	}
	r := &run{
		exe:       exe,
		registry:  reg,
		streams:   NewStreams(inputs),
		published: make(map[uint32]bool),
	}

	res := &ExecutionResult{}
	pc := exe.PcStart
	for idx := 0; ; idx++ {
		seg, err := vm.executeSegment(r, idx, pc, base)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", idx, err)
		}
		res.Segments = append(res.Segments, seg)
		if seg.State.IsTerminate {
			break
		}
		pc = seg.State.FinalPC
		base = seg.Memory.FinalTree
	}

	last := res.FinalSegment()
	res.ExitCode = last.State.ExitCode
	res.UserPublicValues = last.UserPublicValues
	if vm.Persistent() {
		if res.UserPublicValuesProof, err = memory.ComputeUserPublicValuesProof(last.Memory.FinalTree, vm.config.NumPublicValues); err != nil {
			return nil, err
		}
	}
	vm.logger.Info("Execution finished", "segments", len(res.Segments), "exit", res.ExitCode)
	return res, nil
}

// initialMemory builds the memory tree of the first segment. Volatile memory
// starts empty and has no tree.
func (vm *VirtualMachine) initialMemory(exe *Exe) (*memory.MerkleTree, error) {
	if err := exe.InitMemory.Validate(vm.dims); err != nil {
		return nil, err
	}
	if !vm.Persistent() {
		if len(exe.InitMemory) > 0 {
			return nil, fmt.Errorf("initial memory requires continuations")
		}
		return nil, nil
	}
	return memory.NewMerkleTree(vm.hasher, vm.dims, exe.InitMemory.ToEquipartition())
}

func (vm *VirtualMachine) executeSegment(r *run, idx int, pc uint32, base *memory.MerkleTree) (*Segment, error) {
	r.registry.Reset()
	ctrl := memory.NewController(vm.dims, base, vm.config.Memory.TimestampMaxBits)
	env := &execEnv{
		memory:          ctrl,
		streams:         r.streams,
		logger:          vm.logger,
		profiling:       vm.config.Profiling,
		published:       r.published,
		numPublicValues: vm.config.NumPublicValues,
		pvAddrSpace:     vm.dims.PublicValuesAddrSpace(),
	}
	program := r.exe.Program
	counts := make([]uint32, program.Len())
	state := ConnectorState{InitialPC: pc, InitialTimestamp: ctrl.Timestamp()}

	vm.logger.Debug("Segment started", "segment", idx, "pc", pc)
	instructions := 0
	for {
		inst, ok := program.Fetch(pc)
		if !ok {
			return nil, invalidInstruction(pc, "pc outside the program")
		}

		if instructions > 0 && inst.Opcode != PHANTOM &&
			vm.strategy.ShouldSegment(collectStats(instructions, r.registry, ctrl.NumAccesses())) {
			if !vm.Persistent() {
				return nil, fmt.Errorf("%w: %d instructions without continuations", ErrSegmentBudgetExceeded, instructions)
			}
			vm.logger.Debug("Segment cut", "segment", idx, "pc", pc, "instructions", instructions)
			state.ExitCode = DefaultSuspendExitCode
			break
		}

		if inst.Opcode == TERMINATE {
			code, err := terminateCode(pc, inst)
			if err != nil {
				return nil, err
			}
			counts[pc]++
			state.IsTerminate = true
			state.ExitCode = code
			break
		}

		ex, err := r.registry.Lookup(pc, inst.Opcode)
		if err != nil {
			return nil, err
		}
		next, err := ex.execute(env, pc, inst)
		if err != nil {
			return nil, err
		}
		counts[pc]++
		instructions++
		pc = next
	}
	state.FinalPC = pc
	state.FinalTimestamp = ctrl.Timestamp()

	userValues, err := ctrl.UnsafeRead(env.pvAddrSpace, 0, vm.config.NumPublicValues)
	if err != nil {
		return nil, err
	}
	fm, err := ctrl.Finalize()
	if err != nil {
		return nil, fatal("finalize memory: %v", err)
	}
	vm.logger.Debug("Segment finalized", "segment", idx, "instructions", instructions,
		"accesses", len(fm.Accesses), "touched", len(fm.Touched), "adapters", len(fm.Adapters))

	inputs, err := vm.generateInputs(&segmentState{
		state:      state,
		program:    program,
		counts:     counts,
		memory:     fm,
		registry:   r.registry,
		userValues: userValues,
		published:  r.published,
	})
	if err != nil {
		return nil, err
	}
	return &Segment{
		Index:            idx,
		State:            state,
		Instructions:     instructions,
		Memory:           fm,
		UserPublicValues: userValues,
		Inputs:           inputs,
	}, nil
}

// terminateCode validates TERMINATE _ _ c and returns its exit code.
func terminateCode(pc uint32, inst Instruction) (uint32, error) {
	for i, op := range inst.Operands {
		if i != 2 && !op.IsZero() {
			return 0, invalidInstruction(pc, "terminate with operand %d set", i)
		}
	}
	return toU32(pc, inst.C(), "exit code")
}

// IsBudgetExceeded reports whether err stems from a segment outgrowing its
// limits.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrSegmentBudgetExceeded) || errors.Is(err, ErrTraceHeightOverflow)
}
