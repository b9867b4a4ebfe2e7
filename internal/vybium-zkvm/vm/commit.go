package vm

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// CommittedExe is an executable with the commitments a verifier binds to.
type CommittedExe struct {
	Exe *Exe

	// ProgramCommit is the commitment of the program table's cached trace.
	ProgramCommit core.Digest

	// InitMemoryRoot is the memory root before the first instruction.
	InitMemoryRoot core.Digest
}

// ComputeExeCommit binds program, initial memory and entry point:
//
//	compress(compress(hash(program), hash(init_root)), hash(pad(pc_start)))
func ComputeExeCommit(h core.Hasher, programCommit, initRoot core.Digest, pcStart uint32) core.Digest {
	left := h.Compress(core.HashDigest(h, programCommit), core.HashDigest(h, initRoot))
	return h.Compress(left, core.HashDigest(h, core.PaddedDigest(field.New(uint64(pcStart)))))
}

// ExeCommit returns the executable commitment.
func (c *CommittedExe) ExeCommit(h core.Hasher) core.Digest {
	return ComputeExeCommit(h, c.ProgramCommit, c.InitMemoryRoot, c.Exe.PcStart)
}

// Commit computes the commitments of exe under this VM's memory shape.
func (vm *VirtualMachine) Commit(exe *Exe) (*CommittedExe, error) {
	if err := ValidateProgram(exe.Program); err != nil {
		return nil, err
	}
	if err := exe.InitMemory.Validate(vm.dims); err != nil {
		return nil, err
	}
	var root core.Digest
	if vm.Persistent() {
		var err error
		if root, err = memory.MemoryRoot(vm.hasher, vm.dims, exe.InitMemory.ToEquipartition()); err != nil {
			return nil, err
		}
	} else {
		if len(exe.InitMemory) > 0 {
			return nil, fmt.Errorf("initial memory requires continuations")
		}
		root = memory.ZeroRoot(vm.hasher, vm.dims)
	}
	return &CommittedExe{
		Exe:            exe,
		ProgramCommit:  exe.Program.Commit(vm.hasher),
		InitMemoryRoot: root,
	}, nil
}

// ============================================================================
// Wire form
// ============================================================================

type wireCell struct {
	AddrSpace uint32 `cbor:"1,keyasint"`
	Pointer   uint32 `cbor:"2,keyasint"`
	Value     uint64 `cbor:"3,keyasint"`
}

type wireExe struct {
	Instructions [][]uint64 `cbor:"1,keyasint"`
	PcStart      uint32     `cbor:"2,keyasint"`
	InitMemory   []wireCell `cbor:"3,keyasint,omitempty"`
}

type wireCommittedExe struct {
	Exe            wireExe   `cbor:"1,keyasint"`
	ProgramCommit  [8]uint64 `cbor:"2,keyasint"`
	InitMemoryRoot [8]uint64 `cbor:"3,keyasint"`
}

func exeToWire(exe *Exe) wireExe {
	w := wireExe{PcStart: exe.PcStart}
	for _, inst := range exe.Program.Instructions {
		w.Instructions = append(w.Instructions, protocols.ElementsToU64(inst.Words()))
	}
	for _, addr := range exe.InitMemory.SortedAddresses() {
		w.InitMemory = append(w.InitMemory, wireCell{
			AddrSpace: addr.AddrSpace,
			Pointer:   addr.Pointer,
			Value:     exe.InitMemory[addr].Value(),
		})
	}
	return w
}

func exeFromWire(w wireExe) (*Exe, error) {
	p := NewProgram()
	for pc, words := range w.Instructions {
		if len(words) != 1+NumOperands {
			return nil, fmt.Errorf("instruction %d has %d words", pc, len(words))
		}
		if words[0] > uint64(^uint32(0)) {
			return nil, fmt.Errorf("instruction %d: opcode %d out of range", pc, words[0])
		}
		operands, err := protocols.U64ToElements(words[1:])
		if err != nil {
			return nil, fmt.Errorf("instruction %d: %w", pc, err)
		}
		inst := Instruction{Opcode: Opcode(words[0])}
		copy(inst.Operands[:], operands)
		p.AddInstruction(inst)
	}
	exe := NewExe(p)
	exe.PcStart = w.PcStart
	for _, c := range w.InitMemory {
		if c.Value >= field.P {
			return nil, fmt.Errorf("initial memory [%d]_%d is not canonical", c.Pointer, c.AddrSpace)
		}
		exe.InitMemory[memory.Address{AddrSpace: c.AddrSpace, Pointer: c.Pointer}] = field.New(c.Value)
	}
	return exe, nil
}

// EncodeExe serializes an executable.
func EncodeExe(exe *Exe) ([]byte, error) {
	return protocols.MarshalCompressed(exeToWire(exe))
}

// DecodeExe deserializes an executable.
func DecodeExe(data []byte) (*Exe, error) {
	var w wireExe
	if err := protocols.UnmarshalCompressed(data, &w); err != nil {
		return nil, fmt.Errorf("decode exe: %w", err)
	}
	return exeFromWire(w)
}

// EncodeCommittedExe serializes a committed executable.
func EncodeCommittedExe(c *CommittedExe) ([]byte, error) {
	return protocols.MarshalCompressed(wireCommittedExe{
		Exe:            exeToWire(c.Exe),
		ProgramCommit:  protocols.DigestToU64(c.ProgramCommit),
		InitMemoryRoot: protocols.DigestToU64(c.InitMemoryRoot),
	})
}

// DecodeCommittedExe deserializes a committed executable.
func DecodeCommittedExe(data []byte) (*CommittedExe, error) {
	var w wireCommittedExe
	if err := protocols.UnmarshalCompressed(data, &w); err != nil {
		return nil, fmt.Errorf("decode committed exe: %w", err)
	}
	exe, err := exeFromWire(w.Exe)
	if err != nil {
		return nil, err
	}
	c := &CommittedExe{Exe: exe}
	if c.ProgramCommit, err = protocols.U64ToDigest(w.ProgramCommit); err != nil {
		return nil, err
	}
	if c.InitMemoryRoot, err = protocols.U64ToDigest(w.InitMemoryRoot); err != nil {
		return nil, err
	}
	return c, nil
}
