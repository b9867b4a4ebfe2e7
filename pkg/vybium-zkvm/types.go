package vybiumzkvm

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/aggregation"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// Element is an element of the Goldilocks field
type Element = field.Element

// Digest is an 8-element hash output
type Digest = core.Digest

// Config represents configuration for the Vybium zkVM
type Config = utils.VmConfig

// Program is a list of instructions executed from pc 0
type Program = vm.Program

// Instruction is an opcode with its seven operands
type Instruction = vm.Instruction

// Opcode is a global opcode
type Opcode = vm.Opcode

// Exe is a program with its entry point and initial memory
type Exe = vm.Exe

// Address is a cell of an address space
type Address = memory.Address

// MemoryImage is the initial memory of an executable
type MemoryImage = memory.Image

// CommittedExe is an executable with its program and memory commitments
type CommittedExe = vm.CommittedExe

// ExecutionResult is the outcome of an unproven run
type ExecutionResult = vm.ExecutionResult

// ContinuationProof holds one proof per segment of a run
type ContinuationProof = vm.ContinuationProof

// RootProof is the aggregated proof of a whole run
type RootProof = aggregation.RootProof

// RootPublicValues is the public output of a root proof
type RootPublicValues = aggregation.RootPublicValues

// VerifyingKey is the key segment proofs are checked against
type VerifyingKey = protocols.VerifyingKey

// Instruction set.
const (
	TERMINATE    = vm.TERMINATE
	PHANTOM      = vm.PHANTOM
	PUBLISH      = vm.PUBLISH
	ADD          = vm.ADD
	SUB          = vm.SUB
	MUL          = vm.MUL
	DIV          = vm.DIV
	LOADW        = vm.LOADW
	STOREW       = vm.STOREW
	HINT_STOREW  = vm.HINT_STOREW
	BEQ          = vm.BEQ
	BNE          = vm.BNE
	JAL          = vm.JAL
	BLOCK_COPY   = vm.BLOCK_COPY
	VERIFY_BATCH = vm.VERIFY_BATCH
)

// Phantom side-channels.
const (
	PhantomNop               = vm.PhantomNop
	PhantomPrint             = vm.PhantomPrint
	PhantomHintInput         = vm.PhantomHintInput
	PhantomHintBits          = vm.PhantomHintBits
	PhantomCycleTrackerStart = vm.PhantomCycleTrackerStart
	PhantomCycleTrackerEnd   = vm.PhantomCycleTrackerEnd
)

// Exit codes.
const (
	ExitCodeSuccess        = vm.ExitCodeSuccess
	ExitCodeError          = vm.ExitCodeError
	DefaultSuspendExitCode = vm.DefaultSuspendExitCode
)

// DefaultConfig returns the default zkVM configuration
func DefaultConfig() *Config {
	return utils.DefaultVmConfig()
}

// LoadConfig reads a TOML configuration over the defaults
func LoadConfig(path string) (*Config, error) {
	cfg, err := utils.LoadConfig(path)
	if err != nil {
		return nil, wrap(ErrInvalidConfig, err)
	}
	return cfg, nil
}

// NewProgram creates a program from instructions
func NewProgram(instructions ...Instruction) *Program {
	return vm.NewProgram(instructions...)
}

// NewInstruction creates an instruction; missing operands are zero
func NewInstruction(op Opcode, operands ...uint64) Instruction {
	return vm.NewInstruction(op, operands...)
}

// Terminate creates TERMINATE with the given exit code
func Terminate(code uint32) Instruction {
	return vm.Terminate(code)
}

// Phantom creates a PHANTOM instruction
func Phantom(d vm.PhantomDiscriminant, a, b, addrSpace uint64) Instruction {
	return vm.Phantom(d, a, b, addrSpace)
}

// NewExe wraps a program starting at pc 0 over empty memory
func NewExe(p *Program) *Exe {
	return vm.NewExe(p)
}

// Elements converts integers to field elements
func Elements(values ...uint64) []Element {
	out := make([]Element, len(values))
	for i, v := range values {
		out[i] = field.New(v)
	}
	return out
}
