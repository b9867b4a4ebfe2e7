package aggregation

import (
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// Memory layout of a verifier program, all in address space 1.
const (
	workAddrSpace = 1
	constantsPtr  = 0
	outputsPtr    = 2 * core.Chunk
)

// loadConstant writes v to [ptr]_1 using 32-bit immediates only:
// ((hi * 2^16) * 2^16) + lo.
func loadConstant(p *vm.Program, ptr uint64, v field.Element) {
	hi, lo := v.Value()>>32, v.Value()&0xffffffff
	p.AddInstruction(vm.NewInstruction(vm.ADD, ptr, hi, 0, workAddrSpace, 0, 0))
	p.AddInstruction(vm.NewInstruction(vm.MUL, ptr, ptr, 1<<16, workAddrSpace, workAddrSpace, 0))
	p.AddInstruction(vm.NewInstruction(vm.MUL, ptr, ptr, 1<<16, workAddrSpace, workAddrSpace, 0))
	p.AddInstruction(vm.NewInstruction(vm.ADD, ptr, ptr, lo, workAddrSpace, workAddrSpace, 0))
}

// VerifierProgram returns the program every aggregation level runs: load
// the hardwired constants, pull the batch from the input stream, verify it
// and publish the numOutputs results.
func VerifierProgram(constants core.Digest, numOutputs int) *vm.Program {
	p := vm.NewProgram()
	for i, c := range constants {
		loadConstant(p, constantsPtr+uint64(i), c)
	}
	p.AddInstruction(vm.Phantom(vm.PhantomHintInput, 0, 0, 0))
	p.AddInstruction(vm.NewInstruction(vm.VERIFY_BATCH, outputsPtr, constantsPtr, 0, workAddrSpace))
	for i := 0; i < numOutputs; i++ {
		p.AddInstruction(vm.NewInstruction(vm.PUBLISH, outputsPtr+uint64(i), uint64(i), 0, workAddrSpace, 0))
	}
	p.AddInstruction(vm.Terminate(vm.ExitCodeSuccess))
	return p
}
