package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInstruction reports an opcode or operand the ISA rejects.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrDisabledOperation reports a known opcode without an executor in
	// this configuration.
	ErrDisabledOperation = errors.New("disabled operation")

	// ErrHintOutOfBounds reports a read from an exhausted input or hint stream.
	ErrHintOutOfBounds = errors.New("hint out of bounds")

	// ErrSegmentBudgetExceeded reports a segment that must be cut while
	// continuations are disabled, or whose timestamps overflowed.
	ErrSegmentBudgetExceeded = errors.New("segment budget exceeded")

	// ErrDoublePublish reports a second PUBLISH to the same index.
	ErrDoublePublish = errors.New("public value published twice")

	// ErrTraceHeightOverflow reports a generated trace above the hard height
	// limit.
	ErrTraceHeightOverflow = errors.New("trace height overflow")

	// ErrClassOverlap reports two opcode classes claiming the same opcode.
	ErrClassOverlap = errors.New("opcode class overlap")

	// ErrFatal reports a violated internal invariant.
	ErrFatal = errors.New("fatal")
)

// Continuation chaining errors returned by VerifySegments.
var (
	ErrInitialPcMismatch         = errors.New("initial pc mismatch")
	ErrInitialMemoryRootMismatch = errors.New("initial memory root mismatch")
	ErrIsTerminateMismatch       = errors.New("is_terminate mismatch")
	ErrExitCodeMismatch          = errors.New("exit code mismatch")
	ErrUnexpectedPublicValues    = errors.New("unexpected public values")
	ErrProgramCommitMismatch     = errors.New("program commit mismatch")
	ErrEmptyProof                = errors.New("continuation proof has no segments")
)

// InvalidInstructionError carries the pc of the rejected instruction.
type InvalidInstructionError struct {
	PC     uint32
	Reason string
}

func (e *InvalidInstructionError) Error() string {
	return fmt.Sprintf("invalid instruction at pc %d: %s", e.PC, e.Reason)
}

func (e *InvalidInstructionError) Unwrap() error {
	return ErrInvalidInstruction
}

func invalidInstruction(pc uint32, format string, args ...any) error {
	return &InvalidInstructionError{PC: pc, Reason: fmt.Sprintf(format, args...)}
}

// DisabledOperationError carries the disabled opcode.
type DisabledOperationError struct {
	Opcode Opcode
}

func (e *DisabledOperationError) Error() string {
	return fmt.Sprintf("disabled operation: %s", e.Opcode)
}

func (e *DisabledOperationError) Unwrap() error {
	return ErrDisabledOperation
}

func fatal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}
