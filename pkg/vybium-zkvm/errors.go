package vybiumzkvm

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/aggregation"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/store"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// ErrorCode represents a Vybium zkVM error code
type ErrorCode int

const (
	// ErrUnknown represents an unknown error
	ErrUnknown ErrorCode = iota

	// ErrInvalidConfig represents an invalid configuration error
	ErrInvalidConfig

	// ErrInvalidInstruction represents an undecodable instruction or a pc
	// outside the program
	ErrInvalidInstruction

	// ErrDisabledOperation represents an opcode with no enabled executor
	ErrDisabledOperation

	// ErrMemoryOutOfRange represents an access outside the memory dimensions
	ErrMemoryOutOfRange

	// ErrHintOutOfBounds represents a read past the end of a hint or input stream
	ErrHintOutOfBounds

	// ErrSegmentBudgetExceeded represents a volatile run over its segment budget
	ErrSegmentBudgetExceeded

	// ErrDoublePublish represents a public value index written twice
	ErrDoublePublish

	// ErrTraceHeightOverflow represents a trace taller than the configured maximum
	ErrTraceHeightOverflow

	// ErrNonTerminatingRoot represents a root input that never reached TERMINATE
	ErrNonTerminatingRoot

	// ErrUnsoundMemoryAccess represents an unbalanced memory bus
	ErrUnsoundMemoryAccess

	// ErrBackendProveFailure represents a proving failure
	ErrBackendProveFailure

	// ErrBackendVerifyFailure represents a segment proof that does not verify
	ErrBackendVerifyFailure

	// ErrContinuationMismatch represents segments that do not chain or do
	// not match the committed executable
	ErrContinuationMismatch

	// ErrInvalidProof represents a proof or artifact that does not decode
	ErrInvalidProof

	// ErrInvalidInput represents an invalid input error
	ErrInvalidInput
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:               "unknown",
	ErrInvalidConfig:         "invalid config",
	ErrInvalidInstruction:    "invalid instruction",
	ErrDisabledOperation:     "disabled operation",
	ErrMemoryOutOfRange:      "memory out of range",
	ErrHintOutOfBounds:       "hint out of bounds",
	ErrSegmentBudgetExceeded: "segment budget exceeded",
	ErrDoublePublish:         "double publish",
	ErrTraceHeightOverflow:   "trace height overflow",
	ErrNonTerminatingRoot:    "non-terminating root",
	ErrUnsoundMemoryAccess:   "unsound memory access",
	ErrBackendProveFailure:   "backend prove failure",
	ErrBackendVerifyFailure:  "backend verify failure",
	ErrContinuationMismatch:  "continuation mismatch",
	ErrInvalidProof:          "invalid proof",
	ErrInvalidInput:          "invalid input",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// VMError represents a Vybium zkVM error
type VMError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error returns the error message
func (e *VMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("vybium-zkvm error [%s]: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("vybium-zkvm error [%s]: %s", e.Code, e.Message)
}

// Unwrap returns the cause of the error
func (e *VMError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *VMError) Is(target error) bool {
	t, ok := target.(*VMError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// codeTable maps internal sentinels onto codes. Order matters: the first
// match wins, so specific causes precede the backend wrappers.
var codeTable = []struct {
	err  error
	code ErrorCode
}{
	{vm.ErrInvalidInstruction, ErrInvalidInstruction},
	{vm.ErrDisabledOperation, ErrDisabledOperation},
	{memory.ErrMemoryOutOfRange, ErrMemoryOutOfRange},
	{memory.ErrImmediateWrite, ErrInvalidInstruction},
	{memory.ErrUnalignedAccess, ErrInvalidInstruction},
	{vm.ErrHintOutOfBounds, ErrHintOutOfBounds},
	{vm.ErrSegmentBudgetExceeded, ErrSegmentBudgetExceeded},
	{vm.ErrDoublePublish, ErrDoublePublish},
	{vm.ErrTraceHeightOverflow, ErrTraceHeightOverflow},
	{aggregation.ErrNonTerminatingRoot, ErrNonTerminatingRoot},
	{protocols.ErrUnsoundMemoryAccess, ErrUnsoundMemoryAccess},
	{vm.ErrInitialPcMismatch, ErrContinuationMismatch},
	{vm.ErrInitialMemoryRootMismatch, ErrContinuationMismatch},
	{vm.ErrIsTerminateMismatch, ErrContinuationMismatch},
	{vm.ErrExitCodeMismatch, ErrContinuationMismatch},
	{vm.ErrUnexpectedPublicValues, ErrContinuationMismatch},
	{vm.ErrProgramCommitMismatch, ErrContinuationMismatch},
	{memory.ErrPublicValuesProof, ErrContinuationMismatch},
	{aggregation.ErrRootPublicValuesMismatch, ErrContinuationMismatch},
	{vm.ErrEmptyProof, ErrInvalidProof},
	{aggregation.ErrMalformedBatch, ErrInvalidProof},
	{aggregation.ErrUnknownVerifyingKey, ErrInvalidProof},
	{store.ErrCorrupted, ErrInvalidProof},
	{store.ErrNotFound, ErrInvalidInput},
	{store.ErrInvalidKey, ErrInvalidInput},
	{protocols.ErrBackendProveFailure, ErrBackendProveFailure},
	{protocols.ErrBackendVerifyFailure, ErrBackendVerifyFailure},
}

// Classify converts an internal error to a *VMError. Errors that already
// are a *VMError are returned unchanged; nil stays nil.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return err
	}
	return wrap(codeOf(err), err)
}

func codeOf(err error) ErrorCode {
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return ErrUnknown
}

func wrap(code ErrorCode, err error) *VMError {
	return &VMError{Code: code, Message: code.String(), Cause: err}
}

// CodeOf returns the code of err, ErrUnknown for unclassified errors.
func CodeOf(err error) ErrorCode {
	var vmErr *VMError
	if errors.As(err, &vmErr) {
		return vmErr.Code
	}
	return codeOf(err)
}
