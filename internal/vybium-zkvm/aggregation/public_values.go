package aggregation

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

// Offsets of the public values published by leaf and internal verifiers.
const (
	pvInitialPC          = 0
	pvFinalPC            = 1
	pvExitCode           = 2
	pvIsTerminate        = 3
	pvInitialRoot        = 4
	pvFinalRoot          = pvInitialRoot + core.Chunk
	pvAppProgramCommit   = pvFinalRoot + core.Chunk
	pvUserPVCommit       = pvAppProgramCommit + core.Chunk
	pvLeafVerifierCommit = pvUserPVCommit + core.Chunk
	pvUsed               = pvLeafVerifierCommit + core.Chunk
)

// NumVerifierPublicValues is the public values buffer of leaf and internal
// verifier VMs.
const NumVerifierPublicValues = 64

// VerifierPublicValues summarizes a run of consecutive app segments.
type VerifierPublicValues struct {
	InitialPC   uint32
	FinalPC     uint32
	ExitCode    uint32
	IsTerminate bool

	InitialRoot      core.Digest
	FinalRoot        core.Digest
	AppProgramCommit core.Digest

	// UserPublicValuesCommit is zero unless the run reaches TERMINATE.
	UserPublicValuesCommit core.Digest

	// LeafVerifierCommit is zero on leaf proofs; internal proofs carry the
	// leaf program commit they checked.
	LeafVerifierCommit core.Digest
}

// Flatten lays the values out in a NumVerifierPublicValues buffer.
func (p *VerifierPublicValues) Flatten() []field.Element {
	out := core.Zeros(NumVerifierPublicValues)
	out[pvInitialPC] = field.New(uint64(p.InitialPC))
	out[pvFinalPC] = field.New(uint64(p.FinalPC))
	out[pvExitCode] = field.New(uint64(p.ExitCode))
	if p.IsTerminate {
		out[pvIsTerminate] = field.One
	}
	copy(out[pvInitialRoot:], p.InitialRoot[:])
	copy(out[pvFinalRoot:], p.FinalRoot[:])
	copy(out[pvAppProgramCommit:], p.AppProgramCommit[:])
	copy(out[pvUserPVCommit:], p.UserPublicValuesCommit[:])
	copy(out[pvLeafVerifierCommit:], p.LeafVerifierCommit[:])
	return out
}

func digestAt(values []field.Element, off int) core.Digest {
	var d core.Digest
	copy(d[:], values[off:off+core.Chunk])
	return d
}

// ParseVerifierPublicValues reverses Flatten.
func ParseVerifierPublicValues(values []field.Element) (*VerifierPublicValues, error) {
	if len(values) != NumVerifierPublicValues {
		return nil, fmt.Errorf("%d verifier public values, expected %d", len(values), NumVerifierPublicValues)
	}
	for i := pvUsed; i < len(values); i++ {
		if !values[i].IsZero() {
			return nil, fmt.Errorf("verifier public value %d is not zero", i)
		}
	}
	p := &VerifierPublicValues{
		InitialRoot:            digestAt(values, pvInitialRoot),
		FinalRoot:              digestAt(values, pvFinalRoot),
		AppProgramCommit:       digestAt(values, pvAppProgramCommit),
		UserPublicValuesCommit: digestAt(values, pvUserPVCommit),
		LeafVerifierCommit:     digestAt(values, pvLeafVerifierCommit),
	}
	var ok bool
	if p.InitialPC, ok = core.ToU32(values[pvInitialPC]); !ok {
		return nil, fmt.Errorf("initial pc out of range")
	}
	if p.FinalPC, ok = core.ToU32(values[pvFinalPC]); !ok {
		return nil, fmt.Errorf("final pc out of range")
	}
	if p.ExitCode, ok = core.ToU32(values[pvExitCode]); !ok {
		return nil, fmt.Errorf("exit code out of range")
	}
	switch {
	case values[pvIsTerminate].IsOne():
		p.IsTerminate = true
	case !values[pvIsTerminate].IsZero():
		return nil, fmt.Errorf("is_terminate is not boolean")
	}
	return p, nil
}

// RootPublicValues is the fixed public output of the root verifier:
// exe_commit, leaf_verifier_commit, the raw user public values and then the
// memory root the run started from.
type RootPublicValues struct {
	ExeCommit          core.Digest
	LeafVerifierCommit core.Digest
	UserPublicValues   []field.Element

	// InitialMemoryRoot lets a verifier check the starting memory without
	// opening exe_commit. Volatile apps report the zero memory root.
	InitialMemoryRoot core.Digest
}

// RootNumPublicValues returns the buffer size of the root verifier VM for
// an app with numUserPublicValues public values.
func RootNumPublicValues(numUserPublicValues int) int {
	chunks := (3*core.Chunk + numUserPublicValues + core.Chunk - 1) / core.Chunk
	return utils.NextPowerOfTwo(chunks) * core.Chunk
}

// Flatten lays the values out in a buffer of n values.
func (r *RootPublicValues) Flatten(n int) []field.Element {
	out := core.Zeros(n)
	copy(out, r.ExeCommit[:])
	copy(out[core.Chunk:], r.LeafVerifierCommit[:])
	copy(out[2*core.Chunk:], r.UserPublicValues)
	copy(out[2*core.Chunk+len(r.UserPublicValues):], r.InitialMemoryRoot[:])
	return out
}

// ParseRootPublicValues reads the root buffer of an app with
// numUserPublicValues public values.
func ParseRootPublicValues(values []field.Element, numUserPublicValues int) (*RootPublicValues, error) {
	if len(values) != RootNumPublicValues(numUserPublicValues) {
		return nil, fmt.Errorf("%d root public values, expected %d", len(values), RootNumPublicValues(numUserPublicValues))
	}
	userEnd := 2*core.Chunk + numUserPublicValues
	end := userEnd + core.Chunk
	for i := end; i < len(values); i++ {
		if !values[i].IsZero() {
			return nil, fmt.Errorf("root public value %d is not zero", i)
		}
	}
	return &RootPublicValues{
		ExeCommit:          digestAt(values, 0),
		LeafVerifierCommit: digestAt(values, core.Chunk),
		UserPublicValues:   append([]field.Element(nil), values[2*core.Chunk:userEnd]...),
		InitialMemoryRoot:  digestAt(values, userEnd),
	}, nil
}
