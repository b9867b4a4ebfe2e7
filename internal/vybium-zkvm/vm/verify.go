package vm

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
)

// ContinuationProof proves a whole run: one proof per segment plus, for
// persistent memory, the opening of the public values buffer in the final
// memory root.
type ContinuationProof struct {
	PerSegment            []*protocols.Proof
	UserPublicValuesProof *memory.UserPublicValuesProof
}

// SegmentPublicValues is the boundary data a segment proof exposes.
type SegmentPublicValues struct {
	InitialPC     uint32
	FinalPC       uint32
	ExitCode      uint32
	IsTerminate   bool
	ProgramCommit core.Digest

	// Persistent memory only.
	InitialRoot core.Digest
	FinalRoot   core.Digest

	// Volatile memory only.
	UserPublicValuesCommit core.Digest
	UserPublicValues       []field.Element
}

// Persistent reports whether the segment ran over Merkle memory.
func (s *SegmentPublicValues) Persistent() bool {
	return s.UserPublicValues == nil
}

func pvU32(pvs []field.Element, i int, what string) (uint32, error) {
	v, ok := core.ToU32(pvs[i])
	if !ok {
		return 0, fmt.Errorf("%w: %s %d out of range", ErrUnexpectedPublicValues, what, pvs[i].Value())
	}
	return v, nil
}

// ReadSegmentPublicValues extracts the boundary data of a verified segment
// proof.
func ReadSegmentPublicValues(vk *protocols.VerifyingKey, p *protocols.Proof) (*SegmentPublicValues, error) {
	out := &SegmentPublicValues{}

	connID, ok := vk.AirID(ConnectorAirName)
	if !ok {
		return nil, fmt.Errorf("%w: key has no connector", ErrUnexpectedPublicValues)
	}
	conn := p.PublicValuesOf(connID)
	if len(conn) != numConnectorPVs {
		return nil, fmt.Errorf("%w: connector exposes %d values", ErrUnexpectedPublicValues, len(conn))
	}
	var err error
	if out.InitialPC, err = pvU32(conn, ConnectorInitialPC, "initial pc"); err != nil {
		return nil, err
	}
	if out.FinalPC, err = pvU32(conn, ConnectorFinalPC, "final pc"); err != nil {
		return nil, err
	}
	if out.ExitCode, err = pvU32(conn, ConnectorExitCode, "exit code"); err != nil {
		return nil, err
	}
	out.IsTerminate = conn[ConnectorIsTerminate].IsOne()

	progID, ok := vk.AirID(ProgramAirName)
	if !ok {
		return nil, fmt.Errorf("%w: key has no program table", ErrProgramCommitMismatch)
	}
	prog, ok := p.AirProofOf(progID)
	if !ok {
		return nil, fmt.Errorf("%w: program table missing", ErrProgramCommitMismatch)
	}
	out.ProgramCommit = prog.CachedCommit

	if id, ok := vk.AirID(memory.MerkleAirName); ok {
		roots := p.PublicValuesOf(id)
		if len(roots) != 2*core.Chunk {
			return nil, fmt.Errorf("%w: memory roots", ErrUnexpectedPublicValues)
		}
		out.InitialRoot, _ = core.DigestFromSlice(roots[:core.Chunk])
		out.FinalRoot, _ = core.DigestFromSlice(roots[core.Chunk:])
	}
	if id, ok := vk.AirID(PublicValuesAirName); ok {
		pvs := p.PublicValuesOf(id)
		if len(pvs) < core.Chunk {
			return nil, fmt.Errorf("%w: public values table", ErrUnexpectedPublicValues)
		}
		out.UserPublicValuesCommit, _ = core.DigestFromSlice(pvs[:core.Chunk])
		out.UserPublicValues = append([]field.Element{}, pvs[core.Chunk:]...)
	}
	return out, nil
}

// VerifySegments verifies every segment proof and the chaining between
// them: the first segment starts at the executable's entry point and
// initial memory, each later segment resumes where the previous one stopped,
// and only the last one terminates, with exit code 0. When userPublicValues
// is non-nil the run must have published exactly those values.
func (vm *VirtualMachine) VerifySegments(vk *protocols.VerifyingKey, committed *CommittedExe, proof *ContinuationProof, userPublicValues []field.Element) error {
	if proof == nil || len(proof.PerSegment) == 0 {
		return ErrEmptyProof
	}
	var prev *SegmentPublicValues
	last := len(proof.PerSegment) - 1
	for i, p := range proof.PerSegment {
		if err := vm.backend.Verify(vk, p); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		pvs, err := ReadSegmentPublicValues(vk, p)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if !pvs.ProgramCommit.Equal(committed.ProgramCommit) {
			return fmt.Errorf("segment %d: %w", i, ErrProgramCommitMismatch)
		}

		if prev == nil {
			if pvs.InitialPC != committed.Exe.PcStart {
				return fmt.Errorf("segment 0: %w: starts at %d, entry point %d", ErrInitialPcMismatch, pvs.InitialPC, committed.Exe.PcStart)
			}
			if vm.Persistent() && !pvs.InitialRoot.Equal(committed.InitMemoryRoot) {
				return fmt.Errorf("segment 0: %w", ErrInitialMemoryRootMismatch)
			}
		} else {
			if pvs.InitialPC != prev.FinalPC {
				return fmt.Errorf("segment %d: %w: starts at %d, previous stopped at %d", i, ErrInitialPcMismatch, pvs.InitialPC, prev.FinalPC)
			}
			if !pvs.InitialRoot.Equal(prev.FinalRoot) {
				return fmt.Errorf("segment %d: %w", i, ErrInitialMemoryRootMismatch)
			}
		}

		if pvs.IsTerminate != (i == last) {
			return fmt.Errorf("segment %d: %w", i, ErrIsTerminateMismatch)
		}
		if i == last && pvs.ExitCode != ExitCodeSuccess {
			return fmt.Errorf("%w: exit code %d", ErrExitCodeMismatch, pvs.ExitCode)
		}
		prev = pvs
	}

	return vm.verifyUserPublicValues(prev, proof.UserPublicValuesProof, userPublicValues)
}

func (vm *VirtualMachine) verifyUserPublicValues(last *SegmentPublicValues, upv *memory.UserPublicValuesProof, values []field.Element) error {
	if !vm.Persistent() {
		if values != nil && !protocols.EqualSlices(values, last.UserPublicValues) {
			return ErrUnexpectedPublicValues
		}
		return nil
	}
	if upv == nil {
		return fmt.Errorf("%w: missing public values opening", ErrUnexpectedPublicValues)
	}
	err := upv.Verify(vm.hasher, vm.dims, vm.config.NumPublicValues, last.FinalRoot, values)
	if err != nil {
		if values != nil && errors.Is(err, memory.ErrPublicValuesProof) {
			return fmt.Errorf("%w: %w", ErrUnexpectedPublicValues, err)
		}
		return err
	}
	return nil
}

// ============================================================================
// Wire form
// ============================================================================

type wireContinuationProof struct {
	Segments [][]byte    `cbor:"1,keyasint"`
	Siblings [][8]uint64 `cbor:"2,keyasint,omitempty"`
	Commit   *[8]uint64  `cbor:"3,keyasint,omitempty"`
}

// EncodeContinuationProof serializes a continuation proof.
func EncodeContinuationProof(p *ContinuationProof) ([]byte, error) {
	var w wireContinuationProof
	for i, seg := range p.PerSegment {
		data, err := protocols.EncodeProof(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		w.Segments = append(w.Segments, data)
	}
	if upv := p.UserPublicValuesProof; upv != nil {
		for _, s := range upv.Siblings {
			w.Siblings = append(w.Siblings, protocols.DigestToU64(s))
		}
		commit := protocols.DigestToU64(upv.PublicValuesCommit)
		w.Commit = &commit
	}
	return protocols.Marshal(w)
}

// DecodeContinuationProof deserializes a continuation proof.
func DecodeContinuationProof(data []byte) (*ContinuationProof, error) {
	var w wireContinuationProof
	if err := protocols.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode continuation proof: %w", err)
	}
	p := &ContinuationProof{}
	for i, seg := range w.Segments {
		proof, err := protocols.DecodeProof(seg)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		p.PerSegment = append(p.PerSegment, proof)
	}
	if w.Commit != nil {
		upv := &memory.UserPublicValuesProof{}
		var err error
		if upv.PublicValuesCommit, err = protocols.U64ToDigest(*w.Commit); err != nil {
			return nil, err
		}
		for _, s := range w.Siblings {
			d, err := protocols.U64ToDigest(s)
			if err != nil {
				return nil, err
			}
			upv.Siblings = append(upv.Siblings, d)
		}
		p.UserPublicValuesProof = upv
	}
	return p, nil
}
