package protocols

import (
	"errors"
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
)

var (
	// ErrBackendProveFailure reports that the backend could not produce a proof.
	ErrBackendProveFailure = errors.New("backend prove failure")

	// ErrBackendVerifyFailure reports a proof rejected by the backend.
	ErrBackendVerifyFailure = errors.New("backend verify failure")

	// ErrUnsoundMemoryAccess reports an unbalanced memory bus.
	ErrUnsoundMemoryAccess = errors.New("unsound memory access")
)

// StarkBackend is the proving system consumed by the VM and the aggregation
// layer.
type StarkBackend interface {
	// Keygen derives the proving and verifying keys of an AIR set.
	Keygen(airs []Air) (*ProvingKey, error)

	// Prove commits to the given AIR instances.
	Prove(pk *ProvingKey, inputs []AirProofInput) (*Proof, error)

	// Verify checks a proof against a verifying key.
	Verify(vk *VerifyingKey, proof *Proof) error
}

// AirInfo is the serializable shape of one AIR in a verifying key.
type AirInfo struct {
	Name               string
	Width              int
	CachedWidth        int
	PreprocessedWidth  int
	NumPublicValues    int
	ConstraintDegree   int
	PreprocessedCommit core.Digest
}

// VerifyingKey fixes the AIR set a proof must be checked against.
type VerifyingKey struct {
	Airs                []AirInfo
	MaxConstraintDegree int
	Fri                 utils.FriConfig

	airs         []Air
	preprocessed []*Trace
	commit       core.Digest
}

// ProvingKey carries the verifying key and the prover-only data.
type ProvingKey struct {
	VK *VerifyingKey
}

// NumAirs returns the number of AIRs in the key.
func (vk *VerifyingKey) NumAirs() int {
	return len(vk.airs)
}

// Air returns the AIR with the given id.
func (vk *VerifyingKey) Air(id int) Air {
	return vk.airs[id]
}

// AirID returns the id of the AIR named name.
func (vk *VerifyingKey) AirID(name string) (int, bool) {
	for i, info := range vk.Airs {
		if info.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Commit returns the digest binding every field of the key.
func (vk *VerifyingKey) Commit() core.Digest {
	return vk.commit
}

func (vk *VerifyingKey) computeCommit(h core.Hasher) core.Digest {
	var enc []field.Element
	enc = append(enc, field.New(uint64(len(vk.Airs))))
	for _, info := range vk.Airs {
		enc = append(enc, core.PackBytes([]byte(info.Name))...)
		enc = append(enc,
			field.New(uint64(info.Width)),
			field.New(uint64(info.CachedWidth)),
			field.New(uint64(info.PreprocessedWidth)),
			field.New(uint64(info.NumPublicValues)),
			field.New(uint64(info.ConstraintDegree)),
		)
		enc = append(enc, info.PreprocessedCommit[:]...)
	}
	enc = append(enc,
		field.New(uint64(vk.MaxConstraintDegree)),
		field.New(uint64(vk.Fri.LogBlowup)),
		field.New(uint64(vk.Fri.NumQueries)),
		field.New(uint64(vk.Fri.ProofOfWorkBits)),
	)
	return core.HashSlice(h, enc)
}

// CommitTrace commits to a trace as a Merkle tree over row digests.
func CommitTrace(h core.Hasher, t *Trace) core.Digest {
	if t == nil || t.Height() == 0 {
		return core.ZeroDigest()
	}
	rows := make([]core.Digest, t.Height())
	for i := range rows {
		rows[i] = core.HashSlice(h, t.Row(i))
	}
	return core.MerkleRootOfDigests(h, rows)
}

func proveFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackendProveFailure, fmt.Sprintf(format, args...))
}

func verifyFailure(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackendVerifyFailure, fmt.Sprintf(format, args...))
}
