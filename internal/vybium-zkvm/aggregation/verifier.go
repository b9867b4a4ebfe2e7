package aggregation

import (
	"fmt"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// ============================================================================
// Batches
// ============================================================================

type wirePublicValuesProof struct {
	Siblings [][8]uint64 `cbor:"1,keyasint"`
	Commit   [8]uint64   `cbor:"2,keyasint"`
}

// leafBatch is a run of consecutive app segment proofs. The chunk holding
// the terminating segment also carries the public values opening.
type leafBatch struct {
	Proofs            [][]byte               `cbor:"1,keyasint"`
	PublicValuesProof *wirePublicValuesProof `cbor:"2,keyasint,omitempty"`
}

// nodeBatch is a run of consecutive leaf or internal proofs.
type nodeBatch struct {
	Proofs [][]byte `cbor:"1,keyasint"`
}

// rootBatch is the single top proof plus the raw user public values.
type rootBatch struct {
	Proof            []byte   `cbor:"1,keyasint"`
	UserPublicValues []uint64 `cbor:"2,keyasint"`
}

func upvToWire(p *memory.UserPublicValuesProof) *wirePublicValuesProof {
	if p == nil {
		return nil
	}
	w := &wirePublicValuesProof{Commit: protocols.DigestToU64(p.PublicValuesCommit)}
	for _, s := range p.Siblings {
		w.Siblings = append(w.Siblings, protocols.DigestToU64(s))
	}
	return w
}

func upvFromWire(w *wirePublicValuesProof) (*memory.UserPublicValuesProof, error) {
	commit, err := protocols.U64ToDigest(w.Commit)
	if err != nil {
		return nil, err
	}
	p := &memory.UserPublicValuesProof{PublicValuesCommit: commit}
	for _, s := range w.Siblings {
		d, err := protocols.U64ToDigest(s)
		if err != nil {
			return nil, err
		}
		p.Siblings = append(p.Siblings, d)
	}
	return p, nil
}

func encodeProofs(proofs []*protocols.Proof) ([][]byte, error) {
	out := make([][]byte, len(proofs))
	for i, p := range proofs {
		data, err := protocols.EncodeProof(p)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func decodeProofs(list [][]byte) ([]*protocols.Proof, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no proofs", ErrMalformedBatch)
	}
	out := make([]*protocols.Proof, len(list))
	for i, data := range list {
		p, err := protocols.DecodeProof(data)
		if err != nil {
			return nil, fmt.Errorf("%w: proof %d: %v", ErrMalformedBatch, i, err)
		}
		out[i] = p
	}
	return out, nil
}

// encodeBatch packs a batch into the input vector of a verifier program.
func encodeBatch(batch any) ([]field.Element, error) {
	data, err := protocols.MarshalCompressed(batch)
	if err != nil {
		return nil, err
	}
	return core.PackBytes(data), nil
}

// decodeBatch reads a batch from the hint words VERIFY_BATCH consumed: the
// vector length followed by the packed bytes.
func decodeBatch(words []field.Element, batch any) error {
	if len(words) == 0 || words[0].Value() != uint64(len(words)-1) {
		return fmt.Errorf("%w: bad hint length", ErrMalformedBatch)
	}
	data, err := core.UnpackBytes(words[1:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if err := protocols.UnmarshalCompressed(data, batch); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	return nil
}

// chain appends next to the summary of the runs before it.
func chain(acc, next *VerifierPublicValues) error {
	if acc.IsTerminate {
		return fmt.Errorf("%w: run continues after TERMINATE", vm.ErrIsTerminateMismatch)
	}
	if next.InitialPC != acc.FinalPC {
		return fmt.Errorf("%w: %d follows %d", vm.ErrInitialPcMismatch, next.InitialPC, acc.FinalPC)
	}
	if !next.InitialRoot.Equal(acc.FinalRoot) {
		return vm.ErrInitialMemoryRootMismatch
	}
	if !next.AppProgramCommit.Equal(acc.AppProgramCommit) {
		return vm.ErrProgramCommitMismatch
	}
	if !next.LeafVerifierCommit.Equal(acc.LeafVerifierCommit) {
		return fmt.Errorf("%w: leaf verifier commit", vm.ErrProgramCommitMismatch)
	}
	acc.FinalPC = next.FinalPC
	acc.FinalRoot = next.FinalRoot
	acc.ExitCode = next.ExitCode
	acc.IsTerminate = next.IsTerminate
	acc.UserPublicValuesCommit = next.UserPublicValuesCommit
	return nil
}

// ============================================================================
// Leaf
// ============================================================================

// LeafVerifier verifies app segment proofs against the app verifying key.
type LeafVerifier struct {
	app   *vm.VirtualMachine
	appVK *protocols.VerifyingKey
}

// NewLeafVerifier creates the leaf verifier of an app VM.
func NewLeafVerifier(app *vm.VirtualMachine, appVK *protocols.VerifyingKey) *LeafVerifier {
	return &LeafVerifier{app: app, appVK: appVK}
}

// Constants returns the digest the leaf program hardwires.
func (v *LeafVerifier) Constants() core.Digest { return v.appVK.Commit() }

// Level implements vm.BatchVerifier.
func (v *LeafVerifier) Level() string { return "leaf" }

// NumOutputs implements vm.BatchVerifier.
func (v *LeafVerifier) NumOutputs() int { return NumVerifierPublicValues }

// segment summarizes one verified app segment.
func (v *LeafVerifier) segment(p *protocols.Proof, upv *wirePublicValuesProof) (*VerifierPublicValues, error) {
	if err := v.app.Backend().Verify(v.appVK, p); err != nil {
		return nil, err
	}
	seg, err := vm.ReadSegmentPublicValues(v.appVK, p)
	if err != nil {
		return nil, err
	}
	out := &VerifierPublicValues{
		InitialPC:        seg.InitialPC,
		FinalPC:          seg.FinalPC,
		ExitCode:         seg.ExitCode,
		IsTerminate:      seg.IsTerminate,
		InitialRoot:      seg.InitialRoot,
		FinalRoot:        seg.FinalRoot,
		AppProgramCommit: seg.ProgramCommit,
	}
	h := v.app.Hasher()
	if !seg.Persistent() {
		out.InitialRoot = memory.ZeroRoot(h, v.app.Dimensions())
		out.FinalRoot = out.InitialRoot
	}
	if !seg.IsTerminate {
		return out, nil
	}

	if !seg.Persistent() {
		out.UserPublicValuesCommit = seg.UserPublicValuesCommit
		return out, nil
	}
	if upv == nil {
		return nil, fmt.Errorf("%w: missing public values opening", vm.ErrUnexpectedPublicValues)
	}
	opening, err := upvFromWire(upv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if err := opening.Verify(h, v.app.Dimensions(), v.app.Config().NumPublicValues, seg.FinalRoot, nil); err != nil {
		return nil, fmt.Errorf("%w: %w", vm.ErrUnexpectedPublicValues, err)
	}
	out.UserPublicValuesCommit = opening.PublicValuesCommit
	return out, nil
}

// VerifyBatch implements vm.BatchVerifier.
func (v *LeafVerifier) VerifyBatch(constants core.Digest, words []field.Element) ([]field.Element, error) {
	if !constants.Equal(v.Constants()) {
		return nil, ErrConstantsMismatch
	}
	var batch leafBatch
	if err := decodeBatch(words, &batch); err != nil {
		return nil, err
	}
	proofs, err := decodeProofs(batch.Proofs)
	if err != nil {
		return nil, err
	}

	var acc *VerifierPublicValues
	for i, p := range proofs {
		var upv *wirePublicValuesProof
		if i == len(proofs)-1 {
			upv = batch.PublicValuesProof
		}
		seg, err := v.segment(p, upv)
		if err != nil {
			return nil, fmt.Errorf("app segment %d: %w", i, err)
		}
		if acc == nil {
			acc = seg
			continue
		}
		if err := chain(acc, seg); err != nil {
			return nil, fmt.Errorf("app segment %d: %w", i, err)
		}
	}
	if !acc.IsTerminate && batch.PublicValuesProof != nil {
		return nil, fmt.Errorf("%w: public values opening on a suspended run", ErrMalformedBatch)
	}
	return acc.Flatten(), nil
}

// ============================================================================
// Internal and root
// ============================================================================

// childKey is a verifier level whose proofs a node accepts.
type childKey struct {
	vk            *protocols.VerifyingKey
	programCommit core.Digest
	leaf          bool
}

// children verifies leaf and internal proofs.
type children struct {
	backend  *protocols.TransparentBackend
	leaf     *childKey
	internal *childKey
}

func (c *children) keyOf(p *protocols.Proof) (*childKey, error) {
	if p.VkCommit.Equal(c.leaf.vk.Commit()) {
		return c.leaf, nil
	}
	if c.internal != nil && c.internal.vk != nil && p.VkCommit.Equal(c.internal.vk.Commit()) {
		return c.internal, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVerifyingKey, p.VkCommit)
}

func (c *children) verify(p *protocols.Proof) (*VerifierPublicValues, error) {
	key, err := c.keyOf(p)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Verify(key.vk, p); err != nil {
		return nil, err
	}
	seg, err := vm.ReadSegmentPublicValues(key.vk, p)
	if err != nil {
		return nil, err
	}
	if !seg.ProgramCommit.Equal(key.programCommit) {
		return nil, fmt.Errorf("%w: verifier program", vm.ErrProgramCommitMismatch)
	}
	if !seg.IsTerminate || seg.ExitCode != vm.ExitCodeSuccess {
		return nil, fmt.Errorf("%w: verifier run exited with %d", vm.ErrExitCodeMismatch, seg.ExitCode)
	}
	out, err := ParseVerifierPublicValues(seg.UserPublicValues)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vm.ErrUnexpectedPublicValues, err)
	}

	if key.leaf {
		if !out.LeafVerifierCommit.IsZero() {
			return nil, fmt.Errorf("%w: leaf proof carries a leaf verifier commit", vm.ErrUnexpectedPublicValues)
		}
		out.LeafVerifierCommit = c.leaf.programCommit
	} else if !out.LeafVerifierCommit.Equal(c.leaf.programCommit) {
		return nil, fmt.Errorf("%w: leaf verifier commit", vm.ErrProgramCommitMismatch)
	}
	return out, nil
}

// InternalVerifier verifies a run of consecutive leaf or internal proofs.
type InternalVerifier struct {
	children *children
}

// Constants returns the digest the internal program hardwires. It binds
// the leaf key, the leaf program and the internal key.
func (v *InternalVerifier) Constants() core.Digest {
	h := v.children.backend.Hasher()
	c := v.children
	return h.Compress(h.Compress(c.leaf.vk.Commit(), c.leaf.programCommit), c.internal.vk.Commit())
}

func (v *InternalVerifier) Level() string { return "internal" }

// NumOutputs implements vm.BatchVerifier.
func (v *InternalVerifier) NumOutputs() int { return NumVerifierPublicValues }

// VerifyBatch implements vm.BatchVerifier.
func (v *InternalVerifier) VerifyBatch(constants core.Digest, words []field.Element) ([]field.Element, error) {
	if !constants.Equal(v.Constants()) {
		return nil, ErrConstantsMismatch
	}
	var batch nodeBatch
	if err := decodeBatch(words, &batch); err != nil {
		return nil, err
	}
	proofs, err := decodeProofs(batch.Proofs)
	if err != nil {
		return nil, err
	}
	var acc *VerifierPublicValues
	for i, p := range proofs {
		out, err := v.children.verify(p)
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		if acc == nil {
			acc = out
			continue
		}
		if err := chain(acc, out); err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
	}
	return acc.Flatten(), nil
}

// RootVerifier checks the single top proof of a terminated run and exposes
// the canonical root public values.
type RootVerifier struct {
	children            *children
	numUserPublicValues int
}

// Constants returns the digest the root program hardwires.
func (v *RootVerifier) Constants() core.Digest {
	h := v.children.backend.Hasher()
	c := v.children
	return h.Compress(
		h.Compress(c.leaf.vk.Commit(), c.internal.vk.Commit()),
		h.Compress(c.leaf.programCommit, c.internal.programCommit),
	)
}

func (v *RootVerifier) Level() string { return "root" }

// NumOutputs implements vm.BatchVerifier.
func (v *RootVerifier) NumOutputs() int { return RootNumPublicValues(v.numUserPublicValues) }

// VerifyBatch implements vm.BatchVerifier.
func (v *RootVerifier) VerifyBatch(constants core.Digest, words []field.Element) ([]field.Element, error) {
	if !constants.Equal(v.Constants()) {
		return nil, ErrConstantsMismatch
	}
	var batch rootBatch
	if err := decodeBatch(words, &batch); err != nil {
		return nil, err
	}
	p, err := protocols.DecodeProof(batch.Proof)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	out, err := v.children.verify(p)
	if err != nil {
		return nil, err
	}
	if !out.IsTerminate {
		return nil, fmt.Errorf("%w: run stops at pc %d", ErrNonTerminatingRoot, out.FinalPC)
	}
	if out.ExitCode != vm.ExitCodeSuccess {
		return nil, fmt.Errorf("%w: exit code %d", vm.ErrExitCodeMismatch, out.ExitCode)
	}

	values, err := protocols.U64ToElements(batch.UserPublicValues)
	if err != nil || len(values) != v.numUserPublicValues {
		return nil, fmt.Errorf("%w: malformed user public values", vm.ErrUnexpectedPublicValues)
	}
	h := v.children.backend.Hasher()
	commit, err := core.MerkleRoot(h, values)
	if err != nil {
		return nil, err
	}
	if !commit.Equal(out.UserPublicValuesCommit) {
		return nil, fmt.Errorf("%w: values do not match the committed buffer", vm.ErrUnexpectedPublicValues)
	}

	root := &RootPublicValues{
		ExeCommit:          vm.ComputeExeCommit(h, out.AppProgramCommit, out.InitialRoot, out.InitialPC),
		LeafVerifierCommit: out.LeafVerifierCommit,
		UserPublicValues:   values,
		InitialMemoryRoot:  out.InitialRoot,
	}
	return root.Flatten(v.NumOutputs()), nil
}
