package protocols

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/hash"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/merkle"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"golang.org/x/sync/errgroup"
)

// TransparentBackend is a StarkBackend that commits to full traces and lets
// the verifier re-evaluate every constraint and bus balance. Challenges for
// the LogUp bus argument are drawn from a Tip5 transcript over the
// commitments.
type TransparentBackend struct {
	hasher    core.Hasher
	fri       utils.FriConfig
	maxDegree int
	workers   int
	logger    log.Logger
}

// NewTransparentBackend creates a backend with the hashing and degree
// settings of config.
func NewTransparentBackend(hasher core.Hasher, config *utils.VmConfig, logger log.Logger) *TransparentBackend {
	workers := config.ProverWorkers
	if workers <= 0 {
		workers = 1
	}
	return &TransparentBackend{
		hasher:    hasher,
		fri:       config.Fri,
		maxDegree: config.MaxConstraintDegree,
		workers:   workers,
		logger:    utils.OrDiscard(logger),
	}
}

// Hasher returns the commitment hasher.
func (b *TransparentBackend) Hasher() core.Hasher {
	return b.hasher
}

// Keygen implements StarkBackend.
func (b *TransparentBackend) Keygen(airs []Air) (*ProvingKey, error) {
	vk := &VerifyingKey{
		Airs:                make([]AirInfo, len(airs)),
		MaxConstraintDegree: b.maxDegree,
		Fri:                 b.fri,
		airs:                airs,
		preprocessed:        make([]*Trace, len(airs)),
	}

	seen := make(map[string]bool, len(airs))
	for i, air := range airs {
		if seen[air.Name()] {
			return nil, fmt.Errorf("keygen: duplicate air %s", air.Name())
		}
		seen[air.Name()] = true

		if air.ConstraintDegree() > b.maxDegree {
			return nil, fmt.Errorf("keygen: air %s has constraint degree %d above %d",
				air.Name(), air.ConstraintDegree(), b.maxDegree)
		}

		info := AirInfo{
			Name:               air.Name(),
			Width:              air.Width(),
			NumPublicValues:    air.NumPublicValues(),
			ConstraintDegree:   air.ConstraintDegree(),
			PreprocessedCommit: core.ZeroDigest(),
		}
		if cached, ok := air.(CachedAir); ok {
			info.CachedWidth = cached.CachedWidth()
		}
		if pre, ok := air.(PreprocessedAir); ok {
			t := pre.PreprocessedTrace()
			vk.preprocessed[i] = t
			info.PreprocessedWidth = t.Width
			info.PreprocessedCommit = CommitTrace(b.hasher, t)
		}
		vk.Airs[i] = info
	}
	vk.commit = vk.computeCommit(b.hasher)

	b.logger.Debug("Generated keys", "airs", len(airs), "vk", vk.commit)
	return &ProvingKey{VK: vk}, nil
}

// checkShape validates one AIR instance against the key.
func checkShape(vk *VerifyingKey, id int, cached, main *Trace, pvs []field.Element) error {
	if id < 0 || id >= len(vk.Airs) {
		return fmt.Errorf("unknown air id %d", id)
	}
	info := vk.Airs[id]
	if len(pvs) != info.NumPublicValues {
		return fmt.Errorf("air %s: %d public values, expected %d", info.Name, len(pvs), info.NumPublicValues)
	}
	if main.Height() > 0 && main.Width != info.Width {
		return fmt.Errorf("air %s: main width %d, expected %d", info.Name, main.Width, info.Width)
	}
	if info.CachedWidth > 0 {
		if cached.Height() != main.Height() {
			return fmt.Errorf("air %s: cached height %d differs from main height %d", info.Name, cached.Height(), main.Height())
		}
		if cached.Height() > 0 && cached.Width != info.CachedWidth {
			return fmt.Errorf("air %s: cached width %d, expected %d", info.Name, cached.Width, info.CachedWidth)
		}
	} else if cached.Height() > 0 {
		return fmt.Errorf("air %s: unexpected cached trace", info.Name)
	}
	if pre := vk.preprocessed[id]; pre != nil && main.Height() != pre.Height() {
		return fmt.Errorf("air %s: height %d differs from preprocessed height %d", info.Name, main.Height(), pre.Height())
	}
	return nil
}

// Prove implements StarkBackend.
func (b *TransparentBackend) Prove(pk *ProvingKey, inputs []AirProofInput) (*Proof, error) {
	vk := pk.VK
	sorted := make([]AirProofInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AirID < sorted[j].AirID })

	for i, in := range sorted {
		if i > 0 && sorted[i-1].AirID == in.AirID {
			return nil, proveFailure("air id %d given twice", in.AirID)
		}
		if err := checkShape(vk, in.AirID, in.Cached, in.Main, in.PublicValues); err != nil {
			return nil, proveFailure("%v", err)
		}
	}

	per := make([]AirProof, len(sorted))
	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := range sorted {
		i := i
		g.Go(func() error {
			in := sorted[i]
			per[i] = AirProof{
				AirID:        in.AirID,
				Height:       in.Main.Height(),
				CachedCommit: CommitTrace(b.hasher, in.Cached),
				MainCommit:   CommitTrace(b.hasher, in.Main),
				Cached:       in.Cached,
				Main:         in.Main,
				PublicValues: in.PublicValues,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, proveFailure("%v", err)
	}

	proof := &Proof{
		VkCommit:       vk.commit,
		PerAir:         per,
		AirPermutation: heightPermutation(per),
	}
	root, err := traceRoot(per)
	if err != nil {
		return nil, proveFailure("%v", err)
	}
	proof.TraceRoot = root

	ps := newTranscript(proof)
	if proof.Seal, err = ps.SampleDigest(); err != nil {
		return nil, proveFailure("%v", err)
	}

	cells := 0
	for _, ap := range per {
		cells += ap.Height * (vk.Airs[ap.AirID].Width + vk.Airs[ap.AirID].CachedWidth)
	}
	b.logger.Debug("Produced proof", "airs", len(per), "cells", cells, "seal", proof.Seal)
	return proof, nil
}

// heightPermutation orders AIR instances by descending height, ties by id.
func heightPermutation(per []AirProof) []int {
	perm := make([]int, len(per))
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(i, j int) bool {
		return per[perm[i]].Height > per[perm[j]].Height
	})
	return perm
}

// traceRoot builds a Tip5 Merkle tree whose leaves are the per-AIR
// commitments.
func traceRoot(per []AirProof) ([]field.Element, error) {
	size := 1
	for size < len(per) {
		size <<= 1
	}
	leaves := make([]hash.Digest, size)
	for i := range leaves {
		if i < len(per) {
			input := append(per[i].CachedCommit.Elements(), per[i].MainCommit[:]...)
			leaves[i] = hash.HashVarlen(input)
		} else {
			leaves[i] = hash.HashVarlen(core.Zeros(core.Chunk))
		}
	}
	tree, err := merkle.New(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to create Merkle tree: %w", err)
	}
	root := tree.Root()
	out := make([]field.Element, 0, hash.DigestLen)
	for _, elem := range root {
		out = append(out, elem)
	}
	return out, nil
}

// newTranscript absorbs the key, every commitment and every public value in
// proof order.
func newTranscript(proof *Proof) *ProofStream {
	ps := NewProofStream()
	ps.AbsorbDigest(proof.VkCommit)
	ps.AbsorbElements(field.New(uint64(len(proof.PerAir))))
	for _, ap := range proof.PerAir {
		ps.AbsorbElements(field.New(uint64(ap.AirID)), field.New(uint64(ap.Height)))
		ps.AbsorbDigest(ap.CachedCommit)
		ps.AbsorbDigest(ap.MainCommit)
		ps.AbsorbElements(field.New(uint64(len(ap.PublicValues))))
		ps.AbsorbElements(ap.PublicValues...)
	}
	ps.AbsorbElements(proof.TraceRoot...)
	return ps
}
