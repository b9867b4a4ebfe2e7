package protocols

import (
	"fmt"
	"sort"

	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"golang.org/x/sync/errgroup"
)

// Verify implements StarkBackend.
func (b *TransparentBackend) Verify(vk *VerifyingKey, proof *Proof) error {
	if proof == nil {
		return verifyFailure("nil proof")
	}
	if !proof.VkCommit.Equal(vk.commit) {
		return verifyFailure("proof is bound to key %s, expected %s", proof.VkCommit, vk.commit)
	}

	present := make(map[int]bool, len(proof.PerAir))
	for i, ap := range proof.PerAir {
		if i > 0 && proof.PerAir[i-1].AirID >= ap.AirID {
			return verifyFailure("air ids are not strictly increasing")
		}
		if err := checkShape(vk, ap.AirID, ap.Cached, ap.Main, ap.PublicValues); err != nil {
			return verifyFailure("%v", err)
		}
		if ap.Height != ap.Main.Height() {
			return verifyFailure("air %s: claimed height %d, trace height %d", vk.Airs[ap.AirID].Name, ap.Height, ap.Main.Height())
		}
		present[ap.AirID] = true
	}
	for id, info := range vk.Airs {
		if info.NumPublicValues > 0 && !present[id] {
			return verifyFailure("air %s exposes public values but is missing", info.Name)
		}
	}

	if err := b.checkCommitments(proof); err != nil {
		return err
	}

	if !isHeightPermutation(proof) {
		return verifyFailure("air permutation is not sorted by height")
	}

	root, err := traceRoot(proof.PerAir)
	if err != nil {
		return verifyFailure("%v", err)
	}
	if !EqualSlices(root, proof.TraceRoot) {
		return verifyFailure("trace root mismatch")
	}

	ps := newTranscript(proof)
	seal, err := ps.SampleDigest()
	if err != nil {
		return verifyFailure("%v", err)
	}
	if !seal.Equal(proof.Seal) {
		return verifyFailure("transcript seal mismatch")
	}
	challenges, err := ps.SampleChallenges(2)
	if err != nil {
		return verifyFailure("%v", err)
	}

	joined := make([]*Trace, len(proof.PerAir))
	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := range proof.PerAir {
		i := i
		g.Go(func() error {
			ap := &proof.PerAir[i]
			t, err := JoinedTrace(vk.preprocessed[ap.AirID], ap.Cached, ap.Main)
			if err != nil {
				return fmt.Errorf("air %s: %w", vk.Airs[ap.AirID].Name, err)
			}
			joined[i] = t
			return vk.airs[ap.AirID].Eval(t, ap.PublicValues)
		})
	}
	if err := g.Wait(); err != nil {
		return verifyFailure("%v", err)
	}

	sums, err := b.busSums(vk, proof, joined, challenges[0], challenges[1])
	if err != nil {
		return verifyFailure("%v", err)
	}
	return checkBalance(sums)
}

func (b *TransparentBackend) checkCommitments(proof *Proof) error {
	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := range proof.PerAir {
		ap := &proof.PerAir[i]
		g.Go(func() error {
			if !CommitTrace(b.hasher, ap.Cached).Equal(ap.CachedCommit) {
				return verifyFailure("air %d: cached commitment mismatch", ap.AirID)
			}
			if !CommitTrace(b.hasher, ap.Main).Equal(ap.MainCommit) {
				return verifyFailure("air %d: main commitment mismatch", ap.AirID)
			}
			return nil
		})
	}
	return g.Wait()
}

func isHeightPermutation(proof *Proof) bool {
	if len(proof.AirPermutation) != len(proof.PerAir) {
		return false
	}
	seen := make([]bool, len(proof.PerAir))
	for _, idx := range proof.AirPermutation {
		if idx < 0 || idx >= len(seen) || seen[idx] {
			return false
		}
		seen[idx] = true
	}
	return sort.SliceIsSorted(proof.AirPermutation, func(i, j int) bool {
		return proof.PerAir[proof.AirPermutation[i]].Height > proof.PerAir[proof.AirPermutation[j]].Height
	})
}

// busSums accumulates the LogUp sum count / (alpha + sum_j beta^(j+1) f_j)
// of every interaction, per bus.
func (b *TransparentBackend) busSums(vk *VerifyingKey, proof *Proof, joined []*Trace, alpha, beta field.Element) (map[BusIndex]field.Element, error) {
	partial := make([]map[BusIndex]field.Element, len(proof.PerAir))
	var g errgroup.Group
	g.SetLimit(b.workers)
	for i := range proof.PerAir {
		i := i
		g.Go(func() error {
			air := vk.airs[proof.PerAir[i].AirID]
			sums := make(map[BusIndex]field.Element)
			t := joined[i]
			for r := 0; r < t.Height(); r++ {
				for _, in := range air.Interactions(t.Row(r)) {
					if in.Count.IsZero() {
						continue
					}
					fp := alpha
					pow := beta
					for _, f := range in.Fields {
						fp = fp.Add(pow.Mul(f))
						pow = pow.Mul(beta)
					}
					if fp.IsZero() {
						return fmt.Errorf("air %s row %d: degenerate fingerprint", air.Name(), r)
					}
					acc, ok := sums[in.Bus]
					if !ok {
						acc = field.Zero
					}
					sums[in.Bus] = acc.Add(in.Count.Mul(fp.Inverse()))
				}
			}
			partial[i] = sums
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := make(map[BusIndex]field.Element)
	for _, sums := range partial {
		for bus, v := range sums {
			acc, ok := total[bus]
			if !ok {
				acc = field.Zero
			}
			total[bus] = acc.Add(v)
		}
	}
	return total, nil
}

// checkBalance requires every bus to sum to zero. A memory-bus imbalance is
// reported as ErrUnsoundMemoryAccess.
func checkBalance(sums map[BusIndex]field.Element) error {
	if v, ok := sums[MemoryBus]; ok && !v.IsZero() {
		return fmt.Errorf("%w: memory bus does not balance", ErrUnsoundMemoryAccess)
	}
	buses := make([]int, 0, len(sums))
	for bus := range sums {
		buses = append(buses, int(bus))
	}
	sort.Ints(buses)
	for _, bus := range buses {
		if !sums[BusIndex(bus)].IsZero() {
			return verifyFailure("bus %s does not balance", BusIndex(bus))
		}
	}
	return nil
}
