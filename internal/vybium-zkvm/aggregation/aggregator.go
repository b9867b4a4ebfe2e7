package aggregation

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
	"golang.org/x/sync/errgroup"
)

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger of the aggregator and its verifier VMs.
func WithLogger(l log.Logger) Option {
	return func(a *Aggregator) { a.logger = utils.OrDiscard(l) }
}

// WithFanout overrides the number of children per leaf or internal node.
func WithFanout(n int) Option {
	return func(a *Aggregator) { a.fanout = n }
}

// level is one verifier VM with its keys and fixed program.
type level struct {
	name          string
	vm            *vm.VirtualMachine
	pk            *protocols.ProvingKey
	exe           *vm.Exe
	programCommit core.Digest
}

func newLevel(cfg *utils.VmConfig, verifier vm.BatchVerifier, h core.Hasher, logger log.Logger) (*level, error) {
	name := verifier.Level()
	machine, err := vm.NewVirtualMachine(cfg,
		vm.WithBatchVerifier(verifier),
		vm.WithHasher(h),
		vm.WithLogger(logger.With("level", name)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s vm: %w", name, err)
	}
	pk, err := machine.Keygen()
	if err != nil {
		return nil, fmt.Errorf("%s keygen: %w", name, err)
	}
	return &level{name: name, vm: machine, pk: pk}, nil
}

func (l *level) setProgram(constants core.Digest, numOutputs int) {
	l.exe = vm.NewExe(VerifierProgram(constants, numOutputs))
	l.programCommit = l.exe.Program.Commit(l.vm.Hasher())
}

// prove runs the level program on one batch. Verifier programs never
// segment, so the run yields exactly one proof.
func (l *level) prove(ctx context.Context, batch any) (*protocols.Proof, error) {
	words, err := encodeBatch(batch)
	if err != nil {
		return nil, err
	}
	proof, err := l.vm.Prove(ctx, l.pk, l.exe, [][]field.Element{words})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.name, err)
	}
	if len(proof.PerSegment) != 1 {
		return nil, fmt.Errorf("%s: %d segments", l.name, len(proof.PerSegment))
	}
	return proof.PerSegment[0], nil
}

// levelConfig derives a verifier VM configuration from the app one.
func levelConfig(app *utils.VmConfig, numPublicValues int) *utils.VmConfig {
	cfg := app.AggregationVmConfig(numPublicValues)
	defaults := utils.DefaultVmConfig()
	cfg.Segmentation = defaults.Segmentation
	cfg.MaxConstraintDegree = max(cfg.MaxConstraintDegree, defaults.MaxConstraintDegree)
	return cfg
}

// Aggregator compresses the segment proofs of an app VM into one root
// proof through a tree of leaf, internal and root verifier runs.
type Aggregator struct {
	app    *vm.VirtualMachine
	appVK  *protocols.VerifyingKey
	fanout int
	logger log.Logger

	leaf     *level
	internal *level
	root     *level
}

// NewAggregator generates the keys and programs of the three verifier
// levels for proofs of app under appVK.
func NewAggregator(app *vm.VirtualMachine, appVK *protocols.VerifyingKey, opts ...Option) (*Aggregator, error) {
	appCfg := app.Config()
	a := &Aggregator{
		app:    app,
		appVK:  appVK,
		fanout: appCfg.Aggregation.Fanout,
		logger: utils.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fanout < 2 {
		return nil, fmt.Errorf("aggregation fanout %d, need at least 2", a.fanout)
	}
	h := app.Hasher()

	leafVerifier := NewLeafVerifier(app, appVK)
	var err error
	if a.leaf, err = newLevel(levelConfig(appCfg, NumVerifierPublicValues), leafVerifier, h, a.logger); err != nil {
		return nil, err
	}
	a.leaf.setProgram(leafVerifier.Constants(), leafVerifier.NumOutputs())

	// The internal program hardwires its own key, which only exists after
	// keygen of the VM that runs it.
	kids := &children{
		backend:  a.leaf.vm.Backend(),
		leaf:     &childKey{vk: a.leaf.pk.VK, programCommit: a.leaf.programCommit, leaf: true},
		internal: &childKey{},
	}
	internalVerifier := &InternalVerifier{children: kids}
	if a.internal, err = newLevel(levelConfig(appCfg, NumVerifierPublicValues), internalVerifier, h, a.logger); err != nil {
		return nil, err
	}
	if a.internal.pk.VK.Commit().Equal(a.leaf.pk.VK.Commit()) {
		return nil, fmt.Errorf("%w: leaf and internal keys coincide", ErrUnknownVerifyingKey)
	}
	kids.internal.vk = a.internal.pk.VK
	a.internal.setProgram(internalVerifier.Constants(), internalVerifier.NumOutputs())
	kids.internal.programCommit = a.internal.programCommit

	rootVerifier := &RootVerifier{children: kids, numUserPublicValues: appCfg.NumPublicValues}
	if a.root, err = newLevel(levelConfig(appCfg, rootVerifier.NumOutputs()), rootVerifier, h, a.logger); err != nil {
		return nil, err
	}
	a.root.setProgram(rootVerifier.Constants(), rootVerifier.NumOutputs())

	a.logger.Info("Aggregation keys ready",
		"fanout", a.fanout,
		"leaf", a.leaf.programCommit,
		"internal", a.internal.programCommit,
		"root", a.root.programCommit)
	return a, nil
}

// LeafVerifierCommit returns the program commit of the leaf verifier.
func (a *Aggregator) LeafVerifierCommit() core.Digest {
	return a.leaf.programCommit
}

// RootVerifyingKey returns the key root proofs verify against.
func (a *Aggregator) RootVerifyingKey() *protocols.VerifyingKey {
	return a.root.pk.VK
}

// RootProof is the final aggregated proof of a terminated run.
type RootProof struct {
	Proof        *protocols.Proof
	PublicValues *RootPublicValues
}

// proveLevel proves one batch per node in parallel.
func (a *Aggregator) proveLevel(ctx context.Context, l *level, batches []any) ([]*protocols.Proof, error) {
	proofs := make([]*protocols.Proof, len(batches))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.app.Config().ProverWorkers, 1))
	for i, b := range batches {
		i, b := i, b
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := l.prove(ctx, b)
			if err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			proofs[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proofs, nil
}

// chunks splits n items into consecutive runs of at most size.
func chunks(n, size int) [][2]int {
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

// Aggregate proves the app continuation proof through leaf and internal
// layers and finishes with the root verifier. userPublicValues are the
// claimed values of the app run.
func (a *Aggregator) Aggregate(ctx context.Context, proof *vm.ContinuationProof, userPublicValues []field.Element) (*RootProof, error) {
	if len(proof.PerSegment) == 0 {
		return nil, vm.ErrEmptyProof
	}
	start := time.Now()

	var batches []any
	runs := chunks(len(proof.PerSegment), a.fanout)
	for i, r := range runs {
		encoded, err := encodeProofs(proof.PerSegment[r[0]:r[1]])
		if err != nil {
			return nil, err
		}
		b := leafBatch{Proofs: encoded}
		if i == len(runs)-1 {
			b.PublicValuesProof = upvToWire(proof.UserPublicValuesProof)
		}
		batches = append(batches, b)
	}
	proofs, err := a.proveLevel(ctx, a.leaf, batches)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Leaf layer proved", "segments", len(proof.PerSegment), "nodes", len(proofs))

	for depth := 1; len(proofs) > 1; depth++ {
		batches = batches[:0]
		for _, r := range chunks(len(proofs), a.fanout) {
			encoded, err := encodeProofs(proofs[r[0]:r[1]])
			if err != nil {
				return nil, err
			}
			batches = append(batches, nodeBatch{Proofs: encoded})
		}
		if proofs, err = a.proveLevel(ctx, a.internal, batches); err != nil {
			return nil, err
		}
		a.logger.Debug("Internal layer proved", "depth", depth, "nodes", len(proofs))
	}

	top, err := protocols.EncodeProof(proofs[0])
	if err != nil {
		return nil, err
	}
	rootProof, err := a.root.prove(ctx, rootBatch{
		Proof:            top,
		UserPublicValues: protocols.ElementsToU64(userPublicValues),
	})
	if err != nil {
		return nil, err
	}
	pvs, err := a.rootPublicValues(rootProof)
	if err != nil {
		return nil, err
	}
	a.logger.Info("Aggregated run", "segments", len(proof.PerSegment), "exe_commit", pvs.ExeCommit, "elapsed", time.Since(start))
	return &RootProof{Proof: rootProof, PublicValues: pvs}, nil
}

// AggregateRoot re-aggregates an existing root proof. The root is already
// final, so it is checked and returned as is.
func (a *Aggregator) AggregateRoot(root *RootProof) (*RootProof, error) {
	if err := a.VerifyRoot(root); err != nil {
		return nil, err
	}
	return root, nil
}

func (a *Aggregator) rootPublicValues(p *protocols.Proof) (*RootPublicValues, error) {
	seg, err := vm.ReadSegmentPublicValues(a.root.pk.VK, p)
	if err != nil {
		return nil, err
	}
	if !seg.ProgramCommit.Equal(a.root.programCommit) {
		return nil, fmt.Errorf("%w: root verifier program", vm.ErrProgramCommitMismatch)
	}
	if !seg.IsTerminate || seg.ExitCode != vm.ExitCodeSuccess {
		return nil, fmt.Errorf("%w: root verifier exited with %d", vm.ErrExitCodeMismatch, seg.ExitCode)
	}
	pvs, err := ParseRootPublicValues(seg.UserPublicValues, a.app.Config().NumPublicValues)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vm.ErrUnexpectedPublicValues, err)
	}
	return pvs, nil
}

// VerifyRoot checks a root proof and that it exposes the claimed public
// values.
func (a *Aggregator) VerifyRoot(root *RootProof) error {
	if root == nil || root.Proof == nil || root.PublicValues == nil {
		return vm.ErrEmptyProof
	}
	if err := a.root.vm.Backend().Verify(a.root.pk.VK, root.Proof); err != nil {
		return err
	}
	pvs, err := a.rootPublicValues(root.Proof)
	if err != nil {
		return err
	}
	claimed := root.PublicValues
	if !pvs.ExeCommit.Equal(claimed.ExeCommit) ||
		!pvs.LeafVerifierCommit.Equal(claimed.LeafVerifierCommit) ||
		!protocols.EqualSlices(pvs.UserPublicValues, claimed.UserPublicValues) ||
		!pvs.InitialMemoryRoot.Equal(claimed.InitialMemoryRoot) {
		return ErrRootPublicValuesMismatch
	}
	if !pvs.LeafVerifierCommit.Equal(a.leaf.programCommit) {
		return fmt.Errorf("%w: leaf verifier commit", vm.ErrProgramCommitMismatch)
	}
	return nil
}

// ============================================================================
// Encoding
// ============================================================================

type wireRootProof struct {
	Proof              []byte    `cbor:"1,keyasint"`
	ExeCommit          [8]uint64 `cbor:"2,keyasint"`
	LeafVerifierCommit [8]uint64 `cbor:"3,keyasint"`
	UserPublicValues   []uint64  `cbor:"4,keyasint"`
	InitialMemoryRoot  [8]uint64 `cbor:"5,keyasint"`
}

// EncodeRootProof serializes a root proof.
func EncodeRootProof(r *RootProof) ([]byte, error) {
	p, err := protocols.EncodeProof(r.Proof)
	if err != nil {
		return nil, err
	}
	return protocols.MarshalCompressed(wireRootProof{
		Proof:              p,
		ExeCommit:          protocols.DigestToU64(r.PublicValues.ExeCommit),
		LeafVerifierCommit: protocols.DigestToU64(r.PublicValues.LeafVerifierCommit),
		UserPublicValues:   protocols.ElementsToU64(r.PublicValues.UserPublicValues),
		InitialMemoryRoot:  protocols.DigestToU64(r.PublicValues.InitialMemoryRoot),
	})
}

// DecodeRootProof reverses EncodeRootProof.
func DecodeRootProof(data []byte) (*RootProof, error) {
	var w wireRootProof
	if err := protocols.UnmarshalCompressed(data, &w); err != nil {
		return nil, err
	}
	p, err := protocols.DecodeProof(w.Proof)
	if err != nil {
		return nil, err
	}
	exe, err := protocols.U64ToDigest(w.ExeCommit)
	if err != nil {
		return nil, err
	}
	leaf, err := protocols.U64ToDigest(w.LeafVerifierCommit)
	if err != nil {
		return nil, err
	}
	values, err := protocols.U64ToElements(w.UserPublicValues)
	if err != nil {
		return nil, err
	}
	initRoot, err := protocols.U64ToDigest(w.InitialMemoryRoot)
	if err != nil {
		return nil, err
	}
	return &RootProof{
		Proof: p,
		PublicValues: &RootPublicValues{
			ExeCommit:          exe,
			LeafVerifierCommit: leaf,
			UserPublicValues:   values,
			InitialMemoryRoot:  initRoot,
		},
	}, nil
}
