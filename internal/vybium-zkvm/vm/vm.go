package vm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vybium/vybium-crypto/pkg/vybium-crypto/field"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/core"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/memory"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"golang.org/x/sync/errgroup"
)

// Option configures a VirtualMachine.
type Option func(*VirtualMachine)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(vm *VirtualMachine) { vm.logger = utils.OrDiscard(l) }
}

// WithBatchVerifier enables VERIFY_BATCH backed by v.
func WithBatchVerifier(v BatchVerifier) Option {
	return func(vm *VirtualMachine) { vm.verifier = v }
}

// WithSegmentationStrategy replaces the threshold strategy of the config.
func WithSegmentationStrategy(s SegmentationStrategy) Option {
	return func(vm *VirtualMachine) { vm.strategy = s }
}

// WithHasher replaces the hasher named by the config.
func WithHasher(h core.Hasher) Option {
	return func(vm *VirtualMachine) { vm.hasher = h }
}

// airLayout records the id of every table of a segment proof. Absent
// tables have id -1.
type airLayout struct {
	program      int
	connector    int
	publicValues int
	boundary     int
	merkle       int
	adapters     []int
	rangeChecker int
	hash         int
	executors    []int
}

// VirtualMachine runs and proves programs under one configuration.
type VirtualMachine struct {
	config   *utils.VmConfig
	dims     memory.Dimensions
	hasher   core.Hasher
	backend  *protocols.TransparentBackend
	space    *OpcodeSpace
	strategy SegmentationStrategy
	verifier BatchVerifier
	logger   log.Logger

	programAir      *ProgramAir
	connectorAir    *ConnectorAir
	publicValuesAir *PublicValuesAir
	volatileAir     *memory.VolatileBoundaryAir
	persistentAir   *memory.PersistentBoundaryAir
	merkleAir       *memory.MerkleAir
	adapterAirs     []*memory.AccessAdapterAir
	rangeAir        *protocols.RangeCheckerAir
	hashAir         *protocols.HashAir

	airs   []protocols.Air
	layout airLayout
}

// NewVirtualMachine validates cfg and builds the table set of a segment.
func NewVirtualMachine(cfg *utils.VmConfig, opts ...Option) (*VirtualMachine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vm := &VirtualMachine{
		config: cfg.Clone(),
		dims:   memory.NewDimensions(cfg.Memory),
		logger: utils.DiscardLogger(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	if vm.hasher == nil {
		inner, err := core.NewHasher(core.HasherKind(cfg.Hasher))
		if err != nil {
			return nil, err
		}
		if vm.hasher, err = core.NewCachedHasher(inner, cfg.HashCacheSize); err != nil {
			return nil, err
		}
	}
	if vm.strategy == nil {
		vm.strategy = NewDefaultSegmentationStrategy(vm.config)
	}
	space, err := DefaultOpcodeSpace()
	if err != nil {
		return nil, err
	}
	vm.space = space
	vm.backend = protocols.NewTransparentBackend(vm.hasher, vm.config, vm.logger)

	reg, err := vm.newRegistry()
	if err != nil {
		return nil, err
	}
	vm.buildAirs(reg)
	return vm, nil
}

// Config returns a copy of the configuration.
func (vm *VirtualMachine) Config() *utils.VmConfig {
	return vm.config.Clone()
}

// Hasher returns the hasher of every tree and commitment.
func (vm *VirtualMachine) Hasher() core.Hasher {
	return vm.hasher
}

// Backend returns the proving backend.
func (vm *VirtualMachine) Backend() *protocols.TransparentBackend {
	return vm.backend
}

// Dimensions returns the memory shape.
func (vm *VirtualMachine) Dimensions() memory.Dimensions {
	return vm.dims
}

// Persistent reports whether segments run over Merkle memory.
func (vm *VirtualMachine) Persistent() bool {
	return vm.config.ContinuationEnabled
}

// Airs returns the tables of a segment proof in id order.
func (vm *VirtualMachine) Airs() []protocols.Air {
	return vm.airs
}

// newRegistry creates fresh executors for one run. Executors whose table
// exceeds the degree bound are left out, which disables their opcodes.
func (vm *VirtualMachine) newRegistry() (*ExecutorRegistry, error) {
	candidates := []Executor{
		newFieldArithExecutor(vm.config),
		newLoadStoreExecutor(vm.config),
		newBranchExecutor(vm.config),
		newBlockCopyExecutor(vm.config),
		newPublishExecutor(vm.config),
		newPhantomExecutor(vm.config),
	}
	if vm.verifier != nil {
		candidates = append(candidates, newVerifyBatchExecutor(vm.config, vm.verifier))
	}
	enabled := candidates[:0]
	for _, ex := range candidates {
		if ex.Air().ConstraintDegree() > vm.config.MaxConstraintDegree {
			vm.logger.Debug("Disabled executor", "air", ex.Air().Name(), "degree", ex.Air().ConstraintDegree())
			continue
		}
		enabled = append(enabled, ex)
	}
	return newExecutorRegistry(vm.space, enabled)
}

func (vm *VirtualMachine) buildAirs(reg *ExecutorRegistry) {
	add := func(a protocols.Air) int {
		vm.airs = append(vm.airs, a)
		return len(vm.airs) - 1
	}
	l := airLayout{publicValues: -1, merkle: -1, hash: -1}

	vm.programAir = NewProgramAir()
	l.program = add(vm.programAir)
	vm.connectorAir = NewConnectorAir()
	l.connector = add(vm.connectorAir)

	if vm.Persistent() {
		vm.persistentAir = memory.NewPersistentBoundaryAir(vm.dims)
		l.boundary = add(vm.persistentAir)
		vm.merkleAir = memory.NewMerkleAir(vm.dims)
		l.merkle = add(vm.merkleAir)
	} else {
		vm.publicValuesAir = NewPublicValuesAir(vm.hasher, vm.config.NumPublicValues)
		l.publicValues = add(vm.publicValuesAir)
		vm.volatileAir = memory.NewVolatileBoundaryAir()
		l.boundary = add(vm.volatileAir)
	}

	for _, size := range memory.AdapterSizes {
		a := memory.NewAccessAdapterAir(size, vm.config.Memory.TimestampMaxBits, vm.config.RangeDecompBits)
		vm.adapterAirs = append(vm.adapterAirs, a)
		l.adapters = append(l.adapters, add(a))
	}
	vm.rangeAir = protocols.NewRangeCheckerAir(vm.config.RangeDecompBits)
	l.rangeChecker = add(vm.rangeAir)
	if vm.Persistent() {
		vm.hashAir = protocols.NewHashAir(vm.hasher)
		l.hash = add(vm.hashAir)
	}

	for _, ex := range reg.Executors() {
		l.executors = append(l.executors, add(ex.Air()))
	}
	vm.layout = l
}

// Keygen derives the keys of a segment proof.
func (vm *VirtualMachine) Keygen() (*protocols.ProvingKey, error) {
	return vm.backend.Keygen(vm.airs)
}

// ============================================================================
// Trace generation
// ============================================================================

// generateInputs turns a finalized segment into proof inputs. Tables left
// empty are omitted unless they expose public values.
func (vm *VirtualMachine) generateInputs(st *segmentState) ([]protocols.AirProofInput, error) {
	rc := protocols.NewRangeCheckerChip(vm.config.RangeDecompBits)
	var chip *protocols.HashChip
	if vm.Persistent() {
		chip = protocols.NewHashChip(vm.hasher)
	}
	fm := st.memory

	inputs := make([]protocols.AirProofInput, len(vm.airs))
	for i := range inputs {
		inputs[i].AirID = i
	}

	cached, main := vm.programAir.GenerateTrace(st.program, st.counts)
	inputs[vm.layout.program].Cached, inputs[vm.layout.program].Main = cached, main
	inputs[vm.layout.connector].Main = vm.connectorAir.GenerateTrace(st.state)
	inputs[vm.layout.connector].PublicValues = vm.connectorAir.PublicValues(st.state)

	if vm.publicValuesAir != nil {
		t, pvs, err := vm.publicValuesAir.GenerateTrace(st.userValues, st.published)
		if err != nil {
			return nil, err
		}
		inputs[vm.layout.publicValues].Main, inputs[vm.layout.publicValues].PublicValues = t, pvs
	}

	var g errgroup.Group
	g.SetLimit(max(vm.config.ProverWorkers, 1))
	g.Go(func() error {
		var t *protocols.Trace
		var err error
		if vm.Persistent() {
			t, err = vm.persistentAir.GenerateTrace(fm, chip)
		} else {
			t, err = vm.volatileAir.GenerateTrace(fm)
		}
		inputs[vm.layout.boundary].Main = t
		return err
	})
	if vm.merkleAir != nil {
		g.Go(func() error {
			t, err := vm.merkleAir.GenerateTrace(fm, chip)
			inputs[vm.layout.merkle].Main = t
			inputs[vm.layout.merkle].PublicValues = vm.merkleAir.PublicValues(fm)
			return err
		})
	}
	for i, a := range vm.adapterAirs {
		i, a := i, a
		g.Go(func() error {
			t, err := a.GenerateTrace(fm.Adapters, rc)
			inputs[vm.layout.adapters[i]].Main = t
			return err
		})
	}
	for i, ex := range st.registry.Executors() {
		i, ex := i, ex
		g.Go(func() error {
			t, err := ex.GenerateTrace(rc)
			if err != nil {
				return fmt.Errorf("%s: %w", ex.Air().Name(), err)
			}
			inputs[vm.layout.executors[i]].Main = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fatal("trace generation: %v", err)
	}

	inputs[vm.layout.rangeChecker].Main = rc.GenerateTrace()
	if chip != nil {
		inputs[vm.layout.hash].Main = chip.GenerateTrace()
	}

	out := inputs[:0]
	for _, in := range inputs {
		if in.Main.Height() == 0 && len(in.PublicValues) == 0 {
			continue
		}
		if _, pre := vm.airs[in.AirID].(protocols.PreprocessedAir); !pre && in.Main.Height() > vm.config.Segmentation.MaxTraceHeight {
			return nil, fmt.Errorf("%w: %s has %d rows, limit %d",
				ErrTraceHeightOverflow, vm.airs[in.AirID].Name(), in.Main.Height(), vm.config.Segmentation.MaxTraceHeight)
		}
		vm.logger.Trace("Generated trace", "air", vm.airs[in.AirID].Name(), "height", in.Main.Height())
		out = append(out, in)
	}
	return out, nil
}

// ============================================================================
// Proving
// ============================================================================

// ProveSegments proves executed segments in parallel.
func (vm *VirtualMachine) ProveSegments(ctx context.Context, pk *protocols.ProvingKey, segments []*Segment) ([]*protocols.Proof, error) {
	proofs := make([]*protocols.Proof, len(segments))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(vm.config.ProverWorkers, 1))
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := vm.backend.Prove(pk, seg.Inputs)
			if err != nil {
				return fmt.Errorf("segment %d: %w", seg.Index, err)
			}
			proofs[i] = p
			vm.logger.Debug("Proved segment", "segment", seg.Index, "seal", p.Seal)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return proofs, nil
}

// Prove executes exe on inputs and proves every segment.
func (vm *VirtualMachine) Prove(ctx context.Context, pk *protocols.ProvingKey, exe *Exe, inputs [][]field.Element) (*ContinuationProof, error) {
	res, err := vm.Execute(exe, inputs)
	if err != nil {
		return nil, err
	}
	proofs, err := vm.ProveSegments(ctx, pk, res.Segments)
	if err != nil {
		return nil, err
	}
	return &ContinuationProof{PerSegment: proofs, UserPublicValuesProof: res.UserPublicValuesProof}, nil
}
