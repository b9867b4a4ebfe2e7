package vybiumzkvm

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/aggregation"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/protocols"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"
	"github.com/vybium/vybium-zkvm/internal/vybium-zkvm/vm"
)

// Option configures an SDK
type Option func(*SDK)

// WithLogger sets the logger of the SDK and everything it builds
func WithLogger(l log.Logger) Option {
	return func(s *SDK) { s.logger = utils.OrDiscard(l) }
}

// SDK is the public entry point: one app VM with its keys, and the
// aggregation levels built on first use
type SDK struct {
	vm     *vm.VirtualMachine
	pk     *protocols.ProvingKey
	logger log.Logger

	aggOnce sync.Once
	agg     *aggregation.Aggregator
	aggErr  error
}

// New builds the app VM for cfg and generates its keys. A nil cfg selects
// DefaultConfig.
func New(cfg *Config, opts ...Option) (*SDK, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, wrap(ErrInvalidConfig, err)
	}
	s := &SDK{logger: utils.DiscardLogger()}
	for _, opt := range opts {
		opt(s)
	}

	machine, err := vm.NewVirtualMachine(cfg, vm.WithLogger(s.logger))
	if err != nil {
		return nil, wrap(ErrInvalidConfig, err)
	}
	pk, err := machine.Keygen()
	if err != nil {
		return nil, Classify(err)
	}
	s.vm, s.pk = machine, pk
	s.logger.Debug("Keys generated", "airs", pk.VK.NumAirs(), "vk", pk.VK.Commit())
	return s, nil
}

// Config returns a copy of the configuration
func (s *SDK) Config() *Config {
	return s.vm.Config()
}

// VerifyingKey returns the key segment proofs verify against
func (s *SDK) VerifyingKey() *VerifyingKey {
	return s.pk.VK
}

// CommitExe computes the program and initial memory commitments of exe
func (s *SDK) CommitExe(exe *Exe) (*CommittedExe, error) {
	c, err := s.vm.Commit(exe)
	if err != nil {
		return nil, Classify(err)
	}
	return c, nil
}

// ExeCommit returns the commitment a root proof exposes for c
func (s *SDK) ExeCommit(c *CommittedExe) Digest {
	return c.ExeCommit(s.vm.Hasher())
}

// Execute runs exe without proving it
func (s *SDK) Execute(exe *Exe, inputs [][]Element) (*ExecutionResult, error) {
	res, err := s.vm.Execute(exe, inputs)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// Prove executes exe on inputs and proves every segment
func (s *SDK) Prove(ctx context.Context, exe *Exe, inputs [][]Element) (*ContinuationProof, error) {
	start := time.Now()
	proof, err := s.vm.Prove(ctx, s.pk, exe, inputs)
	if err != nil {
		return nil, Classify(err)
	}
	s.logger.Info("Proof generated", "segments", len(proof.PerSegment), "elapsed", time.Since(start))
	return proof, nil
}

// Verify checks a continuation proof against the committed executable. A
// nil userPublicValues skips the comparison of the published values.
func (s *SDK) Verify(committed *CommittedExe, proof *ContinuationProof, userPublicValues []Element) error {
	if err := s.vm.VerifySegments(s.pk.VK, committed, proof, userPublicValues); err != nil {
		return Classify(err)
	}
	s.logger.Info("Proof verified", "segments", len(proof.PerSegment))
	return nil
}

// Aggregator returns the aggregation levels, generating their keys on
// first use
func (s *SDK) Aggregator() (*aggregation.Aggregator, error) {
	s.aggOnce.Do(func() {
		s.agg, s.aggErr = aggregation.NewAggregator(s.vm, s.pk.VK, aggregation.WithLogger(s.logger))
	})
	if s.aggErr != nil {
		return nil, Classify(s.aggErr)
	}
	return s.agg, nil
}

// Aggregate compresses a continuation proof into a root proof
func (s *SDK) Aggregate(ctx context.Context, proof *ContinuationProof, userPublicValues []Element) (*RootProof, error) {
	agg, err := s.Aggregator()
	if err != nil {
		return nil, err
	}
	root, err := agg.Aggregate(ctx, proof, userPublicValues)
	if err != nil {
		return nil, Classify(err)
	}
	return root, nil
}

// VerifyRoot checks a root proof and the public values it claims
func (s *SDK) VerifyRoot(root *RootProof) error {
	agg, err := s.Aggregator()
	if err != nil {
		return err
	}
	return Classify(agg.VerifyRoot(root))
}

// EncodeCommittedExe serializes a committed executable
func EncodeCommittedExe(c *CommittedExe) ([]byte, error) {
	return vm.EncodeCommittedExe(c)
}

// DecodeCommittedExe deserializes a committed executable
func DecodeCommittedExe(data []byte) (*CommittedExe, error) {
	c, err := vm.DecodeCommittedExe(data)
	if err != nil {
		return nil, wrap(ErrInvalidProof, err)
	}
	return c, nil
}

// EncodeContinuationProof serializes a continuation proof
func EncodeContinuationProof(p *ContinuationProof) ([]byte, error) {
	return vm.EncodeContinuationProof(p)
}

// DecodeContinuationProof deserializes a continuation proof
func DecodeContinuationProof(data []byte) (*ContinuationProof, error) {
	p, err := vm.DecodeContinuationProof(data)
	if err != nil {
		return nil, wrap(ErrInvalidProof, err)
	}
	return p, nil
}

// EncodeRootProof serializes a root proof
func EncodeRootProof(r *RootProof) ([]byte, error) {
	return aggregation.EncodeRootProof(r)
}

// DecodeRootProof deserializes a root proof
func DecodeRootProof(data []byte) (*RootProof, error) {
	r, err := aggregation.DecodeRootProof(data)
	if err != nil {
		return nil, wrap(ErrInvalidProof, err)
	}
	return r, nil
}
