package utils

import (
	"fmt"
	"math"

	"github.com/BurntSushi/toml"
)

// MemoryConfig fixes the shape of addressable memory and of its Merkle tree.
type MemoryConfig struct {
	// ASHeight is the number of address-space bits covered by the tree.
	ASHeight int `toml:"as_height"`

	// ASOffset is the first address space stored in the tree.
	ASOffset uint32 `toml:"as_offset"`

	// PointerMaxBits bounds pointers to [0, 2^PointerMaxBits).
	PointerMaxBits int `toml:"pointer_max_bits"`

	// TimestampMaxBits bounds in-segment timestamps.
	TimestampMaxBits int `toml:"timestamp_max_bits"`
}

// SegmentationConfig holds the thresholds of the segmentation strategy.
type SegmentationConfig struct {
	MaxSegmentLen  int `toml:"max_segment_len"`
	MaxTraceHeight int `toml:"max_trace_height"`
	MaxCells       int `toml:"max_cells"`
}

// FriConfig is carried through to the backend transcript; the core treats it
// as opaque.
type FriConfig struct {
	LogBlowup       int `toml:"log_blowup"`
	NumQueries      int `toml:"num_queries"`
	ProofOfWorkBits int `toml:"proof_of_work_bits"`
}

// AggregationConfig shapes the recursion tree.
type AggregationConfig struct {
	Fanout int `toml:"fanout"`
}

// VmConfig is the full configuration of a zkVM instance.
type VmConfig struct {
	ContinuationEnabled bool   `toml:"continuation_enabled"`
	NumPublicValues     int    `toml:"num_public_values"`
	MaxConstraintDegree int    `toml:"max_constraint_degree"`
	Profiling           bool   `toml:"profiling"`
	Hasher              string `toml:"hasher"`
	HashCacheSize       int    `toml:"hash_cache_size"`
	RangeDecompBits     int    `toml:"range_decomp_bits"`
	ProverWorkers       int    `toml:"prover_workers"`

	Memory       MemoryConfig       `toml:"memory"`
	Segmentation SegmentationConfig `toml:"segmentation"`
	Fri          FriConfig          `toml:"fri"`
	Aggregation  AggregationConfig  `toml:"aggregation"`
}

// DefaultVmConfig returns the configuration used by the examples and tests:
// 16 user public values, 4 address-space bits, 16 pointer bits.
func DefaultVmConfig() *VmConfig {
	return &VmConfig{
		ContinuationEnabled: true,
		NumPublicValues:     16,
		MaxConstraintDegree: 7,
		Profiling:           false,
		Hasher:              "tip5",
		HashCacheSize:       1 << 14,
		RangeDecompBits:     8,
		ProverWorkers:       4,
		Memory: MemoryConfig{
			ASHeight:         4,
			ASOffset:         1,
			PointerMaxBits:   16,
			TimestampMaxBits: 24,
		},
		Segmentation: SegmentationConfig{
			MaxSegmentLen:  1 << 20,
			MaxTraceHeight: 1 << 22,
			MaxCells:       1 << 28,
		},
		Fri: FriConfig{
			LogBlowup:       1,
			NumQueries:      100,
			ProofOfWorkBits: 16,
		},
		Aggregation: AggregationConfig{
			Fanout: 2,
		},
	}
}

// AggregationVmConfig derives the configuration of the single-segment VM
// that runs verifier programs.
func (c *VmConfig) AggregationVmConfig(numPublicValues int) *VmConfig {
	agg := c.Clone()
	agg.ContinuationEnabled = false
	agg.NumPublicValues = numPublicValues
	agg.Profiling = false
	return agg
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*VmConfig, error) {
	cfg := DefaultVmConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes TOML text over the defaults.
func ParseConfig(data string) (*VmConfig, error) {
	cfg := DefaultVmConfig()
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *VmConfig) Validate() error {
	if c.NumPublicValues <= 0 || c.NumPublicValues%8 != 0 || !IsPowerOfTwo(c.NumPublicValues/8) {
		return fmt.Errorf("num_public_values must be a power-of-two multiple of 8, got %d", c.NumPublicValues)
	}

	if c.Memory.ASHeight < 2 || c.Memory.ASHeight > 8 {
		return fmt.Errorf("memory.as_height must be in [2, 8], got %d", c.Memory.ASHeight)
	}

	if c.Memory.ASOffset == 0 {
		return fmt.Errorf("memory.as_offset must be positive: address space 0 holds immediates")
	}

	if c.Memory.PointerMaxBits < 3 || c.Memory.PointerMaxBits > 29 {
		return fmt.Errorf("memory.pointer_max_bits must be in [3, 29], got %d", c.Memory.PointerMaxBits)
	}

	pvChunks := c.NumPublicValues / 8
	if Log2(pvChunks) > c.Memory.PointerMaxBits-3 {
		return fmt.Errorf("%d public values do not fit in one address space", c.NumPublicValues)
	}

	if c.Memory.TimestampMaxBits <= 0 || c.Memory.TimestampMaxBits > 30 {
		return fmt.Errorf("memory.timestamp_max_bits must be in [1, 30], got %d", c.Memory.TimestampMaxBits)
	}

	if c.RangeDecompBits <= 0 || c.RangeDecompBits > 16 {
		return fmt.Errorf("range_decomp_bits must be in [1, 16], got %d", c.RangeDecompBits)
	}

	if c.MaxConstraintDegree < 2 {
		return fmt.Errorf("max_constraint_degree must be at least 2, got %d", c.MaxConstraintDegree)
	}

	switch c.Hasher {
	case "tip5", "sha3", "blake3":
	default:
		return fmt.Errorf("hasher must be 'tip5', 'sha3' or 'blake3', got '%s'", c.Hasher)
	}

	if c.ContinuationEnabled && c.Segmentation.MaxSegmentLen <= 0 {
		return fmt.Errorf("segmentation.max_segment_len must be positive")
	}

	if c.Segmentation.MaxTraceHeight <= 0 || c.Segmentation.MaxCells <= 0 {
		return fmt.Errorf("segmentation limits must be positive")
	}

	if c.ProverWorkers < 0 {
		return fmt.Errorf("prover_workers must not be negative")
	}

	if c.Aggregation.Fanout < 2 {
		return fmt.Errorf("aggregation.fanout must be at least 2, got %d", c.Aggregation.Fanout)
	}

	return nil
}

// EffectiveMaxSegmentLen returns the instruction bound of one segment;
// without continuations it is unbounded.
func (c *VmConfig) EffectiveMaxSegmentLen() int {
	if !c.ContinuationEnabled {
		return math.MaxInt
	}
	return c.Segmentation.MaxSegmentLen
}

// WithContinuations enables or disables continuations
func (c *VmConfig) WithContinuations(enabled bool) *VmConfig {
	c.ContinuationEnabled = enabled
	return c
}

// WithNumPublicValues sets the size of the user public values buffer
func (c *VmConfig) WithNumPublicValues(n int) *VmConfig {
	c.NumPublicValues = n
	return c
}

// WithMaxSegmentLen sets the hard instruction bound per segment
func (c *VmConfig) WithMaxSegmentLen(n int) *VmConfig {
	c.Segmentation.MaxSegmentLen = n
	return c
}

// WithMaxTraceHeight sets the per-AIR trace height threshold
func (c *VmConfig) WithMaxTraceHeight(n int) *VmConfig {
	c.Segmentation.MaxTraceHeight = n
	return c
}

// WithMemoryDimensions sets the address-space and pointer bits
func (c *VmConfig) WithMemoryDimensions(asHeight, pointerMaxBits int) *VmConfig {
	c.Memory.ASHeight = asHeight
	c.Memory.PointerMaxBits = pointerMaxBits
	return c
}

// WithHasher sets the hash function
func (c *VmConfig) WithHasher(name string) *VmConfig {
	c.Hasher = name
	return c
}

// WithProfiling toggles metric events
func (c *VmConfig) WithProfiling(enabled bool) *VmConfig {
	c.Profiling = enabled
	return c
}

// WithMaxConstraintDegree sets the constraint degree bound
func (c *VmConfig) WithMaxConstraintDegree(d int) *VmConfig {
	c.MaxConstraintDegree = d
	return c
}

// WithFanout sets the aggregation arity
func (c *VmConfig) WithFanout(n int) *VmConfig {
	c.Aggregation.Fanout = n
	return c
}

// Clone creates a copy of the configuration
func (c *VmConfig) Clone() *VmConfig {
	clone := *c
	return &clone
}
