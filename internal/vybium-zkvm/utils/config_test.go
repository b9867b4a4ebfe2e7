package utils

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestDefaultVmConfig tests the DefaultVmConfig function
func TestDefaultVmConfig(t *testing.T) {
	config := DefaultVmConfig()

	if config.NumPublicValues != 16 {
		t.Errorf("NumPublicValues = %d, want 16", config.NumPublicValues)
	}

	if config.Memory.ASHeight != 4 || config.Memory.PointerMaxBits != 16 {
		t.Errorf("memory dimensions = (%d, %d), want (4, 16)", config.Memory.ASHeight, config.Memory.PointerMaxBits)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("DefaultVmConfig() should be valid: %v", err)
	}
}

// TestVmConfigValidate tests the Validate method
func TestVmConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *VmConfig)
	}{
		{"public values not a multiple of chunk", func(c *VmConfig) { c.NumPublicValues = 12 }},
		{"public values not a power of two chunks", func(c *VmConfig) { c.NumPublicValues = 24 }},
		{"address space height too small", func(c *VmConfig) { c.Memory.ASHeight = 1 }},
		{"zero address space offset", func(c *VmConfig) { c.Memory.ASOffset = 0 }},
		{"pointer bits too large", func(c *VmConfig) { c.Memory.PointerMaxBits = 30 }},
		{"public values overflow address space", func(c *VmConfig) {
			c.Memory.PointerMaxBits = 4
			c.NumPublicValues = 64
		}},
		{"unknown hasher", func(c *VmConfig) { c.Hasher = "md5" }},
		{"zero segment length", func(c *VmConfig) { c.Segmentation.MaxSegmentLen = 0 }},
		{"low constraint degree", func(c *VmConfig) { c.MaxConstraintDegree = 1 }},
		{"unary fanout", func(c *VmConfig) { c.Aggregation.Fanout = 1 }},
		{"range decomposition too wide", func(c *VmConfig) { c.RangeDecompBits = 17 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultVmConfig()
			tt.mutate(config)
			if err := config.Validate(); err == nil {
				t.Errorf("Validate() should fail")
			}
		})
	}

	t.Run("segment length ignored without continuations", func(t *testing.T) {
		config := DefaultVmConfig().WithContinuations(false).WithMaxSegmentLen(0)
		if err := config.Validate(); err != nil {
			t.Errorf("Validate() = %v, want nil", err)
		}
		if config.EffectiveMaxSegmentLen() <= 1<<40 {
			t.Errorf("EffectiveMaxSegmentLen() = %d, want unbounded", config.EffectiveMaxSegmentLen())
		}
	})
}

// TestVmConfigBuilders tests the With* methods and Clone
func TestVmConfigBuilders(t *testing.T) {
	config := DefaultVmConfig().
		WithNumPublicValues(32).
		WithMaxSegmentLen(100).
		WithMaxTraceHeight(1 << 10).
		WithMemoryDimensions(3, 12).
		WithHasher("sha3").
		WithProfiling(true).
		WithMaxConstraintDegree(3).
		WithFanout(4)

	if config.NumPublicValues != 32 || config.Segmentation.MaxSegmentLen != 100 ||
		config.Segmentation.MaxTraceHeight != 1<<10 || config.Memory.ASHeight != 3 ||
		config.Memory.PointerMaxBits != 12 || config.Hasher != "sha3" || !config.Profiling ||
		config.MaxConstraintDegree != 3 || config.Aggregation.Fanout != 4 {
		t.Errorf("builders did not apply: %+v", config)
	}

	clone := config.Clone()
	clone.Memory.ASHeight = 5
	if config.Memory.ASHeight != 3 {
		t.Error("Clone() should not alias nested structs")
	}

	agg := config.AggregationVmConfig(48)
	if agg.ContinuationEnabled || agg.NumPublicValues != 48 || agg.Profiling {
		t.Errorf("AggregationVmConfig() = %+v", agg)
	}
	if !config.ContinuationEnabled {
		t.Error("AggregationVmConfig() should not mutate the receiver")
	}
}

// TestLoadConfig tests TOML loading over defaults
func TestLoadConfig(t *testing.T) {
	text := `
continuation_enabled = true
num_public_values = 32
hasher = "blake3"

[memory]
as_height = 3

[segmentation]
max_segment_len = 100
`
	config, err := ParseConfig(text)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if config.NumPublicValues != 32 || config.Hasher != "blake3" || config.Memory.ASHeight != 3 {
		t.Errorf("ParseConfig() = %+v", config)
	}
	if config.Memory.PointerMaxBits != 16 {
		t.Errorf("PointerMaxBits = %d, want default 16", config.Memory.PointerMaxBits)
	}
	if config.Segmentation.MaxSegmentLen != 100 {
		t.Errorf("MaxSegmentLen = %d, want 100", config.Segmentation.MaxSegmentLen)
	}

	path := filepath.Join(t.TempDir(), "vm.toml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	fromFile, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if *fromFile != *config {
		t.Errorf("LoadConfig() = %+v, want %+v", fromFile, config)
	}

	if _, err := ParseConfig(`hasher = "md5"`); err == nil {
		t.Error("ParseConfig() should reject an invalid hasher")
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadConfig() should fail on a missing file")
	}
}

// TestLogger tests logger construction and level parsing
func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	logger.Info("segment finalized", "segment", 3)
	logger.Debug("hidden")
	out := buf.String()
	if !strings.Contains(out, "segment finalized") || !strings.Contains(out, "segment=3") {
		t.Errorf("log output = %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug record should be filtered: %q", out)
	}

	if ParseLevel("debug") != slog.LevelDebug || ParseLevel("WARN") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Error("ParseLevel() mapping is wrong")
	}
	OrDiscard(nil).Info("dropped")
}
