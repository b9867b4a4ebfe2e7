package vm

import "github.com/vybium/vybium-zkvm/internal/vybium-zkvm/utils"

// SegmentStats is what the segmentation strategy sees before each
// instruction.
type SegmentStats struct {
	Instructions int

	// MaxTraceHeight is the tallest executor table so far, counting the
	// memory access log as a table.
	MaxTraceHeight int

	// Cells is the summed area of the executor tables.
	Cells int
}

// SegmentationStrategy decides when to cut a segment.
type SegmentationStrategy interface {
	ShouldSegment(stats SegmentStats) bool
}

// DefaultSegmentationStrategy cuts when any threshold is reached.
type DefaultSegmentationStrategy struct {
	MaxSegmentLen  int
	MaxTraceHeight int
	MaxCells       int
}

// NewDefaultSegmentationStrategy reads the thresholds from cfg.
func NewDefaultSegmentationStrategy(cfg *utils.VmConfig) *DefaultSegmentationStrategy {
	return &DefaultSegmentationStrategy{
		MaxSegmentLen:  cfg.EffectiveMaxSegmentLen(),
		MaxTraceHeight: cfg.Segmentation.MaxTraceHeight,
		MaxCells:       cfg.Segmentation.MaxCells,
	}
}

// ShouldSegment implements SegmentationStrategy.
func (s *DefaultSegmentationStrategy) ShouldSegment(stats SegmentStats) bool {
	return stats.Instructions >= s.MaxSegmentLen ||
		stats.MaxTraceHeight >= s.MaxTraceHeight ||
		stats.Cells >= s.MaxCells
}

func collectStats(instructions int, reg *ExecutorRegistry, accesses int) SegmentStats {
	stats := SegmentStats{Instructions: instructions, MaxTraceHeight: accesses}
	for _, ex := range reg.Executors() {
		h := ex.Height()
		stats.MaxTraceHeight = max(stats.MaxTraceHeight, h)
		stats.Cells += h * ex.Air().Width()
	}
	return stats
}
