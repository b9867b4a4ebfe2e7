package utils

import "testing"

// TestIsPowerOfTwo tests the IsPowerOfTwo function
func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		name     string
		input    int
		expected bool
	}{
		{"zero", 0, false},
		{"negative", -1, false},
		{"one", 1, true},
		{"three", 3, false},
		{"eight", 8, true},
		{"large power", 1 << 20, true},
		{"large non-power", 1023, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPowerOfTwo(tt.input); got != tt.expected {
				t.Errorf("IsPowerOfTwo(%d) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

// TestLog2 tests Log2, CeilLog2 and NextPowerOfTwo together
func TestLog2(t *testing.T) {
	tests := []struct {
		input    int
		log2     int
		ceilLog2 int
		next     int
	}{
		{1, 0, 0, 1},
		{2, 1, 1, 2},
		{3, -1, 2, 4},
		{8, 3, 3, 8},
		{9, -1, 4, 16},
		{1 << 20, 20, 20, 1 << 20},
	}

	for _, tt := range tests {
		if got := Log2(tt.input); got != tt.log2 {
			t.Errorf("Log2(%d) = %d, expected %d", tt.input, got, tt.log2)
		}
		if got := CeilLog2(tt.input); got != tt.ceilLog2 {
			t.Errorf("CeilLog2(%d) = %d, expected %d", tt.input, got, tt.ceilLog2)
		}
		if got := NextPowerOfTwo(tt.input); got != tt.next {
			t.Errorf("NextPowerOfTwo(%d) = %d, expected %d", tt.input, got, tt.next)
		}
	}

	if got := NextPowerOfTwo(0); got != 1 {
		t.Errorf("NextPowerOfTwo(0) = %d, expected 1", got)
	}
}
