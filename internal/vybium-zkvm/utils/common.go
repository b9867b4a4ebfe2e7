// Package utils holds configuration, logging and small numeric helpers.
package utils

// IsPowerOfTwo checks if a number is a power of 2
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Log2 computes the base-2 logarithm of a power of 2
func Log2(n int) int {
	if !IsPowerOfTwo(n) {
		return -1
	}

	result := 0
	for n > 1 {
		n >>= 1
		result++
	}
	return result
}

// CeilLog2 returns the smallest k with 2^k >= n.
func CeilLog2(n int) int {
	k := 0
	for (1 << k) < n {
		k++
	}
	return k
}

// NextPowerOfTwo returns the smallest power of 2 >= n
func NextPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	return 1 << CeilLog2(n)
}
