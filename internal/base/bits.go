package base

import "golang.org/x/exp/constraints"

// RoundUp returns x rounded up to a multiple of n. n must be a power of two.
func RoundUp[T constraints.Integer](x, n T) T {
	return (x + n - 1) &^ (n - 1)
}

// RoundDown returns x rounded down to a multiple of n. n must be a power of two.
func RoundDown[T constraints.Integer](x, n T) T {
	return x &^ (n - 1)
}

// IsAligned reports whether x is a multiple of n. n must be a power of two.
func IsAligned[T constraints.Integer](x, n T) bool {
	return x&(n-1) == 0
}

// IsPowerOfTwo reports whether x is a non-zero power of two.
func IsPowerOfTwo[T constraints.Integer](x T) bool {
	return x > 0 && x&(x-1) == 0
}

// Log2 returns floor(log2(x)) for x > 0.
func Log2[T constraints.Unsigned](x T) int {
	n := -1
	for x != 0 {
		x >>= 1
		n++
	}
	return n
}

// KB, MB and GB are byte multipliers.
const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)
