package base

import "testing"

func TestRoundUp(t *testing.T) {
	tests := []struct {
		x, n, want uint32
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{4095, 4096, 4096},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.x, tt.n); got != tt.want {
			t.Errorf("RoundUp(%d, %d) = %d, want %d", tt.x, tt.n, got, tt.want)
		}
		if got := RoundDown(tt.want, tt.n); got != tt.want {
			t.Errorf("RoundDown(%d, %d) = %d, want %d", tt.want, tt.n, got, tt.want)
		}
	}
}

func TestLog2(t *testing.T) {
	if got := Log2(uint64(128)); got != 7 {
		t.Errorf("Log2(128) = %d, want 7", got)
	}
	if got := Log2(uint32(1)); got != 0 {
		t.Errorf("Log2(1) = %d, want 0", got)
	}
	if !IsPowerOfTwo(64) || IsPowerOfTwo(0) || IsPowerOfTwo(12) {
		t.Error("IsPowerOfTwo mismatch")
	}
}
