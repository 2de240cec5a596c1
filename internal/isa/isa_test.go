package isa

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    InstructionSet
		ptrSize int
	}{
		{"arm", Thumb2, 4},
		{"arm64", Arm64, 8},
		{"x86", X86, 4},
		{"x86_64", X86_64, 8},
		{"mips64", Mips64, 8},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.PointerSize() != tt.ptrSize {
				t.Errorf("%v.PointerSize() = %d, want %d", got, got.PointerSize(), tt.ptrSize)
			}
		})
	}
	if _, err := Parse("sparc"); err == nil {
		t.Error("Parse(sparc) succeeded")
	}
}

func TestParseFeatures(t *testing.T) {
	base := DefaultFeatures(X86_64)
	got, err := ParseFeatures(X86_64, base, "avx,-popcnt")
	if err != nil {
		t.Fatal(err)
	}
	if got&FeatureAVX == 0 || got&FeaturePopCnt != 0 {
		t.Errorf("features = %v, want avx set and popcnt cleared", got)
	}
	if _, err := ParseFeatures(X86_64, base, "warp-drive"); err == nil {
		t.Error("unknown feature accepted")
	}
}

func TestFeaturesFromVariant(t *testing.T) {
	f, err := FeaturesFromVariant(X86_64, "haswell")
	if err != nil {
		t.Fatal(err)
	}
	if f&FeatureAVX2 == 0 {
		t.Errorf("haswell features = %v, want avx2", f)
	}
	if _, err := FeaturesFromVariant(Arm64, "pentium"); err == nil {
		t.Error("unknown variant accepted")
	}
}
