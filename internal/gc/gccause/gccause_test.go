package gccause

import "testing"

func TestCauseNames(t *testing.T) {
	for c := Alloc; c <= PreZygoteFork; c++ {
		if c.String() == "" {
			t.Errorf("cause %d has no name", int(c))
		}
	}
	if Instrumentation.IsCollection() || !Alloc.IsCollection() {
		t.Error("IsCollection mismatch")
	}
}

func TestInvalidCausePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Invalid.String() did not panic")
		}
	}()
	_ = Invalid.String()
}

func TestParseCollectorType(t *testing.T) {
	for _, name := range []string{"MS", "CMS", "SS", "GSS", "MC", "CC"} {
		ct, ok := ParseCollectorType(name)
		if !ok || ct.String() != name {
			t.Errorf("ParseCollectorType(%q) = %v, %v", name, ct, ok)
		}
	}
	if !CollectorCC.IsMovingGc() || CollectorCMS.IsMovingGc() {
		t.Error("IsMovingGc mismatch")
	}
}

func TestPreservesSoftReferences(t *testing.T) {
	for _, c := range []Cause{Background, ForNativeAlloc, CollectorTransition, HomogeneousSpaceCompact} {
		if !c.PreservesSoftReferences() {
			t.Errorf("%v clears soft references", c)
		}
	}
	for _, c := range []Cause{Alloc, Explicit, PreZygoteFork} {
		if c.PreservesSoftReferences() {
			t.Errorf("%v preserves soft references", c)
		}
	}
}
