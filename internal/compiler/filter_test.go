package compiler

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestParseFilter(t *testing.T) {
	c := qt.New(t)
	for _, f := range Filters() {
		got, err := ParseFilter(f.String())
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, f)
	}
	_, err := ParseFilter("fast")
	c.Assert(err, qt.ErrorMatches, `unknown compiler filter "fast" .*`)

	var f Filter
	c.Assert(f.UnmarshalText([]byte("space-profile")), qt.IsNil)
	c.Assert(f, qt.Equals, SpaceProfile)
}

func TestIsAsGoodAsIsAPartialOrder(t *testing.T) {
	all := Filters()
	for _, a := range all {
		if !a.IsAsGoodAs(a) {
			t.Errorf("%v is not as good as itself", a)
		}
		for _, b := range all {
			if a != b && a.IsAsGoodAs(b) && b.IsAsGoodAs(a) {
				t.Errorf("%v and %v are each as good as the other", a, b)
			}
			for _, c := range all {
				if a.IsAsGoodAs(b) && b.IsAsGoodAs(c) && !a.IsAsGoodAs(c) {
					t.Errorf("%v >= %v >= %v but not %v >= %v", a, b, c, a, c)
				}
			}
		}
	}
	if !Everything.IsAsGoodAs(Speed) || Speed.IsAsGoodAs(Everything) {
		t.Errorf("speed/everything ordering wrong")
	}
}

func TestFilterPredicates(t *testing.T) {
	for _, tc := range []struct {
		f                        Filter
		profile, compile, verify bool
		nonProfile               Filter
	}{
		{VerifyNone, false, false, false, VerifyNone},
		{VerifyAtRuntime, false, false, false, VerifyAtRuntime},
		{VerifyProfile, true, false, true, InterpretOnly},
		{InterpretOnly, false, false, true, InterpretOnly},
		{SpaceProfile, true, true, true, Space},
		{Space, false, true, true, Space},
		{Balanced, false, true, true, Balanced},
		{SpeedProfile, true, true, true, Speed},
		{Speed, false, true, true, Speed},
		{EverythingProfile, true, true, true, Everything},
		{Everything, false, true, true, Everything},
	} {
		t.Run(tc.f.String(), func(t *testing.T) {
			c := qt.New(t)
			c.Assert(tc.f.DependsOnProfile(), qt.Equals, tc.profile)
			c.Assert(tc.f.IsCompilationEnabled(), qt.Equals, tc.compile)
			c.Assert(tc.f.DependsOnImageChecksum(), qt.Equals, tc.compile)
			c.Assert(tc.f.IsVerificationEnabled(), qt.Equals, tc.verify)
			c.Assert(tc.f.NonProfile(), qt.Equals, tc.nonProfile)
		})
	}
}

func TestDeriveInlineLimits(t *testing.T) {
	for _, tc := range []struct {
		name         string
		filter       Filter
		debuggable   bool
		depth, units int
		wantDepth    int
		wantUnits    int
	}{
		{"speed", Speed, false, UnsetInlineLimit, UnsetInlineLimit, 3, 32},
		{"space", Space, false, UnsetInlineLimit, UnsetInlineLimit, 3, 10},
		{"balanced", Balanced, false, UnsetInlineLimit, UnsetInlineLimit, 3, 20},
		{"interpret-only", InterpretOnly, false, UnsetInlineLimit, UnsetInlineLimit, 0, 0},
		{"explicit", Speed, false, 1, 5, 1, 5},
		{"debuggable", Speed, true, 5, 5, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := DefaultOptions()
			o.Filter, o.Debuggable = tc.filter, tc.debuggable
			o.InlineDepthLimit, o.InlineMaxCodeUnits = tc.depth, tc.units
			o.DeriveInlineLimits()
			if o.InlineDepthLimit != tc.wantDepth || o.InlineMaxCodeUnits != tc.wantUnits {
				t.Errorf("limits = %d/%d, want %d/%d", o.InlineDepthLimit, o.InlineMaxCodeUnits, tc.wantDepth, tc.wantUnits)
			}
		})
	}
}

func TestMethodSizes(t *testing.T) {
	c := qt.New(t)
	o := DefaultOptions()
	c.Assert(o.IsHugeMethod(10000), qt.IsFalse)
	c.Assert(o.IsHugeMethod(10001), qt.IsTrue)
	c.Assert(o.IsLargeMethod(601), qt.IsTrue)
	c.Assert(o.IsSmallMethod(60), qt.IsFalse)
	c.Assert(o.IsTinyMethod(21), qt.IsTrue)
	c.Assert(o.IsLargeApp(901), qt.IsTrue)

	o.DeriveInlineLimits()
	o.NoInlineFrom = []string{"core-oj.jar"}
	c.Assert(o.CanInlineFrom("/system/framework/core-oj.jar"), qt.IsFalse)
	c.Assert(o.CanInlineFrom("/system/framework/core-libart.jar"), qt.IsTrue)

	o.VerboseMethods = []string{"Foo;->bar"}
	c.Assert(o.IsVerbose("void LFoo;->bar()"), qt.IsTrue)
	c.Assert(o.IsVerbose("void LFoo;->baz()"), qt.IsFalse)
}
