package runtime

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/you-not-fish/dex2oat/internal/mirror"
)

func TestInternTable(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	it := rt.InternTable()
	h := rt.Heap()

	foo, err := it.InternStrong(main, "foo")
	c.Assert(err, qt.IsNil)
	c.Assert(mirror.StringValue(h, foo), qt.Equals, "foo")
	again, err := it.InternStrong(main, "foo")
	c.Assert(err, qt.IsNil)
	c.Assert(again, qt.Equals, foo)

	// A weak entry is shared and promoted by a strong request.
	bar, err := it.InternWeak(main, "bar")
	c.Assert(err, qt.IsNil)
	c.Assert(it.WeakSize(), qt.Equals, 1)
	promoted, err := it.InternStrong(main, "bar")
	c.Assert(err, qt.IsNil)
	c.Assert(promoted, qt.Equals, bar)
	c.Assert(it.WeakSize(), qt.Equals, 0)

	// A strong entry satisfies a weak request.
	weakFoo, err := it.InternWeak(main, "foo")
	c.Assert(err, qt.IsNil)
	c.Assert(weakFoo, qt.Equals, foo)
	c.Assert(it.WeakSize(), qt.Equals, 0)

	_, ok := it.Lookup("baz")
	c.Assert(ok, qt.IsFalse)

	var values []string
	for _, r := range it.StrongStrings() {
		values = append(values, mirror.StringValue(h, r))
	}
	c.Assert(values, qt.DeepEquals, []string{"bar", "foo"})
	c.Assert(it.StrongSize(), qt.Equals, 2)
}

func TestInternTableImageStrings(t *testing.T) {
	c := qt.New(t)
	rt := newTestRuntime(t)
	main := rt.MainThread()
	it := rt.InternTable()

	img, err := rt.ClassLinker().AllocString(main, "image")
	c.Assert(err, qt.IsNil)
	it.AddImageStrings([]mirror.Ref{img})
	got, err := it.InternWeak(main, "image")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, img)
	c.Assert(it.StrongSize(), qt.Equals, 1)
	c.Assert(it.WeakSize(), qt.Equals, 0)
}
