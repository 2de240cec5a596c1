package driver

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"go.uber.org/zap/zaptest"
)

func TestUseSwap(t *testing.T) {
	tests := []struct {
		name       string
		boot       bool
		inputs     int
		bytes      int64
		countLimit int
		sizeLimit  int64
		want       bool
	}{
		{"both thresholds met", false, 8, 30 << 20, 2, 20000000, true},
		{"too few inputs", false, 1, 30 << 20, 2, 20000000, false},
		{"too small", false, 8, 1 << 20, 2, 20000000, false},
		{"boot image", true, 8, 30 << 20, 2, 20000000, false},
		{"infinite count threshold", false, 1 << 20, math.MaxInt64, math.MaxInt, 0, false},
		{"zero thresholds", false, 0, 0, 0, 0, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := UseSwap(test.boot, test.inputs, test.bytes, test.countLimit, test.sizeLimit)
			qt.Assert(t, got, qt.Equals, test.want)
		})
	}
}

func TestSwapFileIsUnlinked(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "swap")
	f, err := openSwapFile(path)
	c.Assert(err, qt.IsNil)
	defer f.Close()
	_, err = os.Stat(path)
	c.Assert(os.IsNotExist(err), qt.IsTrue)

	// The file stays usable through the open descriptor.
	_, err = f.WriteAt([]byte("code"), 0)
	c.Assert(err, qt.IsNil)
}

func TestSwapSpaceStoreLoad(t *testing.T) {
	c := qt.New(t)
	f, err := openSwapFile(filepath.Join(c.TempDir(), "swap"))
	c.Assert(err, qt.IsNil)
	s := NewSwapSpace(f, 2, zaptest.NewLogger(t).Sugar())
	defer func() { c.Check(s.Close(), qt.IsNil) }()

	const n = 32
	refs := make([]swapRef, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := s.Store(context.Background(), bytes.Repeat([]byte{byte(i)}, i+1))
			c.Check(err, qt.IsNil)
			refs[i] = ref
		}()
	}
	wg.Wait()

	var total int64
	for i, ref := range refs {
		got, err := s.Load(ref)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.DeepEquals, bytes.Repeat([]byte{byte(i)}, i+1))
		total += int64(i + 1)
	}
	c.Assert(s.Size(), qt.Equals, total)
}

func TestSwapSpaceStoreCancelled(t *testing.T) {
	c := qt.New(t)
	f, err := openSwapFile(filepath.Join(c.TempDir(), "swap"))
	c.Assert(err, qt.IsNil)
	s := NewSwapSpace(f, 1, nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Hold the only slot so Store has to wait on the cancelled context.
	c.Assert(s.sem.Acquire(context.Background(), 1), qt.IsNil)
	_, err = s.Store(ctx, []byte("x"))
	c.Assert(err, qt.Equals, context.Canceled)
	s.sem.Release(1)
}
