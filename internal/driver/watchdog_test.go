package driver

import (
	"bytes"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestWatchDogFires(t *testing.T) {
	c := qt.New(t)
	var out lockedBuffer
	exited := make(chan int, 1)
	w := newWatchDog(true, time.Millisecond, &out, func(code int) { exited <- code })
	select {
	case code := <-exited:
		c.Assert(code, qt.Equals, 1)
	case <-time.After(10 * time.Second):
		c.Fatal("watchdog did not fire")
	}
	w.Stop()
	c.Assert(out.String(), qt.Matches, `dex2oat: fatal: did not finish after .*\n`)
}

func TestWatchDogStop(t *testing.T) {
	var out lockedBuffer
	w := newWatchDog(true, time.Hour, &out, func(int) { t.Error("watchdog fired") })
	w.Stop()
	w.Stop()
	qt.Assert(t, out.String(), qt.Equals, "")
}

func TestWatchDogDisabled(t *testing.T) {
	w := newWatchDog(false, time.Millisecond, nil, nil)
	qt.Assert(t, w, qt.IsNil)
	// Stopping a disabled watchdog is fine.
	w.Stop()
}
