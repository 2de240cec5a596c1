package driver

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/you-not-fish/dex2oat/internal/base"
)

// WatchDog aborts the process when a compilation runs past its deadline.
// It reports straight to stderr: whatever hangs may hold the logger.
type WatchDog struct {
	timeout time.Duration
	out     io.Writer
	exit    func(code int)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchDog starts a watchdog, or returns nil when it is disabled. Debug
// builds allow five times the timeout.
func NewWatchDog(enabled bool, timeout time.Duration) *WatchDog {
	return newWatchDog(enabled, timeout, os.Stderr, os.Exit)
}

func newWatchDog(enabled bool, timeout time.Duration, out io.Writer, exit func(int)) *WatchDog {
	if !enabled {
		return nil
	}
	if base.IsDebugBuild {
		timeout *= 5
	}
	w := &WatchDog{
		timeout: timeout,
		out:     out,
		exit:    exit,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.wait()
	return w
}

func (w *WatchDog) wait() {
	defer close(w.done)
	t := time.NewTimer(w.timeout)
	defer t.Stop()
	select {
	case <-w.stop:
	case <-t.C:
		fmt.Fprintf(w.out, "dex2oat: fatal: did not finish after %v\n", w.timeout)
		w.exit(1)
	}
}

// Stop disarms the watchdog and waits for it to finish. It is a no-op on
// a nil or already stopped watchdog.
func (w *WatchDog) Stop() {
	if w == nil {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}
