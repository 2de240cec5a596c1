package driver

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// UseSwap decides whether compiled code is kept in a swap file: only for
// apps with at least countThreshold inputs totalling at least
// sizeThreshold bytes. Boot images always compile in memory.
func UseSwap(isBootImage bool, numInputs int, totalBytes int64, countThreshold int, sizeThreshold int64) bool {
	if isBootImage {
		return false
	}
	return numInputs >= countThreshold && totalBytes >= sizeThreshold
}

// openSwapFile creates the swap file at path and unlinks it straight away,
// so its space goes back to the system when it is closed.
func openSwapFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, resourceErr(path, err)
	}
	if err := os.Remove(path); err != nil {
		f.Close()
		return nil, resourceErr(path, errors.Wrap(err, "unlink swap file"))
	}
	return f, nil
}

// swapRef locates a block stored in a SwapSpace.
type swapRef struct {
	off int64
	n   int
}

// SwapSpace keeps blocks of compiled code in a file instead of the heap.
// Store may be called from every compiler worker; at most maxWriters
// writes are in flight at once.
type SwapSpace struct {
	f   *os.File
	sem *semaphore.Weighted
	log *zap.SugaredLogger

	mu     sync.Mutex
	end    int64
	blocks int
}

// NewSwapSpace returns a swap space appending to f.
func NewSwapSpace(f *os.File, maxWriters int, log *zap.SugaredLogger) *SwapSpace {
	if maxWriters < 1 {
		maxWriters = 1
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SwapSpace{f: f, sem: semaphore.NewWeighted(int64(maxWriters)), log: log}
}

// Store writes b to the swap file.
func (s *SwapSpace) Store(ctx context.Context, b []byte) (swapRef, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return swapRef{}, err
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	ref := swapRef{off: s.end, n: len(b)}
	s.end += int64(len(b))
	s.blocks++
	s.mu.Unlock()

	if _, err := s.f.WriteAt(b, ref.off); err != nil {
		return swapRef{}, resourceErr(s.f.Name(), errors.Wrap(err, "write swap"))
	}
	return ref, nil
}

// Load reads back a stored block.
func (s *SwapSpace) Load(ref swapRef) ([]byte, error) {
	b := make([]byte, ref.n)
	if _, err := s.f.ReadAt(b, ref.off); err != nil {
		return nil, resourceErr(s.f.Name(), errors.Wrap(err, "read swap"))
	}
	return b, nil
}

// Size returns the number of bytes stored.
func (s *SwapSpace) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.end
}

// Close closes the swap file, releasing its space.
func (s *SwapSpace) Close() error {
	s.mu.Lock()
	s.log.Debugw("closing swap space", "bytes", s.end, "blocks", s.blocks)
	s.mu.Unlock()
	return resourceErr(s.f.Name(), s.f.Close())
}
