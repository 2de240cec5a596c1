package base

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// TimingLogger records named, possibly nested, timing splits.
type TimingLogger struct {
	name    string
	now     func() time.Time
	timings []Timing
	open    []int
}

// Timing is one recorded split.
type Timing struct {
	Name     string
	Depth    int
	Start    time.Time
	Duration time.Duration
}

// NewTimingLogger returns an empty logger.
func NewTimingLogger(name string) *TimingLogger {
	return &TimingLogger{name: name, now: time.Now}
}

// StartTiming opens a split nested inside any currently open split.
func (t *TimingLogger) StartTiming(label string) {
	t.timings = append(t.timings, Timing{Name: label, Depth: len(t.open), Start: t.now()})
	t.open = append(t.open, len(t.timings)-1)
}

// EndTiming closes the innermost open split.
func (t *TimingLogger) EndTiming() {
	Check(len(t.open) > 0, "EndTiming without StartTiming in %s", t.name)
	i := t.open[len(t.open)-1]
	t.open = t.open[:len(t.open)-1]
	t.timings[i].Duration = t.now().Sub(t.timings[i].Start)
}

// NewSplit closes the innermost split and opens a sibling.
func (t *TimingLogger) NewSplit(label string) {
	t.EndTiming()
	t.StartTiming(label)
}

// Scoped opens a split and returns the function closing it.
func (t *TimingLogger) Scoped(label string) func() {
	t.StartTiming(label)
	return t.EndTiming
}

// Timings returns the recorded splits in start order.
func (t *TimingLogger) Timings() []Timing { return t.timings }

// TotalTime returns the sum of the top-level splits.
func (t *TimingLogger) TotalTime() time.Duration {
	var d time.Duration
	for _, s := range t.timings {
		if s.Depth == 0 {
			d += s.Duration
		}
	}
	return d
}

// Dump writes a human readable table of the splits to w.
func (t *TimingLogger) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s: end, %v\n", t.name, t.TotalTime())
	for _, s := range t.timings {
		fmt.Fprintf(w, "  %s%-40s %v\n", strings.Repeat("  ", s.Depth), s.Name, s.Duration)
	}
}
