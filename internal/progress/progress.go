// Package progress carries percent/message updates from long-running steps
// to whoever displays them.
package progress

import "sync"

// Sink receives progress updates. Percent is in [0, 100].
type Sink interface {
	Report(percent float64, message string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(percent float64, message string)

func (f SinkFunc) Report(percent float64, message string) { f(percent, message) }

// Discard drops all updates.
var Discard Sink = SinkFunc(func(float64, string) {})

type span struct {
	parent Sink
	lo, hi float64
}

// Span returns a Sink which maps the full [0, 100] range of a sub-step onto
// [lo, hi] of parent.
func Span(parent Sink, lo, hi float64) Sink {
	if parent == nil {
		parent = Discard
	}
	return &span{parent: parent, lo: lo, hi: hi}
}

func (s *span) Report(percent float64, message string) {
	s.parent.Report(s.lo+(s.hi-s.lo)*clamp(percent)/100, message)
}

// Fraction converts done/total into a percentage, treating an empty total as
// complete.
func Fraction(done, total int64) float64 {
	if total <= 0 {
		return 100
	}
	return clamp(float64(done) * 100 / float64(total))
}

func clamp(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// Monotonic forwards updates to Next, never letting the reported percentage
// decrease. The message is always forwarded.
type Monotonic struct {
	Next Sink

	mu   sync.Mutex
	last float64
}

func (m *Monotonic) Report(percent float64, message string) {
	m.mu.Lock()
	percent = clamp(percent)
	if percent < m.last {
		percent = m.last
	}
	m.last = percent
	m.mu.Unlock()
	m.Next.Report(percent, message)
}
