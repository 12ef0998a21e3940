// Package timeaxis implements the TimeAxisPort collaborator facade (spec
// §6.4, C9): it receives (unit, num_pre, num_post) once arming has
// validated settings, and regenerates a relative time array on demand for
// whichever consumer asks.
package timeaxis

import "sync"

// Port holds the current axis parameters and an update counter consumers
// poll to notice a change, in place of a fan-out notification channel (the
// relative-time-axis generator itself, like the record/template layer, is
// out of scope per spec §1; only this narrow facade is specified).
type Port struct {
	mu      sync.Mutex
	unit    float64
	numPre  int
	numPost int
	updates uint64
}

// NewPort returns a Port with no axis programmed.
func NewPort() *Port {
	return &Port{}
}

// Program installs a new (unit, num_pre, num_post) and toggles the update
// counter (spec §6.4, §4.4 step 5).
func (p *Port) Program(unit float64, numPre, numPost int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unit = unit
	p.numPre = numPre
	p.numPost = numPost
	p.updates++
}

// Updates returns the current update counter, which increments once per
// Program call.
func (p *Port) Updates() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates
}

// Generate emits ((i - num_pre) * unit) for i in [0, num_pre+num_post),
// truncated to maxLen elements. maxLen < 0 means "no truncation".
func (p *Port) Generate(maxLen int) []float64 {
	p.mu.Lock()
	unit, numPre, numPost := p.unit, p.numPre, p.numPost
	p.mu.Unlock()

	n := numPre + numPost
	if maxLen >= 0 && maxLen < n {
		n = maxLen
	}
	if n < 0 {
		n = 0
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = float64(i-numPre) * unit
	}
	return out
}
