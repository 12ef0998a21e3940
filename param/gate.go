package param

import "sync"

// Gate is the set of parameter names whose external writes must be
// rejected: arm-state readback, effective-sample-rate readback, burst-meta
// fields, every effective-value param, and every desired param of an
// internal TypedParam (spec §3.4).
type Gate struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// NewGate returns an empty Gate.
func NewGate() *Gate {
	return &Gate{set: map[string]struct{}{}}
}

// Add marks name as protected.
func (g *Gate) Add(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.set[name] = struct{}{}
}

// Contains reports whether name is protected.
func (g *Gate) Contains(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.set[name]
	return ok
}
