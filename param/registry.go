package param

// Registry is the ordered collection of TypedParams owned by one
// controller (spec §3.1/C2). Insertion order is preserved so snapshot
// capture and effective-value publication happen in a deterministic,
// repeatable order across armings.
type Registry struct {
	params []*Param
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) add(p *Param) {
	r.params = append(r.params, p)
}

// Params returns the registered params in registration order.
func (r *Registry) Params() []*Param {
	out := make([]*Param, len(r.params))
	copy(out, r.params)
	return out
}

// CaptureAll snapshots every registered param's desired value (spec §4.4
// step 2).
func (r *Registry) CaptureAll() {
	for _, p := range r.params {
		p.capture()
	}
}

// PushEffectiveFromSnapshotAll pushes every registered param's effective
// value from its snapshot (spec §4.4 step 5).
func (r *Registry) PushEffectiveFromSnapshotAll() error {
	for _, p := range r.params {
		if err := p.pushEffectiveFromSnapshot(); err != nil {
			return err
		}
	}
	return nil
}

// PushEffectiveInvalidAll resets every registered param's effective value to
// its invalid sentinel (spec §4.4 cleanup path).
func (r *Registry) PushEffectiveInvalidAll() error {
	for _, p := range r.params {
		if err := p.pushEffectiveInvalid(); err != nil {
			return err
		}
	}
	return nil
}
