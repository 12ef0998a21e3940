// Package param implements TypedParam<V,E> and the ordered ParamRegistry
// that owns them (spec §3.1, §4.1). It rewrites the legacy "template
// specialisation per (V,E) type pair" idiom as a single enum-tagged struct
// dispatched on Kind, per the redesign note in spec §9: the registry stores
// one concrete type and each method branches on Kind rather than the caller
// juggling three generated classes.
//
// All operations on a Param must be called with the owning controller's
// mutex held, except where documented otherwise (spec §4.1); this package
// does no locking of its own.
package param

import (
	"fmt"
	"math"

	"github.com/epics-trcore/trcore/bus"
)

// Kind tags which (desired, effective) type pair a Param carries.
type Kind int

const (
	// IntInt is (int,int): a desired integer with an integer effective
	// readback, e.g. a reported configuration with no hardware "invalid" state
	// worth expressing as NaN.
	IntInt Kind = iota
	// IntFloat is (int,real): a desired integer with a real effective
	// readback, so the effective value can go to NaN when unarmed.
	IntFloat
	// FloatFloat is (real,real).
	FloatFloat
)

// Param is one tunable knob: a pair of bus-visible values (DESIRED_<name>,
// EFFECTIVE_<name>) plus the snapshot and irrelevant-flag machinery arming
// needs (spec §3.1).
type Param struct {
	name     string
	kind     Kind
	internal bool

	b    *bus.Bus
	gate *Gate

	desiredI int64
	desiredF float64

	effectiveI int64
	effectiveF float64

	invalidI int64
	invalidF float64

	snapshotI int64
	snapshotF float64

	irrelevant bool

	onDesiredWritten func()
}

// New creates a TypedParam of the given kind, registers its two bus
// parameters ("DESIRED_<baseName>", "EFFECTIVE_<baseName>"), sets the
// effective value to invalid, marks the effective parameter (and the desired
// parameter too, if internal) as write-protected, and appends the param to
// reg. It may be called at most once per Param (spec §4.1 init).
func New(reg *Registry, b *bus.Bus, gate *Gate, baseName string, kind Kind, invalidI int64, invalidF float64, internal bool) (*Param, error) {
	p := &Param{
		name:     baseName,
		kind:     kind,
		internal: internal,
		b:        b,
		gate:     gate,
		invalidI: invalidI,
		invalidF: invalidF,
		effectiveI: invalidI,
		effectiveF: invalidF,
	}

	desiredName := "DESIRED_" + baseName
	effectiveName := "EFFECTIVE_" + baseName

	desiredKind := bus.KindInt
	if kind == FloatFloat {
		desiredKind = bus.KindFloat
	}
	effectiveKind := bus.KindInt
	if kind != IntInt {
		effectiveKind = bus.KindFloat
	}

	if err := b.Create(desiredName, bus.Value{Kind: desiredKind}); err != nil {
		return nil, fmt.Errorf("param: %w", err)
	}
	if err := b.Create(effectiveName, p.effectiveValue(effectiveKind)); err != nil {
		return nil, fmt.Errorf("param: %w", err)
	}
	if err := b.OnWrite(desiredName, p.handleDesiredWrite); err != nil {
		return nil, fmt.Errorf("param: %w", err)
	}

	gate.Add(effectiveName)
	if internal {
		gate.Add(desiredName)
	}

	reg.add(p)
	return p, nil
}

func (p *Param) effectiveValue(k bus.Kind) bus.Value {
	if k == bus.KindInt {
		return bus.Int(p.effectiveI)
	}
	return bus.Float(p.effectiveF)
}

func (p *Param) handleDesiredWrite(v bus.Value) error {
	switch p.kind {
	case FloatFloat:
		p.desiredF = v.F
	default:
		p.desiredI = v.I
	}
	if err := p.b.Set("DESIRED_"+p.name, v); err != nil {
		return err
	}
	if p.onDesiredWritten != nil {
		p.onDesiredWritten()
	}
	return nil
}

// OnDesiredWritten installs a hook invoked after an external write to the
// desired value lands, e.g. ArmController wiring requested_sample_rate to
// the adapter's rate-recompute callback (spec §4.3).
func (p *Param) OnDesiredWritten(fn func()) {
	p.onDesiredWritten = fn
}

// Name returns the base name this Param was registered under.
func (p *Param) Name() string { return p.name }

// GetDesiredInt reads the current desired value of an (int,*) param.
func (p *Param) GetDesiredInt() int64 { return p.desiredI }

// GetDesiredFloat reads the current desired value of a (real,real) param.
func (p *Param) GetDesiredFloat() float64 { return p.desiredF }

// SetDesiredInt updates the desired value of an internal (int,*) param; it
// is only valid for internal params (spec §4.1 set_desired).
func (p *Param) SetDesiredInt(v int64) error {
	if !p.internal {
		return fmt.Errorf("param: %s is not internal, set_desired is not allowed", p.name)
	}
	p.desiredI = v
	return p.b.Set("DESIRED_"+p.name, bus.Int(v))
}

// SetDesiredFloat updates the desired value of an internal (real,real)
// param.
func (p *Param) SetDesiredFloat(v float64) error {
	if !p.internal {
		return fmt.Errorf("param: %s is not internal, set_desired is not allowed", p.name)
	}
	p.desiredF = v
	return p.b.Set("DESIRED_"+p.name, bus.Float(v))
}

// GetSnapshotInt reads the frozen snapshot value. Legal only inside the
// snapshot window (spec §3.1 invariants).
func (p *Param) GetSnapshotInt() int64 { return p.snapshotI }

// GetSnapshotFloat reads the frozen snapshot value of a (real,real) param.
func (p *Param) GetSnapshotFloat() float64 { return p.snapshotF }

// SetSnapshotInt overwrites the captured snapshot. Legal only inside
// check_settings (spec §4.1 set_snapshot).
func (p *Param) SetSnapshotInt(v int64) { p.snapshotI = v }

// SetSnapshotFloat overwrites the captured snapshot of a (real,real) param.
func (p *Param) SetSnapshotFloat(v float64) { p.snapshotF = v }

// SetIrrelevant marks the param as unused by the current configuration.
// Legal only inside check_settings (spec §4.1).
func (p *Param) SetIrrelevant() { p.irrelevant = true }

// IsIrrelevant reports the irrelevant flag.
func (p *Param) IsIrrelevant() bool { return p.irrelevant }

// capture freezes desired into snapshot and clears irrelevant (spec §4.1).
func (p *Param) capture() {
	p.snapshotI = p.desiredI
	p.snapshotF = p.desiredF
	p.irrelevant = false
}

// pushEffectiveFromSnapshot writes effective from the (possibly adapter
// edited) snapshot, or invalid if irrelevant (spec §4.1).
func (p *Param) pushEffectiveFromSnapshot() error {
	if p.irrelevant {
		return p.pushEffectiveInvalid()
	}
	switch p.kind {
	case IntInt:
		p.effectiveI = p.snapshotI
		return p.b.Set("EFFECTIVE_"+p.name, bus.Int(p.effectiveI))
	case IntFloat:
		p.effectiveF = float64(p.snapshotI)
		return p.b.Set("EFFECTIVE_"+p.name, bus.Float(p.effectiveF))
	default: // FloatFloat
		p.effectiveF = p.snapshotF
		return p.b.Set("EFFECTIVE_"+p.name, bus.Float(p.effectiveF))
	}
}

// pushEffectiveInvalid resets effective to the invalid sentinel (spec
// §4.1).
func (p *Param) pushEffectiveInvalid() error {
	switch p.kind {
	case IntInt:
		p.effectiveI = p.invalidI
		return p.b.Set("EFFECTIVE_"+p.name, bus.Int(p.effectiveI))
	default:
		p.effectiveF = p.invalidF
		return p.b.Set("EFFECTIVE_"+p.name, bus.Float(p.effectiveF))
	}
}

// IsInvalidFloat reports whether f is this param's invalid sentinel,
// correctly handling NaN (which never compares equal to itself).
func IsInvalidFloat(f, invalid float64) bool {
	if math.IsNaN(invalid) {
		return math.IsNaN(f)
	}
	return f == invalid
}
