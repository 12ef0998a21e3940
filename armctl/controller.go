// Package armctl implements the arming sequence controller (spec §4.2–§4.6,
// C4/C5): a single-threaded state machine driving a digitizer adapter
// through wait-for-preconditions → validate → start → read-loop → stop, with
// a configuration snapshot mechanism, a burst read loop with hardware-buffer
// overflow recovery, and a cancellation protocol that lets an external
// disarm request or a driver-initiated disarm preempt any stage without
// data races.
//
// The legacy "goto error"/"goto stopped" cleanup fan-in is rewritten here as
// a single cleanup routine consuming an outcome tag and a
// start-acquisition-attempted flag (spec §9); the legacy "event + mutex +
// flag trio" for cancellation is rewritten as two channels (disarm-requested,
// start-arming) plus a couple of plain bools guarded by the port lock,
// matching the stop-channel idiom devices/bmxx80 and go-lpc/mim/eda use for
// their own continuous-acquisition goroutines.
package armctl

import (
	"log"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epics-trcore/trcore/arraysink"
	"github.com/epics-trcore/trcore/bus"
	"github.com/epics-trcore/trcore/param"
	"github.com/epics-trcore/trcore/timeaxis"
)

// Fixed base parameter names (spec §6.1).
const (
	ParamArmRequest         = "ARM_REQUEST"
	ParamArmState           = "ARM_STATE"
	ParamEffectiveSampleRate = "EFFECTIVE_SAMPLE_RATE"
	ParamBurstID             = "BURST_ID"
	ParamBurstTimeBurst      = "BURST_TIME_BURST"
	ParamBurstTimeRead       = "BURST_TIME_READ"
	ParamBurstTimeProcess    = "BURST_TIME_PROCESS"
	ParamSleepAfterBurst     = "SLEEP_AFTER_BURST"
	ParamDigitizerName       = "DIGITIZER_NAME"
	ParamTimeArrayUnitInv    = "TIME_ARRAY_UNIT_INV"

	baseNumBursts            = "NUM_BURSTS"
	baseNumPostSamples       = "NUM_POST_SAMPLES"
	baseNumPrePostSamples    = "NUM_PRE_POST_SAMPLES"
	baseRequestedSampleRate  = "REQUESTED_SAMPLE_RATE"
	baseAchievableSampleRate = "ACHIEVABLE_SAMPLE_RATE"

	// Full bus names for the external-facing base TypedParams, exported so
	// integrations and the CLI demo can address them without constructing
	// "DESIRED_"+name themselves.
	ParamDesiredNumBursts           = "DESIRED_" + baseNumBursts
	ParamDesiredNumPostSamples      = "DESIRED_" + baseNumPostSamples
	ParamDesiredNumPrePostSamples   = "DESIRED_" + baseNumPrePostSamples
	ParamDesiredRequestedSampleRate = "DESIRED_" + baseRequestedSampleRate
	ParamEffectiveAchievableSampleRate = "EFFECTIVE_" + baseAchievableSampleRate
)

// Config bundles the collaborators an ArmController needs at construction.
type Config struct {
	Bus          *bus.Bus
	Adapter      DigitizerAdapter
	Sink         arraysink.Sink
	Axis         *timeaxis.Port
	DigitizerName string
	Logger       *log.Logger
}

// ArmController is the state machine and read loop described above (C5). It
// owns the acquisition goroutine, the disarm signal, the write-protect
// gate, and the base parameters (num bursts, pre/post samples, sample
// rates).
type ArmController struct {
	mu sync.Mutex

	b       *bus.Bus
	adapter DigitizerAdapter
	sink    arraysink.Sink
	axis    *timeaxis.Port
	log     *log.Logger

	reg  *param.Registry
	gate *param.Gate

	numBursts            *param.Param
	numPostSamples       *param.Param
	numPrePostSamples    *param.Param
	requestedSampleRate  *param.Param
	achievableSampleRate *param.Param

	state        ArmState
	requestedState ArmState // latest accepted ARM_REQUEST, coalesced (spec §4.3, §4.6)

	disarmRequested      bool
	disarmRequestedEvent chan struct{}
	startArmingEvent     chan struct{}
	inReadLoop           bool
	interruptCalled      bool
	allowingData         bool

	armed atomic.Bool

	rateForDisplay float64

	closed chan struct{}
}

// New constructs an ArmController: it creates the fixed base parameters,
// the five base TypedParams, wires the ProtectedParamGate, registers the
// ARM_REQUEST and REQUESTED_SAMPLE_RATE write handlers, installs the bus
// write guard, and starts the acquisition goroutine.
//
// Parameter creation failing here is the one fatal-init-failure case spec
// §7 calls out as non-recoverable; New returns the first error rather than
// panicking, leaving the decision to terminate the process to the caller
// (typically main, exactly as periph's cmd/* mainImpl()/os.Exit(1) pattern
// does for unrecoverable setup failures).
func New(cfg Config) (*ArmController, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "armctl: ", log.LstdFlags)
	}

	c := &ArmController{
		b:                cfg.Bus,
		adapter:          cfg.Adapter,
		sink:             cfg.Sink,
		axis:             cfg.Axis,
		log:              logger,
		reg:              param.NewRegistry(),
		gate:             param.NewGate(),
		disarmRequestedEvent: make(chan struct{}),
		startArmingEvent:     make(chan struct{}, 1),
		closed:               make(chan struct{}),
	}

	if err := c.initBaseParams(cfg.DigitizerName); err != nil {
		return nil, err
	}

	c.b.SetGuard(func(name string) error {
		if c.gate.Contains(name) {
			c.log.Printf("rejected protected write to %s", name)
			return newError(StageProtectedWrite, "%s is read-only", name)
		}
		return nil
	})

	if err := c.b.OnWrite(ParamArmRequest, c.handleArmRequestWrite); err != nil {
		return nil, err
	}
	c.requestedSampleRate.OnDesiredWritten(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.adapter.RequestedSampleRateChanged(c)
	})

	go c.acquisitionLoop()
	return c, nil
}

func (c *ArmController) initBaseParams(digitizerName string) error {
	if err := c.b.Create(ParamArmRequest, bus.Int(int64(Disarm))); err != nil {
		return err
	}
	if err := c.b.Create(ParamArmState, bus.Int(int64(Disarm))); err != nil {
		return err
	}
	c.gate.Add(ParamArmState)

	if err := c.b.Create(ParamEffectiveSampleRate, bus.Float(math.NaN())); err != nil {
		return err
	}
	c.gate.Add(ParamEffectiveSampleRate)

	for _, name := range []string{ParamBurstID, ParamBurstTimeBurst, ParamBurstTimeRead, ParamBurstTimeProcess} {
		var v bus.Value
		if name == ParamBurstID {
			v = bus.Int(0)
		} else {
			v = bus.Float(math.NaN())
		}
		if err := c.b.Create(name, v); err != nil {
			return err
		}
		c.gate.Add(name)
	}

	if err := c.b.Create(ParamSleepAfterBurst, bus.Float(0)); err != nil {
		return err
	}
	if err := c.b.OnWrite(ParamSleepAfterBurst, func(v bus.Value) error {
		return c.b.Set(ParamSleepAfterBurst, v)
	}); err != nil {
		return err
	}

	if err := c.b.Create(ParamDigitizerName, bus.String(digitizerName)); err != nil {
		return err
	}
	c.gate.Add(ParamDigitizerName)

	if err := c.b.Create(ParamTimeArrayUnitInv, bus.Float(math.NaN())); err != nil {
		return err
	}
	c.gate.Add(ParamTimeArrayUnitInv)

	var err error
	if c.numBursts, err = param.New(c.reg, c.b, c.gate, baseNumBursts, param.IntFloat, 0, math.NaN(), false); err != nil {
		return err
	}
	if c.numPostSamples, err = param.New(c.reg, c.b, c.gate, baseNumPostSamples, param.IntFloat, 0, math.NaN(), false); err != nil {
		return err
	}
	if c.numPrePostSamples, err = param.New(c.reg, c.b, c.gate, baseNumPrePostSamples, param.IntFloat, 0, math.NaN(), false); err != nil {
		return err
	}
	if c.requestedSampleRate, err = param.New(c.reg, c.b, c.gate, baseRequestedSampleRate, param.FloatFloat, 0, math.NaN(), false); err != nil {
		return err
	}
	if c.achievableSampleRate, err = param.New(c.reg, c.b, c.gate, baseAchievableSampleRate, param.FloatFloat, 0, math.NaN(), true); err != nil {
		return err
	}
	return nil
}

// Registry exposes the base ParamRegistry so adapters that register their
// own TypedParams (via param.New) share the same capture/push-effective
// sweep.
func (c *ArmController) Registry() *param.Registry { return c.reg }

// Gate exposes the ProtectedParamGate so adapter-created TypedParams (and
// any adapter-specific read-only readbacks) are protected the same way.
func (c *ArmController) Gate() *param.Gate { return c.gate }

// Bus exposes the underlying parameter bus for adapters that need to create
// their own parameters.
func (c *ArmController) Bus() *bus.Bus { return c.b }

// Lock and Unlock take and release the port lock. Callbacks documented as
// able to take or temporarily release it (WaitForPreconditions,
// StartAcquisition, StopAcquisition) use them, as does code on other
// goroutines that needs a mutex-held accessor such as AchievableSampleRate.
// Calling Lock from a callback that already runs with the mutex held
// deadlocks.
func (c *ArmController) Lock()   { c.mu.Lock() }
func (c *ArmController) Unlock() { c.mu.Unlock() }

// State returns the current ArmState.
func (c *ArmController) State() ArmState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ArmController) setStateLocked(s ArmState) {
	c.state = s
	c.b.Set(ParamArmState, bus.Int(int64(s)))
}

// IsArmed reports whether the controller is between the start of
// wait_for_preconditions and stop_acquisition returning (spec §4.2).
func (c *ArmController) IsArmed() bool { return c.armed.Load() }

// RequestedSampleRateDesired returns the desired requested_sample_rate
// value (spec §4.2 base-param accessor). Must be called with the mutex
// held.
func (c *ArmController) RequestedSampleRateDesired() float64 {
	return c.requestedSampleRate.GetDesiredFloat()
}

// SetAchievableSampleRate sets the internal achievable_sample_rate desired
// value (spec §4.2, §6.2). Must be called with the mutex held.
func (c *ArmController) SetAchievableSampleRate(v float64) error {
	return c.achievableSampleRate.SetDesiredFloat(v)
}

// AchievableSampleRate reads the internal achievable_sample_rate desired
// value. Must be called with the mutex held.
func (c *ArmController) AchievableSampleRate() float64 {
	return c.achievableSampleRate.GetDesiredFloat()
}

// NumBurstsSnapshot, NumPostSamplesSnapshot and NumPrePostSamplesSnapshot
// read the frozen base-param snapshots (spec §4.2). Legal only inside the
// snapshot window.
func (c *ArmController) NumBurstsSnapshot() int64         { return c.numBursts.GetSnapshotInt() }
func (c *ArmController) NumPostSamplesSnapshot() int64    { return c.numPostSamples.GetSnapshotInt() }
func (c *ArmController) NumPrePostSamplesSnapshot() int64 { return c.numPrePostSamples.GetSnapshotInt() }

// RateForDisplay returns the rate the most recent check_settings reported.
func (c *ArmController) RateForDisplay() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rateForDisplay
}

// AllowingData reports whether bursts may currently be pushed downstream
// (spec §4.4, §4.6 invariants). Adapters must check this before calling
// Submit on the sink in ProcessBurstData.
func (c *ArmController) AllowingData() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowingData
}

// Sink returns the configured downstream array sink.
func (c *ArmController) Sink() arraysink.Sink { return c.sink }

// Logger returns the controller's log sink.
func (c *ArmController) Logger() *log.Logger { return c.log }

// PublishBurstMeta atomically writes the four burst-meta fields (spec
// §4.2, §4.7, C6). Must be invoked with the mutex NOT held.
func (c *ArmController) PublishBurstMeta(m BurstMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.b.Set(ParamBurstID, bus.Int(int64(m.BurstID)))
	c.b.Set(ParamBurstTimeBurst, bus.Float(m.TBurst))
	c.b.Set(ParamBurstTimeRead, bus.Float(m.TRead))
	c.b.Set(ParamBurstTimeProcess, bus.Float(m.TProcess))
}

// MaybeSleepForTesting sleeps for the current SLEEP_AFTER_BURST value if
// it's greater than zero (spec §4.2, C8). Must be invoked with the mutex
// NOT held.
func (c *ArmController) MaybeSleepForTesting() {
	v, ok := c.b.Read(ParamSleepAfterBurst)
	if !ok || v.F <= 0 {
		return
	}
	time.Sleep(time.Duration(v.F * float64(time.Second)))
}

// RequestDisarmFromDriver lets the adapter request disarm from within a
// callback (spec §4.2). Must be invoked with the mutex held; it is a no-op
// if already disarmed.
func (c *ArmController) RequestDisarmFromDriver() {
	if c.state == Disarm {
		return
	}
	c.requestedState = Disarm
	c.requestDisarmLocked()
}

// handleArmRequestWrite implements the ARM_REQUEST write handler (spec
// §4.3).
func (c *ArmController) handleArmRequestWrite(v bus.Value) error {
	if v.I < int64(Disarm) || v.I > int64(PrePostTrigger) {
		c.log.Printf("rejected invalid ARM_REQUEST value %d", v.I)
		return newError(StageInvalidRequest, "value %d is not Disarm/PostTrigger/PrePostTrigger", v.I)
	}
	target := ArmState(v.I)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Disarm {
		c.requestedState = target
		if err := c.b.Set(ParamArmRequest, v); err != nil {
			return err
		}
		if target == Disarm {
			return nil // disarm idempotence (spec §8.2)
		}
		c.setStateLocked(Busy)
		select {
		case c.startArmingEvent <- struct{}{}:
		default:
		}
		return nil
	}

	c.requestedState = target // arm coalescing: last write wins (spec §8.2)
	if err := c.b.Set(ParamArmRequest, v); err != nil {
		return err
	}
	c.requestDisarmLocked()
	return nil
}

// requestDisarmLocked implements spec §4.6. Caller must hold the mutex.
func (c *ArmController) requestDisarmLocked() {
	if c.disarmRequested {
		return
	}
	c.disarmRequested = true
	c.allowingData = false
	c.setStateLocked(Busy)
	close(c.disarmRequestedEvent)
	if c.inReadLoop && !c.interruptCalled {
		c.interruptCalled = true
		c.adapter.InterruptReading(c)
	}
}
