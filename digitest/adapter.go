// Package digitest implements fakes for package armctl, the same role
// conn/conntest and conn/gpio/gpiotest play for package conn: a fully
// scriptable DigitizerAdapter so armctl's state-machine tests don't need
// real (or even simulated) hardware timing.
package digitest

import (
	"sync"

	"github.com/epics-trcore/trcore/armctl"
)

// OverflowResult is one scripted CheckOverflow return value.
type OverflowResult struct {
	Had             bool
	NumBufferBursts int64
	OK              bool
}

// Adapter is a fully scriptable armctl.DigitizerAdapter. Every hook records
// its name to Calls (guarded by the adapter's mutex, since ReadBurst et al.
// run on the acquisition goroutine while a test's own goroutine may be
// reading Calls concurrently) and consumes the next entry from its
// corresponding script slice, repeating the last entry once a script is
// exhausted so tests only need to specify the interesting prefix.
type Adapter struct {
	armctl.BaseAdapter

	SupportsPre    bool
	NumCh          int
	Preconditions  []bool
	RateForDisplay float64
	SettingsOK     []bool
	StartOK        []bool
	ReadOK         []bool
	Overflow       []OverflowResult
	ProcessOK      []bool

	// BlockReadBurst makes ReadBurst block until InterruptReading fires,
	// instead of returning immediately, for tests exercising a disarm that
	// arrives mid-read.
	BlockReadBurst bool
	// ReadBurstEntered, if non-nil, receives a value (non-blocking) each time
	// ReadBurst is entered, letting a test synchronize with "read is now in
	// progress" before issuing a disarm write.
	ReadBurstEntered chan struct{}

	mu             sync.Mutex
	Calls          []string
	interrupted    bool
	interruptCh    chan struct{}
	preconditionAt int
	settingsAt     int
	startAt        int
	readAt         int
	overflowAt     int
	processAt      int
}

// New returns an Adapter where every scripted hook defaults to a one-entry
// script that succeeds, and so keeps succeeding as that entry repeats; a
// test only has to override what it cares about.
func New() *Adapter {
	return &Adapter{
		NumCh:          1,
		Preconditions:  []bool{true},
		RateForDisplay: 1000,
		SettingsOK:     []bool{true},
		StartOK:        []bool{true},
		ReadOK:         []bool{true},
		Overflow:       []OverflowResult{{OK: true}},
		ProcessOK:      []bool{true},
	}
}

func (a *Adapter) record(name string) {
	a.mu.Lock()
	a.Calls = append(a.Calls, name)
	a.mu.Unlock()
}

// CallLog returns a copy of every hook name invoked so far, in order.
func (a *Adapter) CallLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.Calls))
	copy(out, a.Calls)
	return out
}

// Interrupted reports whether InterruptReading has been called during the
// current arming.
func (a *Adapter) Interrupted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted
}

func nextBool(script []bool, idx *int) bool {
	if len(script) == 0 {
		return true
	}
	i := *idx
	if i >= len(script) {
		i = len(script) - 1
	}
	*idx++
	return script[i]
}

func (a *Adapter) SupportsPreSamples() bool { return a.SupportsPre }
func (a *Adapter) NumChannels() int         { return a.NumCh }

func (a *Adapter) WaitForPreconditions(c *armctl.ArmController) bool {
	a.record("WaitForPreconditions")
	a.mu.Lock()
	a.interrupted = false
	a.interruptCh = make(chan struct{})
	a.mu.Unlock()
	return nextBool(a.Preconditions, &a.preconditionAt)
}

func (a *Adapter) CheckSettings(c *armctl.ArmController, info *armctl.ArmInfo) bool {
	a.record("CheckSettings")
	info.RateForDisplay = a.RateForDisplay
	return nextBool(a.SettingsOK, &a.settingsAt)
}

func (a *Adapter) StartAcquisition(c *armctl.ArmController, overflowRecovery bool) bool {
	a.record("StartAcquisition")
	return nextBool(a.StartOK, &a.startAt)
}

func (a *Adapter) ReadBurst(c *armctl.ArmController) bool {
	a.record("ReadBurst")
	a.mu.Lock()
	ch := a.interruptCh
	block := a.BlockReadBurst
	a.mu.Unlock()

	if a.ReadBurstEntered != nil {
		select {
		case a.ReadBurstEntered <- struct{}{}:
		default:
		}
	}

	if block {
		<-ch
	} else {
		select {
		case <-ch:
		default:
		}
	}
	return nextBool(a.ReadOK, &a.readAt)
}

func (a *Adapter) CheckOverflow(c *armctl.ArmController) (bool, int64, bool) {
	a.record("CheckOverflow")
	script := a.Overflow
	if len(script) == 0 {
		return false, 0, true
	}
	i := a.overflowAt
	if i >= len(script) {
		i = len(script) - 1
	}
	a.overflowAt++
	r := script[i]
	return r.Had, r.NumBufferBursts, r.OK
}

func (a *Adapter) ProcessBurstData(c *armctl.ArmController) bool {
	a.record("ProcessBurstData")
	return nextBool(a.ProcessOK, &a.processAt)
}

func (a *Adapter) InterruptReading(c *armctl.ArmController) {
	a.record("InterruptReading")
	a.mu.Lock()
	a.interrupted = true
	close(a.interruptCh)
	a.mu.Unlock()
}

func (a *Adapter) StopAcquisition(c *armctl.ArmController) {
	a.record("StopAcquisition")
}

func (a *Adapter) OnDisarmed(c *armctl.ArmController) {
	a.record("OnDisarmed")
}

func (a *Adapter) RequestedSampleRateChanged(c *armctl.ArmController) {
	a.record("RequestedSampleRateChanged")
	c.SetAchievableSampleRate(c.RequestedSampleRateDesired())
}

var _ armctl.DigitizerAdapter = (*Adapter)(nil)
