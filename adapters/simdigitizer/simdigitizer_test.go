package simdigitizer

import (
	"testing"
	"time"

	"github.com/epics-trcore/trcore/armctl"
	"github.com/epics-trcore/trcore/arraysink"
	"github.com/epics-trcore/trcore/bus"
	"github.com/epics-trcore/trcore/timeaxis"
	"github.com/epics-trcore/trcore/units"
)

func TestNewAppliesDefaults(t *testing.T) {
	a := New(Config{})
	defer a.Close()
	if a.cfg.NumCh != 1 {
		t.Fatalf("NumCh = %d, want 1", a.cfg.NumCh)
	}
	if len(a.cfg.AchievableRates) != 1 || a.cfg.AchievableRates[0] != 1000*units.Hertz {
		t.Fatalf("AchievableRates = %v", a.cfg.AchievableRates)
	}
}

func TestCheckOverflowBacklogRepeatsLastEntry(t *testing.T) {
	a := New(Config{Backlog: []int{1, 3}})
	defer a.Close()

	had, n, ok := a.CheckOverflow(nil)
	if had || n != 0 || !ok {
		t.Fatalf("first backlog entry: had=%v n=%d ok=%v, want false 0 true", had, n, ok)
	}
	had, n, ok = a.CheckOverflow(nil)
	if !had || n != 3 || !ok {
		t.Fatalf("second backlog entry: had=%v n=%d ok=%v, want true 3 true", had, n, ok)
	}
	// Backlog exhausted: the last entry repeats.
	had, n, ok = a.CheckOverflow(nil)
	if !had || n != 3 || !ok {
		t.Fatalf("third call should repeat last entry: had=%v n=%d ok=%v", had, n, ok)
	}
}

func TestCheckOverflowRejectsNonPositiveDepth(t *testing.T) {
	a := New(Config{Backlog: []int{0}})
	defer a.Close()
	_, _, ok := a.CheckOverflow(nil)
	if ok {
		t.Fatal("a non-positive backlog depth must fail CheckOverflow")
	}
}

func TestRequestedSampleRateChangedSnapsDown(t *testing.T) {
	a := New(Config{AchievableRates: []units.Frequency{
		100 * units.Hertz, 1 * units.KiloHertz, 10 * units.KiloHertz,
	}})
	defer a.Close()

	ctl := newTestController(t, a)
	ctl.Lock()
	if err := ctl.SetAchievableSampleRate(0); err != nil {
		t.Fatal(err)
	}
	// Simulate an external write to DESIRED_REQUESTED_SAMPLE_RATE having
	// already landed at 500Hz before RequestedSampleRateChanged runs.
	ctl.Unlock()
	if err := ctl.Bus().Write(armctl.ParamDesiredRequestedSampleRate, bus.Float(500)); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		ctl.Lock()
		got := ctl.AchievableSampleRate()
		ctl.Unlock()
		if got == float64(100*units.Hertz)/float64(units.Hertz) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("achievable rate never snapped down, last seen %v", got)
		case <-time.After(time.Millisecond):
		}
	}
}

func newTestController(t *testing.T, a *Adapter) *armctl.ArmController {
	t.Helper()
	ctl, err := armctl.New(armctl.Config{
		Bus:           bus.New(),
		Adapter:       a,
		Sink:          arraysink.NewMemorySink(),
		Axis:          timeaxis.NewPort(),
		DigitizerName: "test",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctl.Close)
	return ctl
}
