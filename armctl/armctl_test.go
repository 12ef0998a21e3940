package armctl_test

import (
	"math"
	"testing"
	"time"

	"github.com/epics-trcore/trcore/armctl"
	"github.com/epics-trcore/trcore/arraysink"
	"github.com/epics-trcore/trcore/bus"
	"github.com/epics-trcore/trcore/digitest"
	"github.com/epics-trcore/trcore/timeaxis"
)

func newController(t *testing.T, adapter armctl.DigitizerAdapter) (*armctl.ArmController, *bus.Bus) {
	t.Helper()
	b := bus.New()
	ctl, err := armctl.New(armctl.Config{
		Bus:           b,
		Adapter:       adapter,
		Sink:          arraysink.NewMemorySink(),
		Axis:          timeaxis.NewPort(),
		DigitizerName: "test-digitizer",
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ctl.Close)
	return ctl, b
}

func waitForState(t *testing.T, ctl *armctl.ArmController, want armctl.ArmState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ctl.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, last seen %s", want, ctl.State())
}

func configure(t *testing.T, b *bus.Bus, numBursts, numPost, numPrePost int64) {
	t.Helper()
	if err := b.Write(armctl.ParamDesiredNumBursts, bus.Int(numBursts)); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(armctl.ParamDesiredNumPostSamples, bus.Int(numPost)); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(armctl.ParamDesiredNumPrePostSamples, bus.Int(numPrePost)); err != nil {
		t.Fatal(err)
	}
}

// Scenario 1 (spec §8.3.1): happy path.
func TestHappyPath(t *testing.T) {
	a := digitest.New()
	ctl, b := newController(t, a)
	configure(t, b, 3, 1000, 0)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Disarm, time.Second)

	log := a.CallLog()
	count := func(name string) int {
		n := 0
		for _, c := range log {
			if c == name {
				n++
			}
		}
		return n
	}
	if n := count("ReadBurst"); n != 3 {
		t.Fatalf("ReadBurst called %d times, want 3; log=%v", n, log)
	}
	if n := count("ProcessBurstData"); n != 3 {
		t.Fatalf("ProcessBurstData called %d times, want 3; log=%v", n, log)
	}
	if n := count("StopAcquisition"); n != 1 {
		t.Fatalf("StopAcquisition called %d times, want 1; log=%v", n, log)
	}
	if n := count("OnDisarmed"); n != 1 {
		t.Fatalf("OnDisarmed called %d times, want 1; log=%v", n, log)
	}

	v, _ := b.Read("EFFECTIVE_NUM_BURSTS")
	if !math.IsNaN(v.F) {
		t.Fatalf("EFFECTIVE_NUM_BURSTS after disarm = %v, want NaN", v.F)
	}
}

// Scenario 2 (spec §8.3.2): PrePostTrigger requested but the adapter doesn't
// support pre-trigger samples.
func TestPrePostWithoutPreSampleSupport(t *testing.T) {
	a := digitest.New()
	a.SupportsPre = false
	ctl, b := newController(t, a)
	configure(t, b, 1, 1000, 2000)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PrePostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Error, time.Second)

	for _, c := range a.CallLog() {
		if c == "StartAcquisition" {
			t.Fatal("StartAcquisition must not be called when basic-settings validation fails")
		}
	}

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.Disarm))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Disarm, time.Second)

	for _, c := range a.CallLog() {
		if c == "StopAcquisition" {
			t.Fatal("StopAcquisition must not be called when start_acquisition was never attempted")
		}
	}
}

// Scenario 3 (spec §8.3.3): disarm while read_burst is blocked.
func TestDisarmDuringRead(t *testing.T) {
	a := digitest.New()
	a.BlockReadBurst = true
	a.ReadBurstEntered = make(chan struct{}, 1)
	ctl, b := newController(t, a)
	configure(t, b, 0, 1000, 0) // 0 = unlimited bursts

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PostTrigger))); err != nil {
		t.Fatal(err)
	}

	select {
	case <-a.ReadBurstEntered:
	case <-time.After(time.Second):
		t.Fatal("ReadBurst never entered")
	}

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.Disarm))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Disarm, time.Second)

	if !a.Interrupted() {
		t.Fatal("InterruptReading should have fired for the blocked read")
	}

	log := a.CallLog()
	readCount, processCount, stopCount := 0, 0, 0
	for _, c := range log {
		switch c {
		case "ReadBurst":
			readCount++
		case "ProcessBurstData":
			processCount++
		case "StopAcquisition":
			stopCount++
		}
	}
	if readCount != 1 {
		t.Fatalf("ReadBurst called %d times, want 1; log=%v", readCount, log)
	}
	if processCount != 0 {
		t.Fatalf("ProcessBurstData must not run for the interrupted burst; log=%v", log)
	}
	if stopCount != 1 {
		t.Fatalf("StopAcquisition called %d times, want 1; log=%v", stopCount, log)
	}
}

// Scenario 4 (spec §8.3.4): overflow recovery.
func TestOverflowRecovery(t *testing.T) {
	a := digitest.New()
	a.Overflow = []digitest.OverflowResult{
		{OK: true}, {OK: true}, {Had: true, NumBufferBursts: 2, OK: true},
		{OK: true}, {OK: true}, {OK: true}, {OK: true}, {OK: true}, {OK: true}, {OK: true},
	}
	ctl, b := newController(t, a)
	configure(t, b, 10, 1000, 0)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Disarm, 2*time.Second)

	log := a.CallLog()
	processCount, startCount := 0, 0
	for _, c := range log {
		switch c {
		case "ProcessBurstData":
			processCount++
		case "StartAcquisition":
			startCount++
		}
	}
	if processCount != 10 {
		t.Fatalf("total processed bursts = %d, want 10 (spec §8.2 overflow recovery preserves burst count); log=%v", processCount, log)
	}
	if startCount != 2 {
		t.Fatalf("StartAcquisition called %d times, want 2 (initial + one overflow restart); log=%v", startCount, log)
	}
}

// Scenario 5 (spec §8.3.5): rearm while already armed.
func TestRearmWhileArmed(t *testing.T) {
	a := digitest.New()
	a.SupportsPre = true
	ctl, b := newController(t, a)
	configure(t, b, 0, 1000, 2000) // unlimited bursts so PostTrigger stays armed

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.PostTrigger, time.Second)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PrePostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.PrePostTrigger, time.Second)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.Disarm))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Disarm, time.Second)
}

// Scenario 6 (spec §8.3.6): protected writes are rejected.
func TestProtectedWriteRejected(t *testing.T) {
	_, b := newController(t, digitest.New())

	if err := b.Write("EFFECTIVE_NUM_BURSTS", bus.Float(5)); err == nil {
		t.Fatal("write to an effective param must be rejected")
	}
	if err := b.Write(armctl.ParamArmState, bus.Int(int64(armctl.PostTrigger))); err == nil {
		t.Fatal("write to ARM_STATE must be rejected")
	}
}

// Disarm idempotence (spec §8.2).
func TestDisarmIdempotence(t *testing.T) {
	_, b := newController(t, digitest.New())
	for i := 0; i < 3; i++ {
		if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.Disarm))); err != nil {
			t.Fatal(err)
		}
	}
	v, _ := b.Read(armctl.ParamArmState)
	if v.I != int64(armctl.Disarm) {
		t.Fatalf("ARM_STATE = %d, want Disarm", v.I)
	}
}

// Invalid ARM_REQUEST values are rejected (spec §4.3).
func TestInvalidArmRequestRejected(t *testing.T) {
	_, b := newController(t, digitest.New())
	if err := b.Write(armctl.ParamArmRequest, bus.Int(99)); err == nil {
		t.Fatal("an undefined ARM_REQUEST value must be rejected")
	}
}

// Basic-settings validation (spec §4.5): num_post_samples must be >= 1.
func TestBasicSettingsRejectsZeroPostSamples(t *testing.T) {
	a := digitest.New()
	ctl, b := newController(t, a)
	configure(t, b, 1, 0, 0)

	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.PostTrigger))); err != nil {
		t.Fatal(err)
	}
	waitForState(t, ctl, armctl.Error, time.Second)
}
