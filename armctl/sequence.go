package armctl

import (
	"math"

	"github.com/epics-trcore/trcore/bus"
	"github.com/epics-trcore/trcore/units"
)

// outcome tags how oneArming ended, mirroring the "{Clean, Error(stage)}"
// redesign note in spec §9.
type outcome struct {
	clean bool
	stage Stage
}

func cleanOutcome() outcome        { return outcome{clean: true} }
func errorOutcome(s Stage) outcome { return outcome{clean: false, stage: s} }

// acquisitionLoop is the single dedicated acquisition thread (spec §4.4). It
// waits for a disarmed→arm transition, then runs the per-arming sequence
// (including any pending re-arms) to completion before waiting again.
func (c *ArmController) acquisitionLoop() {
	for {
		select {
		case <-c.startArmingEvent:
		case <-c.closed:
			return
		}
		c.mu.Lock()
		target := c.requestedState
		c.mu.Unlock()
		c.runArming(target)
	}
}

// Close stops the acquisition goroutine once it is idle between armings. It
// does not forcibly interrupt an in-progress arming.
func (c *ArmController) Close() {
	close(c.closed)
}

func (c *ArmController) runArming(target ArmState) {
	for {
		rearm, next := c.oneArming(target)
		if !rearm {
			return
		}
		target = next
	}
}

// oneArming runs steps 1–6 of spec §4.4 followed by the acquire-and-read
// outer loop, returning whether a pending re-arm was recorded during
// cleanup and, if so, its target state.
func (c *ArmController) oneArming(target ArmState) (bool, ArmState) {
	c.mu.Lock()
	c.disarmRequested = false
	c.disarmRequestedEvent = make(chan struct{})
	c.interruptCalled = false
	c.inReadLoop = false
	c.armed.Store(true)
	startAttempted := false

	if !c.adapter.WaitForPreconditions(c) {
		c.armed.Store(false)
		return c.cleanupLocked(errorOutcome(StagePrecondition), startAttempted)
	}

	c.reg.CaptureAll()

	if err := c.checkBasicSettingsLocked(target); err != nil {
		c.log.Printf("%v", err)
		c.armed.Store(false)
		return c.cleanupLocked(errorOutcome(StageBasicSettings), startAttempted)
	}

	var info ArmInfo
	ok := c.adapter.CheckSettings(c, &info)
	if !ok || math.IsNaN(info.RateForDisplay) || math.IsInf(info.RateForDisplay, 0) {
		c.log.Printf("check_settings failed or returned a non-finite rate_for_display")
		c.armed.Store(false)
		return c.cleanupLocked(errorOutcome(StageCheckSettings), startAttempted)
	}

	c.rateForDisplay = info.RateForDisplay
	if err := c.b.Set(ParamEffectiveSampleRate, bus.Float(info.RateForDisplay)); err != nil {
		c.log.Printf("set EFFECTIVE_SAMPLE_RATE: %v", err)
	}
	if err := c.reg.PushEffectiveFromSnapshotAll(); err != nil {
		c.log.Printf("push effective from snapshot: %v", err)
	}

	numPre := c.numPrePostSamples.GetSnapshotInt()
	numPost := c.numPostSamples.GetSnapshotInt()
	if info.CustomNumPre != nil {
		numPre = *info.CustomNumPre
	}
	if info.CustomNumPost != nil {
		numPost = *info.CustomNumPost
	}
	var unit float64
	if info.RateForDisplay > 0 {
		freq := units.Frequency(info.RateForDisplay * float64(units.Hertz))
		unit = freq.Duration().Seconds()
	}
	c.axis.Program(unit, int(numPre), int(numPost))
	if err := c.b.Set(ParamTimeArrayUnitInv, bus.Float(info.RateForDisplay)); err != nil {
		c.log.Printf("set TIME_ARRAY_UNIT_INV: %v", err)
	}
	if r, ok := c.sink.(interface{ Reset() }); ok {
		r.Reset()
	}

	remainingBursts := c.numBursts.GetSnapshotInt()
	if remainingBursts == 0 {
		remainingBursts = -1 // 0 means unlimited (spec §3.3)
	}
	overflowRecovery := false
	c.mu.Unlock()

	for { // acquire-and-read outer loop (spec §4.4)
		c.mu.Lock()
		if c.disarmRequested {
			return c.cleanupLocked(cleanOutcome(), startAttempted)
		}
		c.allowingData = true
		c.mu.Unlock()

		startAttempted = true
		started := c.adapter.StartAcquisition(c, overflowRecovery)

		c.mu.Lock()
		if !started {
			return c.cleanupLocked(errorOutcome(StageStart), startAttempted)
		}
		if c.disarmRequested {
			return c.cleanupLocked(cleanOutcome(), startAttempted)
		}
		if !overflowRecovery {
			c.setStateLocked(target)
		}
		c.inReadLoop = true
		c.mu.Unlock()

		currentRemaining := remainingBursts
		overflowRecovery = false

		disposition, nextOutcome := c.burstLoop(&remainingBursts, &currentRemaining, &overflowRecovery, startAttempted)
		switch disposition {
		case dispositionCleanup:
			return c.cleanupLocked(nextOutcome, startAttempted)
		case dispositionRestart:
			c.mu.Lock()
			c.inReadLoop = false
			c.mu.Unlock()
			c.log.Printf("restarting acquisition after overflow recovery")
			continue
		}
	}
}

type disposition int

const (
	dispositionCleanup disposition = iota
	dispositionRestart
)

// burstLoop runs the burst-read loop (mutex not held across hardware
// calls) until currentRemaining reaches zero, then returns the
// end-of-burst-loop disposition (spec §4.4).
func (c *ArmController) burstLoop(remainingBursts, currentRemaining *int64, overflowRecovery *bool, startAttempted bool) (disposition, outcome) {
	for {
		if !c.adapter.ReadBurst(c) {
			c.mu.Lock()
			return dispositionCleanup, errorOutcome(StageRead)
		}

		c.mu.Lock()
		if c.disarmRequested {
			return dispositionCleanup, cleanOutcome()
		}
		c.mu.Unlock()

		if !*overflowRecovery {
			had, numBufferBursts, ok := c.adapter.CheckOverflow(c)
			if !ok {
				c.mu.Lock()
				return dispositionCleanup, errorOutcome(StageOverflow)
			}
			if had {
				if numBufferBursts <= 0 {
					c.log.Printf("adapter reported overflow with invalid num_buffer_bursts=%d", numBufferBursts)
					c.mu.Lock()
					return dispositionCleanup, errorOutcome(StageOverflow)
				}
				*overflowRecovery = true
				c.log.Printf("hardware buffer overflow detected, draining %d buffered bursts", numBufferBursts)
				if *currentRemaining < 0 || *currentRemaining > numBufferBursts {
					*currentRemaining = numBufferBursts
				}
			}
		}

		if !c.adapter.ProcessBurstData(c) {
			c.mu.Lock()
			return dispositionCleanup, errorOutcome(StageProcess)
		}

		if *currentRemaining > 0 {
			*currentRemaining--
		}
		if *remainingBursts > 0 {
			*remainingBursts--
		}

		c.MaybeSleepForTesting()

		if *currentRemaining == 0 {
			break
		}
	}

	if *remainingBursts == 0 {
		c.mu.Lock()
		return dispositionCleanup, cleanOutcome()
	}
	if *overflowRecovery {
		return dispositionRestart, outcome{}
	}
	// Unreachable per spec §4.4: current_remaining hit zero without either
	// exhausting remaining_bursts or being in overflow recovery.
	c.log.Printf("burst loop ended with remaining_bursts=%d unexpectedly", *remainingBursts)
	c.mu.Lock()
	return dispositionCleanup, errorOutcome(StageProcess)
}

// cleanupLocked is the single cleanup routine shared by clean stop and
// error (spec §4.4, §9). Called with the mutex held; returns with the
// mutex released.
func (c *ArmController) cleanupLocked(o outcome, startAttempted bool) (bool, ArmState) {
	c.inReadLoop = false

	if !o.clean && !c.disarmRequested {
		c.setStateLocked(Error)
		c.mu.Unlock()
		<-c.disarmRequestedEvent
		c.mu.Lock()
	}

	c.allowingData = false
	if startAttempted {
		c.mu.Unlock()
		c.adapter.StopAcquisition(c)
		c.mu.Lock()
	}
	c.armed.Store(false)

	if err := c.reg.PushEffectiveInvalidAll(); err != nil {
		c.log.Printf("push effective invalid: %v", err)
	}

	// A re-arm is pending only if a disarm was requested with an arm target;
	// an arming that simply ran out of bursts ends in Disarm.
	pending := Disarm
	if c.disarmRequested {
		pending = c.requestedState
	}

	c.disarmRequested = false
	c.disarmRequestedEvent = make(chan struct{})
	select {
	case <-c.startArmingEvent:
	default:
	}

	if pending != Disarm {
		c.mu.Unlock()
		return true, pending
	}
	c.setStateLocked(Disarm)
	c.adapter.OnDisarmed(c)
	c.mu.Unlock()
	return false, Disarm
}

// checkBasicSettingsLocked validates num_bursts/num_post_samples/
// num_pre_post_samples against the just-captured snapshot (spec §4.5).
func (c *ArmController) checkBasicSettingsLocked(target ArmState) error {
	if c.numBursts.GetSnapshotInt() < 0 {
		return newError(StageBasicSettings, "num_bursts must be >= 0, got %d", c.numBursts.GetSnapshotInt())
	}
	if c.numPostSamples.GetSnapshotInt() <= 0 {
		return newError(StageBasicSettings, "num_post_samples must be >= 1, got %d", c.numPostSamples.GetSnapshotInt())
	}
	if target == PrePostTrigger {
		if !c.adapter.SupportsPreSamples() {
			return newError(StageBasicSettings, "adapter does not support pre-trigger samples")
		}
		if c.numPrePostSamples.GetSnapshotInt() <= c.numPostSamples.GetSnapshotInt() {
			return newError(StageBasicSettings, "num_pre_post_samples (%d) must exceed num_post_samples (%d)",
				c.numPrePostSamples.GetSnapshotInt(), c.numPostSamples.GetSnapshotInt())
		}
		return nil
	}
	c.numPrePostSamples.SetIrrelevant()
	c.numPrePostSamples.SetSnapshotInt(0)
	return nil
}
