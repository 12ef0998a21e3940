// Package simdigitizer is a reference armctl.DigitizerAdapter with no
// hardware backing, the same role conn/gpio/gpiotest and go-lpc/mim/eda's
// fake_device_test.go play for their respective frameworks: something the
// CLI demo and the armctl tests can arm and read bursts from deterministically.
package simdigitizer

import (
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/epics-trcore/trcore/arraysink"
	"github.com/epics-trcore/trcore/armctl"
	"github.com/epics-trcore/trcore/units"
	"github.com/epics-trcore/trcore/workqueue"
)

// Config configures one Adapter instance.
type Config struct {
	// NumCh is the number of channels this digitizer exposes.
	NumCh int
	// AchievableRates is the sorted-ascending table of sample rates
	// RequestedSampleRateChanged snaps the desired rate down to.
	AchievableRates []units.Frequency
	// BurstPeriod is how long ReadBurst simulates waiting for a trigger.
	BurstPeriod time.Duration
	// Backlog, if non-empty, is the simulated hardware-buffer depth
	// CheckOverflow reports after each ReadBurst, consumed in order and
	// repeating its last element once exhausted. A value of 1 means no
	// overflow; values above 1 are reported as "had=true" with that many
	// buffered bursts, exercising spec's overflow-recovery path.
	Backlog []int
	// SupportsPre reports whether this simulated digitizer can deliver
	// pre-trigger samples.
	SupportsPre bool
	// RateComputeDelay simulates a slow off-thread rate recomputation
	// (spec §4.8's own example use of WorkerQueue). Zero means instant.
	RateComputeDelay time.Duration
	Logger           *log.Logger
}

// Adapter is the reference DigitizerAdapter. Its only lock of its own is
// rateMu, which guards the requested rate handed from
// RequestedSampleRateChanged to the recompute worker; InterruptReading and
// ReadBurst rendezvous through a channel, and the other methods rely on the
// lock contract armctl.DigitizerAdapter documents and on the acquisition
// thread never calling two of them concurrently.
type Adapter struct {
	armctl.BaseAdapter

	cfg Config
	log *log.Logger

	interrupt  chan struct{}
	backlogIdx int
	burstSeq   uint32
	numPre     int
	numPost    int
	sampleRate float64

	wq       *workqueue.Queue
	rateMu   sync.Mutex
	rate     float64
	rateTask *workqueue.Task
}

// New returns a ready Adapter. A zero Config is valid: one channel, no
// pre-sample support, an immediate achievable rate of 1kHz.
func New(cfg Config) *Adapter {
	if cfg.NumCh <= 0 {
		cfg.NumCh = 1
	}
	if len(cfg.AchievableRates) == 0 {
		cfg.AchievableRates = []units.Frequency{1000 * units.Hertz}
	}
	if cfg.BurstPeriod <= 0 {
		cfg.BurstPeriod = time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "simdigitizer: ", log.LstdFlags)
	}
	logger.Printf("simulated burst period %s (%s nominal trigger rate)",
		cfg.BurstPeriod, units.PeriodToFrequency(cfg.BurstPeriod))
	return &Adapter{cfg: cfg, log: logger, wq: workqueue.NewQueue()}
}

// Close shuts down the adapter's off-thread rate-recompute queue. Safe to
// call once the controller using this adapter is done with it.
func (a *Adapter) Close() {
	a.wq.Shutdown()
}

func (a *Adapter) SupportsPreSamples() bool { return a.cfg.SupportsPre }
func (a *Adapter) NumChannels() int         { return a.cfg.NumCh }

// WaitForPreconditions resets the per-arming interrupt rendezvous and
// backlog cursor. Mutex held per the interface contract; never released.
func (a *Adapter) WaitForPreconditions(c *armctl.ArmController) bool {
	a.interrupt = make(chan struct{})
	a.backlogIdx = 0
	return true
}

// CheckSettings reports the achievable sample rate as RateForDisplay and
// records the pre/post sample counts the TimeAxisPort will be programmed
// with. Mutex held throughout, never released.
func (a *Adapter) CheckSettings(c *armctl.ArmController, info *armctl.ArmInfo) bool {
	a.sampleRate = c.AchievableSampleRate()
	if a.sampleRate <= 0 || math.IsNaN(a.sampleRate) {
		a.log.Printf("no achievable sample rate negotiated")
		return false
	}
	info.RateForDisplay = a.sampleRate
	a.numPost = int(c.NumPostSamplesSnapshot())
	if a.cfg.SupportsPre {
		a.numPre = int(c.NumPrePostSamplesSnapshot())
	} else {
		a.numPre = 0
	}
	return true
}

// StartAcquisition simulates arming the hardware trigger. Mutex not held.
func (a *Adapter) StartAcquisition(c *armctl.ArmController, overflowRecovery bool) bool {
	if overflowRecovery {
		a.log.Printf("restarting acquisition after overflow")
	}
	return true
}

// ReadBurst blocks for BurstPeriod, simulating the wait for a trigger, or
// returns early if InterruptReading fired. Mutex not held.
func (a *Adapter) ReadBurst(c *armctl.ArmController) bool {
	t := time.NewTimer(a.cfg.BurstPeriod)
	defer t.Stop()
	select {
	case <-t.C:
	case <-a.interrupt:
	}
	return true
}

// CheckOverflow reports the next configured backlog depth. Mutex not held.
func (a *Adapter) CheckOverflow(c *armctl.ArmController) (had bool, numBufferBursts int64, ok bool) {
	depth := 1
	if len(a.cfg.Backlog) > 0 {
		i := a.backlogIdx
		if i >= len(a.cfg.Backlog) {
			i = len(a.cfg.Backlog) - 1
		}
		depth = a.cfg.Backlog[i]
		a.backlogIdx++
	}
	if depth <= 0 {
		a.log.Printf("configured backlog depth %d is invalid", depth)
		return false, 0, false
	}
	if depth == 1 {
		return false, 0, true
	}
	return true, int64(depth), true
}

// ProcessBurstData synthesizes one sine-wave burst per channel and submits
// them to the sink concurrently (one goroutine per channel, joined before
// returning), mirroring go-lpc/mim/eda.Device.loop's per-RFM errgroup fan-out
// for its own per-channel sends. Mutex not held.
func (a *Adapter) ProcessBurstData(c *armctl.ArmController) bool {
	a.burstSeq++
	n := a.numPre + a.numPost
	if n <= 0 {
		n = a.numPost
	}

	sink := c.Sink()
	if sink == nil {
		a.log.Printf("no sink configured")
		return false
	}

	if c.AllowingData() {
		fns := make([]func() error, a.cfg.NumCh)
		for ch := 0; ch < a.cfg.NumCh; ch++ {
			ch := ch
			fns[ch] = func() error {
				h := sink.Allocate(n, arraysink.Float64)
				buf := h.Buffer()
				for i := range buf {
					buf[i] = math.Sin(2 * math.Pi * float64(i) / float64(n))
				}
				sink.Submit(h, ch, uint64(a.burstSeq), 0, float64(time.Now().UnixNano())/1e9, nil)
				return nil
			}
		}
		if err := workqueue.RunAll(fns); err != nil {
			a.log.Printf("push burst data: %v", err)
			return false
		}
	}

	c.PublishBurstMeta(armctl.BurstMeta{
		BurstID:  a.burstSeq,
		TBurst:   a.cfg.BurstPeriod.Seconds(),
		TRead:    a.cfg.BurstPeriod.Seconds(),
		TProcess: 0,
	})
	return true
}

// InterruptReading wakes a blocked ReadBurst. Mutex held; must not block.
func (a *Adapter) InterruptReading(c *armctl.ArmController) {
	close(a.interrupt)
}

// StopAcquisition is a no-op: nothing to tear down in simulation. Mutex not
// held.
func (a *Adapter) StopAcquisition(c *armctl.ArmController) {}

// RequestedSampleRateChanged records the newly desired rate and enqueues an
// off-thread recompute on the adapter's WorkerQueue (the "slow rate
// computation" example spec §4.8 calls out), rather than blocking the
// caller's write with the recompute itself. Mutex held; must not release it.
// If a recompute is already queued, the newer value is simply picked up when
// it runs: workqueue.Queue's at-most-one-queued-per-task rule means a second
// Enqueue while one is pending is a no-op, not a second run.
func (a *Adapter) RequestedSampleRateChanged(c *armctl.ArmController) {
	a.rateMu.Lock()
	a.rate = c.RequestedSampleRateDesired()
	if a.rateTask == nil {
		a.rateTask = workqueue.NewTask(0, func(int) { a.recomputeRate(c) })
	}
	a.rateMu.Unlock()
	a.wq.Enqueue(a.rateTask)
}

// recomputeRate runs on the WorkerQueue's consumer goroutine. It reads the
// most recently requested rate, simulates however long a real digitizer's
// PLL/divider search might take, then takes the controller lock itself to
// publish the result.
func (a *Adapter) recomputeRate(c *armctl.ArmController) {
	a.rateMu.Lock()
	desired := a.rate
	a.rateMu.Unlock()

	if a.cfg.RateComputeDelay > 0 {
		time.Sleep(a.cfg.RateComputeDelay)
	}

	desiredFreq := units.Frequency(desired * float64(units.Hertz))
	best := a.cfg.AchievableRates[0] // smallest rate, used if none qualify
	for _, r := range a.cfg.AchievableRates {
		if r <= desiredFreq {
			best = r
		}
	}

	c.Lock()
	defer c.Unlock()
	if err := c.SetAchievableSampleRate(float64(best) / float64(units.Hertz)); err != nil {
		a.log.Printf("set achievable sample rate: %v", err)
	}
}
