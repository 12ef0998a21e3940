package armctl

// ArmInfo is filled in by DigitizerAdapter.CheckSettings (spec §4.4 step 4).
type ArmInfo struct {
	// RateForDisplay is mandatory and must be finite; it becomes
	// EFFECTIVE_SAMPLE_RATE and drives the TimeAxisPort unit.
	RateForDisplay float64
	// CustomNumPre/CustomNumPost optionally override the snapshot pre/post
	// sample counts used to program the TimeAxisPort.
	CustomNumPre  *int64
	CustomNumPost *int64
}

// BurstMeta is the per-burst metadata record (spec §3.5). NaN fields mean
// "not reported".
type BurstMeta struct {
	BurstID  uint32
	TBurst   float64
	TRead    float64
	TProcess float64
}

// DigitizerAdapter is the hardware-specific callback set the core invokes
// (spec §4.4, C4). Every callback follows the lock-held/lock-not-held
// contract documented on each method below (spec §5); none may return an
// error value; adapters signal failure with a boolean and log their own
// detail (spec §7).
type DigitizerAdapter interface {
	// SupportsPreSamples reports whether PrePostTrigger arming is available.
	SupportsPreSamples() bool
	// NumChannels reports how many channels this digitizer exposes.
	NumChannels() int

	// WaitForPreconditions is called with the controller mutex held; it may
	// temporarily release and retake it. Returning false aborts arming as a
	// precondition failure. Must return with the mutex held.
	WaitForPreconditions(c *ArmController) bool

	// CheckSettings is called with the mutex held throughout; it must not
	// release it. It fills in info; RateForDisplay is mandatory and must be
	// finite. Returning false (or a non-finite RateForDisplay) aborts arming
	// as a precondition failure.
	CheckSettings(c *ArmController, info *ArmInfo) bool

	// StartAcquisition is called with the mutex not held; it may take and
	// release it. overflowRecovery is true when this start follows an
	// overflow-triggered restart. Returning false aborts arming as an
	// acquisition failure; stop_acquisition is still called during cleanup
	// because an attempted start obliges a stop.
	StartAcquisition(c *ArmController, overflowRecovery bool) bool

	// ReadBurst is called with the mutex not held and may block. It must
	// return true even when interrupted by InterruptReading; it does not
	// distinguish interruption from success. Returning false aborts arming
	// as an acquisition failure.
	ReadBurst(c *ArmController) bool

	// CheckOverflow is called with the mutex not held, once per burst that
	// isn't already in overflow recovery. numBufferBursts must be > 0 when
	// had is true (it includes the burst just read); ok is false to signal
	// an acquisition failure (including an invalid numBufferBursts).
	CheckOverflow(c *ArmController) (had bool, numBufferBursts int64, ok bool)

	// ProcessBurstData is called with the mutex not held. Implementations
	// push per-channel arrays via the sink and call PublishBurstMeta.
	// Returning false aborts arming as an acquisition failure.
	ProcessBurstData(c *ArmController) bool

	// InterruptReading is called with the mutex held; it must not release it
	// and must not block. Its job is to make any ongoing and future
	// ReadBurst return promptly. Called at most once per arming, and only if
	// the disarm was first observed while in the read loop. It can run
	// synchronously inside RequestDisarmFromDriver, so it must not call back
	// into the controller.
	InterruptReading(c *ArmController)

	// StopAcquisition is called with the mutex not held; it may take and
	// release it.
	StopAcquisition(c *ArmController)

	// OnDisarmed is called with the mutex held; it must not release it and
	// must not block. It runs once cleanup has finished and no re-arm is
	// pending.
	OnDisarmed(c *ArmController)

	// RequestedSampleRateChanged is called with the mutex held; it must not
	// release it. It runs after an external write to DESIRED_REQUESTED_SAMPLE_RATE
	// lands.
	RequestedSampleRateChanged(c *ArmController)
}

// BaseAdapter implements every DigitizerAdapter method as a harmless
// default so integrators only override what their hardware actually needs,
// the same way periph's devices embed small helper types for boilerplate.
// The default RequestedSampleRateChanged echoes desired straight to
// achievable, per spec §4.3, and the default ReadBurst blocks until disarm
// is requested.
type BaseAdapter struct{}

func (BaseAdapter) SupportsPreSamples() bool { return false }
func (BaseAdapter) NumChannels() int         { return 0 }
func (BaseAdapter) WaitForPreconditions(c *ArmController) bool { return true }
func (BaseAdapter) CheckSettings(c *ArmController, info *ArmInfo) bool { return true }
func (BaseAdapter) StartAcquisition(c *ArmController, overflowRecovery bool) bool { return true }
func (BaseAdapter) CheckOverflow(c *ArmController) (bool, int64, bool) { return false, 0, true }
func (BaseAdapter) ProcessBurstData(c *ArmController) bool { return true }

func (BaseAdapter) ReadBurst(c *ArmController) bool {
	c.mu.Lock()
	ev := c.disarmRequestedEvent
	c.mu.Unlock()
	<-ev
	return true
}

func (BaseAdapter) InterruptReading(c *ArmController)          {}
func (BaseAdapter) StopAcquisition(c *ArmController)           {}
func (BaseAdapter) OnDisarmed(c *ArmController)                {}

func (BaseAdapter) RequestedSampleRateChanged(c *ArmController) {
	c.SetAchievableSampleRate(c.RequestedSampleRateDesired())
}
