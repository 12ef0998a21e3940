// trcore-sim arms a simulated transient-recorder digitizer and prints every
// burst's ID as it arrives, for exercising the arming sequence
// controller without real hardware.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/epics-trcore/trcore/adapters/simdigitizer"
	"github.com/epics-trcore/trcore/armctl"
	"github.com/epics-trcore/trcore/arraysink"
	"github.com/epics-trcore/trcore/bus"
	"github.com/epics-trcore/trcore/timeaxis"
	"github.com/epics-trcore/trcore/units"
)

func mainImpl() error {
	numBursts := flag.Int64("bursts", 0, "number of bursts to acquire, 0 for unlimited")
	numPost := flag.Int64("post", 100, "number of post-trigger samples")
	numPre := flag.Int64("pre", 0, "number of pre-trigger samples (PrePostTrigger arming only)")
	rate := 1000 * units.Hertz
	flag.Var(&rate, "rate", "requested sample rate, e.g. 1kHz, 2.5MHz")
	prePost := flag.Bool("preposttrigger", false, "arm for PrePostTrigger instead of PostTrigger")
	burstPeriod := flag.Duration("burst-period", 100*time.Millisecond, "simulated time between triggers")
	verbose := flag.Bool("v", false, "verbose mode")
	flag.Parse()
	if !*verbose {
		log.SetOutput(io.Discard)
	}
	log.SetFlags(log.Lmicroseconds)
	if flag.NArg() != 0 {
		return errors.New("unexpected argument, try -help")
	}

	b := bus.New()
	sink := arraysink.NewMemorySink()
	axis := timeaxis.NewPort()
	adapter := simdigitizer.New(simdigitizer.Config{
		NumCh: 2,
		AchievableRates: []units.Frequency{
			100 * units.Hertz, 1 * units.KiloHertz, 10 * units.KiloHertz, 100 * units.KiloHertz,
		},
		BurstPeriod: *burstPeriod,
		SupportsPre: true,
	})
	defer adapter.Close()

	ctl, err := armctl.New(armctl.Config{
		Bus:           b,
		Adapter:       adapter,
		Sink:          sink,
		Axis:          axis,
		DigitizerName: "trcore-sim",
	})
	if err != nil {
		return err
	}
	defer ctl.Close()

	if err := b.Write(armctl.ParamDesiredRequestedSampleRate, bus.Float(float64(rate)/float64(units.Hertz))); err != nil {
		return err
	}
	if err := b.Write(armctl.ParamDesiredNumBursts, bus.Int(*numBursts)); err != nil {
		return err
	}
	if err := b.Write(armctl.ParamDesiredNumPostSamples, bus.Int(*numPost)); err != nil {
		return err
	}
	if err := b.Write(armctl.ParamDesiredNumPrePostSamples, bus.Int(*numPre)); err != nil {
		return err
	}

	if err := b.Subscribe(armctl.ParamBurstID, func(v bus.Value) {
		fmt.Printf("burst %d\n", v.I)
	}); err != nil {
		return err
	}

	// RequestedSampleRateChanged recomputes the achievable rate off-thread
	// (simdigitizer.Adapter.recomputeRate, via workqueue); wait for it to
	// land before arming, or check_settings rejects the arming with "no
	// achievable sample rate negotiated".
	if err := waitForAchievableRate(ctl, 2*time.Second); err != nil {
		return err
	}

	target := armctl.PostTrigger
	if *prePost {
		target = armctl.PrePostTrigger
	}
	if err := b.Write(armctl.ParamArmRequest, bus.Int(int64(target))); err != nil {
		return err
	}
	log.Printf("armed for %s", target)

	chanSignal := make(chan os.Signal, 1)
	signal.Notify(chanSignal, os.Interrupt)
	<-chanSignal
	log.Printf("disarming")
	return b.Write(armctl.ParamArmRequest, bus.Int(int64(armctl.Disarm)))
}

// waitForAchievableRate polls for the off-thread rate negotiation that
// simdigitizer.Adapter.RequestedSampleRateChanged kicks off to settle.
func waitForAchievableRate(ctl *armctl.ArmController, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ctl.Lock()
		rate := ctl.AchievableSampleRate()
		ctl.Unlock()
		if rate > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("timed out waiting for an achievable sample rate to be negotiated")
		}
		time.Sleep(time.Millisecond)
	}
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "trcore-sim: %s.\n", err)
		os.Exit(1)
	}
}
