// Package calib adjusts a channel's DAC drive until the measured pulse
// amplitude lands on a target ADC count. The search is a bisection over the
// DAC range followed by a short linear fine-tune around the best candidate,
// which suits the detector response: monotonic in the large, slightly noisy
// up close.
package calib

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/device"
	"github.com/spectra-data/aquascan/internal/monitor"
	"github.com/spectra-data/aquascan/internal/proto"
)

// State names the phase a calibration run is in. Runs move Searching ->
// FineTuning -> Converged, or end in Failed from either phase.
type State int

const (
	Searching State = iota
	FineTuning
	Converged
	Failed
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case FineTuning:
		return "fine-tuning"
	case Converged:
		return "converged"
	default:
		return "failed"
	}
}

// Driver is the slice of the instrument a calibration run needs: one
// channel's DAC word and its measured pulse amplitude.
type Driver interface {
	SetDAC(ctx context.Context, value int) error
	MeasureADC(ctx context.Context) (int, error)
}

// ControllerDriver adapts one controller channel to the Driver interface.
// The amplitude compared against the target is the first pulse reading.
type ControllerDriver struct {
	Ctrl    *device.Controller
	Channel int
}

func (d ControllerDriver) SetDAC(ctx context.Context, value int) error {
	return d.Ctrl.WriteParam(ctx, d.Channel, proto.ParamDAC, value)
}

func (d ControllerDriver) MeasureADC(ctx context.Context) (int, error) {
	t, err := d.Ctrl.Measure(ctx, d.Channel)
	if err != nil {
		return 0, err
	}
	return t.Pulse1, nil
}

// Options tune a calibration run. Zero values take the bench defaults.
type Options struct {
	// Tolerance is the acceptable |measured - target| after convergence.
	Tolerance int
	// MaxDAC caps the drive word; the search never probes outside
	// [0, MaxDAC].
	MaxDAC int
	// MaxCycles bounds the bisection loop.
	MaxCycles int
	// FineSpan is the half-width of the linear fine-tune scan.
	FineSpan int
}

func (o Options) withDefaults() Options {
	if o.Tolerance <= 0 {
		o.Tolerance = 4
	}
	if o.MaxDAC <= 0 {
		o.MaxDAC = 3520
	}
	if o.MaxCycles <= 0 {
		o.MaxCycles = 50
	}
	if o.FineSpan <= 0 {
		o.FineSpan = 5
	}
	return o
}

// Result is a converged calibration: the DAC word left on the device and
// the amplitude it produced.
type Result struct {
	DAC       int
	ADC       int
	Cycles    int
	FineTuned bool
}

// ConvergenceError reports a run that ended in the Failed state, with the
// closest point the search reached. Channel is stamped by Bench; a bare
// Engine does not know which channel it drives.
type ConvergenceError struct {
	Channel int
	Target  int
	DAC     int
	ADC     int
	Cycles  int
	Reason  string
}

func (e *ConvergenceError) Error() string {
	return fmt.Sprintf("calib: channel %d: no convergence on target %d after %d cycles: %s (closest dac %d -> adc %d)",
		e.Channel, e.Target, e.Cycles, e.Reason, e.DAC, e.ADC)
}

// Engine runs calibrations against one driver.
type Engine struct {
	drv  Driver
	opts Options
	log  *logrus.Logger
}

// New builds an engine. A nil logger discards output.
func New(drv Driver, opts Options, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Engine{drv: drv, opts: opts.withDefaults(), log: log}
}

// Calibrate drives the DAC from startDAC until the measured amplitude is
// within tolerance of target. The device is left programmed with the best
// DAC found whether or not the run converges.
func (e *Engine) Calibrate(ctx context.Context, target, startDAC int) (Result, error) {
	if target <= 0 {
		return Result{}, fmt.Errorf("calib: target %d must be positive", target)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	o := e.opts
	dac := clamp(startDAC, 0, o.MaxDAC)
	state := Searching

	adc, err := e.probe(ctx, dac)
	if err != nil {
		return Result{}, err
	}
	e.log.WithFields(logrus.Fields{"target": target, "dac": dac, "adc": adc}).Debug("Calibration started")

	lo, hi := 0, o.MaxDAC
	cycles := 0
	collapsed := false

	for abs(target-adc) > o.Tolerance && cycles < o.MaxCycles {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		if adc < target {
			lo = dac
		} else {
			hi = dac
		}
		next := (lo + hi) / 2
		if next == dac {
			// The interval can shrink no further; whatever gap remains is
			// for the fine-tune scan to close.
			collapsed = true
			break
		}
		dac = next

		if adc, err = e.probe(ctx, dac); err != nil {
			return Result{}, err
		}
		cycles++
		e.log.WithFields(logrus.Fields{
			"state": state.String(), "cycle": cycles, "dac": dac, "adc": adc,
		}).Debug("Calibration cycle")
	}

	fineTuned := false
	if abs(target-adc) > 0 && cycles < o.MaxCycles {
		state = FineTuning
		e.log.WithFields(logrus.Fields{"state": state.String(), "dac": dac, "adc": adc}).
			Debug("Entering fine-tune scan")
		dac, adc, err = e.fineTune(ctx, dac, adc, target)
		if err != nil {
			return Result{}, err
		}
		fineTuned = true
	}

	monitor.CalibrationCycles.Observe(float64(cycles))

	if abs(target-adc) > o.Tolerance {
		state = Failed
		reason := "fine-tune could not close the gap"
		if cycles >= o.MaxCycles {
			reason = "cycle budget exhausted"
		} else if collapsed {
			reason = "search interval collapsed short of tolerance"
		}
		e.log.WithFields(logrus.Fields{
			"state": state.String(), "target": target, "dac": dac, "adc": adc, "cycles": cycles,
		}).Warn("Calibration failed")
		monitor.CalibrationFailures.Inc()
		return Result{}, &ConvergenceError{Target: target, DAC: dac, ADC: adc, Cycles: cycles, Reason: reason}
	}

	state = Converged
	e.log.WithFields(logrus.Fields{
		"state": state.String(), "dac": dac, "adc": adc, "cycles": cycles, "fine_tuned": fineTuned,
	}).Info("Calibration converged")
	return Result{DAC: dac, ADC: adc, Cycles: cycles, FineTuned: fineTuned}, nil
}

// fineTune scans a narrow window around center and leaves the device at the
// DAC whose amplitude sits closest to target.
func (e *Engine) fineTune(ctx context.Context, center, centerADC, target int) (int, int, error) {
	bestDAC, bestADC := center, centerADC
	bestDiff := abs(centerADC - target)

	lo := clamp(center-e.opts.FineSpan, 0, e.opts.MaxDAC)
	hi := clamp(center+e.opts.FineSpan, 0, e.opts.MaxDAC)

	for dac := lo; dac <= hi; dac++ {
		if dac == center {
			continue
		}
		if err := ctx.Err(); err != nil {
			return bestDAC, bestADC, err
		}
		adc, err := e.probe(ctx, dac)
		if err != nil {
			return bestDAC, bestADC, err
		}
		if diff := abs(adc - target); diff < bestDiff {
			bestDAC, bestADC, bestDiff = dac, adc, diff
		}
	}

	// The scan left the device at its last probe; park it on the winner.
	if err := e.drv.SetDAC(ctx, bestDAC); err != nil {
		return bestDAC, bestADC, fmt.Errorf("calib: set dac %d: %w", bestDAC, err)
	}
	e.log.WithFields(logrus.Fields{"dac": bestDAC, "adc": bestADC, "diff": bestDiff}).
		Debug("Fine-tune picked best drive")
	return bestDAC, bestADC, nil
}

func (e *Engine) probe(ctx context.Context, dac int) (int, error) {
	if err := e.drv.SetDAC(ctx, dac); err != nil {
		return 0, fmt.Errorf("calib: set dac %d: %w", dac, err)
	}
	adc, err := e.drv.MeasureADC(ctx)
	if err != nil {
		return 0, fmt.Errorf("calib: measure at dac %d: %w", dac, err)
	}
	return adc, nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
