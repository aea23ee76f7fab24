// Package session orchestrates measurement passes over the bench: which
// channels fire in which order, how many sweeps run, and what happens to
// each raw triple afterwards. A pass is one of three modes. Calibration
// drives every enabled channel onto a common target amplitude and stores
// the result as the reference. Level takes the bench as it stands and
// stores that as the reference. Sample sweeps the bench repeatedly and
// converts each triple to absorbance against the stored references.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/absorb"
	"github.com/spectra-data/aquascan/internal/calib"
	"github.com/spectra-data/aquascan/internal/device"
	"github.com/spectra-data/aquascan/internal/dispatch"
	"github.com/spectra-data/aquascan/internal/monitor"
)

const (
	defaultIterations = 5
	maxIterations     = 10
)

var (
	// ErrNoChannels means the pass had no enabled channels to run.
	ErrNoChannels = errors.New("session: no enabled channels")
	// ErrNotReferenced means a sample pass started before any reference
	// pass stored intensities for the enabled channels.
	ErrNotReferenced = errors.New("session: calibrate a reference before sampling")
)

// Mode selects what a pass does at each channel.
type Mode int

const (
	// ModeCalibrate drives each channel to the target amplitude, then
	// measures and stores the reference.
	ModeCalibrate Mode = iota
	// ModeLevel measures each channel as-is and stores the reference.
	ModeLevel
	// ModeSample measures each channel and converts to absorbance.
	ModeSample
)

func (m Mode) String() string {
	switch m {
	case ModeCalibrate:
		return "calibrate"
	case ModeLevel:
		return "level"
	default:
		return "sample"
	}
}

// ParseMode maps a CLI or config string onto a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "calibrate", "calibration":
		return ModeCalibrate, nil
	case "level":
		return ModeLevel, nil
	case "sample", "measure", "measurement":
		return ModeSample, nil
	default:
		return ModeSample, fmt.Errorf("session: unknown pass mode %q", s)
	}
}

// Kind labels what a record represents in storage.
type Kind string

const (
	KindReference Kind = "reference"
	KindLevel     Kind = "level"
	KindSample    Kind = "sample"
)

func (m Mode) kind() Kind {
	switch m {
	case ModeCalibrate:
		return KindReference
	case ModeLevel:
		return KindLevel
	default:
		return KindSample
	}
}

// Record is one channel's outcome within a pass. A non-empty Err means the
// channel failed without sinking the pass.
type Record struct {
	ID            uuid.UUID
	Time          time.Time
	Kind          Kind
	Label         string
	Iteration     int
	Channel       int
	Wavelength    int
	Triple        device.Triple
	DAC           int
	Absorbance    float64
	HasAbsorbance bool
	Err           string
}

// ProgressEvent reports one completed step of a pass.
type ProgressEvent struct {
	Kind       Kind
	Label      string
	Iteration  int
	Iterations int
	Channel    int
	Wavelength int
	Step       int
	Steps      int
}

// Progress receives pass progress. Callbacks run on the pass goroutine.
type Progress func(ProgressEvent)

// PassSpec describes one pass over the bench.
type PassSpec struct {
	Mode  Mode
	Label string
	// Iterations is how many sweeps a sample pass runs, clamped to
	// [1, 10] with a default of 5. Reference-establishing passes always
	// run exactly one sweep.
	Iterations int
	// Target is the common amplitude a calibration pass drives every
	// channel onto.
	Target int
	// Channels is the bench. Disabled channels are skipped; a calibration
	// pass writes converged DAC words back into it.
	Channels []device.Channel
	Progress Progress
}

func (s PassSpec) normalized() PassSpec {
	if s.Mode == ModeSample {
		if s.Iterations == 0 {
			s.Iterations = defaultIterations
		}
		if s.Iterations < 1 {
			s.Iterations = 1
		}
		if s.Iterations > maxIterations {
			s.Iterations = maxIterations
		}
	} else {
		s.Iterations = 1
	}

	if s.Label == "" {
		switch s.Mode {
		case ModeCalibrate:
			s.Label = fmt.Sprintf("REF_%05d", s.Target)
		case ModeLevel:
			s.Label = "REF_00000"
		default:
			s.Label = "MEAS"
		}
	}
	return s
}

// BuildChannelOrder returns indices into channels for the enabled ones,
// sorted by their order key with the hardware index breaking ties.
func BuildChannelOrder(channels []device.Channel) []int {
	var order []int
	for i, ch := range channels {
		if ch.Enabled {
			order = append(order, i)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := channels[order[a]], channels[order[b]]
		if ca.Order != cb.Order {
			return ca.Order < cb.Order
		}
		return ca.Index < cb.Index
	})
	return order
}

// Device is the slice of the instrument a pass needs.
type Device interface {
	Measure(ctx context.Context, channel int) (device.Triple, error)
	SetIndicator(ctx context.Context, channel int, on bool) error
}

// Calibrator runs one channel onto a target amplitude.
type Calibrator interface {
	Calibrate(ctx context.Context, channel, target, startDAC int) (calib.Result, error)
}

// Runner executes passes.
type Runner struct {
	dev Device
	cal Calibrator
	abs *absorb.Engine
	log *logrus.Logger
}

// NewRunner wires a runner. A nil logger discards output.
func NewRunner(dev Device, cal Calibrator, abs *absorb.Engine, log *logrus.Logger) *Runner {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	return &Runner{dev: dev, cal: cal, abs: abs, log: log}
}

// RunPass executes one pass and returns a record per channel per sweep.
// Individual channel failures are noted on their records and the pass moves
// on; only a dead link or a cancelled context aborts, returning the records
// gathered so far alongside the error.
func (r *Runner) RunPass(ctx context.Context, spec PassSpec) ([]Record, error) {
	spec = spec.normalized()

	order := BuildChannelOrder(spec.Channels)
	if len(order) == 0 {
		return nil, ErrNoChannels
	}
	if spec.Mode == ModeCalibrate {
		if r.cal == nil {
			return nil, errors.New("session: no calibrator configured")
		}
		if spec.Target <= 0 {
			return nil, fmt.Errorf("session: calibration target %d must be positive", spec.Target)
		}
	}
	if spec.Mode == ModeSample {
		for _, i := range order {
			if !r.abs.HasReference(spec.Channels[i].Index) {
				return nil, fmt.Errorf("%w: channel %d has no reference", ErrNotReferenced, spec.Channels[i].Index)
			}
		}
	}

	r.log.WithFields(logrus.Fields{
		"mode":       spec.Mode.String(),
		"label":      spec.Label,
		"channels":   len(order),
		"iterations": spec.Iterations,
	}).Info("Pass started")

	steps := len(order) * spec.Iterations
	step := 0
	records := make([]Record, 0, steps)

	for iter := 1; iter <= spec.Iterations; iter++ {
		for _, i := range order {
			if err := ctx.Err(); err != nil {
				return records, err
			}
			step++

			rec, err := r.runChannel(ctx, &spec, iter, i)
			if err != nil {
				return records, err
			}
			records = append(records, rec)
			monitor.MeasurementsTotal.WithLabelValues(string(rec.Kind)).Inc()

			if spec.Progress != nil {
				spec.Progress(ProgressEvent{
					Kind:       rec.Kind,
					Label:      spec.Label,
					Iteration:  iter,
					Iterations: spec.Iterations,
					Channel:    rec.Channel,
					Wavelength: rec.Wavelength,
					Step:       step,
					Steps:      steps,
				})
			}
		}
	}

	r.log.WithFields(logrus.Fields{"label": spec.Label, "records": len(records)}).Info("Pass finished")
	return records, nil
}

// runChannel handles one channel within one sweep. The returned error is
// fatal for the pass; channel-local failures land in rec.Err instead.
func (r *Runner) runChannel(ctx context.Context, spec *PassSpec, iter, i int) (Record, error) {
	ch := &spec.Channels[i]
	rec := Record{
		ID:         uuid.New(),
		Time:       time.Now(),
		Kind:       spec.Mode.kind(),
		Label:      spec.Label,
		Iteration:  iter,
		Channel:    ch.Index,
		Wavelength: ch.Wavelength,
		DAC:        ch.State.DAC,
	}

	if err := r.indicator(ctx, ch.Index, true); err != nil {
		return rec, err
	}
	defer func() {
		// Best effort: a failed "off" should not mask the pass outcome.
		if err := r.indicator(context.WithoutCancel(ctx), ch.Index, false); err != nil {
			r.log.WithField("channel", ch.Index).WithError(err).Debug("Indicator off failed")
		}
	}()

	if spec.Mode == ModeCalibrate {
		res, err := r.cal.Calibrate(ctx, ch.Index, spec.Target, ch.State.DAC)
		if err != nil {
			if fatal(err) {
				return rec, err
			}
			rec.Err = err.Error()
			r.log.WithFields(logrus.Fields{"channel": ch.Index}).WithError(err).Warn("Channel calibration failed")
			return rec, nil
		}
		ch.State.DAC = res.DAC
		rec.DAC = res.DAC
	}

	triple, err := r.dev.Measure(ctx, ch.Index)
	if err != nil {
		if fatal(err) {
			return rec, err
		}
		rec.Err = err.Error()
		r.log.WithFields(logrus.Fields{"channel": ch.Index}).WithError(err).Warn("Channel measurement failed")
		return rec, nil
	}
	rec.Triple = triple

	switch rec.Kind {
	case KindReference, KindLevel:
		if err := r.abs.SetReference(ch.Index, triple); err != nil {
			rec.Err = err.Error()
			r.log.WithFields(logrus.Fields{"channel": ch.Index}).WithError(err).Warn("Reference rejected")
			return rec, nil
		}
		if a, err := r.abs.Absorbance(ch.Index, triple); err == nil {
			rec.Absorbance = a
			rec.HasAbsorbance = true
		}
	case KindSample:
		a, err := r.abs.Absorbance(ch.Index, triple)
		if err != nil {
			rec.Err = err.Error()
			r.log.WithFields(logrus.Fields{"channel": ch.Index}).WithError(err).Warn("Conversion failed")
			return rec, nil
		}
		rec.Absorbance = a
		rec.HasAbsorbance = true
	}

	return rec, nil
}

// indicator flips a channel LED, treating only link death as fatal.
func (r *Runner) indicator(ctx context.Context, channel int, on bool) error {
	err := r.dev.SetIndicator(ctx, channel, on)
	if err == nil || !fatal(err) {
		return nil
	}
	return err
}

// fatal reports whether an error must abort the whole pass.
func fatal(err error) bool {
	var link *dispatch.LinkError
	if errors.As(err, &link) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
