// Package absorb converts raw ADC triples into absorbance values. The
// conversion runs the intensity difference Is = Iw1 + Iw2 - 2*Ib, which
// cancels catastrophically when the background sits close to the pulses, so
// all intermediate arithmetic is 66-digit decimal; only the final
// absorbance collapses to a float64.
package absorb

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/apd/v3"
	"github.com/sirupsen/logrus"

	"github.com/spectra-data/aquascan/internal/device"
	"github.com/spectra-data/aquascan/internal/proto"
)

// precision is the working decimal precision for intensity arithmetic.
const precision = 66

// adcToOD converts one ADC count to optical density in the exponent of the
// intensity transform: I = 10^(2 * adcToOD * count).
const adcToOD = "45.7763672E-6"

// ErrNoReference means Absorbance was asked for a channel that has no
// stored reference intensity yet.
var ErrNoReference = errors.New("absorb: no reference stored")

// DomainError reports a triple whose intensity came out non-positive, which
// has no logarithm. It happens when the background reading overwhelms the
// pulse readings.
type DomainError struct {
	Channel   int
	Intensity string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("absorb: non-physical intensity %s on channel %d (background exceeds pulses)",
		e.Intensity, e.Channel)
}

var (
	two = apd.New(2, 0)
	ten = apd.New(10, 0)
)

// Engine holds per-channel reference intensities and performs conversions.
type Engine struct {
	mu   sync.Mutex
	ctx  *apd.Context
	k2   *apd.Decimal // 2 * adcToOD, parsed once
	refs [proto.NumChannels]*apd.Decimal
	log  *logrus.Logger
}

// New builds an engine with no references stored. A nil logger discards
// output.
func New(log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}

	ctx := apd.BaseContext.WithPrecision(precision)
	k, _, err := apd.NewFromString(adcToOD)
	if err != nil {
		// The constant is compiled in; failing to parse it is a programming
		// error, not a runtime condition.
		panic(fmt.Sprintf("absorb: bad conversion constant: %v", err))
	}
	k2 := new(apd.Decimal)
	if _, err := ctx.Mul(k2, k, two); err != nil {
		panic(fmt.Sprintf("absorb: scaling conversion constant: %v", err))
	}

	return &Engine{ctx: ctx, k2: k2, log: log}
}

// SetReference computes the intensity of a reference triple and stores it
// for the channel. Later absorbances on the channel are relative to it.
func (e *Engine) SetReference(channel int, t device.Triple) error {
	if err := checkChannel(channel); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	is, err := e.intensity(t)
	if err != nil {
		return err
	}
	if is.Sign() <= 0 {
		return &DomainError{Channel: channel, Intensity: is.String()}
	}
	e.refs[channel] = is
	e.log.WithFields(logrus.Fields{"channel": channel, "intensity": is.String()}).
		Debug("Reference intensity stored")
	return nil
}

// HasReference reports whether the channel has a stored reference.
func (e *Engine) HasReference(channel int) bool {
	if channel < 0 || channel >= proto.NumChannels {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refs[channel] != nil
}

// ClearReferences drops every stored reference, forcing the next run to
// re-reference before converting.
func (e *Engine) ClearReferences() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs = [proto.NumChannels]*apd.Decimal{}
}

// Absorbance converts a measured triple to absorbance relative to the
// channel's stored reference: log10(Iref / Is).
func (e *Engine) Absorbance(channel int, t device.Triple) (float64, error) {
	if err := checkChannel(channel); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ref := e.refs[channel]
	if ref == nil {
		return 0, fmt.Errorf("%w for channel %d", ErrNoReference, channel)
	}

	is, err := e.intensity(t)
	if err != nil {
		return 0, err
	}
	if is.Sign() <= 0 {
		return 0, &DomainError{Channel: channel, Intensity: is.String()}
	}

	ratio := new(apd.Decimal)
	if _, err := e.ctx.Quo(ratio, ref, is); err != nil {
		return 0, fmt.Errorf("absorb: intensity ratio: %w", err)
	}
	out := new(apd.Decimal)
	if _, err := e.ctx.Log10(out, ratio); err != nil {
		return 0, fmt.Errorf("absorb: log ratio: %w", err)
	}

	f, err := out.Float64()
	if err != nil {
		return 0, fmt.Errorf("absorb: narrowing absorbance: %w", err)
	}
	return f, nil
}

// intensity computes Is = Iw1 + Iw2 - 2*Ib at full precision. Caller holds
// the lock.
func (e *Engine) intensity(t device.Triple) (*apd.Decimal, error) {
	iw1, err := e.countIntensity(t.Pulse1)
	if err != nil {
		return nil, err
	}
	iw2, err := e.countIntensity(t.Pulse2)
	if err != nil {
		return nil, err
	}
	ib, err := e.countIntensity(t.Background)
	if err != nil {
		return nil, err
	}

	is := new(apd.Decimal)
	if _, err := e.ctx.Add(is, iw1, iw2); err != nil {
		return nil, fmt.Errorf("absorb: summing pulses: %w", err)
	}
	ib2 := new(apd.Decimal)
	if _, err := e.ctx.Mul(ib2, ib, two); err != nil {
		return nil, fmt.Errorf("absorb: doubling background: %w", err)
	}
	if _, err := e.ctx.Sub(is, is, ib2); err != nil {
		return nil, fmt.Errorf("absorb: subtracting background: %w", err)
	}
	return is, nil
}

// countIntensity lifts one ADC count to intensity: 10^(2 * adcToOD * count).
func (e *Engine) countIntensity(count int) (*apd.Decimal, error) {
	exp := new(apd.Decimal)
	if _, err := e.ctx.Mul(exp, e.k2, apd.New(int64(count), 0)); err != nil {
		return nil, fmt.Errorf("absorb: scaling count %d: %w", count, err)
	}
	out := new(apd.Decimal)
	if _, err := e.ctx.Pow(out, ten, exp); err != nil {
		return nil, fmt.Errorf("absorb: exponentiating count %d: %w", count, err)
	}
	return out, nil
}

func checkChannel(channel int) error {
	if channel < 0 || channel >= proto.NumChannels {
		return fmt.Errorf("absorb: channel %d out of range [0, %d]", channel, proto.NumChannels-1)
	}
	return nil
}
