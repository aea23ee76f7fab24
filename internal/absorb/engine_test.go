package absorb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectra-data/aquascan/internal/device"
)

func TestAbsorbanceRequiresReference(t *testing.T) {
	t.Parallel()

	e := New(nil)
	_, err := e.Absorbance(0, device.Triple{Pulse1: 500, Pulse2: 520, Background: 444})
	require.ErrorIs(t, err, ErrNoReference)
}

func TestReferenceAgainstItselfIsZero(t *testing.T) {
	t.Parallel()

	e := New(nil)
	ref := device.Triple{Pulse1: 500, Pulse2: 520, Background: 444}
	require.NoError(t, e.SetReference(3, ref))

	a, err := e.Absorbance(3, ref)
	require.NoError(t, err)
	assert.InDelta(t, 0, a, 1e-12,
		"a sample identical to its reference must read zero absorbance")
}

func TestAbsorbanceSignConvention(t *testing.T) {
	t.Parallel()

	e := New(nil)
	ref := device.Triple{Pulse1: 20000, Pulse2: 20100, Background: 600}
	require.NoError(t, e.SetReference(0, ref))

	// Lower counts mean less light got through: a denser sample, positive
	// absorbance.
	darker, err := e.Absorbance(0, device.Triple{Pulse1: 15000, Pulse2: 15100, Background: 600})
	require.NoError(t, err)
	assert.Positive(t, darker)

	brighter, err := e.Absorbance(0, device.Triple{Pulse1: 25000, Pulse2: 25100, Background: 600})
	require.NoError(t, err)
	assert.Negative(t, brighter)
}

func TestNonPhysicalIntensity(t *testing.T) {
	t.Parallel()

	e := New(nil)
	swamped := device.Triple{Pulse1: 100, Pulse2: 100, Background: 5000}

	err := e.SetReference(2, swamped)
	var derr *DomainError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, 2, derr.Channel)

	// Same for a measurement against a healthy reference.
	require.NoError(t, e.SetReference(2, device.Triple{Pulse1: 20000, Pulse2: 20000, Background: 600}))
	_, err = e.Absorbance(2, swamped)
	require.ErrorAs(t, err, &derr)
}

func TestCancellationAtHighCounts(t *testing.T) {
	t.Parallel()

	// With the background one count under the pulses, Is is a small
	// difference of two large exponentials. The self-ratio has to stay
	// exactly 1 through the cancellation.
	e := New(nil)
	tight := device.Triple{Pulse1: 65001, Pulse2: 65001, Background: 65000}

	require.NoError(t, e.SetReference(5, tight))
	a, err := e.Absorbance(5, tight)
	require.NoError(t, err)
	assert.InDelta(t, 0, a, 1e-12)
}

func TestHasReferenceAndClear(t *testing.T) {
	t.Parallel()

	e := New(nil)
	assert.False(t, e.HasReference(1))

	require.NoError(t, e.SetReference(1, device.Triple{Pulse1: 9000, Pulse2: 9100, Background: 500}))
	assert.True(t, e.HasReference(1))
	assert.False(t, e.HasReference(2))

	e.ClearReferences()
	assert.False(t, e.HasReference(1))
}

func TestChannelRange(t *testing.T) {
	t.Parallel()

	e := New(nil)
	tr := device.Triple{Pulse1: 9000, Pulse2: 9100, Background: 500}

	require.Error(t, e.SetReference(-1, tr))
	require.Error(t, e.SetReference(16, tr))
	_, err := e.Absorbance(16, tr)
	require.Error(t, err)
	assert.False(t, e.HasReference(16))
}

func TestAbsorbanceMagnitude(t *testing.T) {
	t.Parallel()

	// A tenfold intensity drop is one absorbance unit by definition of
	// log10. Build triples whose intensities differ almost exactly tenfold:
	// with zero background contribution cancelled out, intensity scales as
	// 10^(2K * count), so a count difference of 1/(2K) raises intensity
	// tenfold. 1/(2 * 45.7763672e-6) is about 10922.7 counts.
	e := New(nil)
	ref := device.Triple{Pulse1: 40000, Pulse2: 40000, Background: 0}
	require.NoError(t, e.SetReference(7, ref))

	a, err := e.Absorbance(7, device.Triple{Pulse1: 40000 - 10923, Pulse2: 40000 - 10923, Background: 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, a, 0.01)
}
