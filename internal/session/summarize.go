package session

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelSummary aggregates a channel's successful sample records across
// the sweeps of a pass.
type ChannelSummary struct {
	Channel    int
	Wavelength int
	Count      int
	Mean       float64
	StdDev     float64
	Min        float64
	Max        float64
	MeanPulse  float64
}

// Summarize reduces sample records to per-channel statistics. Failed
// channels and non-sample records contribute nothing. Channels come back in
// hardware order.
func Summarize(records []Record) []ChannelSummary {
	type bucket struct {
		wavelength int
		abs        []float64
		pulse      []float64
	}
	buckets := map[int]*bucket{}

	for _, rec := range records {
		if rec.Kind != KindSample || rec.Err != "" || !rec.HasAbsorbance {
			continue
		}
		b := buckets[rec.Channel]
		if b == nil {
			b = &bucket{wavelength: rec.Wavelength}
			buckets[rec.Channel] = b
		}
		b.abs = append(b.abs, rec.Absorbance)
		b.pulse = append(b.pulse, float64(rec.Triple.Pulse1))
	}

	channels := make([]int, 0, len(buckets))
	for ch := range buckets {
		channels = append(channels, ch)
	}
	sort.Ints(channels)

	out := make([]ChannelSummary, 0, len(channels))
	for _, ch := range channels {
		b := buckets[ch]
		s := ChannelSummary{
			Channel:    ch,
			Wavelength: b.wavelength,
			Count:      len(b.abs),
			Mean:       stat.Mean(b.abs, nil),
			Min:        floats.Min(b.abs),
			Max:        floats.Max(b.abs),
			MeanPulse:  stat.Mean(b.pulse, nil),
		}
		if len(b.abs) > 1 {
			s.StdDev = stat.StdDev(b.abs, nil)
		}
		out = append(out, s)
	}
	return out
}
