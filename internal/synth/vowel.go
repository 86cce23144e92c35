// Package synth renders the procedural sounds the game falls back on: a
// vowel-like tone standing in for a letter, and the short feedback cues.
package synth

import (
	"math"
	"time"
)

// Partial is one harmonic of a tone, as a multiple of the fundamental.
type Partial struct {
	Multiple float64
	Gain     float64
}

// VowelPartials is the fundamental plus three descending harmonics.
var VowelPartials = []Partial{
	{Multiple: 1, Gain: 0.8},
	{Multiple: 2, Gain: 0.4},
	{Multiple: 3, Gain: 0.2},
	{Multiple: 4, Gain: 0.1},
}

const (
	attack      = 100 * time.Millisecond
	release     = 200 * time.Millisecond
	sustainTail = 0.8
	floor       = 0.001
)

// VowelParams describes one procedural tone.
type VowelParams struct {
	FundamentalHz float64
	Duration      time.Duration
	SampleRate    int
	LowpassHz     float64
	Q             float64
	// Peak is the absolute sample peak after normalisation, in (0, 1].
	Peak float64
}

// Vowel renders the tone as mono samples in [-1, 1].
func Vowel(p VowelParams) []float64 {
	if p.Q <= 0 {
		p.Q = 1
	}
	if p.Peak <= 0 || p.Peak > 1 {
		p.Peak = 0.9
	}
	n := int(p.Duration.Seconds() * float64(p.SampleRate))
	out := make([]float64, n)
	rate := float64(p.SampleRate)
	for i := range out {
		t := float64(i) / rate
		var v float64
		for _, h := range VowelPartials {
			v += h.Gain * math.Sin(2*math.Pi*p.FundamentalHz*h.Multiple*t)
		}
		out[i] = v
	}
	if p.LowpassHz > 0 {
		NewLowpass(p.LowpassHz, p.Q, p.SampleRate).Process(out)
	}
	for i := range out {
		out[i] *= Envelope(time.Duration(float64(i)/rate*float64(time.Second)), p.Duration)
	}
	Normalize(out, p.Peak)
	return out
}

// Envelope is the tone's amplitude shape at offset t: a linear ramp up over
// the attack, a linear sag to 80% until the release, then an exponential
// decay to near silence at the end.
func Envelope(t, total time.Duration) float64 {
	switch {
	case t < 0 || t >= total:
		return 0
	case t < attack:
		return float64(t) / float64(attack)
	}
	releaseAt := total - release
	if releaseAt < attack {
		releaseAt = attack
	}
	if t < releaseAt {
		frac := float64(t-attack) / float64(releaseAt-attack)
		return 1 - (1-sustainTail)*frac
	}
	frac := float64(t-releaseAt) / float64(total-releaseAt)
	return sustainTail * math.Pow(floor/sustainTail, frac)
}

// Normalize scales samples in place so the largest magnitude equals peak.
func Normalize(samples []float64, peak float64) {
	var max float64
	for _, s := range samples {
		if a := math.Abs(s); a > max {
			max = a
		}
	}
	if max == 0 {
		return
	}
	scale := peak / max
	for i := range samples {
		samples[i] *= scale
	}
}
