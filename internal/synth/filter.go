package synth

import "math"

// Lowpass is a second-order (biquad) low-pass filter.
type Lowpass struct {
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
}

func NewLowpass(cutoffHz, q float64, sampleRate int) *Lowpass {
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cos := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha
	return &Lowpass{
		b0: (1 - cos) / 2 / a0,
		b1: (1 - cos) / a0,
		b2: (1 - cos) / 2 / a0,
		a1: -2 * cos / a0,
		a2: (1 - alpha) / a0,
	}
}

// Process filters samples in place, keeping state across calls.
func (f *Lowpass) Process(samples []float64) {
	for i, x := range samples {
		y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
		f.x2, f.x1 = f.x1, x
		f.y2, f.y1 = f.y1, y
		samples[i] = y
	}
}
