package synth

import (
	"math"
	"time"
)

type Waveform int

const (
	Sine Waveform = iota
	Sawtooth
)

// Note is one oscillator burst inside a cue.
type Note struct {
	Hz       float64
	Start    time.Duration
	Duration time.Duration
	Peak     float64
	Wave     Waveform
}

const noteAttack = 10 * time.Millisecond

// Cue renders notes (which may overlap) into one mono buffer. Each note
// ramps up over 10ms and decays exponentially to 1% of its peak.
func Cue(notes []Note, sampleRate int) []float64 {
	var end time.Duration
	for _, n := range notes {
		if e := n.Start + n.Duration; e > end {
			end = e
		}
	}
	rate := float64(sampleRate)
	out := make([]float64, int(end.Seconds()*rate))
	for _, n := range notes {
		first := int(n.Start.Seconds() * rate)
		count := int(n.Duration.Seconds() * rate)
		for i := 0; i < count && first+i < len(out); i++ {
			t := float64(i) / rate
			out[first+i] += n.Peak * noteEnvelope(t, n.Duration.Seconds()) * oscillate(n.Wave, n.Hz, t)
		}
	}
	for i, s := range out {
		out[i] = math.Max(-1, math.Min(1, s))
	}
	return out
}

func noteEnvelope(t, total float64) float64 {
	a := noteAttack.Seconds()
	if t < a {
		return t / a
	}
	return math.Pow(0.01, (t-a)/(total-a))
}

func oscillate(w Waveform, hz, t float64) float64 {
	switch w {
	case Sawtooth:
		phase := hz * t
		return 2 * (phase - math.Floor(phase+0.5))
	default:
		return math.Sin(2 * math.Pi * hz * t)
	}
}

// SuccessChime is the rising C-E-G arpeggio played on a correct answer.
func SuccessChime() []Note {
	freqs := []float64{523.25, 659.25, 783.99}
	notes := make([]Note, 0, len(freqs))
	for i, hz := range freqs {
		notes = append(notes, Note{
			Hz:       hz,
			Start:    time.Duration(i) * 120 * time.Millisecond,
			Duration: 400 * time.Millisecond,
			Peak:     0.6,
		})
	}
	return notes
}

// ErrorBuzz is the low sawtooth played on a wrong answer.
func ErrorBuzz() []Note {
	return []Note{{Hz: 200, Duration: 400 * time.Millisecond, Peak: 0.4, Wave: Sawtooth}}
}

// VictoryFanfare plays when the whole alphabet has been found.
func VictoryFanfare() []Note {
	melody := []struct {
		hz  float64
		dur time.Duration
	}{
		{523.25, 200 * time.Millisecond},
		{659.25, 200 * time.Millisecond},
		{783.99, 200 * time.Millisecond},
		{1046.5, 400 * time.Millisecond},
	}
	var (
		notes []Note
		at    time.Duration
	)
	for _, m := range melody {
		notes = append(notes, Note{Hz: m.hz, Start: at, Duration: m.dur, Peak: 0.3})
		at += m.dur
	}
	return notes
}
