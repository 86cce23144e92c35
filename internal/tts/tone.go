package tts

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/synth"
)

const tonePeak = 0.9

type tone struct {
	cfg    config.ToneConfig
	player playback.Player
}

// NewTone renders a vowel-like tone at the spec's fundamental and plays it.
func NewTone(cfg config.ToneConfig, player playback.Player) Backend {
	return &tone{cfg: cfg, player: player}
}

func (t *tone) Kind() pronunciation.Backend { return pronunciation.Tone }

func (t *tone) Speak(ctx context.Context, spec pronunciation.Spec) <-chan Event {
	out := newEvents()
	go func() {
		defer close(out)
		clip, err := t.Render(spec)
		if err != nil {
			out <- failure(ctx, err)
			return
		}
		play(ctx, t.player, clip, out)
	}()
	return out
}

func (t *tone) Render(spec pronunciation.Spec) (playback.Clip, error) {
	samples := synth.Vowel(synth.VowelParams{
		FundamentalHz: spec.ToneHz,
		Duration:      time.Duration(t.cfg.DurationMS) * time.Millisecond,
		SampleRate:    t.cfg.SampleRate,
		LowpassHz:     t.cfg.LowpassHz,
		Q:             1,
		Peak:          clamp(tonePeak*spec.Volume, 0.01, 1),
	})
	data, err := synth.WAV(samples, t.cfg.SampleRate)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("render tone: %w", err)
	}
	return playback.Clip{ContentType: "audio/wav", Data: data}, nil
}
