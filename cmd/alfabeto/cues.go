package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/synth"
)

type cue int

const (
	cueSuccess cue = iota
	cueError
	cueVictory
)

const cueTimeout = 5 * time.Second

// cues holds the feedback sounds rendered once at startup.
type cues struct {
	player playback.Player
	clips  map[cue]playback.Clip
	logger *slog.Logger
}

func newCues(player playback.Player, sampleRate int, logger *slog.Logger) (*cues, error) {
	scores := map[cue][]synth.Note{
		cueSuccess: synth.SuccessChime(),
		cueError:   synth.ErrorBuzz(),
		cueVictory: synth.VictoryFanfare(),
	}
	c := &cues{
		player: player,
		clips:  make(map[cue]playback.Clip, len(scores)),
		logger: logger.With(slog.String("component", "cues")),
	}
	for k, notes := range scores {
		data, err := synth.WAV(synth.Cue(notes, sampleRate), sampleRate)
		if err != nil {
			return nil, fmt.Errorf("render cue %d: %w", k, err)
		}
		c.clips[k] = playback.Clip{ContentType: "audio/wav", Data: data}
	}
	return c, nil
}

// play returns a command that plays k to completion. Failures are logged;
// the game carries on without the sound.
func (c *cues) play(k cue) tea.Cmd {
	if c == nil {
		return nil
	}
	clip := c.clips[k]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), cueTimeout)
		defer cancel()
		pb, err := c.player.Start(ctx, clip)
		if err == nil {
			err = pb.Wait()
		}
		if err != nil {
			c.logger.Warn("feedback cue failed", slog.Int("cue", int(k)), slog.String("error", err.Error()))
		}
		return nil
	}
}
