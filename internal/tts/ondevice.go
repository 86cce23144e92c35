package tts

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"time"

	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/mattn/go-shellwords"
)

const (
	baseWordsPerMinute = 175
	minWordsPerMinute  = 80
	maxWordsPerMinute  = 450
)

type onDevice struct {
	cmd       []string
	voices    *VoiceCache
	voiceWait time.Duration
}

// NewOnDevice speaks through a local speech engine process that plays the
// audio itself. command is the engine invocation without prosody arguments,
// e.g. "espeak-ng"; voice, speed, pitch, amplitude and text are appended.
func NewOnDevice(command string, voices *VoiceCache, voiceWait time.Duration) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse speech engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("speech engine command empty")
	}
	return &onDevice{cmd: args, voices: voices, voiceWait: voiceWait}, nil
}

func (o *onDevice) Kind() pronunciation.Backend { return pronunciation.OnDevice }

func (o *onDevice) Speak(ctx context.Context, spec pronunciation.Spec) <-chan Event {
	out := newEvents()
	go func() {
		defer close(out)

		voice, err := o.voices.Voice(ctx, o.voiceWait)
		if err != nil {
			out <- failure(ctx, err)
			return
		}

		args := append([]string{}, o.cmd[1:]...)
		args = append(args, EngineArgs(voice, spec)...)
		cmd := exec.CommandContext(ctx, o.cmd[0], args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			out <- failure(ctx, fmt.Errorf("start speech engine: %w", err))
			return
		}
		out <- Event{Type: Started}
		if err := cmd.Wait(); err != nil {
			out <- failure(ctx, fmt.Errorf("speech engine: %w: %s", err, bytes.TrimSpace(stderr.Bytes())))
			return
		}
		out <- Event{Type: Ended}
	}()
	return out
}

// EngineArgs maps a spec onto espeak-ng flags. Rate 1.0 is the engine's
// default speed and pitch 1.0 its default pitch.
func EngineArgs(voice Voice, spec pronunciation.Spec) []string {
	wpm := clamp(math.Round(baseWordsPerMinute*spec.Rate), minWordsPerMinute, maxWordsPerMinute)
	pitch := clamp(math.Round(spec.Pitch*50), 0, 99)
	amplitude := clamp(math.Round(spec.Volume*100), 0, 200)
	return []string{
		"-v", voice.Language,
		"-s", strconv.Itoa(int(wpm)),
		"-p", strconv.Itoa(int(pitch)),
		"-a", strconv.Itoa(int(amplitude)),
		spec.Text,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
