package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/playback/device"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/speech"
	"github.com/loqalabs/alfabeto/internal/tts"
)

// Engine is the orchestrator plus the resources its backends hold open.
type Engine struct {
	Orchestrator *speech.Orchestrator
	// Player is shared by the clip-playing backends and by front ends that
	// play feedback cues.
	Player playback.Player

	voices   *tts.VoiceCache
	backends []pronunciation.Backend
	closers  []func()
}

// BuildEngine wires the enabled backends from cfg. display receives letters
// that fall through to the visual fallback.
func BuildEngine(ctx context.Context, cfg config.Config, display tts.Display, logger *slog.Logger) (*Engine, error) {
	policy, err := pronunciation.New(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("build pronunciation policy: %w", err)
	}

	e := &Engine{}
	player, closePlayer, err := NewPlayer(cfg.Playback)
	if err != nil {
		return nil, err
	}
	e.Player = player
	e.closers = append(e.closers, closePlayer)

	var backends []tts.Backend
	if cfg.OnDevice.Enabled {
		catalog, err := tts.NewExecCatalog(cfg.OnDevice.VoicesCommand)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.voices = tts.NewVoiceCache(catalog, cfg.Policy.Language,
			time.Duration(cfg.OnDevice.PollIntervalMS)*time.Millisecond,
			time.Duration(cfg.OnDevice.RefreshIntervalMS)*time.Millisecond,
			logger)
		e.voices.Start(ctx)
		e.closers = append(e.closers, e.voices.Close)

		onDevice, err := tts.NewOnDevice(cfg.OnDevice.Command, e.voices, time.Duration(cfg.OnDevice.VoiceWaitMS)*time.Millisecond)
		if err != nil {
			e.Close()
			return nil, err
		}
		backends = append(backends, onDevice)
	}
	if cfg.Remote.Enabled {
		client := &http.Client{Timeout: time.Duration(cfg.Remote.TimeoutMS) * time.Millisecond}
		backends = append(backends, tts.NewRemote(cfg.Remote, client, player))
	}
	if cfg.Tone.Enabled {
		backends = append(backends, tts.NewTone(cfg.Tone, player))
	}
	if display == nil {
		display = tts.LogDisplay{Logger: logger}
	}

	orch, err := speech.New(policy, backends, tts.NewVisual(display), speech.Options{
		SettleDelay:  time.Duration(cfg.Speech.SettleDelayMS) * time.Millisecond,
		StartTimeout: time.Duration(cfg.Speech.StartTimeoutMS) * time.Millisecond,
	}, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Orchestrator = orch
	for _, b := range backends {
		e.backends = append(e.backends, b.Kind())
	}
	e.backends = append(e.backends, pronunciation.Visual)
	logger.Info("speech engine ready", slog.Int("audio_backends", len(backends)), slog.String("playback", cfg.Playback.Mode))
	return e, nil
}

// Backends lists the wired backends in construction order, visual last.
func (e *Engine) Backends() []pronunciation.Backend {
	return append([]pronunciation.Backend(nil), e.backends...)
}

// InvalidateVoices forces the on-device voice list to be read again.
func (e *Engine) InvalidateVoices() {
	if e.voices != nil {
		e.voices.Invalidate()
	}
}

// Close stops the orchestrator first so no backend is mid-playback when its
// resources go away.
func (e *Engine) Close() {
	if e.Orchestrator != nil {
		e.Orchestrator.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// NewPlayer builds the configured audio output.
func NewPlayer(cfg config.PlaybackConfig) (playback.Player, func(), error) {
	switch cfg.Mode {
	case "exec":
		p, err := playback.NewExecPlayer(cfg.Command)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	case "device":
		p, err := device.New()
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "discard":
		return playback.Discard{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown playback mode %q", cfg.Mode)
}
