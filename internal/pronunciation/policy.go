// Package pronunciation maps each letter to the text and prosody it is spoken
// with, and to the ordered list of backends that may speak it.
package pronunciation

import (
	"fmt"
	"strings"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/config"
)

// Backend names one audio-production mechanism.
type Backend string

const (
	OnDevice Backend = "on_device"
	Remote   Backend = "remote"
	Tone     Backend = "tone"
	Visual   Backend = "visual"
)

// ParseBackend accepts the names used in configuration files.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case OnDevice, Remote, Tone, Visual:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Spec is what gets spoken for one request.
type Spec struct {
	Letter   alphabet.Letter
	Text     string
	Rate     float64
	Pitch    float64
	Volume   float64
	Language string
	ToneHz   float64
}

// Route is the fallback order for one letter. Cascade holds audio backends
// only; the visual fallback always follows it.
type Route struct {
	Cascade []Backend
	// AudioFallback=false sends a failed letter straight to the visual
	// fallback instead of trying the remaining audio backends.
	AudioFallback bool
}

type entry struct {
	text          string
	rate          float64
	pitch         float64
	volume        float64
	toneHz        float64
	cascade       []Backend
	audioFallback bool
}

const (
	consonantRate  = 0.7
	consonantPitch = 1.3
	vowelRate      = 0.2
	vowelPitch     = 1.1
	defaultToneHz  = 300
)

var defaultCascade = []Backend{OnDevice, Remote, Tone}

// Policy is immutable once built and safe for concurrent use.
type Policy struct {
	language string
	volume   float64
	entries  map[alphabet.Letter]entry
}

// Default returns the built-in table with European Portuguese prosody.
func Default() *Policy {
	p, err := New(config.PolicyConfig{Language: "pt-PT", Volume: 1})
	if err != nil {
		panic(err)
	}
	return p
}

// New builds the table and applies per-letter overrides from cfg.
func New(cfg config.PolicyConfig) (*Policy, error) {
	if cfg.Language == "" {
		return nil, fmt.Errorf("policy language must not be empty")
	}
	if cfg.Volume <= 0 {
		return nil, fmt.Errorf("policy volume must be positive")
	}
	p := &Policy{
		language: cfg.Language,
		volume:   cfg.Volume,
		entries:  make(map[alphabet.Letter]entry, len(alphabet.All)),
	}
	for _, l := range alphabet.All {
		p.entries[l] = builtin(l, cfg.Volume)
	}
	for key, ov := range cfg.Overrides {
		l, err := alphabet.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("policy override %q: %w", key, err)
		}
		e, err := apply(p.entries[l], ov)
		if err != nil {
			return nil, fmt.Errorf("policy override %s: %w", l, err)
		}
		p.entries[l] = e
	}
	return p, nil
}

func builtin(l alphabet.Letter, volume float64) entry {
	e := entry{
		text:          l.String(),
		rate:          consonantRate,
		pitch:         consonantPitch,
		volume:        volume,
		toneHz:        defaultToneHz,
		cascade:       defaultCascade,
		audioFallback: true,
	}
	switch l {
	case 'A':
		e.text = "á"
	case 'E':
		e.text = "é"
	case 'I':
		e.text = "í"
	case 'O':
		// The on-device voices say "ó" poorly; the remote voice goes first.
		e.text = "ó"
		e.cascade = []Backend{Remote, OnDevice}
	case 'U':
		// Spelled as the diphthong, which on-device voices render closest
		// to the letter name; the tone stands in when speech fails.
		e.text = "ou"
		e.cascade = []Backend{OnDevice, Tone}
	}
	if l.IsVowel() {
		e.rate = vowelRate
		e.pitch = vowelPitch
		if l == 'U' {
			e.rate = 0.15
		}
	}
	return e
}

func apply(e entry, ov config.LetterOverride) (entry, error) {
	if ov.Text != "" {
		e.text = ov.Text
	}
	if ov.Rate < 0 || ov.Pitch < 0 || ov.Volume < 0 || ov.ToneHz < 0 {
		return e, fmt.Errorf("prosody values must be positive")
	}
	if ov.Rate > 0 {
		e.rate = ov.Rate
	}
	if ov.Pitch > 0 {
		e.pitch = ov.Pitch
	}
	if ov.Volume > 0 {
		e.volume = ov.Volume
	}
	if ov.ToneHz > 0 {
		e.toneHz = ov.ToneHz
	}
	if len(ov.Cascade) > 0 {
		cascade, err := parseCascade(ov.Cascade)
		if err != nil {
			return e, err
		}
		e.cascade = cascade
	}
	if ov.AudioFallback != nil {
		e.audioFallback = *ov.AudioFallback
	}
	return e, nil
}

func parseCascade(names []string) ([]Backend, error) {
	seen := make(map[Backend]bool, len(names))
	var out []Backend
	for _, name := range names {
		b, err := ParseBackend(name)
		if err != nil {
			return nil, err
		}
		if b == Visual {
			continue
		}
		if seen[b] {
			return nil, fmt.Errorf("backend %s listed twice", b)
		}
		seen[b] = true
		out = append(out, b)
	}
	return out, nil
}

// Resolve never fails: runes outside the table are spoken as themselves.
func (p *Policy) Resolve(l alphabet.Letter) Spec {
	e, ok := p.entries[l]
	if !ok {
		e = entry{
			text:   l.String(),
			rate:   consonantRate,
			pitch:  consonantPitch,
			volume: p.volume,
			toneHz: defaultToneHz,
		}
	}
	return Spec{
		Letter:   l,
		Text:     e.text,
		Rate:     e.rate,
		Pitch:    e.pitch,
		Volume:   e.volume,
		Language: p.language,
		ToneHz:   e.toneHz,
	}
}

func (p *Policy) Route(l alphabet.Letter) Route {
	e, ok := p.entries[l]
	if !ok {
		return Route{Cascade: append([]Backend(nil), defaultCascade...), AudioFallback: true}
	}
	return Route{
		Cascade:       append([]Backend(nil), e.cascade...),
		AudioFallback: e.audioFallback,
	}
}
