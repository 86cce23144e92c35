package tts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Voice is one installed speech-engine voice.
type Voice struct {
	Language string
	Name     string
}

// Catalog enumerates installed voices. An empty list is not an error: engines
// commonly load their voices lazily.
type Catalog interface {
	Voices(ctx context.Context) ([]Voice, error)
}

type execCatalog struct {
	cmd []string
}

// NewExecCatalog lists voices by running command, which must print the
// espeak-ng "--voices" table.
func NewExecCatalog(command string) (Catalog, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse voices command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("voices command empty")
	}
	return &execCatalog{cmd: args}, nil
}

func (c *execCatalog) Voices(ctx context.Context) ([]Voice, error) {
	out, err := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	return ParseVoices(out), nil
}

// ParseVoices reads the espeak-ng voice table:
//
//	Pty Language       Age/Gender VoiceName          File          Other Languages
//	 5  pt             --/M       Portuguese_(Portugal) roa/pt
func ParseVoices(table []byte) []Voice {
	var voices []Voice
	scanner := bufio.NewScanner(bytes.NewReader(table))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		voices = append(voices, Voice{Language: fields[1], Name: fields[3]})
	}
	return voices
}

// SelectVoice returns the first voice sharing language's base tag, else the
// first English voice, else the first voice listed.
func SelectVoice(voices []Voice, language string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	for _, base := range []string{baseTag(language), "en"} {
		for _, v := range voices {
			if baseTag(v.Language) == base {
				return v, true
			}
		}
	}
	return voices[0], true
}

// baseTag lower-cases the primary subtag: "pt-BR" and "pt_PT" give "pt".
func baseTag(language string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(language)), "-")
	base, _, _ = strings.Cut(base, "_")
	return base
}

// VoiceCache keeps the selected voice current. It polls the catalog until the
// first voice appears, then re-enumerates on a slower interval or whenever
// Invalidate is called.
type VoiceCache struct {
	catalog  Catalog
	language string
	poll     time.Duration
	refresh  time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	voices   []Voice
	selected Voice
	ready    chan struct{}
	readyOne sync.Once

	invalidate chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewVoiceCache(catalog Catalog, language string, poll, refresh time.Duration, log *slog.Logger) *VoiceCache {
	return &VoiceCache{
		catalog:    catalog,
		language:   language,
		poll:       poll,
		refresh:    refresh,
		logger:     log.With(slog.String("component", "voice-cache")),
		ready:      make(chan struct{}),
		invalidate: make(chan struct{}, 1),
	}
}

func (c *VoiceCache) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

func (c *VoiceCache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Invalidate asks for an immediate re-enumeration.
func (c *VoiceCache) Invalidate() {
	select {
	case c.invalidate <- struct{}{}:
	default:
	}
}

// Voice waits up to wait for a voice to be selected.
func (c *VoiceCache) Voice(ctx context.Context, wait time.Duration) (Voice, error) {
	if v, ok := c.current(); ok {
		return v, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.ready:
		v, _ := c.current()
		return v, nil
	case <-timer.C:
		return Voice{}, ErrVoiceUnavailable
	case <-ctx.Done():
		return Voice{}, context.Cause(ctx)
	}
}

func (c *VoiceCache) current() (Voice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, c.selected.Language != ""
}

func (c *VoiceCache) run(ctx context.Context) {
	for {
		interval := c.refresh
		if !c.enumerate(ctx) {
			interval = c.poll
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.invalidate:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// enumerate refreshes the voice list and reports whether a voice is selected.
func (c *VoiceCache) enumerate(ctx context.Context) bool {
	voices, err := c.catalog.Voices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("voice enumeration failed", slogError(err))
		}
		_, ok := c.current()
		return ok
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(voices) == 0 {
		return c.selected.Language != ""
	}
	if slices.Equal(voices, c.voices) {
		return true
	}
	c.voices = voices
	v, _ := SelectVoice(voices, c.language)
	if v != c.selected {
		c.logger.Info("voice selected", slog.String("language", v.Language), slog.String("name", v.Name), slog.Int("installed", len(voices)))
	}
	c.selected = v
	c.readyOne.Do(func() { close(c.ready) })
	return true
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
