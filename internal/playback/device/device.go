// Package device plays WAV and MP3 clips on the default audio output
// through miniaudio.
package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/loqalabs/alfabeto/internal/playback"
)

var ErrUnsupported = errors.New("device player only plays 16-bit PCM WAV and MP3")

// Player owns one miniaudio context for its lifetime and opens a playback
// device per clip.
type Player struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

func New() (*Player, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize malgo context: %w", err)
	}
	return &Player{ctx: ctx}, nil
}

func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		_ = p.ctx.Uninit()
		p.ctx.Free()
		p.ctx = nil
	}
}

func (p *Player) Start(ctx context.Context, clip playback.Clip) (playback.Playback, error) {
	pcm, err := Decode(clip.ContentType, clip.Data)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil, errors.New("device player closed")
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(pcm.Channels)
	cfg.SampleRate = uint32(pcm.SampleRate)

	pb := &devicePlayback{data: pcm.Data, done: make(chan struct{}), stopped: make(chan struct{})}
	var callbacks malgo.DeviceCallbacks
	callbacks.Data = pb.fill

	dev, err := malgo.InitDevice(p.ctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("failed to start device: %w", err)
	}

	go func() {
		select {
		case <-pb.done:
		case <-ctx.Done():
			pb.err = context.Cause(ctx)
		}
		_ = dev.Stop()
		dev.Uninit()
		close(pb.stopped)
	}()
	return pb, nil
}

type devicePlayback struct {
	mu      sync.Mutex
	data    []byte
	off     int
	once    sync.Once
	done    chan struct{}
	stopped chan struct{}
	err     error
}

// fill runs on the audio thread.
func (d *devicePlayback) fill(out, _ []byte, _ uint32) {
	d.mu.Lock()
	n := copy(out, d.data[d.off:])
	d.off += n
	finished := d.off >= len(d.data)
	d.mu.Unlock()
	clear(out[n:])
	if finished {
		d.once.Do(func() { close(d.done) })
	}
}

func (d *devicePlayback) Wait() error {
	<-d.stopped
	return d.err
}

// PCM is little-endian signed 16-bit interleaved audio.
type PCM struct {
	SampleRate int
	Channels   int
	Data       []byte
}

// Format names a clip encoding the device player can decode.
type Format int

const (
	Unknown Format = iota
	WAV
	MP3
)

// Detect picks the clip format from its content type, falling back to the
// leading bytes when the type is missing or generic.
func Detect(contentType string, data []byte) Format {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return MP3
	case strings.Contains(ct, "wav"):
		return WAV
	}
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return WAV
	case bytes.HasPrefix(data, []byte("ID3")):
		return MP3
	case len(data) > 1 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return MP3
	}
	return Unknown
}

// Decode converts a WAV or MP3 clip to PCM.
func Decode(contentType string, data []byte) (PCM, error) {
	switch Detect(contentType, data) {
	case WAV:
		return decodeWAV(data)
	case MP3:
		return decodeMP3(data)
	}
	if contentType == "" {
		return PCM{}, ErrUnsupported
	}
	return PCM{}, fmt.Errorf("%w: %s", ErrUnsupported, contentType)
}

// decodeMP3 always yields 16-bit stereo.
func decodeMP3(data []byte) (PCM, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return PCM{}, fmt.Errorf("decode mp3: %w", err)
	}
	out, err := io.ReadAll(dec)
	if err != nil {
		return PCM{}, fmt.Errorf("decode mp3: %w", err)
	}
	if len(out) == 0 {
		return PCM{}, errors.New("decode mp3: no audio frames")
	}
	return PCM{SampleRate: dec.SampleRate(), Channels: 2, Data: out}, nil
}

func decodeWAV(data []byte) (PCM, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return PCM{}, ErrUnsupported
	}
	if dec.BitDepth != 16 {
		return PCM{}, fmt.Errorf("%w: bit depth %d", ErrUnsupported, dec.BitDepth)
	}
	buf, err := wav.NewDecoder(bytes.NewReader(data)).FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("decode wav: %w", err)
	}
	out := make([]byte, 2*len(buf.Data))
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(s)))
	}
	return PCM{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels, Data: out}, nil
}
