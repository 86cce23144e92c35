package tts

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

// EventType is a backend lifecycle signal.
type EventType int

const (
	Started EventType = iota + 1
	Ended
	Errored
)

func (t EventType) String() string {
	switch t {
	case Started:
		return "started"
	case Ended:
		return "ended"
	case Errored:
		return "errored"
	}
	return "unknown"
}

// Event is one lifecycle signal. Err is set for Errored only.
type Event struct {
	Type EventType
	Err  error
}

// Backend is the contract for speaking one pronunciation spec.
//
// Speak returns immediately. The channel carries at most one Started event
// followed by exactly one Ended or Errored event, then it is closed. It is
// buffered so a backend never blocks on a receiver that went away.
// Cancelling ctx stops the audio.
type Backend interface {
	Kind() pronunciation.Backend
	Speak(ctx context.Context, spec pronunciation.Spec) <-chan Event
}

var (
	// ErrInterrupted is reported when playback stopped because its context
	// was cancelled.
	ErrInterrupted = errors.New("playback interrupted")
	// ErrCanceled is reported by engines that treat a request as withdrawn.
	ErrCanceled = errors.New("playback canceled")

	ErrVoiceUnavailable = errors.New("no voice available")
	ErrNotAudio         = errors.New("response is not audio")
	ErrClipTooLarge     = errors.New("clip exceeds size limit")
)

func newEvents() chan Event { return make(chan Event, 2) }

// failure wraps err so a cancelled context always reads as an interruption,
// keeping the cancellation cause in the chain.
func failure(ctx context.Context, err error) Event {
	if ctx.Err() != nil {
		return Event{Type: Errored, Err: fmt.Errorf("%w: %w", ErrInterrupted, context.Cause(ctx))}
	}
	return Event{Type: Errored, Err: err}
}

// play hands clip to player and reports its lifecycle on out. Started is only
// sent once the player has begun.
func play(ctx context.Context, player playback.Player, clip playback.Clip, out chan<- Event) {
	pb, err := player.Start(ctx, clip)
	if err != nil {
		out <- failure(ctx, fmt.Errorf("start playback: %w", err))
		return
	}
	out <- Event{Type: Started}
	if err := pb.Wait(); err != nil {
		out <- failure(ctx, fmt.Errorf("playback: %w", err))
		return
	}
	if ctx.Err() != nil {
		out <- failure(ctx, nil)
		return
	}
	out <- Event{Type: Ended}
}
