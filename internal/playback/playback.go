// Package playback hands finished audio clips to something that makes them
// audible and reports when they stop.
package playback

import (
	"context"
	"sync"
)

// Clip is a complete, encoded audio file.
type Clip struct {
	ContentType string
	Data        []byte
}

// Player starts playing a clip. Start returns once audio output has begun;
// cancelling ctx stops it.
type Player interface {
	Start(ctx context.Context, clip Clip) (Playback, error)
}

// Playback is one clip in flight.
type Playback interface {
	// Wait blocks until the clip finished or was stopped. A stopped clip
	// returns context.Cause of the context passed to Start.
	Wait() error
}

// Discard accepts every clip and finishes immediately. Used when no audio
// output is configured and in tests.
type Discard struct{}

func (Discard) Start(ctx context.Context, _ Clip) (Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	return done{}, nil
}

type done struct{}

func (done) Wait() error { return nil }

// result is the Playback shared by the concrete players: the playing
// goroutine calls finish exactly once and Wait returns its error.
type result struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newResult() *result { return &result{ch: make(chan struct{})} }

func (r *result) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.ch)
	})
}

func (r *result) Wait() error {
	<-r.ch
	return r.err
}
