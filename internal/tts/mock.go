package tts

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

// Script drives a Mock backend.
type Script struct {
	// StartDelay elapses before the backend starts or fails.
	StartDelay time.Duration
	// Fail is reported instead of starting.
	Fail error
	// Hang never starts; the backend waits for cancellation.
	Hang bool
	// PlayFor is the time between Started and Ended.
	PlayFor time.Duration
	// FailAfterStart is reported in place of Ended.
	FailAfterStart error
	// IgnoreCancel keeps emitting events after ctx is cancelled, like an
	// engine whose callbacks arrive late.
	IgnoreCancel bool
}

// Mock is a scripted backend for tests and for running without audio.
type Mock struct {
	kind   pronunciation.Backend
	script Script

	mu    sync.Mutex
	calls []pronunciation.Spec
}

func NewMock(kind pronunciation.Backend, script Script) *Mock {
	return &Mock{kind: kind, script: script}
}

func (m *Mock) Kind() pronunciation.Backend { return m.kind }

// Calls returns the specs this backend was asked to speak, in order.
func (m *Mock) Calls() []pronunciation.Spec {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pronunciation.Spec(nil), m.calls...)
}

func (m *Mock) Speak(ctx context.Context, spec pronunciation.Spec) <-chan Event {
	m.mu.Lock()
	m.calls = append(m.calls, spec)
	m.mu.Unlock()

	out := newEvents()
	go func() {
		defer close(out)
		if !m.wait(ctx, m.script.StartDelay) {
			out <- failure(ctx, nil)
			return
		}
		switch {
		case m.script.Fail != nil:
			out <- Event{Type: Errored, Err: m.script.Fail}
			return
		case m.script.Hang:
			<-ctx.Done()
			out <- failure(ctx, nil)
			return
		}
		out <- Event{Type: Started}
		if !m.wait(ctx, m.script.PlayFor) {
			out <- failure(ctx, nil)
			return
		}
		if m.script.FailAfterStart != nil {
			out <- Event{Type: Errored, Err: m.script.FailAfterStart}
			return
		}
		out <- Event{Type: Ended}
	}()
	return out
}

// wait reports false when ctx was cancelled first and the script honours it.
func (m *Mock) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return m.script.IgnoreCancel || ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	if m.script.IgnoreCancel {
		<-timer.C
		return true
	}
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
