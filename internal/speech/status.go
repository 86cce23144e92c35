package speech

import (
	"context"
	"errors"
	"time"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/tts"
)

// Reason explains a cascade or a failure.
type Reason string

const (
	VoiceUnavailable   Reason = "VoiceUnavailable"
	BackendError       Reason = "BackendError"
	BenignInterruption Reason = "BenignInterruption"
	ExhaustedFallback  Reason = "ExhaustedFallback"
)

// StatusType is the kind of transition being reported.
type StatusType string

const (
	StatusStarted  StatusType = "started"
	StatusEnded    StatusType = "ended"
	StatusCascaded StatusType = "cascaded"
	StatusFailed   StatusType = "failed"
)

// Status is what listeners see. Errors never escape Speak; they arrive here.
type Status struct {
	SessionID string
	Letter    alphabet.Letter
	Type      StatusType
	Backend   pronunciation.Backend
	// Next is set on cascaded events.
	Next   pronunciation.Backend
	Reason Reason
	Err    error
	At     time.Time
}

// Listener receives status events on the orchestrator's dispatcher
// goroutine. It may call back into the orchestrator.
type Listener func(Status)

var (
	// ErrSuperseded cancels a session when a newer Speak replaces it.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrCanceled cancels a session on CancelAll.
	ErrCanceled = errors.New("speech canceled")
	// ErrClosed cancels a session when the orchestrator shuts down.
	ErrClosed = errors.New("orchestrator closed")

	errStartTimeout = errors.New("backend did not start in time")
	errNoTerminal   = errors.New("backend closed its events without finishing")
)

// Classify maps a backend error to a Reason. sessionCtx is the context of the
// session the error belongs to: once that session was superseded or
// cancelled, whatever the backend reports is an interruption.
func Classify(sessionCtx context.Context, err error) Reason {
	if sessionCtx.Err() != nil {
		return BenignInterruption
	}
	switch {
	case errors.Is(err, tts.ErrInterrupted), errors.Is(err, tts.ErrCanceled):
		return BenignInterruption
	case errors.Is(err, ErrSuperseded), errors.Is(err, ErrCanceled), errors.Is(err, ErrClosed):
		return BenignInterruption
	case errors.Is(err, tts.ErrVoiceUnavailable):
		return VoiceUnavailable
	}
	return BackendError
}
