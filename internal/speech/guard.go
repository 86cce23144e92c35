package speech

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

// Outcome is the state of one backend attempt.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeStarted Outcome = "started"
	OutcomeEnded   Outcome = "ended"
	OutcomeErrored Outcome = "errored"
)

// Attempt is one backend trying to speak the session's spec.
type Attempt struct {
	Backend pronunciation.Backend
	Spec    pronunciation.Spec
	Outcome Outcome
	Reason  Reason
}

// Session is the single playback the guard allows at a time.
type Session struct {
	ID        string
	Letter    alphabet.Letter
	CreatedAt time.Time

	ctx     context.Context
	cancel  context.CancelCauseFunc
	attempt Attempt
}

// Context is cancelled, with ErrSuperseded, ErrCanceled or ErrClosed as its
// cause, when the session stops being the active one.
func (s *Session) Context() context.Context { return s.ctx }

// Snapshot is a copy of the active session for callers outside the guard.
type Snapshot struct {
	SessionID string                `json:"session_id"`
	Letter    string                `json:"letter"`
	Backend   pronunciation.Backend `json:"backend,omitempty"`
	Outcome   Outcome               `json:"outcome,omitempty"`
	Since     time.Time             `json:"since"`
}

// Guard owns the active session. All session state changes happen under its
// mutex so a superseded session can never publish anything.
type Guard struct {
	mu     sync.Mutex
	active *Session
	clock  func() time.Time
}

func NewGuard() *Guard {
	return &Guard{clock: time.Now}
}

// Begin cancels the active session, if any, with ErrSuperseded and installs
// a new one derived from parent.
func (g *Guard) Begin(parent context.Context, id string, letter alphabet.Letter) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{ID: id, Letter: letter, ctx: ctx, cancel: cancel}

	g.mu.Lock()
	defer g.mu.Unlock()
	s.CreatedAt = g.clock()
	if g.active != nil {
		g.active.cancel(ErrSuperseded)
	}
	g.active = s
	return s
}

// Preempt cancels the active session with cause and clears it. It reports
// whether anything was active.
func (g *Guard) Preempt(cause error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return false
	}
	g.active.cancel(cause)
	g.active = nil
	return true
}

func (g *Guard) IsCurrent(s *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isCurrent(s)
}

func (g *Guard) isCurrent(s *Session) bool {
	return g.active == s && s.ctx.Err() == nil
}

// Finish releases s. It is a no-op for a session that was already replaced.
func (g *Guard) Finish(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == s {
		g.active = nil
	}
	s.cancel(nil)
}

// Active returns a snapshot of the current session.
func (g *Guard) Active() (Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		SessionID: g.active.ID,
		Letter:    g.active.Letter.String(),
		Backend:   g.active.attempt.Backend,
		Outcome:   g.active.attempt.Outcome,
		Since:     g.active.CreatedAt,
	}, true
}

// withCurrent runs fn under the guard lock only while s is the active,
// uncancelled session.
func (g *Guard) withCurrent(s *Session, fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.isCurrent(s) {
		return false
	}
	fn()
	return true
}

func (g *Guard) setAttempt(s *Session, a Attempt) {
	g.withCurrent(s, func() { s.attempt = a })
}
