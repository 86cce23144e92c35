// Package speech runs the layered fallback that turns a letter into sound:
// one active session at a time, each trying the letter's backends in order
// until one plays, and ending on the visual fallback when none can.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options tunes an Orchestrator. Zero durations disable the settle delay and
// the start timeout respectively.
type Options struct {
	SettleDelay  time.Duration
	StartTimeout time.Duration
}

type Orchestrator struct {
	policy   *pronunciation.Policy
	backends map[pronunciation.Backend]tts.Backend
	visual   tts.Backend
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics
	clock    func() time.Time

	guard *Guard

	ctx    context.Context
	cancel context.CancelCauseFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	listenMu  sync.RWMutex
	listeners []Listener

	queueMu  sync.Mutex
	queue    []Status
	wake     chan struct{}
	dispatch sync.WaitGroup
}

// New builds an orchestrator. backends holds the audio backends by kind;
// kinds named by a route but missing here are skipped. visual is the
// terminal fallback and must not be nil.
func New(policy *pronunciation.Policy, backends []tts.Backend, visual tts.Backend, opts Options, log *slog.Logger) (*Orchestrator, error) {
	if policy == nil {
		return nil, fmt.Errorf("speech: policy required")
	}
	if visual == nil {
		return nil, fmt.Errorf("speech: visual fallback required")
	}
	byKind := make(map[pronunciation.Backend]tts.Backend, len(backends))
	for _, b := range backends {
		if b.Kind() == pronunciation.Visual {
			return nil, fmt.Errorf("speech: visual backend passed as audio backend")
		}
		if _, dup := byKind[b.Kind()]; dup {
			return nil, fmt.Errorf("speech: duplicate backend %s", b.Kind())
		}
		byKind[b.Kind()] = b
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	o := &Orchestrator{
		policy:   policy,
		backends: byKind,
		visual:   visual,
		opts:     opts,
		logger:   log.With(slog.String("component", "speech-orchestrator")),
		tracer:   otel.Tracer(instrumentationName),
		clock:    time.Now,
		guard:    NewGuard(),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
	m, err := newMetrics(o)
	if err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		o.metrics = m
	}

	o.dispatch.Add(1)
	go o.runDispatcher()
	return o, nil
}

// Subscribe registers l for every status event reported after this call.
func (o *Orchestrator) Subscribe(l Listener) {
	o.listenMu.Lock()
	o.listeners = append(o.listeners, l)
	o.listenMu.Unlock()
}

// Speak supersedes whatever is playing and starts pronouncing letter. It
// returns the new session ID at once; outcomes arrive as status events. After
// Close it does nothing and returns "".
func (o *Orchestrator) Speak(letter alphabet.Letter) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ""
	}
	s := o.guard.Begin(o.ctx, uuid.NewString(), letter)
	o.wg.Add(1)
	go o.run(s)
	return s.ID
}

// CancelAll silences the active session. Nothing is reported for it.
func (o *Orchestrator) CancelAll() {
	if o.guard.Preempt(ErrCanceled) {
		o.logger.Debug("active session canceled")
	}
}

// Active returns a snapshot of the session currently playing or resolving.
func (o *Orchestrator) Active() (Snapshot, bool) {
	return o.guard.Active()
}

// Close cancels the active session, waits for every session goroutine and
// delivers the remaining queued events.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.guard.Preempt(ErrClosed)
	o.cancel(ErrClosed)
	o.wg.Wait()
	close(o.wake)
	o.dispatch.Wait()
}

type attemptResult int

const (
	attemptSucceeded attemptResult = iota
	attemptInterrupted
	attemptFailedBeforeStart
	attemptFailedAfterStart
)

func (o *Orchestrator) run(s *Session) {
	defer o.wg.Done()
	defer o.guard.Finish(s)

	ctx, span := o.tracer.Start(s.ctx, "speech.session", trace.WithAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("letter", s.Letter.String()),
	))
	defer span.End()
	o.metrics.session(ctx)
	logger := o.logger.With(slog.String("session_id", s.ID), slog.String("letter", s.Letter.String()))

	if !sleep(s.ctx, o.opts.SettleDelay) {
		span.SetAttributes(attribute.String("outcome", string(BenignInterruption)))
		return
	}

	spec := o.policy.Resolve(s.Letter)
	route := o.policy.Route(s.Letter)
	cascade := o.available(route.Cascade)

	for i, kind := range cascade {
		result, reason, err := o.attempt(ctx, s, o.backends[kind], spec)
		switch result {
		case attemptSucceeded:
			span.SetAttributes(attribute.String("outcome", "succeeded"), attribute.String("backend", string(kind)))
			return
		case attemptInterrupted:
			logger.Debug("session interrupted", slog.String("backend", string(kind)))
			span.SetAttributes(attribute.String("outcome", string(BenignInterruption)))
			return
		case attemptFailedAfterStart:
			logger.Warn("backend failed after start", slog.String("backend", string(kind)), slogError(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "backend failed after start")
			o.report(s, Status{Type: StatusFailed, Backend: kind, Reason: BackendError, Err: err})
			return
		}

		next := pronunciation.Visual
		if route.AudioFallback && i+1 < len(cascade) {
			next = cascade[i+1]
		}
		logger.Info("backend cascading",
			slog.String("backend", string(kind)),
			slog.String("next", string(next)),
			slog.String("reason", string(reason)),
			slogError(err),
		)
		span.AddEvent("cascaded", trace.WithAttributes(
			attribute.String("backend", string(kind)),
			attribute.String("reason", string(reason)),
		))
		o.report(s, Status{Type: StatusCascaded, Backend: kind, Next: next, Reason: reason, Err: err})
		if !route.AudioFallback {
			break
		}
	}

	if s.ctx.Err() != nil {
		return
	}
	o.exhaust(ctx, s, spec)
	span.SetAttributes(attribute.String("outcome", string(ExhaustedFallback)))
	logger.Warn("audio fallback exhausted", slog.String("backend", string(pronunciation.Visual)))
}

// available drops kinds with no configured backend.
func (o *Orchestrator) available(cascade []pronunciation.Backend) []pronunciation.Backend {
	out := cascade[:0:0]
	for _, kind := range cascade {
		if _, ok := o.backends[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// attempt drives one backend until it ends, fails or the session stops.
func (o *Orchestrator) attempt(ctx context.Context, s *Session, b tts.Backend, spec pronunciation.Spec) (attemptResult, Reason, error) {
	kind := b.Kind()
	ctx, span := o.tracer.Start(ctx, "speech.attempt", trace.WithAttributes(attribute.String("backend", string(kind))))
	defer span.End()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.guard.setAttempt(s, Attempt{Backend: kind, Spec: spec, Outcome: OutcomePending})
	events := b.Speak(attemptCtx, spec)

	var timeout <-chan time.Time
	if o.opts.StartTimeout > 0 {
		timer := time.NewTimer(o.opts.StartTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	started := false
	finish := func(outcome Outcome, reason Reason) {
		o.guard.setAttempt(s, Attempt{Backend: kind, Spec: spec, Outcome: outcome, Reason: reason})
		o.metrics.attempt(ctx, kind, outcome)
	}

	for {
		select {
		case <-s.ctx.Done():
			cancel(context.Cause(s.ctx))
			finish(OutcomeErrored, BenignInterruption)
			return attemptInterrupted, BenignInterruption, context.Cause(s.ctx)

		case <-timeout:
			cancel(errStartTimeout)
			finish(OutcomeErrored, BackendError)
			span.SetStatus(codes.Error, errStartTimeout.Error())
			return attemptFailedBeforeStart, BackendError, fmt.Errorf("%s: %w", kind, errStartTimeout)

		case ev, ok := <-events:
			if !ok {
				ev = tts.Event{Type: tts.Errored, Err: errNoTerminal}
			}
			switch ev.Type {
			case tts.Started:
				if started {
					continue
				}
				started = true
				timeout = nil
				o.guard.setAttempt(s, Attempt{Backend: kind, Spec: spec, Outcome: OutcomeStarted})
				o.metrics.started(ctx, kind, o.clock().Sub(s.CreatedAt))
				o.report(s, Status{Type: StatusStarted, Backend: kind})

			case tts.Ended:
				if !started {
					o.report(s, Status{Type: StatusStarted, Backend: kind})
				}
				finish(OutcomeEnded, "")
				o.report(s, Status{Type: StatusEnded, Backend: kind})
				return attemptSucceeded, "", nil

			case tts.Errored:
				reason := Classify(s.ctx, ev.Err)
				finish(OutcomeErrored, reason)
				if reason == BenignInterruption {
					return attemptInterrupted, reason, ev.Err
				}
				span.RecordError(ev.Err)
				span.SetStatus(codes.Error, string(reason))
				if started {
					return attemptFailedAfterStart, BackendError, ev.Err
				}
				return attemptFailedBeforeStart, reason, ev.Err
			}
		}
	}
}

// exhaust shows the letter and reports the terminal failure.
func (o *Orchestrator) exhaust(ctx context.Context, s *Session, spec pronunciation.Spec) {
	o.guard.setAttempt(s, Attempt{Backend: pronunciation.Visual, Spec: spec, Outcome: OutcomePending})
	for ev := range o.visual.Speak(ctx, spec) {
		if ev.Type == tts.Errored {
			o.logger.Warn("visual fallback failed", slogError(ev.Err))
		}
	}
	o.guard.setAttempt(s, Attempt{Backend: pronunciation.Visual, Spec: spec, Outcome: OutcomeEnded, Reason: ExhaustedFallback})
	o.metrics.attempt(ctx, pronunciation.Visual, OutcomeEnded)
	o.report(s, Status{Type: StatusFailed, Backend: pronunciation.Visual, Reason: ExhaustedFallback})
}

// report queues st for the listeners if s is still the active session.
func (o *Orchestrator) report(s *Session, st Status) {
	st.SessionID = s.ID
	st.Letter = s.Letter
	st.At = o.clock()
	queued := o.guard.withCurrent(s, func() {
		o.queueMu.Lock()
		o.queue = append(o.queue, st)
		o.queueMu.Unlock()
	})
	if !queued {
		return
	}
	o.metrics.status(s.ctx, st)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) runDispatcher() {
	defer o.dispatch.Done()
	for {
		_, ok := <-o.wake
		o.deliver()
		if !ok {
			return
		}
	}
}

func (o *Orchestrator) deliver() {
	for {
		o.queueMu.Lock()
		batch := o.queue
		o.queue = nil
		o.queueMu.Unlock()
		if len(batch) == 0 {
			return
		}
		o.listenMu.RLock()
		listeners := append([]Listener(nil), o.listeners...)
		o.listenMu.RUnlock()
		for _, st := range batch {
			for _, l := range listeners {
				l(st)
			}
		}
	}
}

// sleep reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
