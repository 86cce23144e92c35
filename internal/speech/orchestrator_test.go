package speech

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/tts"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collector struct {
	ch chan Status
}

func watch(o *Orchestrator) *collector {
	c := &collector{ch: make(chan Status, 64)}
	o.Subscribe(func(st Status) { c.ch <- st })
	return c
}

func (c *collector) next(t *testing.T) Status {
	t.Helper()
	select {
	case st := <-c.ch:
		return st
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return Status{}
}

func (c *collector) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case st := <-c.ch:
		t.Fatalf("unexpected status %+v", st)
	case <-time.After(d):
	}
}

type shown struct {
	mu      sync.Mutex
	letters []alphabet.Letter
}

func (s *shown) ShowLetter(l alphabet.Letter) {
	s.mu.Lock()
	s.letters = append(s.letters, l)
	s.mu.Unlock()
}

func (s *shown) get() []alphabet.Letter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alphabet.Letter(nil), s.letters...)
}

func newOrchestrator(t *testing.T, policy *pronunciation.Policy, opts Options, backends ...tts.Backend) (*Orchestrator, *shown) {
	t.Helper()
	if policy == nil {
		policy = pronunciation.Default()
	}
	display := &shown{}
	o, err := New(policy, backends, tts.NewVisual(display), opts, testLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(o.Close)
	return o, display
}

func expect(t *testing.T, st Status, typ StatusType, backend pronunciation.Backend) {
	t.Helper()
	if st.Type != typ || st.Backend != backend {
		t.Fatalf("expected %s from %s, got %+v", typ, backend, st)
	}
}

func waitIdle(t *testing.T, o *Orchestrator) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := o.Active(); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session still active")
}

func TestSpeakSucceedsOnFirstBackend(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice, remote)
	c := watch(o)

	id := o.Speak('B')
	if id == "" {
		t.Fatal("expected session id")
	}
	st := c.next(t)
	expect(t, st, StatusStarted, pronunciation.OnDevice)
	if st.SessionID != id || st.Letter != 'B' {
		t.Fatalf("unexpected session fields %+v", st)
	}
	expect(t, c.next(t), StatusEnded, pronunciation.OnDevice)
	c.none(t, 50*time.Millisecond)

	if len(remote.Calls()) != 0 {
		t.Fatal("remote must not be tried after success")
	}
	calls := onDevice.Calls()
	if len(calls) != 1 || calls[0].Text != "B" || calls[0].Rate != 0.7 || calls[0].Pitch != 1.3 {
		t.Fatalf("unexpected spec %+v", calls)
	}
}

func TestSpecialLetterCascadeOrder(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{Fail: errors.New("status 503")})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice, remote)
	c := watch(o)

	o.Speak('O')
	st := c.next(t)
	expect(t, st, StatusCascaded, pronunciation.Remote)
	if st.Next != pronunciation.OnDevice || st.Reason != BackendError || st.Err == nil {
		t.Fatalf("unexpected cascade %+v", st)
	}
	expect(t, c.next(t), StatusStarted, pronunciation.OnDevice)
	expect(t, c.next(t), StatusEnded, pronunciation.OnDevice)

	if calls := onDevice.Calls(); len(calls) != 1 || calls[0].Text != "ó" {
		t.Fatalf("unexpected on-device spec %+v", calls)
	}
}

func TestVoiceUnavailableCascades(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{Fail: tts.ErrVoiceUnavailable})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice, remote)
	c := watch(o)

	o.Speak('A')
	st := c.next(t)
	expect(t, st, StatusCascaded, pronunciation.OnDevice)
	if st.Reason != VoiceUnavailable || st.Next != pronunciation.Remote {
		t.Fatalf("unexpected cascade %+v", st)
	}
	expect(t, c.next(t), StatusStarted, pronunciation.Remote)
	expect(t, c.next(t), StatusEnded, pronunciation.Remote)
}

func TestExhaustedFallbackShowsLetter(t *testing.T) {
	boom := errors.New("boom")
	o, display := newOrchestrator(t, nil, Options{},
		tts.NewMock(pronunciation.OnDevice, tts.Script{Fail: boom}),
		tts.NewMock(pronunciation.Remote, tts.Script{Fail: boom}),
		tts.NewMock(pronunciation.Tone, tts.Script{Fail: boom}),
	)
	c := watch(o)

	o.Speak('B')
	wantNext := []pronunciation.Backend{pronunciation.Remote, pronunciation.Tone, pronunciation.Visual}
	for i, b := range []pronunciation.Backend{pronunciation.OnDevice, pronunciation.Remote, pronunciation.Tone} {
		st := c.next(t)
		expect(t, st, StatusCascaded, b)
		if st.Next != wantNext[i] {
			t.Fatalf("expected next %s, got %+v", wantNext[i], st)
		}
	}
	st := c.next(t)
	expect(t, st, StatusFailed, pronunciation.Visual)
	if st.Reason != ExhaustedFallback {
		t.Fatalf("expected ExhaustedFallback, got %+v", st)
	}
	if got := display.get(); len(got) != 1 || got[0] != 'B' {
		t.Fatalf("expected B shown once, got %v", got)
	}
}

func TestMissingBackendsAreSkipped(t *testing.T) {
	o, display := newOrchestrator(t, nil, Options{})
	c := watch(o)

	o.Speak('U')
	st := c.next(t)
	expect(t, st, StatusFailed, pronunciation.Visual)
	if st.Reason != ExhaustedFallback {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := display.get(); len(got) != 1 || got[0] != 'U' {
		t.Fatalf("expected U shown, got %v", got)
	}
}

func TestBenignInterruptionIsSilent(t *testing.T) {
	for _, benign := range []error{tts.ErrInterrupted, tts.ErrCanceled} {
		onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{Fail: benign})
		remote := tts.NewMock(pronunciation.Remote, tts.Script{})
		o, display := newOrchestrator(t, nil, Options{}, onDevice, remote)
		c := watch(o)

		o.Speak('B')
		waitIdle(t, o)
		c.none(t, 50*time.Millisecond)
		if len(remote.Calls()) != 0 {
			t.Fatalf("%v: benign interruption must not cascade", benign)
		}
		if len(display.get()) != 0 {
			t.Fatalf("%v: benign interruption must not reach the visual fallback", benign)
		}
	}
}

func TestSupersededSessionIsNeverReported(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{StartDelay: 100 * time.Millisecond, IgnoreCancel: true})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice)
	c := watch(o)

	first := o.Speak('X')
	time.Sleep(20 * time.Millisecond)
	second := o.Speak('X')
	if first == second {
		t.Fatal("expected distinct sessions")
	}

	for _, want := range []StatusType{StatusStarted, StatusEnded} {
		st := c.next(t)
		if st.Type != want || st.SessionID != second {
			t.Fatalf("expected %s for second session, got %+v", want, st)
		}
	}
	c.none(t, 200*time.Millisecond)
}

func TestAudioFallbackDisabledGoesStraightToVisual(t *testing.T) {
	off := false
	policy, err := pronunciation.New(config.PolicyConfig{
		Language:  "pt-PT",
		Volume:    1,
		Overrides: map[string]config.LetterOverride{"B": {AudioFallback: &off}},
	})
	if err != nil {
		t.Fatal(err)
	}
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{Fail: errors.New("engine crashed")})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{})
	o, display := newOrchestrator(t, policy, Options{}, onDevice, remote)
	c := watch(o)

	o.Speak('B')
	st := c.next(t)
	expect(t, st, StatusCascaded, pronunciation.OnDevice)
	if st.Next != pronunciation.Visual {
		t.Fatalf("expected next visual, got %+v", st)
	}
	st = c.next(t)
	expect(t, st, StatusFailed, pronunciation.Visual)
	if st.Reason != ExhaustedFallback {
		t.Fatalf("unexpected failure %+v", st)
	}
	if len(remote.Calls()) != 0 {
		t.Fatal("remote must not be tried")
	}
	if len(display.get()) != 1 {
		t.Fatal("expected visual fallback")
	}
}

func TestStartTimeoutCascades(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{Hang: true})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{})
	o, _ := newOrchestrator(t, nil, Options{StartTimeout: 50 * time.Millisecond}, onDevice, remote)
	c := watch(o)

	o.Speak('B')
	st := c.next(t)
	expect(t, st, StatusCascaded, pronunciation.OnDevice)
	if st.Reason != BackendError || !errors.Is(st.Err, errStartTimeout) {
		t.Fatalf("unexpected cascade %+v", st)
	}
	expect(t, c.next(t), StatusStarted, pronunciation.Remote)
	expect(t, c.next(t), StatusEnded, pronunciation.Remote)
}

func TestStartTimeoutDoesNotCutPlayback(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{PlayFor: 150 * time.Millisecond})
	o, _ := newOrchestrator(t, nil, Options{StartTimeout: 50 * time.Millisecond}, onDevice)
	c := watch(o)

	o.Speak('B')
	expect(t, c.next(t), StatusStarted, pronunciation.OnDevice)
	expect(t, c.next(t), StatusEnded, pronunciation.OnDevice)
}

func TestErrorAfterStartIsTerminal(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{FailAfterStart: errors.New("device unplugged")})
	remote := tts.NewMock(pronunciation.Remote, tts.Script{})
	o, display := newOrchestrator(t, nil, Options{}, onDevice, remote)
	c := watch(o)

	o.Speak('B')
	expect(t, c.next(t), StatusStarted, pronunciation.OnDevice)
	st := c.next(t)
	expect(t, st, StatusFailed, pronunciation.OnDevice)
	if st.Reason != BackendError {
		t.Fatalf("unexpected reason %+v", st)
	}
	c.none(t, 50*time.Millisecond)
	if len(remote.Calls()) != 0 || len(display.get()) != 0 {
		t.Fatal("failure after start must not cascade")
	}
}

func TestCancelAllSilencesSession(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{PlayFor: time.Second})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice)
	c := watch(o)

	o.Speak('M')
	expect(t, c.next(t), StatusStarted, pronunciation.OnDevice)
	if snap, ok := o.Active(); !ok || snap.Backend != pronunciation.OnDevice || snap.Outcome != OutcomeStarted {
		t.Fatalf("unexpected snapshot %+v %v", snap, ok)
	}
	o.CancelAll()
	waitIdle(t, o)
	c.none(t, 100*time.Millisecond)
	o.CancelAll()
}

func TestSettleDelayLetsSupersedeSkipWork(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{})
	o, _ := newOrchestrator(t, nil, Options{SettleDelay: 100 * time.Millisecond}, onDevice)
	c := watch(o)

	o.Speak('A')
	o.Speak('E')
	expect(t, c.next(t), StatusStarted, pronunciation.OnDevice)
	expect(t, c.next(t), StatusEnded, pronunciation.OnDevice)
	calls := onDevice.Calls()
	if len(calls) != 1 || calls[0].Letter != 'E' {
		t.Fatalf("expected only E to reach the backend, got %+v", calls)
	}
}

func TestListenerMaySpeak(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{})
	o, _ := newOrchestrator(t, nil, Options{}, onDevice)
	ended := make(chan alphabet.Letter, 4)
	o.Subscribe(func(st Status) {
		if st.Type != StatusEnded {
			return
		}
		ended <- st.Letter
		if st.Letter == 'A' {
			o.Speak('B')
		}
	})

	o.Speak('A')
	for _, want := range []alphabet.Letter{'A', 'B'} {
		select {
		case got := <-ended:
			if got != want {
				t.Fatalf("expected %s, got %s", want, got)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestCloseStopsSessions(t *testing.T) {
	onDevice := tts.NewMock(pronunciation.OnDevice, tts.Script{Hang: true})
	o, err := New(pronunciation.Default(), []tts.Backend{onDevice}, tts.NewVisual(&shown{}), Options{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	o.Speak('Z')
	done := make(chan struct{})
	go func() {
		o.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("close blocked")
	}
	if id := o.Speak('Z'); id != "" {
		t.Fatal("speak after close must be a no-op")
	}
	o.Close()
}

func TestNewRejectsBadBackends(t *testing.T) {
	visual := tts.NewVisual(&shown{})
	if _, err := New(pronunciation.Default(), nil, nil, Options{}, testLogger()); err == nil {
		t.Fatal("expected error without visual fallback")
	}
	dup := []tts.Backend{
		tts.NewMock(pronunciation.Remote, tts.Script{}),
		tts.NewMock(pronunciation.Remote, tts.Script{}),
	}
	if _, err := New(pronunciation.Default(), dup, visual, Options{}, testLogger()); err == nil {
		t.Fatal("expected error for duplicate backends")
	}
	if _, err := New(pronunciation.Default(), []tts.Backend{visual}, visual, Options{}, testLogger()); err == nil {
		t.Fatal("expected error for visual in audio cascade")
	}
}

func TestClassify(t *testing.T) {
	live := context.Background()
	gone, cancel := context.WithCancelCause(context.Background())
	cancel(ErrSuperseded)

	cases := []struct {
		name string
		ctx  context.Context
		err  error
		want Reason
	}{
		{"interrupted", live, tts.ErrInterrupted, BenignInterruption},
		{"canceled", live, tts.ErrCanceled, BenignInterruption},
		{"superseded", live, ErrSuperseded, BenignInterruption},
		{"voice", live, tts.ErrVoiceUnavailable, VoiceUnavailable},
		{"wrapped voice", live, errors.Join(errors.New("espeak"), tts.ErrVoiceUnavailable), VoiceUnavailable},
		{"other", live, errors.New("status 500"), BackendError},
		{"not audio", live, tts.ErrNotAudio, BackendError},
		{"session gone", gone, errors.New("status 500"), BenignInterruption},
	}
	for _, tc := range cases {
		if got := Classify(tc.ctx, tc.err); got != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}
