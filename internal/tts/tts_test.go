package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("event channel not closed, got %v so far", out)
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

type fakeCatalog struct {
	mu     sync.Mutex
	voices []Voice
	calls  int
}

func (f *fakeCatalog) Voices(context.Context) ([]Voice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]Voice(nil), f.voices...), nil
}

func (f *fakeCatalog) set(v ...Voice) {
	f.mu.Lock()
	f.voices = v
	f.mu.Unlock()
}

func TestParseVoices(t *testing.T) {
	table := `Pty Language       Age/Gender VoiceName          File                 Other Languages
 5  en-gb           --/M      English_(Great_Britain) gmw/en
 5  pt              --/M      Portuguese_(Portugal) roa/pt
 5  pt-BR           --/M      Portuguese_(Brazil) roa/pt-BR
`
	got := ParseVoices([]byte(table))
	want := []Voice{
		{Language: "en-gb", Name: "English_(Great_Britain)"},
		{Language: "pt", Name: "Portuguese_(Portugal)"},
		{Language: "pt-BR", Name: "Portuguese_(Brazil)"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
}

func TestSelectVoice(t *testing.T) {
	en := Voice{Language: "en-us", Name: "English"}
	pt := Voice{Language: "pt", Name: "Portuguese"}
	ptPT := Voice{Language: "pt-PT", Name: "Portugal"}
	ptBR := Voice{Language: "pt-br", Name: "Brazil"}
	de := Voice{Language: "de", Name: "German"}
	pms := Voice{Language: "pms", Name: "Piedmontese"}
	cases := []struct {
		name   string
		voices []Voice
		want   Voice
	}{
		{"first portuguese wins", []Voice{en, pt, ptPT}, pt},
		{"enumeration order over exact tag", []Voice{ptBR, ptPT}, ptBR},
		{"base language", []Voice{en, pt}, pt},
		{"prefix is not a base tag", []Voice{pms, en}, en},
		{"english", []Voice{de, en}, en},
		{"first", []Voice{de}, de},
	}
	for _, tc := range cases {
		got, ok := SelectVoice(tc.voices, "pt-PT")
		if !ok || got != tc.want {
			t.Fatalf("%s: got %v", tc.name, got)
		}
	}
	if _, ok := SelectVoice(nil, "pt-PT"); ok {
		t.Fatal("expected no voice from empty list")
	}
}

func TestVoiceCachePollsUntilVoicesAppear(t *testing.T) {
	catalog := &fakeCatalog{}
	cache := NewVoiceCache(catalog, "pt-PT", 10*time.Millisecond, time.Hour, testLogger())
	cache.Start(context.Background())
	defer cache.Close()

	time.AfterFunc(50*time.Millisecond, func() { catalog.set(Voice{Language: "pt", Name: "Portuguese"}) })
	v, err := cache.Voice(context.Background(), 2*time.Second)
	if err != nil {
		t.Fatalf("voice: %v", err)
	}
	if v.Language != "pt" {
		t.Fatalf("unexpected voice %v", v)
	}
}

func TestVoiceCacheTimesOut(t *testing.T) {
	cache := NewVoiceCache(&fakeCatalog{}, "pt-PT", 10*time.Millisecond, time.Hour, testLogger())
	cache.Start(context.Background())
	defer cache.Close()

	if _, err := cache.Voice(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrVoiceUnavailable) {
		t.Fatalf("expected ErrVoiceUnavailable, got %v", err)
	}
}

func TestVoiceCacheInvalidate(t *testing.T) {
	catalog := &fakeCatalog{}
	catalog.set(Voice{Language: "en", Name: "English"})
	cache := NewVoiceCache(catalog, "pt-PT", 10*time.Millisecond, time.Hour, testLogger())
	cache.Start(context.Background())
	defer cache.Close()

	if v, err := cache.Voice(context.Background(), time.Second); err != nil || v.Language != "en" {
		t.Fatalf("expected english voice, got %v %v", v, err)
	}
	catalog.set(Voice{Language: "en", Name: "English"}, Voice{Language: "pt", Name: "Portuguese"})
	cache.Invalidate()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := cache.Voice(context.Background(), 0); v.Language == "pt" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("voice not re-selected after invalidate")
}

func TestEngineArgs(t *testing.T) {
	spec := pronunciation.Spec{Text: "ou", Rate: 0.15, Pitch: 1.1, Volume: 1}
	got := EngineArgs(Voice{Language: "pt"}, spec)
	want := []string{"-v", "pt", "-s", "80", "-p", "55", "-a", "100", "ou"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	spec = pronunciation.Spec{Text: "B", Rate: 4, Pitch: 3, Volume: 5}
	got = EngineArgs(Voice{Language: "pt"}, spec)
	want = []string{"-v", "pt", "-s", "450", "-p", "99", "-a", "200", "B"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func readyCache(t *testing.T) *VoiceCache {
	t.Helper()
	catalog := &fakeCatalog{}
	catalog.set(Voice{Language: "pt", Name: "Portuguese"})
	cache := NewVoiceCache(catalog, "pt-PT", 10*time.Millisecond, time.Hour, testLogger())
	cache.Start(context.Background())
	t.Cleanup(cache.Close)
	return cache
}

func TestOnDeviceLifecycle(t *testing.T) {
	for _, bin := range []string{"true", "false"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	spec := pronunciation.Default().Resolve('B')

	ok, err := NewOnDevice("true", readyCache(t), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got := types(collect(t, ok.Speak(context.Background(), spec))); !reflect.DeepEqual(got, []EventType{Started, Ended}) {
		t.Fatalf("unexpected events %v", got)
	}

	bad, err := NewOnDevice("false", readyCache(t), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, bad.Speak(context.Background(), spec))
	if got := types(events); !reflect.DeepEqual(got, []EventType{Started, Errored}) {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestOnDeviceWithoutVoice(t *testing.T) {
	cache := NewVoiceCache(&fakeCatalog{}, "pt-PT", 10*time.Millisecond, time.Hour, testLogger())
	cache.Start(context.Background())
	defer cache.Close()

	b, err := NewOnDevice("espeak-ng", cache, 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, b.Speak(context.Background(), pronunciation.Default().Resolve('B')))
	if len(events) != 1 || events[0].Type != Errored || !errors.Is(events[0].Err, ErrVoiceUnavailable) {
		t.Fatalf("expected voice unavailable, got %v", events)
	}
}

func remoteConfig(endpoint string) config.RemoteConfig {
	cfg := config.Default().Remote
	cfg.Endpoint = endpoint
	cfg.TimeoutMS = 500
	cfg.MaxClipBytes = 64
	return cfg
}

func TestRemoteSuccess(t *testing.T) {
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("ID3 fake mp3"))
	}))
	defer srv.Close()

	b := NewRemote(remoteConfig(srv.URL), srv.Client(), playback.Discard{})
	events := collect(t, b.Speak(context.Background(), pronunciation.Default().Resolve('O')))
	if got := types(events); !reflect.DeepEqual(got, []EventType{Started, Ended}) {
		t.Fatalf("unexpected events %v", events)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		t.Fatalf("parse query %q: %v", query, err)
	}
	want := map[string]string{"ie": "UTF-8", "tl": "pt", "client": "tw-ob", "q": "ó"}
	for key, value := range want {
		if got := values.Get(key); got != value {
			t.Fatalf("query %q: %s=%q, want %q", query, key, got, value)
		}
	}
}

func TestRemoteRequestLanguage(t *testing.T) {
	spec := pronunciation.Default().Resolve('B')
	cases := map[string]string{
		"":      "pt",
		"pt":    "pt",
		"pt-BR": "pt-BR",
	}
	for configured, want := range cases {
		cfg := remoteConfig("https://tts.example/translate_tts")
		cfg.Language = configured
		raw, err := NewRemote(cfg, http.DefaultClient, playback.Discard{}).(*remote).RequestURL(spec)
		if err != nil {
			t.Fatalf("%q: request url: %v", configured, err)
		}
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("%q: parse: %v", configured, err)
		}
		if got := u.Query().Get("tl"); got != want {
			t.Fatalf("%q: tl=%q, want %q", configured, got, want)
		}
	}
}

func TestRemoteFailures(t *testing.T) {
	cases := map[string]struct {
		handler http.HandlerFunc
		want    error
	}{
		"status": {handler: func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusTooManyRequests)
		}},
		"not audio": {handler: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html><body>captcha</body></html>"))
		}, want: ErrNotAudio},
		"too large": {handler: func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "audio/mpeg")
			w.Write([]byte(strings.Repeat("x", 100)))
		}, want: ErrClipTooLarge},
		"timeout": {handler: func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}},
	}
	for name, tc := range cases {
		srv := httptest.NewServer(tc.handler)
		b := NewRemote(remoteConfig(srv.URL), srv.Client(), playback.Discard{})
		events := collect(t, b.Speak(context.Background(), pronunciation.Default().Resolve('O')))
		srv.Close()
		if len(events) != 1 || events[0].Type != Errored {
			t.Fatalf("%s: expected single errored event, got %v", name, events)
		}
		if tc.want != nil && !errors.Is(events[0].Err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, events[0].Err)
		}
	}
}

func TestRemoteCancelIsInterruption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := remoteConfig(srv.URL)
	cfg.TimeoutMS = 5000
	b := NewRemote(cfg, srv.Client(), playback.Discard{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	events := collect(t, b.Speak(ctx, pronunciation.Default().Resolve('O')))
	if len(events) != 1 || !errors.Is(events[0].Err, ErrInterrupted) {
		t.Fatalf("expected interruption, got %v", events)
	}
}

func TestToneRendersWAV(t *testing.T) {
	cfg := config.Default().Tone
	cfg.DurationMS = 200
	b := NewTone(cfg, playback.Discard{}).(*tone)
	clip, err := b.Render(pronunciation.Default().Resolve('U'))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if clip.ContentType != "audio/wav" || !strings.HasPrefix(string(clip.Data), "RIFF") {
		t.Fatalf("unexpected clip %s %q", clip.ContentType, clip.Data[:4])
	}
	events := collect(t, b.Speak(context.Background(), pronunciation.Default().Resolve('U')))
	if got := types(events); !reflect.DeepEqual(got, []EventType{Started, Ended}) {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestVisualShowsLetter(t *testing.T) {
	var shown alphabet.Letter
	b := NewVisual(DisplayFunc(func(l alphabet.Letter) { shown = l }))
	events := collect(t, b.Speak(context.Background(), pronunciation.Default().Resolve('K')))
	if got := types(events); !reflect.DeepEqual(got, []EventType{Started, Ended}) {
		t.Fatalf("unexpected events %v", events)
	}
	if shown != 'K' {
		t.Fatalf("expected K shown, got %v", shown)
	}
}

func TestMockScripts(t *testing.T) {
	boom := errors.New("boom")
	cases := map[string]struct {
		script Script
		want   []EventType
	}{
		"success":     {Script{}, []EventType{Started, Ended}},
		"fail":        {Script{Fail: boom}, []EventType{Errored}},
		"after start": {Script{FailAfterStart: boom}, []EventType{Started, Errored}},
	}
	for name, tc := range cases {
		m := NewMock(pronunciation.Remote, tc.script)
		got := types(collect(t, m.Speak(context.Background(), pronunciation.Default().Resolve('A'))))
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: got %v", name, got)
		}
		if len(m.Calls()) != 1 {
			t.Fatalf("%s: expected one call", name)
		}
	}

	m := NewMock(pronunciation.OnDevice, Script{Hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	events := collect(t, m.Speak(ctx, pronunciation.Default().Resolve('A')))
	if len(events) != 1 || !errors.Is(events[0].Err, ErrInterrupted) {
		t.Fatalf("expected interruption, got %v", events)
	}
}
