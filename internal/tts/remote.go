package tts

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/playback"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
)

type remote struct {
	cfg    config.RemoteConfig
	client *http.Client
	player playback.Player
}

// NewRemote fetches a complete clip from an HTTP text-to-speech endpoint and
// plays it. The fetch is bounded by cfg.TimeoutMS.
func NewRemote(cfg config.RemoteConfig, client *http.Client, player playback.Player) Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &remote{cfg: cfg, client: client, player: player}
}

func (r *remote) Kind() pronunciation.Backend { return pronunciation.Remote }

func (r *remote) Speak(ctx context.Context, spec pronunciation.Spec) <-chan Event {
	out := newEvents()
	go func() {
		defer close(out)
		clip, err := r.fetch(ctx, spec)
		if err != nil {
			out <- failure(ctx, err)
			return
		}
		play(ctx, r.player, clip, out)
	}()
	return out
}

// RequestURL builds the GET request for spec.
func (r *remote) RequestURL(spec pronunciation.Spec) (string, error) {
	u, err := url.Parse(r.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse remote endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ie", r.cfg.InputEncoding)
	q.Set("tl", r.language(spec))
	q.Set("client", r.cfg.Client)
	q.Set("q", spec.Text)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// language is the configured remote language, or the base tag of the
// spec's language. The remote voice expects "pt", not "pt-PT".
func (r *remote) language(spec pronunciation.Spec) string {
	if r.cfg.Language != "" {
		return r.cfg.Language
	}
	return baseTag(spec.Language)
}

func (r *remote) fetch(ctx context.Context, spec pronunciation.Spec) (playback.Clip, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMS)*time.Millisecond)
	defer cancel()

	target, err := r.RequestURL(spec)
	if err != nil {
		return playback.Clip{}, err
	}
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("build remote request: %w", err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return playback.Clip{}, fmt.Errorf("remote tts request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return playback.Clip{}, fmt.Errorf("remote tts status %d", resp.StatusCode)
	}
	limit := int64(r.cfg.MaxClipBytes)
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return playback.Clip{}, fmt.Errorf("read remote clip: %w", err)
	}
	if int64(len(data)) > limit {
		return playback.Clip{}, fmt.Errorf("%w: more than %d bytes", ErrClipTooLarge, limit)
	}
	contentType, ok := audioType(resp.Header.Get("Content-Type"), data)
	if !ok {
		return playback.Clip{}, fmt.Errorf("%w: %s", ErrNotAudio, contentType)
	}
	return playback.Clip{ContentType: contentType, Data: data}, nil
}

// audioType trusts an audio/* header, otherwise sniffs the body.
func audioType(header string, data []byte) (string, bool) {
	if mt, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mt, "audio/") {
		return mt, true
	}
	if len(data) == 0 {
		return "empty body", false
	}
	sniffed := http.DetectContentType(data)
	return sniffed, strings.HasPrefix(sniffed, "audio/")
}
