package runtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/eventstore"
	"github.com/loqalabs/alfabeto/internal/presence"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/protocol"
	"github.com/loqalabs/alfabeto/internal/speech"
)

type api struct {
	orch    *speech.Orchestrator
	store   *eventstore.Store
	voices  func()
	engines func(func(presence.Engine) bool) []presence.Engine
	logger  *slog.Logger
}

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/speak", a.handleSpeak)
	mux.HandleFunc("POST /v1/cancel", a.handleCancel)
	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("GET /v1/sessions", a.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleSessionEvents)
	mux.HandleFunc("GET /v1/backends", a.handleBackendStats)
	mux.HandleFunc("POST /v1/voices/refresh", a.handleVoicesRefresh)
	mux.HandleFunc("GET /v1/engines", a.handleEngines)
}

func (a *api) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req protocol.SpeakRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	letter, err := alphabet.Parse(req.Letter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := a.orch.Speak(letter)
	if id == "" {
		writeError(w, http.StatusServiceUnavailable, "engine shutting down")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "letter": letter.String()})
}

func (a *api) handleCancel(w http.ResponseWriter, _ *http.Request) {
	a.orch.CancelAll()
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	snap, ok := a.orch.Active()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := a.store.RecentSessions(r.Context(), limit)
	if err != nil {
		a.logger.Warn("list sessions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	type row struct {
		ID        string `json:"session_id"`
		Letter    string `json:"letter"`
		Source    string `json:"source,omitempty"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]row, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, row{ID: s.ID, Letter: s.Letter, Source: s.Source, CreatedAt: s.CreatedAt.Format(timeFormat)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.store.ListSessionEvents(r.Context(), r.PathValue("id"), 0)
	if err != nil {
		a.logger.Warn("list session events failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	out := make([]protocol.StatusEvent, 0, len(events))
	for _, e := range events {
		out = append(out, protocol.StatusEvent{
			SessionID: e.SessionID,
			Type:      e.Type,
			Backend:   e.Backend,
			Next:      e.Next,
			Reason:    e.Reason,
			Error:     e.Error,
			Timestamp: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleBackendStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.store.BackendStats(r.Context())
	if err != nil {
		a.logger.Warn("backend stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "timeline unavailable")
		return
	}
	type row struct {
		Backend  string `json:"backend"`
		Started  int    `json:"started"`
		Cascaded int    `json:"cascaded"`
		Failed   int    `json:"failed"`
	}
	out := make([]row, 0, len(stats))
	for _, s := range stats {
		out = append(out, row(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleVoicesRefresh(w http.ResponseWriter, _ *http.Request) {
	if a.voices != nil {
		a.voices()
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEngines lists engines on the bus, optionally those able to use
// ?backend=.
func (a *api) handleEngines(w http.ResponseWriter, r *http.Request) {
	if a.engines == nil {
		writeJSON(w, http.StatusOK, []presence.Engine{})
		return
	}
	var filter func(presence.Engine) bool
	if name := r.URL.Query().Get("backend"); name != "" {
		b, err := pronunciation.ParseBackend(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = presence.WithBackend(b)
	}
	writeJSON(w, http.StatusOK, a.engines(filter))
}

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
