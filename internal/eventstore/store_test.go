package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/alfabeto/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "x", Type: "started"}); err != nil {
		t.Fatalf("ephemeral append: %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.AppendSession(ctx, Session{ID: "s-1", Letter: "O", Source: "http"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	timeline := []Event{
		{SessionID: "s-1", Type: "cascaded", Backend: "remote", Next: "on_device", Reason: "BackendError", Error: "status 503"},
		{SessionID: "s-1", Type: "started", Backend: "on_device"},
		{SessionID: "s-1", Type: "ended", Backend: "on_device"},
	}
	for _, evt := range timeline {
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Next != "on_device" || events[0].Error != "status 503" {
		t.Fatalf("unexpected first event %+v", events[0])
	}
	if events[2].Type != "ended" {
		t.Fatalf("expected ended last, got %s", events[2].Type)
	}

	stats, err := es.BackendStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 2 || stats[0].Backend != "on_device" || stats[0].Started != 1 || stats[1].Cascaded != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, letter := range []string{"A", "B", "C"} {
		es.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if err := es.AppendSession(ctx, Session{ID: letter, Letter: letter}); err != nil {
			t.Fatalf("append session: %v", err)
		}
	}
	sessions, err := es.RecentSessions(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sessions) != 2 || sessions[0].Letter != "C" || sessions[1].Letter != "B" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	if !sessions[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Fatalf("unexpected timestamp %v", sessions[0].CreatedAt)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "old-session", Letter: "A"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "started"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "new-session", Letter: "B"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	sessions, err := es.RecentSessions(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new-session" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
