package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/round"
	"github.com/loqalabs/alfabeto/internal/runtime"
	"github.com/loqalabs/alfabeto/internal/speech"
	"github.com/loqalabs/alfabeto/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		logPath     string
		say         string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&logPath, "log", "", "Write logs to this file (discarded when empty)")
	flag.StringVar(&say, "say", "", "Pronounce one letter and exit")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := openLogger(logPath, cfg.Telemetry.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if say != "" {
		code := runSay(ctx, cfg, say, logger)
		stop()
		closeLog()
		os.Exit(code)
	}
	if err := runGame(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "alfabeto: %v\n", err)
		stop()
		closeLog()
		os.Exit(1)
	}
}

func openLogger(path, level string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if path == "" {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lvl})), func() { _ = f.Close() }, nil
}

// runSay speaks one letter and reports how the engine got it out.
func runSay(ctx context.Context, cfg config.Config, s string, logger *slog.Logger) int {
	letter, err := alphabet.Parse(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	engine, err := runtime.BuildEngine(ctx, cfg, tts.DisplayFunc(func(l alphabet.Letter) {
		fmt.Printf("📢 Letra: %s\n", l)
	}), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	done := make(chan speech.Status, 1)
	engine.Orchestrator.Subscribe(func(st speech.Status) {
		switch st.Type {
		case speech.StatusCascaded:
			fmt.Fprintf(os.Stderr, "%s: %s falhou (%s), a tentar %s\n", st.Letter, st.Backend, st.Reason, st.Next)
		case speech.StatusEnded, speech.StatusFailed:
			select {
			case done <- st:
			default:
			}
		}
	})
	engine.Orchestrator.Speak(letter)

	select {
	case st := <-done:
		if st.Type == speech.StatusFailed {
			fmt.Printf("%s: %s (%s)\n", st.Letter, st.Backend, st.Reason)
			if st.Reason == speech.ExhaustedFallback {
				return 0
			}
			return 1
		}
		fmt.Printf("%s: %s\n", st.Letter, st.Backend)
		return 0
	case <-ctx.Done():
		return 130
	}
}

// relay forwards engine callbacks into the running program.
type relay struct {
	p atomic.Pointer[tea.Program]
}

func (r *relay) send(msg tea.Msg) {
	if p := r.p.Load(); p != nil {
		p.Send(msg)
	}
}

func runGame(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	r := &relay{}
	engine, err := runtime.BuildEngine(ctx, cfg, tts.DisplayFunc(func(l alphabet.Letter) {
		r.send(shownMsg(l))
	}), logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.Orchestrator.Subscribe(func(st speech.Status) { r.send(statusMsg(st)) })

	c, err := newCues(engine.Player, cfg.Tone.SampleRate, logger)
	if err != nil {
		return err
	}

	p := tea.NewProgram(newModel(engine.Orchestrator, c, round.New(alphabet.All, nil)),
		tea.WithAltScreen(), tea.WithContext(ctx))
	r.p.Store(p)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
