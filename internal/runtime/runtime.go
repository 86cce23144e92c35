package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/alfabeto/internal/bus"
	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/eventstore"
	"github.com/loqalabs/alfabeto/internal/natsserver"
	"github.com/loqalabs/alfabeto/internal/presence"
	"github.com/loqalabs/alfabeto/internal/speech"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	engine   *Engine
	recorder *speech.Recorder
	service  *speech.Service
	presence *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}
	defer r.stopComponents()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	a := &api{
		orch:   r.engine.Orchestrator,
		store:  r.store,
		voices: r.engine.InvalidateVoices,
		logger: r.logger.With(slog.String("component", "http-api")),
	}
	if r.presence != nil {
		a.engines = r.presence.Engines
	}
	a.routes(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.nats = ns
		busCfg := r.cfg.Bus
		if ns != nil {
			busCfg.Servers = []string{ns.ClientURL()}
		}
		client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	engine, err := BuildEngine(ctx, r.cfg, nil, r.logger)
	if err != nil {
		return err
	}
	r.engine = engine

	r.recorder = speech.NewRecorder(ctx, store, r.cfg.RuntimeName, r.logger)
	r.recorder.Start(engine.Orchestrator)

	if r.bus != nil {
		r.service = speech.NewService(ctx, r.bus, engine.Orchestrator, r.logger)
		if err := r.service.Start(); err != nil {
			return fmt.Errorf("start speech service: %w", err)
		}
		reg, err := presence.NewRegistry(ctx, r.cfg.Node, engine.Backends(), r.bus, r.logger)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
		r.presence = reg
	}
	return nil
}

// stopComponents tears down in reverse start order; safe after a partial start.
func (r *Runtime) stopComponents() {
	if r.presence != nil {
		r.presence.Close()
		r.presence = nil
	}
	if r.service != nil {
		r.service.Close()
		r.service = nil
	}
	// The engine delivers its final statuses on Close; the recorder must
	// still be running to write them.
	if r.engine != nil {
		r.engine.Close()
		r.engine = nil
	}
	if r.recorder != nil {
		r.recorder.Close()
		r.recorder = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	if r.bus != nil {
		r.bus.Close()
		r.bus = nil
	}
	if r.nats != nil {
		r.nats.Shutdown()
		r.nats = nil
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	healthy := r.service == nil || r.service.Healthy()
	if r.presence != nil && !r.presence.Healthy() {
		healthy = false
	}
	if r.ready.Load() && healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
