// Package presence lets alfabeto engines sharing a bus see each other and
// the audio backends each one has available.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/alfabeto/internal/bus"
	"github.com/loqalabs/alfabeto/internal/config"
	"github.com/loqalabs/alfabeto/internal/pronunciation"
	"github.com/loqalabs/alfabeto/internal/protocol"
)

// Engine is one node as last seen on the bus.
type Engine struct {
	ID       string    `json:"id"`
	Room     string    `json:"room,omitempty"`
	Backends []string  `json:"backends"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type Registry struct {
	cfg      config.NodeConfig
	backends []string
	log      *slog.Logger
	bus      *bus.Client
	clock    func() time.Time

	mu      sync.RWMutex
	engines map[string]*Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, backends []pronunciation.Backend, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, string(b))
	}
	r := &Registry{
		cfg:      cfg,
		backends: names,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		clock:    time.Now,
		engines:  make(map[string]*Engine),
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/loqalabs/alfabeto/presence"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.run()

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce engine", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+"*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run publishes heartbeats and marks silent engines unhealthy.
func (r *Registry) run() {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.Announce{
		NodeID:    r.cfg.ID,
		Room:      r.cfg.Room,
		Backends:  r.backends,
		Timestamp: r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectAnnounce, msg); err != nil {
		return err
	}
	r.update(msg.NodeID, msg.Room, msg.Backends, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	return r.bus.PublishJSON(protocol.SubjectHeartbeatPrefix+r.cfg.ID, protocol.Heartbeat{
		NodeID:    r.cfg.ID,
		Timestamp: r.clock().UTC(),
	})
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.Announce
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	isNew := r.update(a.NodeID, a.Room, a.Backends, a.Timestamp)
	// A newcomer has not heard our own announce yet.
	if isNew && a.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce engine", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = strings.TrimPrefix(msg.Subject, protocol.SubjectHeartbeatPrefix)
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.update(hb.NodeID, "", nil, hb.Timestamp)
}

// update records a sighting and reports whether the engine was unknown.
func (r *Registry) update(id, room string, backends []string, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.engines[id]
	if !ok {
		e = &Engine{ID: id}
		r.engines[id] = e
	}
	if room != "" {
		e.Room = room
	}
	if backends != nil {
		e.Backends = slices.Clone(backends)
	}
	e.LastSeen = seen
	e.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, e := range r.engines {
		if now.Sub(e.LastSeen) > timeout {
			e.Healthy = false
		}
	}
}

// Healthy reports whether this engine has seen its own announce or heartbeat
// recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[r.cfg.ID]
	return ok && e.Healthy
}

// Engines returns a copy of every known engine matching filter, ordered by id.
func (r *Registry) Engines(filter func(Engine) bool) []Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Engine, 0, len(r.engines))
	for _, e := range r.engines {
		c := *e
		c.Backends = slices.Clone(e.Backends)
		if filter == nil || filter(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Engine) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// WithBackend keeps engines that can speak with b.
func WithBackend(b pronunciation.Backend) func(Engine) bool {
	return func(e Engine) bool { return slices.Contains(e.Backends, string(b)) }
}

func WithRoom(room string) func(Engine) bool {
	return func(e Engine) bool { return e.Room == room }
}

func (r *Registry) initMetrics() error {
	engines, err := r.meter.Int64ObservableGauge("alfabeto.presence.engines", metric.WithDescription("Number of known engines"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("alfabeto.presence.healthy", metric.WithDescription("Number of engines heard from recently"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, up := r.counts()
		obs.ObserveInt64(engines, total)
		obs.ObserveInt64(healthy, up)
		return nil
	}, engines, healthy)
	return err
}

func (r *Registry) counts() (total, healthy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.engines {
		total++
		if e.Healthy {
			healthy++
		}
	}
	return total, healthy
}
