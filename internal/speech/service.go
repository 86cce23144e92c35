package speech

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/alfabeto/internal/alphabet"
	"github.com/loqalabs/alfabeto/internal/bus"
	"github.com/loqalabs/alfabeto/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service exposes the orchestrator on the bus: speak and cancel requests in,
// status events out.
type Service struct {
	bus    *bus.Client
	orch   *Orchestrator
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, orch *Orchestrator, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:    busClient,
		orch:   orch,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "speech-service")),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	speakSub, err := conn.Subscribe(protocol.SubjectSpeak, s.handleSpeak)
	if err != nil {
		return err
	}
	cancelSub, err := conn.Subscribe(protocol.SubjectCancel, s.handleCancel)
	if err != nil {
		_ = speakSub.Unsubscribe()
		return err
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{speakSub, cancelSub}
	s.mu.Unlock()
	s.orch.Subscribe(s.publishStatus)
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
}

func (s *Service) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs) == 2 && s.bus.Conn().IsConnected()
}

func (s *Service) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode speak request", slogError(err))
		return
	}
	letter, err := alphabet.Parse(req.Letter)
	if err != nil {
		s.logger.Warn("rejected speak request", slog.String("request_id", req.RequestID), slogError(err))
		return
	}
	id := s.orch.Speak(letter)
	s.logger.Debug("speak requested", slog.String("request_id", req.RequestID), slog.String("session_id", id), slog.String("letter", letter.String()))
	if msg.Reply != "" {
		reply, _ := json.Marshal(map[string]string{"session_id": id})
		_ = msg.Respond(reply)
	}
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.Warn("failed to decode cancel request", slogError(err))
			return
		}
	}
	s.orch.CancelAll()
	s.logger.Debug("cancel requested", slog.String("request_id", req.RequestID))
}

func (s *Service) publishStatus(st Status) {
	if s.ctx.Err() != nil {
		return
	}
	event := protocol.StatusEvent{
		SessionID: st.SessionID,
		Letter:    st.Letter.String(),
		Type:      string(st.Type),
		Backend:   string(st.Backend),
		Next:      string(st.Next),
		Reason:    string(st.Reason),
		Timestamp: st.At.UTC(),
	}
	if st.Err != nil {
		event.Error = st.Err.Error()
	}
	if err := s.bus.PublishJSON(protocol.SubjectStatus, event); err != nil {
		s.logger.Warn("failed to publish status", slogError(err))
	}
}
