package speech

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/alfabeto/internal/eventstore"
)

const recorderBuffer = 256

// Recorder writes status events to the playback timeline. Writes happen on
// its own goroutine so a slow disk never stalls status delivery.
type Recorder struct {
	store  *eventstore.Store
	source string
	events chan Status
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewRecorder keeps parent's values but not its cancellation: the writer
// runs until Close so statuses delivered while the orchestrator shuts down
// are still recorded.
func NewRecorder(parent context.Context, store *eventstore.Store, source string, log *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Recorder{
		store:  store,
		source: source,
		events: make(chan Status, recorderBuffer),
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "speech-recorder")),
	}
}

// Start subscribes to o and begins writing.
func (r *Recorder) Start(o *Orchestrator) {
	r.wg.Add(1)
	go r.run()
	o.Subscribe(r.Record)
}

// Record queues st, dropping it when the writer has fallen behind.
func (r *Recorder) Record(st Status) {
	select {
	case r.events <- st:
	default:
		r.logger.Warn("timeline buffer full, dropping status", slog.String("session_id", st.SessionID))
	}
}

// Close flushes queued events and stops the writer.
func (r *Recorder) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case st := <-r.events:
			r.write(st)
		case <-r.ctx.Done():
			for {
				select {
				case st := <-r.events:
					r.write(st)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(st Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := eventstore.Session{ID: st.SessionID, Letter: st.Letter.String(), Source: r.source}
	if err := r.store.AppendSession(ctx, sess); err != nil {
		r.logger.Warn("failed to record session", slogError(err))
		return
	}
	evt := eventstore.Event{
		SessionID: st.SessionID,
		Type:      string(st.Type),
		Backend:   string(st.Backend),
		Next:      string(st.Next),
		Reason:    string(st.Reason),
		CreatedAt: st.At,
	}
	if st.Err != nil {
		evt.Error = st.Err.Error()
	}
	if err := r.store.AppendEvent(ctx, evt); err != nil {
		r.logger.Warn("failed to record status", slogError(err))
	}
}
