package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/buildstash/internal/scheduler/domain"
)

// EventSink receives job events. Record must not block.
type EventSink interface {
	Record(ev domain.JobEvent)
}

// EventStore persists job events.
type EventStore interface {
	SaveJobEvent(ctx context.Context, ev *domain.JobEvent) error
}

// EventPublisher fans job events out to other systems.
type EventPublisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// RecorderConfig holds EventRecorder configuration
type RecorderConfig struct {
	Logger     *slog.Logger
	Store      EventStore     // optional
	Publisher  EventPublisher // optional
	BufferSize int
	Timeout    time.Duration // per event, for store and publisher each
}

// EventRecorder writes job events to a store and a publisher from a single
// goroutine, so events of one job keep their order. When the buffer is full
// new events are dropped rather than blocking the scheduler.
type EventRecorder struct {
	logger    *slog.Logger
	store     EventStore
	publisher EventPublisher
	timeout   time.Duration
	events    chan domain.JobEvent
	wg        sync.WaitGroup

	mu      sync.Mutex
	dropped int
}

// NewEventRecorder creates a recorder. Call Start to begin draining events.
func NewEventRecorder(cfg *RecorderConfig) *EventRecorder {
	size := cfg.BufferSize
	if size <= 0 {
		size = 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &EventRecorder{
		logger:    cfg.Logger,
		store:     cfg.Store,
		publisher: cfg.Publisher,
		timeout:   timeout,
		events:    make(chan domain.JobEvent, size),
	}
}

// Record implements EventSink.
func (r *EventRecorder) Record(ev domain.JobEvent) {
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		dropped := r.dropped
		r.mu.Unlock()
		r.logger.Warn("Job event buffer full, dropping event",
			slog.String("job_id", string(ev.JobID)),
			slog.String("to_state", ev.ToState),
			slog.Int("dropped_total", dropped),
		)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (r *EventRecorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start drains events until ctx is canceled, then flushes what is buffered.
func (r *EventRecorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				r.flush()
				return
			case ev := <-r.events:
				r.write(ev)
			}
		}
	}()
}

// Wait blocks until the recorder goroutine has exited.
func (r *EventRecorder) Wait() {
	r.wg.Wait()
}

func (r *EventRecorder) flush() {
	for {
		select {
		case ev := <-r.events:
			r.write(ev)
		default:
			return
		}
	}
}

func (r *EventRecorder) write(ev domain.JobEvent) {
	if r.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.SaveJobEvent(ctx, &ev); err != nil {
			r.logger.Error("Failed to save job event",
				slog.String("job_id", string(ev.JobID)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}

	if r.publisher != nil {
		body, err := json.Marshal(ev)
		if err != nil {
			r.logger.Error("Failed to marshal job event",
				slog.String("job_id", string(ev.JobID)),
				slog.String("error", err.Error()),
			)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.publisher.PublishWithRetry(ctx, body, "application/json"); err != nil {
			r.logger.Error("Failed to publish job event",
				slog.String("job_id", string(ev.JobID)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
