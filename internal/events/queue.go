package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/certfleet/internal/metrics"
	"github.com/edvin/certfleet/internal/model"
)

// Queue is the bounded event buffer between the engine and the
// notification subsystem. Emit never blocks: when the queue is full, the
// oldest event with the same kind and certificate id is dropped to make
// room; if none exists, the oldest event overall goes.
type Queue struct {
	mu     sync.Mutex
	buf    []model.Event
	cap    int
	notify chan struct{}

	logger  zerolog.Logger
	dropped int64
}

func NewQueue(capacity int, logger zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	return &Queue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
		logger: logger.With().Str("component", "event-queue").Logger(),
	}
}

// Emit enqueues an event, stamping the time if unset.
func (q *Queue) Emit(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	q.mu.Lock()
	if len(q.buf) >= q.cap {
		q.evictLocked(ev)
	}
	q.buf = append(q.buf, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) evictLocked(incoming model.Event) {
	idx := 0
	for i, ev := range q.buf {
		if ev.Kind == incoming.Kind && ev.CertificateID == incoming.CertificateID {
			idx = i
			break
		}
	}
	dropped := q.buf[idx]
	q.buf = append(q.buf[:idx], q.buf[idx+1:]...)
	q.dropped++
	metrics.EventsDropped.Inc()
	q.logger.Warn().
		Str("kind", dropped.Kind).
		Str("cert_id", dropped.CertificateID).
		Msg("event queue full, dropping oldest")
}

// Drain removes and returns all buffered events.
func (q *Queue) Drain() []model.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Wait returns a channel that receives a tick when new events arrive.
func (q *Queue) Wait() <-chan struct{} {
	return q.notify
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped reports how many events have been evicted since start.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
