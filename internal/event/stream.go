package event

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"chbuild/internal/metrics"
)

var (
	ErrClosed      = errors.New("event stream is closed")
	ErrAfterCancel = errors.New("run was cancelled; only execution_complete may follow")
)

const defaultQueueSize = 1024

// Stream is the ordered, per-run event log. Emit never blocks: each
// subscriber has its own bounded queue drained by a dedicated goroutine, so a
// slow consumer only ever delays itself.
type Stream struct {
	mu        sync.Mutex
	seq       uint64
	history   []Event
	subs      map[*subscriber]struct{}
	cancelled bool
	closed    bool
	dropped   uint64
	nextSub   int

	queueSize int
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Stream.
type Option func(*Stream)

// WithLogger sets the logger used for refused and dropped events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithQueueSize bounds each subscriber's backlog.
func WithQueueSize(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// NewStream creates an empty stream.
func NewStream(opts ...Option) *Stream {
	s := &Stream{
		subs:      make(map[*subscriber]struct{}),
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit appends an event and fans it out to subscribers. After a cancelled
// event only execution_complete is accepted; anything else is refused and
// logged.
func (s *Stream) Emit(t Type, message string, p Payload) (Event, error) {
	if !t.Known() {
		t = TypeRaw
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("event emitted after close", "type", t, "message", message)
		return Event{}, ErrClosed
	}
	if s.cancelled && t != TypeExecutionComplete {
		s.logger.Warn("event refused after cancellation", "type", t, "message", message)
		return Event{}, ErrAfterCancel
	}

	s.seq++
	ev := Event{Seq: s.seq, Time: s.now(), Type: t, Message: message, Payload: p}
	s.history = append(s.history, ev)
	if t == TypeCancelled {
		s.cancelled = true
	}

	for sub := range s.subs {
		if sub.push(ev) {
			s.dropped++
			metrics.EventsDropped.Inc()
			s.logger.Warn("subscriber backlog full, dropped oldest event",
				"subscriber", sub.id, "queue", s.queueSize, "seq", ev.Seq)
		}
	}
	metrics.EventsEmitted.WithLabelValues(string(t)).Inc()
	return ev, nil
}

// Subscribe returns a channel delivering events in emission order. With
// replay the channel first yields everything emitted so far. The returned
// func unsubscribes; the channel is closed after Close once drained.
func (s *Stream) Subscribe(replay bool) (<-chan Event, func()) {
	s.mu.Lock()
	s.nextSub++
	sub := newSubscriber(s.nextSub, s.queueSize)
	if replay {
		sub.queue = append(sub.queue, s.history...)
	}
	if s.closed {
		sub.finished = true
	} else {
		s.subs[sub] = struct{}{}
	}
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
			close(sub.done)
		})
	}
}

// History returns a copy of every event emitted so far.
func (s *Stream) History() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.history))
	copy(out, s.history)
	return out
}

// Cancelled reports whether a cancelled event has been emitted.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Dropped returns how many queued events were discarded for slow subscribers.
func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close ends the stream. Subscribers receive what is already queued and then
// see their channel closed.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subs {
		sub.finish()
	}
	s.subs = make(map[*subscriber]struct{})
}

type subscriber struct {
	id       int
	mu       sync.Mutex
	queue    []Event
	limit    int
	finished bool
	notify   chan struct{}
	done     chan struct{}
	out      chan Event
}

func newSubscriber(id, limit int) *subscriber {
	return &subscriber{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Event),
	}
}

// push queues ev and reports whether the oldest queued event was dropped to
// make room.
func (sub *subscriber) push(ev Event) bool {
	sub.mu.Lock()
	dropped := false
	if len(sub.queue) >= sub.limit {
		sub.queue = sub.queue[1:]
		dropped = true
	}
	sub.queue = append(sub.queue, ev)
	sub.mu.Unlock()
	sub.wake()
	return dropped
}

func (sub *subscriber) finish() {
	sub.mu.Lock()
	sub.finished = true
	sub.mu.Unlock()
	sub.wake()
}

func (sub *subscriber) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			finished := sub.finished
			sub.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-sub.notify:
				continue
			case <-sub.done:
				return
			}
		}
		ev := sub.queue[0]
		sub.queue = sub.queue[1:]
		sub.mu.Unlock()

		select {
		case sub.out <- ev:
		case <-sub.done:
			return
		}
	}
}
