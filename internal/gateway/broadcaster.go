package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tangjunyou/prompt-faster-sub001/internal/logging"
)

// DefaultQueueSize bounds each observer's pending event queue
const DefaultQueueSize = 64

// outbound is one message waiting to be written to an observer. Messages
// with a task id are only delivered to observers entitled to that task.
type outbound struct {
	msgType string
	taskID  string
	data    []byte
}

// Relay forwards local broadcasts to other instances
type Relay interface {
	Publish(taskID, msgType string, data []byte)
}

// subscriber is the per-connection queue. When full, the oldest message is
// dropped so a slow observer never blocks the producer.
type subscriber struct {
	id     string
	userID string
	limit  int
	onDrop func()

	mu       sync.Mutex
	queue    []outbound
	held     bool
	deferred []outbound
	closed   bool
	notify   chan struct{}
}

func newSubscriber(userID string, limit int, onDrop func()) *subscriber {
	if limit < 1 {
		limit = DefaultQueueSize
	}
	return &subscriber{
		id:     uuid.NewString(),
		userID: userID,
		limit:  limit,
		onDrop: onDrop,
		notify: make(chan struct{}, 1),
	}
}

func (s *subscriber) enqueue(m outbound) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.held {
		s.deferred = s.appendBounded(s.deferred, m)
		s.mu.Unlock()
		return
	}
	s.queue = s.appendBounded(s.queue, m)
	s.mu.Unlock()
	s.signal()
}

// hold parks broadcast messages until release, so a command's ack reaches
// its sender before the events the command caused.
func (s *subscriber) hold() {
	s.mu.Lock()
	s.held = true
	s.mu.Unlock()
}

// release queues first and then every message parked since hold
func (s *subscriber) release(first outbound) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = s.appendBounded(s.queue, first)
	for _, m := range s.deferred {
		s.queue = s.appendBounded(s.queue, m)
	}
	s.deferred = nil
	s.held = false
	s.mu.Unlock()
	s.signal()
}

// send queues a direct message regardless of hold
func (s *subscriber) send(m outbound) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = s.appendBounded(s.queue, m)
	s.mu.Unlock()
	s.signal()
}

// drain takes every queued message
func (s *subscriber) drain() []outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.deferred = nil
	s.mu.Unlock()
}

func (s *subscriber) appendBounded(q []outbound, m outbound) []outbound {
	if len(q) >= s.limit {
		q = q[1:]
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	return append(q, m)
}

func (s *subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Broadcaster fans events out to every connected observer
type Broadcaster struct {
	queueSize int
	metrics   *Metrics
	logger    *logging.Logger

	mu    sync.RWMutex
	subs  map[string]*subscriber
	relay Relay
}

// NewBroadcaster creates a broadcaster whose observers queue at most queueSize events
func NewBroadcaster(queueSize int, m *Metrics, logger *logging.Logger) *Broadcaster {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Broadcaster{
		queueSize: queueSize,
		metrics:   m,
		logger:    logger.Named("broadcaster"),
		subs:      make(map[string]*subscriber),
	}
}

// SetRelay makes every local Publish also go to r
func (b *Broadcaster) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

func (b *Broadcaster) subscribe(userID string) *subscriber {
	s := newSubscriber(userID, b.queueSize, b.metrics.eventDropped)
	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()
	return s
}

func (b *Broadcaster) unsubscribe(s *subscriber) {
	b.mu.Lock()
	delete(b.subs, s.id)
	b.mu.Unlock()
	s.close()
}

// Subscribers returns the number of connected observers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers an event to local observers and hands it to the relay
func (b *Broadcaster) Publish(taskID, msgType string, data []byte) {
	b.Deliver(taskID, msgType, data)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.Publish(taskID, msgType, data)
	}
}

// Deliver enqueues an event for local observers only. It never blocks.
// Events received from other instances enter here.
func (b *Broadcaster) Deliver(taskID, msgType string, data []byte) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	m := outbound{msgType: msgType, taskID: taskID, data: data}
	for _, s := range subs {
		s.enqueue(m)
	}
	b.logger.Debug("event broadcast", "task_id", taskID, "type", msgType, "observers", len(subs))
}
