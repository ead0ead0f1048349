// Package memq is the in-process queue backend: one bounded channel and
// one dispatcher goroutine per topic. It exists so the pipeline runs
// with zero broker dependencies; delivery guarantees match the queue
// contract but survive only as long as the process.
package memq

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/queue"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("queue is closed")

// Queue is the in-process implementation of queue.Queue.
type Queue struct {
	mu          sync.Mutex
	topics      map[string]*topicState
	capacity    int
	maxAttempts int
	closed      bool
	wg          sync.WaitGroup
	log         logger.Logger

	deliveryFailures atomic.Int64
}

type topicState struct {
	ch       chan queue.Message
	handlers []queue.Handler
	// running marks whether the dispatcher goroutine has started. It
	// starts on the first Subscribe so publishes before any subscriber
	// buffer instead of being dropped.
	running bool
}

// New creates an in-process queue.
func New(cfg queue.Config, log logger.Logger) *Queue {
	cfg.SetDefaults()
	return &Queue{
		topics:      make(map[string]*topicState),
		capacity:    cfg.Capacity,
		maxAttempts: cfg.MaxDeliveryAttempts,
		log:         log,
	}
}

// Publish enqueues a record. It fails with a PublishError when the
// topic's buffer is full rather than blocking a worker.
func (q *Queue) Publish(topic string, rec domain.Record) (queue.Receipt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.Receipt{}, &queue.PublishError{Topic: topic, Err: ErrClosed}
	}
	state := q.topicLocked(topic)

	msg := queue.Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Record:     rec,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    1,
	}

	// The send stays under the lock so Close cannot close the channel
	// between the closed check and the send.
	select {
	case state.ch <- msg:
		return queue.Receipt{MessageID: msg.ID, Topic: topic}, nil
	default:
		return queue.Receipt{}, &queue.PublishError{
			Topic: topic,
			Err:   errors.New("topic buffer full"),
		}
	}
}

// Subscribe registers a handler and starts the topic dispatcher if it
// is not running yet.
func (q *Queue) Subscribe(topic string, handler queue.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	state := q.topicLocked(topic)
	state.handlers = append(state.handlers, handler)

	if !state.running {
		state.running = true
		q.wg.Add(1)
		go q.dispatch(topic, state)
	}
	return nil
}

// Close stops dispatchers after draining buffered messages.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	for _, state := range q.topics {
		close(state.ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// topicLocked returns (creating if needed) the state for a topic.
func (q *Queue) topicLocked(topic string) *topicState {
	state, ok := q.topics[topic]
	if !ok {
		state = &topicState{ch: make(chan queue.Message, q.capacity)}
		q.topics[topic] = state
	}
	return state
}

// dispatch delivers messages to every handler in subscription order.
// A failing handler gets the message redelivered up to the attempt
// limit; the message is then dropped, logged and counted as a
// delivery failure.
func (q *Queue) dispatch(topic string, state *topicState) {
	defer q.wg.Done()

	for msg := range state.ch {
		q.mu.Lock()
		handlers := make([]queue.Handler, len(state.handlers))
		copy(handlers, state.handlers)
		q.mu.Unlock()

		for _, handler := range handlers {
			q.deliver(topic, msg, handler)
		}
	}
}

func (q *Queue) deliver(topic string, msg queue.Message, handler queue.Handler) {
	for attempt := msg.Attempt; attempt <= q.maxAttempts; attempt++ {
		msg.Attempt = attempt
		err := handler(msg)
		if err == nil {
			return
		}
		q.log.Debug("handler failed, redelivering",
			logger.String("topic", topic),
			logger.String("message_id", msg.ID),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
	}

	q.deliveryFailures.Add(1)
	q.log.Error("message dropped after delivery attempts exhausted",
		logger.String("topic", topic),
		logger.String("message_id", msg.ID),
		logger.Int("max_attempts", q.maxAttempts),
	)
}

// Depth returns the buffered message count for a topic.
func (q *Queue) Depth(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, ok := q.topics[topic]
	if !ok {
		return 0
	}
	return len(state.ch)
}

// DeliveryFailures returns how many messages were dropped after
// exhausting their delivery attempts.
func (q *Queue) DeliveryFailures() int64 {
	return q.deliveryFailures.Load()
}
