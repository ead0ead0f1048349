// Package redisq is the broker-backed queue implementation on Redis
// Streams. Each topic maps to one stream; subscribers share a consumer
// group so delivery is at-least-once across process restarts.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/queue"
)

const (
	connectTimeout = 2 * time.Second

	// recordField holds the serialized message envelope in a stream
	// entry.
	recordField = "message"

	blockTimeout = 5 * time.Second
	batchSize    = 10

	// claimMinIdle is how long a pending entry sits unacked before
	// another consumer may claim it.
	claimMinIdle    = 5 * time.Minute
	maxPendingCheck = 100

	// maxStreamLen caps stream growth; trimming is approximate.
	maxStreamLen = 10000
)

// Queue is the Redis Streams implementation of queue.Queue.
type Queue struct {
	client      *redis.Client
	prefix      string
	group       string
	consumerID  string
	maxAttempts int
	log         logger.Logger

	deliveryFailures atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
	closed bool
}

// New connects to Redis and verifies the connection.
func New(cfg queue.Config, log logger.Logger) (*Queue, error) {
	cfg.SetDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Queue{
		client:      client,
		prefix:      cfg.Redis.Prefix,
		group:       cfg.Redis.Group,
		consumerID:  uuid.NewString(),
		maxAttempts: cfg.MaxDeliveryAttempts,
		log:         log,
		ctx:         ctx,
		cancel:      stop,
	}, nil
}

// streamName maps a topic to its stream key.
func (q *Queue) streamName(topic string) string {
	return q.prefix + ":" + topic
}

// Publish appends the record's envelope to the topic stream. The
// receipt confirms enqueue, not consumption.
func (q *Queue) Publish(topic string, rec domain.Record) (queue.Receipt, error) {
	msg := queue.Message{
		ID:         uuid.NewString(),
		Topic:      topic,
		Record:     rec,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    1,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return queue.Receipt{}, &queue.PublishError{Topic: topic, Err: err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	streamID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamName(topic),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{recordField: string(body)},
	}).Result()
	if err != nil {
		return queue.Receipt{}, &queue.PublishError{Topic: topic, Err: err}
	}

	return queue.Receipt{MessageID: streamID, Topic: topic}, nil
}

// Subscribe creates the consumer group for the topic stream and starts
// a read loop delivering to the handler.
func (q *Queue) Subscribe(topic string, handler queue.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}

	stream := q.streamName(topic)

	ctx, cancel := context.WithTimeout(q.ctx, connectTimeout)
	defer cancel()
	err := q.client.XGroupCreateMkStream(ctx, stream, q.group, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group for %s: %w", stream, err)
	}

	q.wg.Add(1)
	go q.readLoop(stream, topic, handler)
	return nil
}

// Close stops read loops and closes the client.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return q.client.Close()
}

// readLoop consumes the stream: reclaim stale pending entries first,
// then read new ones.
func (q *Queue) readLoop(stream, topic string, handler queue.Handler) {
	defer q.wg.Done()

	for {
		if q.ctx.Err() != nil {
			return
		}

		q.reclaimPending(stream, topic, handler)

		streams, err := q.client.XReadGroup(q.ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumerID,
			Streams:  []string{stream, ">"},
			Count:    batchSize,
			Block:    blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.log.Warn("stream read failed",
				logger.String("stream", stream),
				logger.Error(err),
			)
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				q.handleEntry(stream, topic, entry, 1, handler)
			}
		}
	}
}

// reclaimPending claims entries another consumer left unacked past the
// idle threshold and redelivers them with their accumulated attempt
// count.
func (q *Queue) reclaimPending(stream, topic string, handler queue.Handler) {
	pending, err := q.client.XPendingExt(q.ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil || len(pending) == 0 {
		return
	}

	attempts := make(map[string]int, len(pending))
	var stale []string
	for _, entry := range pending {
		if entry.Idle < claimMinIdle {
			continue
		}
		stale = append(stale, entry.ID)
		attempts[entry.ID] = int(entry.RetryCount)
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := q.client.XClaim(q.ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    q.group,
		Consumer: q.consumerID,
		MinIdle:  claimMinIdle,
		Messages: stale,
	}).Result()
	if err != nil {
		return
	}

	for _, entry := range claimed {
		attempt := attempts[entry.ID]
		if attempt < 1 {
			attempt = 1
		}
		if attempt > q.maxAttempts {
			// Poison message: ack and drop.
			q.ack(stream, entry.ID)
			q.deliveryFailures.Add(1)
			q.log.Error("message dropped after delivery attempts exhausted",
				logger.String("topic", topic),
				logger.String("message_id", entry.ID),
				logger.Int("max_attempts", q.maxAttempts),
			)
			continue
		}
		q.handleEntry(stream, topic, entry, attempt, handler)
	}
}

// handleEntry decodes and delivers one stream entry. Success acks;
// failure leaves the entry pending for reclaim-driven redelivery.
func (q *Queue) handleEntry(stream, topic string, entry redis.XMessage, attempt int, handler queue.Handler) {
	body, ok := entry.Values[recordField].(string)
	if !ok {
		q.ack(stream, entry.ID)
		return
	}

	var msg queue.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		q.ack(stream, entry.ID)
		q.log.Warn("malformed message dropped",
			logger.String("topic", topic),
			logger.String("message_id", entry.ID),
			logger.Error(err),
		)
		return
	}
	msg.Attempt = attempt

	if err := handler(msg); err != nil {
		q.log.Debug("handler failed, message left pending",
			logger.String("topic", topic),
			logger.String("message_id", entry.ID),
			logger.Int("attempt", attempt),
			logger.Error(err),
		)
		return
	}
	q.ack(stream, entry.ID)
}

func (q *Queue) ack(stream, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := q.client.XAck(ctx, stream, q.group, id).Err(); err != nil {
		q.log.Warn("ack failed", logger.String("stream", stream), logger.Error(err))
	}
}

// Depth returns the stream length for a topic.
func (q *Queue) Depth(ctx context.Context, topic string) (int64, error) {
	return q.client.XLen(ctx, q.streamName(topic)).Result()
}

// DeliveryFailures returns how many messages were dropped after
// exhausting their delivery attempts.
func (q *Queue) DeliveryFailures() int64 {
	return q.deliveryFailures.Load()
}
