package memq

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
	"github.com/wizdata/scraperd/internal/queue"
)

func testRecord(symbol string) domain.Record {
	return domain.Record{
		Source:        "coingecko",
		Symbol:        symbol,
		Class:         "crypto_price",
		Payload:       map[string]any{"price": 1.0},
		CollectedAt:   time.Now().UTC(),
		SchemaVersion: domain.SchemaVersion,
	}
}

func TestPublishSubscribe(t *testing.T) {
	q := New(queue.Config{}, logger.Nop())
	defer q.Close()

	var mu sync.Mutex
	var got []queue.Message
	done := make(chan struct{})

	err := q.Subscribe("raw.coingecko.crypto_price", func(msg queue.Message) error {
		mu.Lock()
		got = append(got, msg)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, symbol := range []string{"bitcoin", "ethereum", "solana"} {
		receipt, pubErr := q.Publish("raw.coingecko.crypto_price", testRecord(symbol))
		require.NoError(t, pubErr)
		assert.NotEmpty(t, receipt.MessageID)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 3)
	// Within one topic delivery preserves publish order.
	assert.Equal(t, "bitcoin", got[0].Record.Symbol)
	assert.Equal(t, "ethereum", got[1].Record.Symbol)
	assert.Equal(t, "solana", got[2].Record.Symbol)
	assert.Equal(t, 1, got[0].Attempt)
}

func TestPublishBeforeSubscribeBuffers(t *testing.T) {
	q := New(queue.Config{}, logger.Nop())
	defer q.Close()

	_, err := q.Publish("raw.forex.forex_rate", testRecord("USD/ZAR"))
	require.NoError(t, err)
	assert.Equal(t, 1, q.Depth("raw.forex.forex_rate"))

	done := make(chan queue.Message, 1)
	require.NoError(t, q.Subscribe("raw.forex.forex_rate", func(msg queue.Message) error {
		done <- msg
		return nil
	}))

	select {
	case msg := <-done:
		assert.Equal(t, "USD/ZAR", msg.Record.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("buffered message was not delivered")
	}
}

func TestRedeliveryBounded(t *testing.T) {
	q := New(queue.Config{MaxDeliveryAttempts: 3}, logger.Nop())
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("raw.news.news_article", func(msg queue.Message) error {
		calls.Add(1)
		return errors.New("sink unavailable")
	}))

	_, err := q.Publish("raw.news.news_article", testRecord("abc123"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return calls.Load() == 3
	}, 2*time.Second, 10*time.Millisecond)

	// No further redelivery after the attempt limit.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRedeliveryStopsOnSuccess(t *testing.T) {
	q := New(queue.Config{MaxDeliveryAttempts: 5}, logger.Nop())
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("raw.economic.economic_indicator", func(msg queue.Message) error {
		if calls.Add(1) < 2 {
			return errors.New("transient sink failure")
		}
		return nil
	}))

	_, err := q.Publish("raw.economic.economic_indicator", testRecord("us.gdp"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPublishFullBuffer(t *testing.T) {
	q := New(queue.Config{Capacity: 2}, logger.Nop())
	defer q.Close()

	// No subscriber: the buffer fills and the third publish fails.
	_, err := q.Publish("raw.x.y", testRecord("a"))
	require.NoError(t, err)
	_, err = q.Publish("raw.x.y", testRecord("b"))
	require.NoError(t, err)

	_, err = q.Publish("raw.x.y", testRecord("c"))
	var pubErr *queue.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.Equal(t, "raw.x.y", pubErr.Topic)
}

func TestCloseIdempotentAndRejectsPublish(t *testing.T) {
	q := New(queue.Config{}, logger.Nop())

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Publish("raw.x.y", testRecord("a"))
	assert.Error(t, err)
	assert.Error(t, q.Subscribe("raw.x.y", func(queue.Message) error { return nil }))
}

func TestDroppedMessageCountsDeliveryFailure(t *testing.T) {
	q := New(queue.Config{MaxDeliveryAttempts: 2}, logger.Nop())
	defer q.Close()

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("raw.news.news_article", func(queue.Message) error {
		calls.Add(1)
		return errors.New("sink unavailable")
	}))

	require.Zero(t, q.DeliveryFailures())
	_, err := q.Publish("raw.news.news_article", testRecord("abc123"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return q.DeliveryFailures() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConcurrentPublishAndClose(t *testing.T) {
	q := New(queue.Config{Capacity: 4}, logger.Nop())

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for range 50 {
				_, err := q.Publish("raw.x.y", testRecord("a"))
				var pubErr *queue.PublishError
				if errors.As(err, &pubErr) && errors.Is(pubErr.Err, ErrClosed) {
					return
				}
			}
		}()
	}

	close(start)
	require.NoError(t, q.Close())
	wg.Wait()

	_, err := q.Publish("raw.x.y", testRecord("a"))
	var pubErr *queue.PublishError
	require.True(t, errors.As(err, &pubErr))
	assert.ErrorIs(t, pubErr.Err, ErrClosed)
}

func TestTopicsAreIndependent(t *testing.T) {
	q := New(queue.Config{}, logger.Nop())
	defer q.Close()

	crypto := make(chan string, 1)
	forex := make(chan string, 1)

	require.NoError(t, q.Subscribe("raw.coingecko.crypto_price", func(msg queue.Message) error {
		crypto <- msg.Record.Symbol
		return nil
	}))
	require.NoError(t, q.Subscribe("raw.forex.forex_rate", func(msg queue.Message) error {
		forex <- msg.Record.Symbol
		return nil
	}))

	_, err := q.Publish("raw.coingecko.crypto_price", testRecord("bitcoin"))
	require.NoError(t, err)
	_, err = q.Publish("raw.forex.forex_rate", testRecord("USD/ZAR"))
	require.NoError(t, err)

	assert.Equal(t, "bitcoin", <-crypto)
	assert.Equal(t, "USD/ZAR", <-forex)

	select {
	case s := <-crypto:
		t.Fatalf("unexpected cross-topic delivery: %s", s)
	case <-time.After(50 * time.Millisecond):
	}
}
