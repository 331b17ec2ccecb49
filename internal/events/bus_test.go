package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(zaptest.NewLogger(t), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func drain(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))
}

type recorder struct {
	mu   sync.Mutex
	seen []uint64
}

func (r *recorder) HandleEvent(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e.Sequence)
	return nil
}

func (r *recorder) sequences() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.seen...)
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	b := newTestBus(t, Config{Workers: 4, QueueSize: 1024})

	kindSub := &recorder{}
	allSub := &recorder{}
	b.Subscribe(KindSensorReading, kindSub)
	b.SubscribeAll(allSub)

	for i := 0; i < 300; i++ {
		kind := KindSensorReading
		if i%3 == 0 {
			kind = KindTemperatureReading
		}
		require.NoError(t, b.Publish(context.Background(), New(kind, "test", nil)))
	}
	drain(t, b)

	all := allSub.sequences()
	require.Len(t, all, 300)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1], all[i])
	}

	kinds := kindSub.sequences()
	require.Len(t, kinds, 200)
	for i := 1; i < len(kinds); i++ {
		assert.Less(t, kinds[i-1], kinds[i])
	}
}

func TestSameKindHandlersRunInRegistrationOrder(t *testing.T) {
	b := newTestBus(t, Config{Workers: 8})

	var mu sync.Mutex
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		b.Subscribe(KindOrderReceived, HandlerFunc(func(context.Context, Event) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		}))
	}

	require.NoError(t, b.Publish(context.Background(), New(KindOrderReceived, "test", nil)))
	drain(t, b)

	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestCriticalPublishWaitsForSubscribers(t *testing.T) {
	b := newTestBus(t, Config{Workers: 2, CriticalTimeout: time.Second})

	var handled atomic.Bool
	b.Subscribe(KindEmergencyStop, HandlerFunc(func(context.Context, Event) error {
		time.Sleep(30 * time.Millisecond)
		handled.Store(true)
		return nil
	}))

	e := New(KindEmergencyStop, "test", EmergencyStop{Reason: "fire"})
	require.True(t, e.Critical())
	require.NoError(t, b.Publish(context.Background(), e))
	assert.True(t, handled.Load())
}

func TestCriticalPublishFromHandlerDoesNotDeadlock(t *testing.T) {
	b := newTestBus(t, Config{Workers: 1, CriticalTimeout: time.Second})

	var stopped atomic.Bool
	b.Subscribe(KindEmergencyStop, HandlerFunc(func(context.Context, Event) error {
		stopped.Store(true)
		return nil
	}))
	b.Subscribe(KindSensorReading, HandlerFunc(func(ctx context.Context, e Event) error {
		return b.Publish(ctx, New(KindEmergencyStop, "safety", EmergencyStop{Reason: "limit"}))
	}))

	require.NoError(t, b.Publish(context.Background(), New(KindSensorReading, "test", nil)))
	assert.Eventually(t, stopped.Load, time.Second, 5*time.Millisecond)
}

func TestHandlerErrorsAndPanicsAreContained(t *testing.T) {
	b := newTestBus(t, Config{Workers: 2})

	b.Subscribe(KindSystemError, HandlerFunc(func(context.Context, Event) error {
		return errors.New("boom")
	}))
	b.Subscribe(KindSystemError, HandlerFunc(func(context.Context, Event) error {
		panic("handler bug")
	}))
	ok := &recorder{}
	b.Subscribe(KindSystemError, ok)

	require.NoError(t, b.Publish(context.Background(), New(KindSystemError, "test", nil)))
	drain(t, b)

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.HandlerErrors)
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Len(t, ok.sequences(), 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, Config{Workers: 2})

	r := &recorder{}
	sub := b.Subscribe(KindAlarm, r)
	require.Equal(t, 1, b.Stats().Subscribers)

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Stats().Subscribers)

	require.NoError(t, b.Publish(context.Background(), New(KindAlarm, "test", nil)))
	drain(t, b)
	assert.Empty(t, r.sequences())
}

func TestFullQueueDropsAfterTimeout(t *testing.T) {
	b := newTestBus(t, Config{Workers: 1, QueueSize: 1, EnqueueTimeout: time.Millisecond})

	release := make(chan struct{})
	b.Subscribe(KindSensorReading, HandlerFunc(func(context.Context, Event) error {
		<-release
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), New(KindSensorReading, "test", nil)))
	}
	close(release)
	drain(t, b)

	stats := b.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Positive(t, stats.Dropped)
	assert.Equal(t, stats.Published, stats.Delivered+stats.Dropped)
}

func TestHistoryIsBoundedAndFiltered(t *testing.T) {
	b := newTestBus(t, Config{HistorySize: 5})

	for i := 0; i < 8; i++ {
		kind := KindSensorReading
		if i%2 == 0 {
			kind = KindTemperatureReading
		}
		require.NoError(t, b.Publish(context.Background(), New(kind, "test", nil)))
	}

	all := b.History("", 0)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(4), all[0].Sequence)
	assert.Equal(t, uint64(8), all[4].Sequence)

	temps := b.History(KindTemperatureReading, 10)
	require.Len(t, temps, 2)
	assert.Equal(t, uint64(5), temps[0].Sequence)
	assert.Equal(t, uint64(7), temps[1].Sequence)

	last := b.History("", 2)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(7), last[0].Sequence)
}

func TestPublishAfterShutdown(t *testing.T) {
	b := newTestBus(t, Config{})
	drain(t, b)

	err := b.Publish(context.Background(), New(KindSystemStopped, "test", nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOnAssertsPayloadType(t *testing.T) {
	b := newTestBus(t, Config{Workers: 1})

	var got atomic.Value
	On(b, KindTemperatureReading, func(_ context.Context, _ Event, p TemperatureReading) error {
		got.Store(p)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(KindTemperatureReading, "test", TemperatureReading{Zone: "fryer", Celsius: 171})))
	require.NoError(t, b.Publish(ctx, New(KindTemperatureReading, "test", &TemperatureReading{Zone: "grill", Celsius: 200})))
	require.NoError(t, b.Publish(ctx, New(KindTemperatureReading, "test", "not a reading")))
	drain(t, b)

	assert.Equal(t, TemperatureReading{Zone: "grill", Celsius: 200}, got.Load())
	assert.Equal(t, uint64(1), b.Stats().HandlerErrors)
}
