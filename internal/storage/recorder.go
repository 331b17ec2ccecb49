package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"go.uber.org/zap"
)

// Recorder persists every bus event through a Store. HandleEvent only
// enqueues; a single writer goroutine drains the queue so slow storage never
// stalls bus workers. When the queue is full the event is dropped and counted.
type Recorder struct {
	logger  *zap.Logger
	store   Store
	queue   chan events.Event
	timeout time.Duration

	dropped atomic.Uint64
	written atomic.Uint64

	sub    events.Subscription
	bus    *events.Bus
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRecorder(logger *zap.Logger, store Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Recorder{
		logger:  logger.Named("recorder"),
		store:   store,
		queue:   make(chan events.Event, queueSize),
		timeout: 5 * time.Second,
		stopCh:  make(chan struct{}),
	}
}

func (r *Recorder) Start(bus *events.Bus) {
	r.bus = bus
	r.sub = bus.SubscribeAll(r)

	r.wg.Add(1)
	go r.run()
}

// Stop unsubscribes and writes whatever is still queued.
func (r *Recorder) Stop() {
	if r.bus != nil {
		r.bus.Unsubscribe(r.sub)
	}
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Recorder) HandleEvent(_ context.Context, e events.Event) error {
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("Recorder queue full, dropping events",
				zap.String("kind", string(e.Kind)),
				zap.Uint64("dropped", r.dropped.Load()))
		}
	}
	return nil
}

func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-r.stopCh:
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.SaveEvent(ctx, e); err != nil {
		r.logger.Error("Failed to save event",
			zap.String("kind", string(e.Kind)),
			zap.Uint64("sequence", e.Sequence),
			zap.Error(err))
		return
	}

	if p, ok := e.Payload.(events.OrderStatusChanged); ok {
		err := r.store.SaveOrderStatus(ctx, OrderRecord{
			OrderID:   p.OrderID,
			Status:    p.To,
			Error:     p.Error,
			ChangedAt: e.Timestamp,
		})
		if err != nil {
			r.logger.Error("Failed to save order status",
				zap.String("order_id", p.OrderID.String()),
				zap.Error(err))
			return
		}
	}
	r.written.Add(1)
}
