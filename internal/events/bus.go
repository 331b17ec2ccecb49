package events

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrClosed      = errors.New("event bus closed")
	ErrPayloadType = errors.New("unexpected event payload type")
)

// Handler receives events. Errors are logged and counted by the bus, never
// returned to the publisher.
type Handler interface {
	HandleEvent(ctx context.Context, e Event) error
}

type HandlerFunc func(ctx context.Context, e Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Subscription identifies one registration; pass it to Unsubscribe.
type Subscription struct {
	id   uint64
	kind Kind
}

func (s Subscription) Kind() Kind { return s.kind }

type Config struct {
	Workers         int
	QueueSize       int
	HistorySize     int
	EnqueueTimeout  time.Duration
	CriticalTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:         10,
		QueueSize:       256,
		HistorySize:     1000,
		EnqueueTimeout:  50 * time.Millisecond,
		CriticalTimeout: 500 * time.Millisecond,
	}
}

type Stats struct {
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	HandlerErrors uint64 `json:"handler_errors"`
	Dropped       uint64 `json:"dropped"`
	Subscribers   int    `json:"subscribers"`
}

type subscriber struct {
	id      uint64
	kind    Kind // empty for wildcard
	handler Handler
	worker  int
	active  atomic.Bool
}

type delivery struct {
	sub   *subscriber
	event Event
	done  *sync.WaitGroup
}

type workerKey struct{}

// Bus is an in-process publish/subscribe backbone. Each subscription is
// pinned to one worker so a subscriber sees events in publish order.
// Handlers must not block; long work belongs in its own goroutine.
// Critical events block Publish until every subscriber has handled them or
// CriticalTimeout elapses.
type Bus struct {
	logger *zap.Logger
	cfg    Config

	subMu    sync.RWMutex
	byKind   map[Kind][]*subscriber
	wildcard []*subscriber
	subCount int

	nextID atomic.Uint64

	pubMu   sync.Mutex
	seq     uint64
	history *ring
	closed  bool

	queues []chan delivery
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	published     atomic.Uint64
	delivered     atomic.Uint64
	handlerErrors atomic.Uint64
	dropped       atomic.Uint64
}

func NewBus(logger *zap.Logger, cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.CriticalTimeout <= 0 {
		cfg.CriticalTimeout = def.CriticalTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:  logger.Named("events"),
		cfg:     cfg,
		byKind:  make(map[Kind][]*subscriber),
		history: newRing(cfg.HistorySize),
		queues:  make([]chan delivery, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := range b.queues {
		b.queues[i] = make(chan delivery, cfg.QueueSize)
		b.wg.Add(1)
		go b.runWorker(i)
	}

	b.logger.Info("Event bus started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Int("history_size", cfg.HistorySize))

	return b
}

// Subscribe registers handler for one kind. Handlers for the same kind are
// invoked in registration order.
func (b *Bus) Subscribe(kind Kind, handler Handler) Subscription {
	return b.add(kind, handler)
}

// SubscribeAll registers a wildcard handler that sees every event.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	return b.add("", handler)
}

func (b *Bus) add(kind Kind, handler Handler) Subscription {
	id := b.nextID.Add(1)
	sub := &subscriber{
		id:      id,
		kind:    kind,
		handler: handler,
		worker:  b.workerFor(kind, id),
	}
	sub.active.Store(true)

	b.subMu.Lock()
	if kind == "" {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.byKind[kind] = append(b.byKind[kind], sub)
	}
	b.subCount++
	b.subMu.Unlock()

	return Subscription{id: id, kind: kind}
}

// Unsubscribe removes the registration. Deliveries already queued for it are
// skipped.
func (b *Bus) Unsubscribe(s Subscription) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	list := b.wildcard
	if s.kind != "" {
		list = b.byKind[s.kind]
	}

	for i, sub := range list {
		if sub.id != s.id {
			continue
		}
		sub.active.Store(false)
		next := make([]*subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if s.kind == "" {
			b.wildcard = next
		} else if len(next) == 0 {
			delete(b.byKind, s.kind)
		} else {
			b.byKind[s.kind] = next
		}
		b.subCount--
		return
	}
}

// Subscribers of one kind share a worker so they run in registration order.
// Wildcard subscribers are spread by id.
func (b *Bus) workerFor(kind Kind, id uint64) int {
	n := uint32(len(b.queues))
	if kind == "" {
		return int(id % uint64(n))
	}
	h := fnv.New32a()
	h.Write([]byte(kind))
	return int(h.Sum32() % n)
}

func (b *Bus) snapshot(kind Kind) []*subscriber {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	subs := make([]*subscriber, 0, len(b.byKind[kind])+len(b.wildcard))
	subs = append(subs, b.byKind[kind]...)
	subs = append(subs, b.wildcard...)
	return subs
}

// Publish stamps the event with the next sequence number, records it in the
// history and hands it to every current subscriber.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.Kind == "" {
		return fmt.Errorf("publish: empty event kind")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	subs := b.snapshot(e.Kind)
	critical := e.Critical()
	self, inWorker := ctx.Value(workerKey{}).(int)

	var (
		done     *sync.WaitGroup
		inline   []*subscriber
		deadline time.Time
	)
	if critical {
		done = &sync.WaitGroup{}
		deadline = time.Now().Add(b.cfg.CriticalTimeout)
	}

	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return ErrClosed
	}
	b.seq++
	e.Sequence = b.seq
	b.history.add(e)
	b.published.Add(1)

	for _, sub := range subs {
		// A worker cannot wait on its own queue.
		if inWorker && sub.worker == self {
			if critical {
				inline = append(inline, sub)
				continue
			}
			select {
			case b.queues[sub.worker] <- delivery{sub: sub, event: e}:
			default:
				b.drop(sub, e, "worker queue full on re-entrant publish")
			}
			continue
		}

		d := delivery{sub: sub, event: e, done: done}
		if done != nil {
			done.Add(1)
		}
		if !b.enqueue(d, deadline) {
			if done != nil {
				done.Done()
			}
			b.drop(sub, e, "worker queue full")
		}
	}
	b.pubMu.Unlock()

	if !critical {
		return nil
	}

	for _, sub := range inline {
		b.dispatch(ctx, sub, e)
	}

	waitCh := make(chan struct{})
	go func() {
		done.Wait()
		close(waitCh)
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-waitCh:
		return nil
	case <-timer.C:
		b.logger.Warn("Critical event not acknowledged by all subscribers in time",
			zap.String("kind", string(e.Kind)),
			zap.Uint64("sequence", e.Sequence),
			zap.Duration("timeout", b.cfg.CriticalTimeout))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue must be called with pubMu held.
func (b *Bus) enqueue(d delivery, deadline time.Time) bool {
	q := b.queues[d.sub.worker]

	select {
	case q <- d:
		return true
	default:
	}

	wait := b.cfg.EnqueueTimeout
	if !deadline.IsZero() {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case q <- d:
		return true
	case <-timer.C:
		return false
	}
}

func (b *Bus) drop(sub *subscriber, e Event, reason string) {
	b.dropped.Add(1)
	b.logger.Warn("Event delivery dropped",
		zap.String("kind", string(e.Kind)),
		zap.Uint64("sequence", e.Sequence),
		zap.Uint64("subscription", sub.id),
		zap.String("reason", reason))
}

func (b *Bus) runWorker(id int) {
	defer b.wg.Done()

	ctx := context.WithValue(b.ctx, workerKey{}, id)
	for d := range b.queues[id] {
		b.dispatch(ctx, d.sub, d.event)
		if d.done != nil {
			d.done.Done()
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sub *subscriber, e Event) {
	if !sub.active.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			b.logger.Error("Event handler panicked",
				zap.String("kind", string(e.Kind)),
				zap.Uint64("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler.HandleEvent(ctx, e); err != nil {
		b.handlerErrors.Add(1)
		b.logger.Error("Event handler failed",
			zap.String("kind", string(e.Kind)),
			zap.Uint64("subscription", sub.id),
			zap.Error(err))
		return
	}
	b.delivered.Add(1)
}

// History returns up to limit of the most recent events, oldest first. An
// empty kind matches every event; limit <= 0 returns everything retained.
func (b *Bus) History(kind Kind, limit int) []Event {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.history.filter(kind, limit)
}

func (b *Bus) Stats() Stats {
	b.subMu.RLock()
	subs := b.subCount
	b.subMu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Dropped:       b.dropped.Load(),
		Subscribers:   subs,
	}
}

// Shutdown rejects further publishes and waits for queued deliveries to be
// handled or for ctx to expire.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.pubMu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		b.cancel()
		b.logger.Info("Event bus stopped", zap.Uint64("published", b.published.Load()))
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

// On subscribes a handler that receives the payload already asserted to P.
// Payloads published as *P are accepted as well.
func On[P any](b *Bus, kind Kind, fn func(ctx context.Context, e Event, p P) error) Subscription {
	return b.Subscribe(kind, HandlerFunc(func(ctx context.Context, e Event) error {
		switch p := e.Payload.(type) {
		case P:
			return fn(ctx, e, p)
		case *P:
			if p != nil {
				return fn(ctx, e, *p)
			}
		}
		return fmt.Errorf("%w: %s carries %T", ErrPayloadType, e.Kind, e.Payload)
	}))
}
