package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/KevinKickass/OpenKitchenCore/internal/state"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownOrder   = errors.New("unknown order")
	ErrNotCancellable = errors.New("order is no longer pending")
	ErrEmptyOrder     = errors.New("order has no items")
	ErrStepTimeout    = errors.New("step timed out")
	ErrAborted        = errors.New("order aborted")
	ErrNothingToReset = errors.New("nothing to reset")
	ErrUnknownCommand = errors.New("unknown command")
)

// emaAlpha weights the newest sample of the average order time.
const emaAlpha = 0.1

type Config struct {
	BatchSize        int
	TickInterval     time.Duration
	StepTimeout      time.Duration
	MaxRetryAttempts int
	RetryBackoff     time.Duration
	HardwareTimeout  time.Duration
	// RetainFinished bounds how many terminal orders stay queryable.
	RetainFinished int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:        1,
		TickInterval:     100 * time.Millisecond,
		StepTimeout:      10 * time.Minute,
		MaxRetryAttempts: 3,
		RetryBackoff:     5 * time.Second,
		HardwareTimeout:  5 * time.Second,
		RetainFinished:   1000,
	}
}

// Safety is the part of the safety monitor the controller depends on.
type Safety interface {
	state.ResetVerifier
	IsSystemOperational() bool
	State() types.SafetyState
	Temperatures() map[string]float64
	EmergencyStop(ctx context.Context, source, reason string)
	Acknowledge(ctx context.Context) error
	SetMaintenance(ctx context.Context, on bool) error
	EnableComponent(ctx context.Context, id string) error
}

type Latch interface {
	Engaged() bool
}

type Recipes interface {
	Recipe(name string) (types.Recipe, error)
}

type Stock interface {
	Reserve(ctx context.Context, order uuid.UUID, req map[string]float64) error
	Commit(order uuid.UUID)
	Release(order uuid.UUID)
}

// Recorder receives order metrics. metrics.Collector implements it.
type Recorder interface {
	OrderFinished(status types.OrderStatus, d time.Duration)
	QueueDepth(pending, active int)
}

type nopRecorder struct{}

func (nopRecorder) OrderFinished(types.OrderStatus, time.Duration) {}
func (nopRecorder) QueueDepth(int, int)                           {}

type Deps struct {
	Bus      *events.Bus
	State    *state.Manager
	Safety   Safety
	Latch    Latch
	Registry *hardware.Registry
	Recipes  Recipes
	Stock    Stock
	Metrics  Recorder
}

type job struct {
	cancel  context.CancelFunc
	started time.Time
	abort   string
}

type stepResult struct {
	err error
}

// Controller owns the order queue. Each tick it admits pending orders up to
// the batch size and drives their steps through the bus.
type Controller struct {
	cfg      Config
	logger   *zap.Logger
	bus      *events.Bus
	state    *state.Manager
	safety   Safety
	latch    Latch
	registry *hardware.Registry
	recipes  Recipes
	stock    Stock
	metrics  Recorder
	queue    *orders.Queue
	started  time.Time

	mu           sync.Mutex
	orders       map[uuid.UUID]*types.Order
	finished     []uuid.UUID
	active       map[uuid.UUID]*job
	paused       bool
	pauseReason  string
	processed    int
	failed       int
	avgOrderTime time.Duration

	waitMu  sync.Mutex
	waiters map[string]chan stepResult

	recovering atomic.Bool

	subs   []events.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewController(cfg Config, logger *zap.Logger, deps Deps) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = 1000
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Controller{
		cfg:      cfg,
		logger:   logger.Named("machine"),
		bus:      deps.Bus,
		state:    deps.State,
		safety:   deps.Safety,
		latch:    deps.Latch,
		registry: deps.Registry,
		recipes:  deps.Recipes,
		stock:    deps.Stock,
		metrics:  metrics,
		queue:    orders.NewQueue(),
		started:  time.Now(),
		orders:   make(map[uuid.UUID]*types.Order),
		active:   make(map[uuid.UUID]*job),
		waiters:  make(map[string]chan stepResult),
		ctx:      context.Background(),
		stopCh:   make(chan struct{}),
	}
}

// Start initializes the hardware, moves the machine to Ready and starts the
// control tick.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.subs = append(c.subs,
		events.On(c.bus, events.KindStepCompleted, c.onStepCompleted),
		events.On(c.bus, events.KindStepFailed, c.onStepFailed),
		events.On(c.bus, events.KindEmergencyStop, c.onEmergencyStop),
		events.On(c.bus, events.KindComponentStatus, c.onComponentStatus),
	)

	initCtx, cancel := context.WithTimeout(ctx, c.cfg.HardwareTimeout)
	err := c.registry.InitializeAll(initCtx)
	cancel()
	if err != nil {
		if serr := c.state.SetMachine(ctx, types.MachineError, "hardware initialization failed"); serr != nil {
			c.logger.Warn("Failed to set machine status", zap.Error(serr))
		}
		return &types.FatalInitializationError{Subsystem: "hardware", Err: err}
	}
	if err := c.state.SetMachine(ctx, types.MachineReady, "initialized"); err != nil {
		return &types.FatalInitializationError{Subsystem: "state", Err: err}
	}

	c.wg.Add(1)
	go c.run()

	c.logger.Info("Machine controller started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("tick", c.cfg.TickInterval))
	return nil
}

// Stop aborts active orders and waits for every controller goroutine.
func (c *Controller) Stop() {
	for _, sub := range c.subs {
		c.bus.Unsubscribe(sub)
	}
	c.subs = nil

	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}

	c.mu.Lock()
	for _, j := range c.active {
		if j.abort == "" {
			j.abort = "shutdown"
		}
	}
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Machine controller stopped")
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Tick(c.ctx)
		}
	}
}

// Submit validates an order against the recipe book and queues it as Pending.
func (c *Controller) Submit(ctx context.Context, req OrderRequest) (uuid.UUID, error) {
	if len(req.Items) == 0 {
		return uuid.Nil, ErrEmptyOrder
	}
	items := make([]types.OrderItem, len(req.Items))
	for i, it := range req.Items {
		if it.Quantity < 0 {
			return uuid.Nil, fmt.Errorf("item %d: quantity must not be negative", i)
		}
		if it.Quantity == 0 {
			it.Quantity = 1
		}
		if _, err := c.recipes.Recipe(it.Recipe); err != nil {
			return uuid.Nil, err
		}
		items[i] = it
	}

	now := time.Now()
	o := &types.Order{
		ID:        uuid.New(),
		Items:     items,
		Status:    types.OrderPending,
		Priority:  orders.PriorityFromFlags(req.Express, req.VIP),
		CreatedAt: now,
		UpdatedAt: now,
	}

	c.state.TrackOrder(o.ID)
	c.mu.Lock()
	c.orders[o.ID] = o
	c.mu.Unlock()
	c.queue.Push(o)

	c.logger.Info("Order received",
		zap.String("order_id", o.ID.String()),
		zap.String("priority", o.Priority.String()),
		zap.Int("items", len(items)))

	c.publish(ctx, events.New(events.KindOrderReceived, "machine", events.OrderReceived{
		OrderID:  o.ID,
		Priority: o.Priority,
		Items:    items,
	}).WithCorrelation(o.ID.String()))
	return o.ID, nil
}

// Cancel withdraws a pending order. Orders already being prepared cannot be
// cancelled.
func (c *Controller) Cancel(ctx context.Context, id uuid.UUID) error {
	if _, ok := c.queue.Remove(id); !ok {
		c.mu.Lock()
		_, known := c.orders[id]
		c.mu.Unlock()
		if known {
			return ErrNotCancellable
		}
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	c.finish(ctx, id, types.OrderCancelled, "")
	return nil
}

func (c *Controller) Order(id uuid.UUID) (types.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.orders[id]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	return *o, nil
}

// Pending returns the queued orders in the order they will be admitted.
func (c *Controller) Pending() []types.Order {
	return c.queue.Snapshot()
}

func (c *Controller) Status() Status {
	status, reason, since := c.state.MachineDetail()
	queued := c.queue.Len()

	c.mu.Lock()
	st := Status{
		MachineStatus: status,
		Reason:        reason,
		Since:         since,
		IntakePaused:  c.paused,
		PauseReason:   c.pauseReason,
		QueueLength:   queued,
		ActiveOrders:  len(c.active),
		Metrics: Metrics{
			OrdersProcessed: c.processed,
			OrdersFailed:    c.failed,
			AvgOrderTime:    c.avgOrderTime.Seconds(),
			Uptime:          time.Since(c.started).Seconds(),
		},
	}
	c.mu.Unlock()

	st.Recovering = c.recovering.Load()
	st.SafetyState = c.safety.State()
	st.Temperatures = c.safety.Temperatures()
	return st
}

// Tick returns an idle machine to Ready and admits pending orders while
// intake is open. Only the tick loop admits orders.
func (c *Controller) Tick(ctx context.Context) {
	active := c.activeCount()
	c.metrics.QueueDepth(c.queue.Len(), active)

	if active == 0 && c.state.Machine() == types.MachineProcessing {
		if err := c.state.SetMachine(ctx, types.MachineReady, "idle"); err != nil {
			c.logger.Warn("Failed to set machine status", zap.Error(err))
		}
	}

	if reason, blocked := c.intakeBlocked(); blocked {
		c.setPaused(true, reason)
		return
	}
	c.setPaused(false, "")

	for c.activeCount() < c.cfg.BatchSize {
		o, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.admit(ctx, o)
	}
}

func (c *Controller) intakeBlocked() (string, bool) {
	if c.recovering.Load() {
		return "recovery in progress", true
	}
	if c.latch.Engaged() {
		return "emergency stop", true
	}
	if st := c.state.Machine(); st != types.MachineReady && st != types.MachineProcessing {
		return "machine " + string(st), true
	}
	if !c.safety.IsSystemOperational() {
		return "safety not operational", true
	}
	return "", false
}

func (c *Controller) setPaused(paused bool, reason string) {
	c.mu.Lock()
	changed := c.paused != paused
	c.paused = paused
	c.pauseReason = reason
	c.mu.Unlock()

	if !changed {
		return
	}
	if paused {
		c.logger.Warn("Order intake paused", zap.String("reason", reason))
	} else {
		c.logger.Info("Order intake resumed")
	}
}

func (c *Controller) activeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Controller) admit(ctx context.Context, o *types.Order) {
	steps, req, err := c.plan(o)
	if err == nil {
		err = c.stock.Reserve(ctx, o.ID, req)
	}
	if err != nil {
		c.logger.Warn("Order rejected", zap.String("order_id", o.ID.String()), zap.Error(err))
		c.finish(ctx, o.ID, types.OrderFailed, err.Error())
		return
	}

	if c.state.Machine() == types.MachineReady {
		if err := c.state.SetMachine(ctx, types.MachineProcessing, "order admitted"); err != nil {
			c.logger.Warn("Failed to set machine status", zap.Error(err))
		}
	}
	if err := c.state.SetOrder(ctx, o.ID, types.OrderPreparing, ""); err != nil {
		c.stock.Release(o.ID)
		c.logger.Error("Failed to start order", zap.String("order_id", o.ID.String()), zap.Error(err))
		return
	}

	jobCtx, cancel := context.WithCancel(c.ctx)
	j := &job{cancel: cancel, started: time.Now()}

	c.mu.Lock()
	o.Status = types.OrderPreparing
	o.UpdatedAt = j.started
	c.active[o.ID] = j
	c.mu.Unlock()

	c.logger.Info("Order preparing",
		zap.String("order_id", o.ID.String()),
		zap.Int("steps", len(steps)))

	c.wg.Add(1)
	go c.process(jobCtx, o.ID, j, steps)
}

// plan expands an order into its step sequence and ingredient requirements.
func (c *Controller) plan(o *types.Order) ([]types.Step, map[string]float64, error) {
	var steps []types.Step
	req := make(map[string]float64)
	for _, it := range o.Items {
		r, err := c.recipes.Recipe(it.Recipe)
		if err != nil {
			return nil, nil, err
		}
		for name, qty := range r.Requirements() {
			req[name] += qty * float64(it.Quantity)
		}
		for n := 0; n < it.Quantity; n++ {
			steps = append(steps, r.Steps...)
		}
	}
	return steps, req, nil
}

func (c *Controller) process(ctx context.Context, id uuid.UUID, j *job, steps []types.Step) {
	defer c.wg.Done()
	defer j.cancel()

	var runErr error
	for i, step := range steps {
		if runErr = c.runStep(ctx, id, i, step); runErr != nil {
			break
		}
	}

	c.mu.Lock()
	abort := j.abort
	c.mu.Unlock()

	pubCtx := context.WithoutCancel(ctx)
	elapsed := time.Since(j.started)
	if runErr != nil {
		msg := runErr.Error()
		if abort != "" {
			msg = "aborted: " + abort
		}
		c.logger.Warn("Order failed", zap.String("order_id", id.String()), zap.String("error", msg))
		c.stock.Release(id)
		c.finish(pubCtx, id, types.OrderFailed, msg)
	} else {
		c.stock.Commit(id)
		c.finish(pubCtx, id, types.OrderReady, "")
		c.logger.Info("Order ready", zap.String("order_id", id.String()), zap.Duration("elapsed", elapsed))
	}
	c.recordFinished(runErr == nil, elapsed)

	// The batch slot frees only once the order has left Preparing.
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
}

// runStep publishes one step and waits for the station's answer.
func (c *Controller) runStep(ctx context.Context, id uuid.UUID, index int, step types.Step) error {
	stepID := uuid.New().String()
	ch := make(chan stepResult, 1)

	c.waitMu.Lock()
	c.waiters[stepID] = ch
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		delete(c.waiters, stepID)
		c.waitMu.Unlock()
	}()

	wrap := func(err error) error {
		return &types.OrderExecutionError{OrderID: id.String(), Step: index, Err: err}
	}

	e := events.New(events.KindStepRequested, "machine", events.StepRequested{
		StepID:  stepID,
		OrderID: id,
		Index:   index,
		Step:    step,
	}).WithCorrelation(stepID)
	if err := c.bus.Publish(ctx, e); err != nil {
		return wrap(err)
	}

	timer := time.NewTimer(c.cfg.StepTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return wrap(r.err)
		}
		return nil
	case <-ctx.Done():
		return wrap(fmt.Errorf("%w: %v", ErrAborted, ctx.Err()))
	case <-timer.C:
		return wrap(fmt.Errorf("%w: %s after %s", ErrStepTimeout, step.Type, c.cfg.StepTimeout))
	}
}

func (c *Controller) deliver(stepID string, r stepResult) {
	c.waitMu.Lock()
	ch, ok := c.waiters[stepID]
	c.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

// finish records a terminal order status and forgets the oldest finished
// orders beyond RetainFinished.
func (c *Controller) finish(ctx context.Context, id uuid.UUID, to types.OrderStatus, msg string) {
	if err := c.state.SetOrder(ctx, id, to, msg); err != nil {
		c.logger.Error("Order transition rejected",
			zap.String("order_id", id.String()),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[id]; ok {
		o.Status = to
		o.Error = msg
		o.UpdatedAt = time.Now()
	}
	c.finished = append(c.finished, id)
	for len(c.finished) > c.cfg.RetainFinished {
		delete(c.orders, c.finished[0])
		c.finished = c.finished[1:]
	}
}

func (c *Controller) recordFinished(ok bool, d time.Duration) {
	status := types.OrderReady

	c.mu.Lock()
	if ok {
		if c.processed == 0 {
			c.avgOrderTime = d
		} else {
			c.avgOrderTime = time.Duration(emaAlpha*float64(d) + (1-emaAlpha)*float64(c.avgOrderTime))
		}
		c.processed++
	} else {
		c.failed++
		status = types.OrderFailed
	}
	c.mu.Unlock()

	c.metrics.OrderFinished(status, d)
}

// ExecuteCommand runs an operator command.
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("machine_status", string(c.state.Machine())))

	switch cmd {
	case CommandStop:
		c.safety.EmergencyStop(ctx, "operator", "operator stop")
		return nil
	case CommandReset:
		return c.Reset(ctx)
	case CommandAcknowledge:
		return c.safety.Acknowledge(ctx)
	case CommandMaintenanceOn:
		if err := c.state.SetMachine(ctx, types.MachineMaintenance, "operator"); err != nil {
			return err
		}
		return c.safety.SetMaintenance(ctx, true)
	case CommandMaintenanceOff:
		if err := c.safety.SetMaintenance(ctx, false); err != nil {
			return err
		}
		return c.state.SetMachine(ctx, types.MachineReady, "maintenance finished")
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
}

// Reset re-initializes the hardware and leaves EmergencyStop or Error. Out of
// EmergencyStop it goes through the verified reset.
func (c *Controller) Reset(ctx context.Context) error {
	current := c.state.Machine()
	if current != types.MachineEmergencyStop && current != types.MachineError {
		return fmt.Errorf("%w: machine is %s", ErrNothingToReset, current)
	}

	if err := c.reinitialize(ctx); err != nil {
		return err
	}
	if current == types.MachineEmergencyStop {
		return c.state.RecoverFromEmergency(ctx, c.safety)
	}
	return c.state.SetMachine(ctx, types.MachineReady, "operator reset")
}

func (c *Controller) reinitialize(ctx context.Context) error {
	initCtx, cancel := context.WithTimeout(ctx, c.cfg.HardwareTimeout)
	defer cancel()
	if err := c.registry.InitializeAll(initCtx); err != nil {
		return fmt.Errorf("re-initialize hardware: %w", err)
	}
	return nil
}

func (c *Controller) publish(ctx context.Context, e events.Event) {
	if err := c.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		c.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (c *Controller) onStepCompleted(_ context.Context, e events.Event, _ events.StepCompleted) error {
	c.deliver(e.CorrelationID, stepResult{})
	return nil
}

func (c *Controller) onStepFailed(_ context.Context, e events.Event, p events.StepFailed) error {
	err := errors.New(p.Error)
	if p.Hardware {
		err = &types.TransientHardwareError{Component: p.Component, Op: "step", Err: err}
	}
	c.deliver(e.CorrelationID, stepResult{err: err})
	return nil
}

// onEmergencyStop runs synchronously inside the critical publish: it must
// only flip state and cancel, never wait.
func (c *Controller) onEmergencyStop(ctx context.Context, _ events.Event, p events.EmergencyStop) error {
	if err := c.state.SetMachine(ctx, types.MachineEmergencyStop, p.Reason); err != nil {
		c.logger.Error("Failed to enter emergency stop", zap.Error(err))
	}

	c.mu.Lock()
	aborted := len(c.active)
	for _, j := range c.active {
		j.abort = "emergency stop: " + p.Reason
		j.cancel()
	}
	c.mu.Unlock()

	c.logger.Error("Emergency stop, active orders aborted",
		zap.Int("aborted", aborted),
		zap.Int("pending", c.queue.Len()),
		zap.String("reason", p.Reason))
	return nil
}

func (c *Controller) onComponentStatus(_ context.Context, _ events.Event, p events.ComponentStatus) error {
	if !p.Enabled && p.Critical {
		c.startRecovery(p.Component, p.LastError)
	}
	return nil
}
