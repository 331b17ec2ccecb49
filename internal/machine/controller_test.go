package machine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/sim"
	"github.com/KevinKickass/OpenKitchenCore/internal/orders"
	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/KevinKickass/OpenKitchenCore/internal/state"
	"github.com/KevinKickass/OpenKitchenCore/internal/thermal"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testRecipes = `
recipes:
  - name: burger
    steps:
      - {type: dispense_ingredient, ingredient: bun, amount: 2}
      - {type: dispense_ingredient, ingredient: patty, amount: 1}
      - {type: heat, zone: grill, duration: 20ms}
      - {type: assemble, layers: [bun, patty, bun]}
      - {type: package, container: box}
  - name: slow_burger
    steps:
      - {type: heat, zone: grill, duration: 30s}
  - name: bun_only
    steps:
      - {type: dispense_ingredient, ingredient: bun, amount: 1}
      - {type: package, container: bag}
`

type rig struct {
	ctl       *Controller
	bus       *events.Bus
	state     *state.Manager
	monitor   *safety.Monitor
	latch     *safety.Latch
	inventory *orders.Inventory
	arm       *sim.Arm
	panel     *sim.Inputs
	logs      *observer.ObservedLogs

	mu   sync.Mutex
	seen []events.Event
}

func (r *rig) HandleEvent(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e)
	return nil
}

func (r *rig) count(kind events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.seen {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// preparing returns the order ids in the order they entered Preparing.
func (r *rig) preparing() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []uuid.UUID
	for _, e := range r.seen {
		if p, ok := e.Payload.(events.OrderStatusChanged); ok && p.To == types.OrderPreparing {
			ids = append(ids, p.OrderID)
		}
	}
	return ids
}

func (r *rig) waitStatus(t *testing.T, id uuid.UUID, want types.OrderStatus) types.Order {
	t.Helper()
	var o types.Order
	require.Eventually(t, func() bool {
		var err error
		o, err = r.ctl.Order(id)
		return err == nil && o.Status == want
	}, 3*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	return o
}

func (r *rig) level(name string) orders.StockLevel {
	for _, l := range r.inventory.Levels() {
		if l.Ingredient == name {
			return l
		}
	}
	return orders.StockLevel{}
}

func newRig(t *testing.T, mutateCtl func(*Config), mutateSafety func(*safety.Config), mutateDeps ...func(*Deps)) *rig {
	t.Helper()
	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), core))
	ctx := context.Background()

	bus := events.NewBus(logger, events.Config{Workers: 4})
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	r := &rig{
		logs:  logs,
		bus:   bus,
		arm:   sim.NewArm("robot_arm", 0),
		panel: sim.NewInputs("panel"),
		latch: safety.NewLatch(),
	}
	bus.SubscribeAll(r)

	grill := sim.NewHeater(sim.HeaterConfig{ID: "grill", Zone: "grill", Ambient: 20, Initial: 175})
	reg := hardware.NewRegistry(logger)
	for _, d := range []hardware.Device{
		grill, r.arm, r.panel,
		sim.NewDispenser("bun_dispenser", "bun", 0),
		sim.NewDispenser("patty_dispenser", "patty", 0),
	} {
		require.NoError(t, reg.Register(d))
	}

	scfg := safety.DefaultConfig()
	scfg.MonitoringInterval = time.Hour
	if mutateSafety != nil {
		mutateSafety(&scfg)
	}
	monitor, err := safety.NewMonitor(scfg, logger, bus, reg, r.latch, nil)
	require.NoError(t, err)
	monitor.Start(ctx)
	t.Cleanup(monitor.Stop)
	r.monitor = monitor

	lcfg := thermal.DefaultConfig("grill")
	lcfg.TickInterval = 10 * time.Millisecond
	lcfg.Smoothing = 1
	loop, err := thermal.NewLoop(lcfg, grill, r.latch, bus, logger)
	require.NoError(t, err)
	heat := thermal.NewService(logger, bus, r.latch, time.Second, loop)
	require.NoError(t, heat.Start(ctx))
	t.Cleanup(heat.Stop)

	stations := NewStations(logger, bus, reg, r.latch, time.Second)
	stations.Start(ctx)
	t.Cleanup(stations.Stop)

	book, err := orders.NewRecipeBook()
	require.NoError(t, err)
	require.NoError(t, book.Load([]byte(testRecipes)))

	r.state = state.NewManager(logger, bus)
	r.inventory = orders.NewInventory(logger, bus, map[string]float64{"bun": 10, "patty": 5}, nil)

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.TickInterval = 5 * time.Millisecond
	cfg.StepTimeout = 2 * time.Second
	cfg.MaxRetryAttempts = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.HardwareTimeout = time.Second
	if mutateCtl != nil {
		mutateCtl(&cfg)
	}
	deps := Deps{
		Bus:      bus,
		State:    r.state,
		Safety:   monitor,
		Latch:    r.latch,
		Registry: reg,
		Recipes:  book,
		Stock:    r.inventory,
	}
	for _, fn := range mutateDeps {
		fn(&deps)
	}
	r.ctl = NewController(cfg, logger, deps)
	require.NoError(t, r.ctl.Start(ctx))
	t.Cleanup(r.ctl.Stop)
	return r
}

func TestOrderRunsToReady(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	assert.Equal(t, types.MachineReady, r.state.Machine())

	id, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "burger"}}})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.OrderReady)
	assert.Empty(t, o.Error)
	assert.Equal(t, 1, o.Items[0].Quantity)

	assembled, packaged := r.arm.Counts()
	assert.Equal(t, 1, assembled)
	assert.Equal(t, 1, packaged)

	assert.Equal(t, 8.0, r.level("bun").Available)
	assert.Zero(t, r.level("bun").Reserved)

	require.Eventually(t, func() bool { return r.state.Machine() == types.MachineReady }, time.Second, 5*time.Millisecond)
	st := r.ctl.Status()
	assert.Equal(t, 1, st.Metrics.OrdersProcessed)
	assert.Greater(t, st.Metrics.AvgOrderTime, 0.0)
	assert.Equal(t, types.SafetyNormal, st.SafetyState)
	assert.Contains(t, st.Temperatures, "grill")
	assert.Eventually(t, func() bool { return r.count(events.KindStepCompleted) == 5 }, time.Second, 5*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	_, err := r.ctl.Submit(ctx, OrderRequest{})
	assert.ErrorIs(t, err, ErrEmptyOrder)

	_, err = r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "pizza"}}})
	assert.ErrorIs(t, err, orders.ErrUnknownRecipe)

	_, err = r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "burger", Quantity: -1}}})
	assert.Error(t, err)
}

func TestIntakePausesWhileDoorOpenAndHonoursPriority(t *testing.T) {
	r := newRig(t, func(c *Config) { c.BatchSize = 1 }, nil)
	ctx := context.Background()

	r.panel.Set(func(in *hardware.Inputs) { in.DoorOpen = true })
	r.monitor.Sample(ctx)
	require.False(t, r.monitor.IsSystemOperational())

	item := []types.OrderItem{{Recipe: "bun_only"}}
	a, err := r.ctl.Submit(ctx, OrderRequest{Items: item})
	require.NoError(t, err)
	b, err := r.ctl.Submit(ctx, OrderRequest{Items: item, Express: true})
	require.NoError(t, err)
	c, err := r.ctl.Submit(ctx, OrderRequest{Items: item})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return r.ctl.Status().IntakePaused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, r.ctl.Status().QueueLength)
	pending := r.ctl.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, b, pending[0].ID)

	r.panel.Set(func(in *hardware.Inputs) { in.DoorOpen = false })
	r.monitor.Sample(ctx)

	for _, id := range []uuid.UUID{a, b, c} {
		r.waitStatus(t, id, types.OrderReady)
	}
	assert.Equal(t, []uuid.UUID{b, a, c}, r.preparing())
	assert.False(t, r.ctl.Status().IntakePaused)
}

func TestCancel(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	r.panel.Set(func(in *hardware.Inputs) { in.DoorOpen = true })
	r.monitor.Sample(ctx)

	id, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "bun_only"}}})
	require.NoError(t, err)

	require.NoError(t, r.ctl.Cancel(ctx, id))
	o, err := r.ctl.Order(id)
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, o.Status)

	assert.ErrorIs(t, r.ctl.Cancel(ctx, id), ErrNotCancellable)
	assert.ErrorIs(t, r.ctl.Cancel(ctx, uuid.New()), ErrUnknownOrder)
	assert.Zero(t, r.ctl.Status().QueueLength)
}

func TestInsufficientStockFailsOrder(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	id, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "burger", Quantity: 6}}})
	require.NoError(t, err)

	o := r.waitStatus(t, id, types.OrderFailed)
	assert.Contains(t, o.Error, "bun")
	assert.Equal(t, 10.0, r.level("bun").Available)
}

func TestStepFailureFailsOrderAndQueueContinues(t *testing.T) {
	r := newRig(t, func(c *Config) { c.BatchSize = 1 }, nil)
	ctx := context.Background()

	r.arm.FailNext(1, nil)

	bad, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "bun_only"}}})
	require.NoError(t, err)
	good, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "bun_only"}}})
	require.NoError(t, err)

	o := r.waitStatus(t, bad, types.OrderFailed)
	assert.Contains(t, o.Error, "injected fault")
	r.waitStatus(t, good, types.OrderReady)

	// the failed order's bun went back to stock, the good one's was consumed
	assert.Equal(t, 9.0, r.level("bun").Available)
	assert.Zero(t, r.level("bun").Reserved)

	require.Eventually(t, func() bool {
		comp, err := r.monitor.Component("robot_arm")
		return err == nil && comp.ErrorCount == 1 && comp.Enabled
	}, time.Second, 5*time.Millisecond)

	st := r.ctl.Status()
	assert.Equal(t, 1, st.Metrics.OrdersFailed)
	assert.Equal(t, 1, st.Metrics.OrdersProcessed)
}

func TestEmergencyStopAbortsActiveAndKeepsQueue(t *testing.T) {
	r := newRig(t, func(c *Config) { c.BatchSize = 1 }, nil)
	ctx := context.Background()

	slow, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "slow_burger"}}})
	require.NoError(t, err)
	r.waitStatus(t, slow, types.OrderPreparing)

	next, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "bun_only"}}})
	require.NoError(t, err)

	r.monitor.EmergencyStop(ctx, "test", "drill")
	assert.Equal(t, types.MachineEmergencyStop, r.state.Machine())

	o := r.waitStatus(t, slow, types.OrderFailed)
	assert.Contains(t, o.Error, "emergency stop")

	time.Sleep(50 * time.Millisecond)
	queued, err := r.ctl.Order(next)
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, queued.Status)
	assert.True(t, r.ctl.Status().IntakePaused)

	require.NoError(t, r.ctl.Reset(ctx))
	assert.Equal(t, types.MachineReady, r.state.Machine())
	assert.False(t, r.latch.Engaged())

	r.waitStatus(t, next, types.OrderReady)
}

func TestBatchSizeCapsConcurrentOrders(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "slow_burger"}}})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	r.waitStatus(t, ids[0], types.OrderPreparing)
	r.waitStatus(t, ids[1], types.OrderPreparing)
	time.Sleep(50 * time.Millisecond)

	excess, err := r.ctl.Order(ids[2])
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, excess.Status)
	st := r.ctl.Status()
	assert.Equal(t, 2, st.ActiveOrders)
	assert.Equal(t, 1, st.QueueLength)
	assert.Len(t, r.preparing(), 2)

	r.monitor.EmergencyStop(ctx, "test", "end of test")
	r.waitStatus(t, ids[0], types.OrderFailed)
	r.waitStatus(t, ids[1], types.OrderFailed)
}

// slowCommit delays Commit so an order lingers between its last step and Ready.
type slowCommit struct {
	Stock
	delay time.Duration
}

func (s slowCommit) Commit(order uuid.UUID) {
	time.Sleep(s.delay)
	s.Stock.Commit(order)
}

// preparingTracker records the largest number of orders seen in Preparing at once.
type preparingTracker struct {
	mu        sync.Mutex
	preparing map[uuid.UUID]bool
	max       int
}

func (p *preparingTracker) HandleEvent(_ context.Context, e events.Event) error {
	c, ok := e.Payload.(events.OrderStatusChanged)
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.To == types.OrderPreparing {
		p.preparing[c.OrderID] = true
	} else {
		delete(p.preparing, c.OrderID)
	}
	if len(p.preparing) > p.max {
		p.max = len(p.preparing)
	}
	return nil
}

func TestBatchSlotFreesOnlyAfterOrderFinishes(t *testing.T) {
	r := newRig(t, func(c *Config) { c.BatchSize = 1 }, nil, func(d *Deps) {
		d.Stock = slowCommit{Stock: d.Stock, delay: 60 * time.Millisecond}
	})
	ctx := context.Background()

	tracker := &preparingTracker{preparing: make(map[uuid.UUID]bool)}
	sub := r.bus.Subscribe(events.KindOrderStatusChanged, tracker)
	t.Cleanup(func() { r.bus.Unsubscribe(sub) })

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := r.ctl.Submit(ctx, OrderRequest{Items: []types.OrderItem{{Recipe: "bun_only"}}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		r.waitStatus(t, id, types.OrderReady)
	}

	require.Eventually(t, func() bool { return r.state.Machine() == types.MachineReady }, time.Second, 5*time.Millisecond)
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Equal(t, 1, tracker.max)
	assert.Equal(t, ids, r.preparing())
}

func TestResetOutsideEmergency(t *testing.T) {
	r := newRig(t, nil, nil)
	assert.ErrorIs(t, r.ctl.Reset(context.Background()), ErrNothingToReset)
}

func TestResetBlockedKeepsEmergencyStop(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	r.monitor.EmergencyStop(ctx, "test", "drill")
	r.panel.Set(func(in *hardware.Inputs) { in.DoorOpen = true })

	err := r.ctl.Reset(ctx)
	assert.ErrorIs(t, err, safety.ErrResetBlocked)
	assert.Equal(t, types.MachineEmergencyStop, r.state.Machine())
	assert.True(t, r.latch.Engaged())
}

func TestCommands(t *testing.T) {
	r := newRig(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, r.ctl.ExecuteCommand(ctx, CommandMaintenanceOn))
	assert.Equal(t, types.MachineMaintenance, r.state.Machine())
	assert.Equal(t, types.SafetyMaintenance, r.monitor.State())

	require.NoError(t, r.ctl.ExecuteCommand(ctx, CommandMaintenanceOff))
	assert.Equal(t, types.MachineReady, r.state.Machine())
	assert.Equal(t, types.SafetyNormal, r.monitor.State())

	require.NoError(t, r.ctl.ExecuteCommand(ctx, CommandStop))
	assert.Equal(t, types.MachineEmergencyStop, r.state.Machine())

	require.NoError(t, r.ctl.ExecuteCommand(ctx, CommandReset))
	assert.Equal(t, types.MachineReady, r.state.Machine())

	assert.Error(t, r.ctl.ExecuteCommand(ctx, Command("dance")))
}

func TestCriticalComponentFailureRecovers(t *testing.T) {
	r := newRig(t, nil, func(c *safety.Config) { c.MaxRetryAttempts = 0 })
	ctx := context.Background()

	r.monitor.RecordFailure(ctx, "robot_arm", "jammed")

	require.Eventually(t, func() bool {
		return r.count(events.KindEmergencyReset) == 1 &&
			r.state.Machine() == types.MachineReady &&
			!r.ctl.Status().Recovering
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, r.count(events.KindEmergencyStop))
	assert.Zero(t, r.count(events.KindMaintenanceRequired))
	comp, err := r.monitor.Component("robot_arm")
	require.NoError(t, err)
	assert.True(t, comp.Enabled)
	assert.False(t, r.latch.Engaged())
}

func TestRecoveryGivesUpAndRequiresMaintenance(t *testing.T) {
	r := newRig(t, nil, func(c *safety.Config) { c.MaxRetryAttempts = 0 })
	ctx := context.Background()

	r.panel.Set(func(in *hardware.Inputs) { in.DoorOpen = true })
	r.monitor.RecordFailure(ctx, "robot_arm", "jammed")

	require.Eventually(t, func() bool {
		return r.count(events.KindMaintenanceRequired) == 1 && !r.ctl.Status().Recovering
	}, 3*time.Second, 5*time.Millisecond)

	assert.Equal(t, types.MachineEmergencyStop, r.state.Machine())
	assert.True(t, r.latch.Engaged())
	assert.Zero(t, r.count(events.KindEmergencyReset))

	ended := r.logs.FilterMessage("Recovery ended without reset").All()
	require.Len(t, ended, 1)
	assert.Equal(t, "robot_arm", ended[0].ContextMap()["component"])
	assert.Contains(t, ended[0].ContextMap()["error"], "door open")
}

func TestAverageOrderTime(t *testing.T) {
	c := NewController(DefaultConfig(), zap.NewNop(), Deps{})

	c.recordFinished(true, 10*time.Second)
	assert.Equal(t, 10*time.Second, c.avgOrderTime)

	c.recordFinished(true, 20*time.Second)
	assert.InDelta(t, float64(11*time.Second), float64(c.avgOrderTime), float64(time.Microsecond))

	avg := c.avgOrderTime
	c.recordFinished(false, time.Second)
	assert.Equal(t, avg, c.avgOrderTime)
	assert.Equal(t, 2, c.processed)
	assert.Equal(t, 1, c.failed)
}
