package thermal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/sim"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type testLatch struct{ on atomic.Bool }

func (l *testLatch) Engaged() bool { return l.on.Load() }

type capture struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capture) Publish(_ context.Context, e events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *capture) of(kind events.Kind) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newFryer(t *testing.T, latch Latch, bus Publisher) (*Loop, *sim.Heater) {
	t.Helper()
	heater := sim.NewHeater(sim.HeaterConfig{ID: "fryer-heater", Zone: "fryer", Ambient: 20, Initial: 150, HeatRate: 8})
	cfg := DefaultConfig("fryer")
	cfg.Smoothing = 1
	l, err := NewLoop(cfg, heater, latch, bus, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, l.Enable(context.Background()))
	return l, heater
}

func step(t *testing.T, l *Loop, h *sim.Heater, n int) {
	t.Helper()
	dt := 100 * time.Millisecond
	for i := 0; i < n; i++ {
		_ = l.Tick(context.Background(), dt)
		h.Advance(dt)
	}
}

func TestPIDClampsOutputAndIntegral(t *testing.T) {
	p := PID{Kp: 2.5, Ki: 0.1, Kd: 0.5, IntegralLimit: 100}

	out := p.Update(500, 1)
	assert.Equal(t, 100.0, out)
	assert.Equal(t, 100.0, p.Integral())

	out = p.Update(-500, 1)
	assert.Equal(t, 0.0, out)

	for i := 0; i < 100; i++ {
		p.Update(-500, 1)
	}
	assert.Equal(t, -100.0, p.Integral())

	p.Reset()
	assert.Zero(t, p.Integral())
}

func TestLoopHeatsToReady(t *testing.T) {
	bus := &capture{}
	l, h := newFryer(t, nil, bus)

	step(t, l, h, 1)
	assert.Equal(t, types.ZonePreheating, l.State())
	assert.Greater(t, h.Power(), 0.0)

	prev := 0.0
	for i := 0; i < 600 && l.State() != types.ZoneReady; i++ {
		step(t, l, h, 1)
		snap := l.Snapshot()
		assert.GreaterOrEqual(t, snap.Temperature, prev)
		prev = snap.Temperature
	}
	require.Equal(t, types.ZoneReady, l.State())
	assert.InDelta(t, 175, l.Snapshot().Temperature, 2)

	changes := bus.of(events.KindZoneStateChanged)
	require.GreaterOrEqual(t, len(changes), 2)
	first := changes[0].Payload.(events.ZoneStateChanged)
	assert.Equal(t, types.ZoneIdle, first.From)
	assert.Equal(t, types.ZonePreheating, first.To)
	assert.NotEmpty(t, bus.of(events.KindTemperatureReading))
}

func TestDutyIsZeroAboveTargetBand(t *testing.T) {
	l, h := newFryer(t, nil, &capture{})
	step(t, l, h, 1)
	require.Greater(t, h.Power(), 0.0)

	h.SetTemperature(177.5)
	step(t, l, h, 1)
	assert.Zero(t, h.Power())
	assert.Zero(t, l.Snapshot().Duty)

	h.SetTemperature(191)
	step(t, l, h, 1)
	assert.Zero(t, h.Power())
}

func TestOverheatStopsHeaterAndPublishes(t *testing.T) {
	bus := &capture{}
	l, h := newFryer(t, nil, bus)
	step(t, l, h, 1)

	h.SetTemperature(201)
	err := l.Tick(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrOverheated)

	assert.Equal(t, types.ZoneOverheated, l.State())
	assert.True(t, h.Stopped())
	assert.Zero(t, h.Power())

	overheats := bus.of(events.KindOverheat)
	require.Len(t, overheats, 1)
	assert.True(t, overheats[0].Critical())
	assert.Equal(t, 200.0, overheats[0].Payload.(events.Overheat).Limit)

	require.ErrorIs(t, l.BeginBatch(), ErrOverheated)

	// Still too hot to clear.
	assert.Error(t, l.ClearOverheat(context.Background()))

	h.SetTemperature(170)
	step(t, l, h, 1)
	assert.Equal(t, types.ZoneOverheated, l.State())
	require.NoError(t, l.ClearOverheat(context.Background()))
	assert.Equal(t, types.ZoneIdle, l.State())
}

func TestLatchCutsHeaterWithinOneTick(t *testing.T) {
	latch := &testLatch{}
	bus := &capture{}
	l, h := newFryer(t, latch, bus)
	step(t, l, h, 1)
	require.Greater(t, h.Power(), 0.0)

	latch.on.Store(true)
	err := l.Tick(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrHalted)
	assert.Zero(t, h.Power())
	assert.Equal(t, types.ZoneIdle, l.State())

	// Readings keep flowing while halted.
	before := len(bus.of(events.KindTemperatureReading))
	_ = l.Tick(context.Background(), 100*time.Millisecond)
	assert.Greater(t, len(bus.of(events.KindTemperatureReading)), before)

	latch.on.Store(false)
	step(t, l, h, 1)
	assert.Equal(t, types.ZonePreheating, l.State())
}

func TestActiveReentersPreheatingOutOfBand(t *testing.T) {
	l, h := newFryer(t, nil, &capture{})
	h.SetTemperature(175)
	step(t, l, h, 1)
	require.Equal(t, types.ZoneReady, l.State())

	require.NoError(t, l.BeginBatch())
	assert.Equal(t, types.ZoneActive, l.State())

	h.SetTemperature(160) // cold batch dropped in
	step(t, l, h, 1)
	assert.Equal(t, types.ZonePreheating, l.State())

	h.SetTemperature(175)
	step(t, l, h, 1)
	assert.Equal(t, types.ZoneActive, l.State())

	l.EndBatch()
	assert.Equal(t, types.ZoneReady, l.State())
}

func TestTargetLimits(t *testing.T) {
	l, _ := newFryer(t, nil, &capture{})

	assert.ErrorIs(t, l.SetTarget(195), ErrTarget)
	require.NoError(t, l.SetTarget(180))
	assert.Equal(t, 170.0, l.ReduceTarget(10))
	assert.Equal(t, 160.0, l.ReduceTarget(50))
}

func TestReadFailurePublishesHardwareError(t *testing.T) {
	bus := &capture{}
	l, h := newFryer(t, nil, bus)
	h.FailNext(1, nil)

	err := l.Tick(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, types.ErrTransientHardware)

	hw := bus.of(events.KindHardwareError)
	require.Len(t, hw, 1)
	p := hw[0].Payload.(events.HardwareError)
	assert.Equal(t, "fryer-heater", p.Component)
	assert.True(t, p.Transient)
}

func TestServiceExecutesHeatStep(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, events.Config{Workers: 2})
	defer bus.Shutdown(context.Background())

	heater := sim.NewHeater(sim.HeaterConfig{ID: "grill-heater", Zone: "grill", Ambient: 20, Initial: 175})
	cfg := DefaultConfig("grill")
	cfg.TickInterval = 10 * time.Millisecond
	cfg.Smoothing = 1
	l, err := NewLoop(cfg, heater, nil, bus, logger)
	require.NoError(t, err)

	svc := NewService(logger, bus, nil, time.Second, l)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	done := make(chan events.Event, 1)
	events.On(bus, events.KindStepCompleted, func(_ context.Context, e events.Event, _ events.StepCompleted) error {
		done <- e
		return nil
	})

	stepID := uuid.NewString()
	req := events.StepRequested{
		StepID:  stepID,
		OrderID: uuid.New(),
		Step:    types.Step{Type: types.StepHeat, Zone: "grill", Duration: 50 * time.Millisecond},
	}
	require.NoError(t, bus.Publish(context.Background(), events.New(events.KindStepRequested, "test", req).WithCorrelation(stepID)))

	select {
	case e := <-done:
		assert.Equal(t, stepID, e.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("heat step did not complete")
	}
}

func TestServiceFailsUnknownZone(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger, events.Config{Workers: 1})
	defer bus.Shutdown(context.Background())

	svc := NewService(logger, bus, nil, time.Second)
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	failed := make(chan events.StepFailed, 1)
	events.On(bus, events.KindStepFailed, func(_ context.Context, _ events.Event, p events.StepFailed) error {
		failed <- p
		return nil
	})

	req := events.StepRequested{StepID: "s1", Step: types.Step{Type: types.StepHeat, Zone: "oven"}}
	require.NoError(t, bus.Publish(context.Background(), events.New(events.KindStepRequested, "test", req).WithCorrelation("s1")))

	select {
	case p := <-failed:
		assert.Contains(t, p.Error, "oven")
	case <-time.After(time.Second):
		t.Fatal("expected step failure")
	}
}
