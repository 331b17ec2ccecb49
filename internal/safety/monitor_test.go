package safety

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/sim"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type rig struct {
	monitor *Monitor
	bus     *events.Bus
	fryer   *sim.Heater
	arm     *sim.Arm
	panel   *sim.Inputs
	power   *sim.Sensor
	alarm   *sim.Alarm

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

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := events.NewBus(logger, events.Config{Workers: 2})
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	r := &rig{
		bus:   bus,
		fryer: sim.NewHeater(sim.HeaterConfig{ID: "fryer", Zone: "fryer", Ambient: 20, Initial: 20}),
		arm:   sim.NewArm("robot_arm", 0),
		panel: sim.NewInputs("panel"),
		power: sim.NewSensor("mains"),
		alarm: sim.NewAlarm("siren"),
	}
	r.power.Set(types.QuantityVoltage, 230, "V")
	r.power.Set(types.QuantityCurrent, 5, "A")

	reg := hardware.NewRegistry(logger)
	for _, d := range []hardware.Device{r.fryer, r.arm, r.panel, r.power, r.alarm} {
		require.NoError(t, reg.Register(d))
	}

	cfg := DefaultConfig()
	cfg.MonitoringInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMonitor(cfg, logger, bus, reg, NewLatch(), nil)
	require.NoError(t, err)
	bus.SubscribeAll(r)
	r.monitor = m
	return r
}

func TestThresholdClassification(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		q    types.Quantity
		v    float64
		want level
	}{
		{types.QuantityTemperature, 175, levelOK},
		{types.QuantityTemperature, 240, levelWarning},
		{types.QuantityTemperature, 251, levelCritical},
		{types.QuantityTemperature, -41, levelCritical},
		{types.QuantityCurrent, 5, levelOK},
		{types.QuantityCurrent, 14.5, levelWarning},
		{types.QuantityCurrent, 16, levelCritical},
		{types.QuantityVoltage, 230, levelOK},
		{types.QuantityVoltage, 201, levelWarning},
		{types.QuantityVoltage, 190, levelCritical},
		{types.QuantityPressure, 11, levelCritical},
		{types.QuantityVibration, 1, levelOK},
	}
	for _, c := range cases {
		got, _ := th.evaluate(c.q, c.v, 0.05)
		assert.Equal(t, c.want, got, "%s %.1f", c.q, c.v)
	}
}

func TestCleanSampleStaysNormal(t *testing.T) {
	r := newRig(t, nil)
	assert.Equal(t, types.SafetyNormal, r.monitor.Sample(context.Background()))
	assert.True(t, r.monitor.IsSystemOperational())
	assert.Contains(t, r.monitor.Temperatures(), "fryer")
}

func TestCriticalBreachEscalatesAfterSamples(t *testing.T) {
	r := newRig(t, func(c *Config) { c.EscalationSamples = 3 })
	ctx := context.Background()
	r.power.Set(types.QuantityCurrent, 18, "A")

	assert.Equal(t, types.SafetyCritical, r.monitor.Sample(ctx))
	assert.Equal(t, types.SafetyCritical, r.monitor.Sample(ctx))
	assert.False(t, r.monitor.Latch().Engaged())
	assert.False(t, r.monitor.IsSystemOperational())

	assert.Equal(t, types.SafetyEmergencyStop, r.monitor.Sample(ctx))
	assert.True(t, r.monitor.Latch().Engaged())
	assert.True(t, r.arm.Stopped())
	assert.True(t, r.fryer.Stopped())
	assert.True(t, r.alarm.On())

	assert.Eventually(t, func() bool { return r.count(events.KindEmergencyStop) == 1 }, time.Second, 5*time.Millisecond)
	// A single violation episode is reported once.
	assert.Eventually(t, func() bool { return r.count(events.KindSafetyViolation) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBreachClearedBeforeEscalationDoesNotDeescalate(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.power.Set(types.QuantityCurrent, 18, "A")
	require.Equal(t, types.SafetyCritical, r.monitor.Sample(ctx))

	r.power.Set(types.QuantityCurrent, 5, "A")
	assert.Equal(t, types.SafetyCritical, r.monitor.Sample(ctx))

	require.NoError(t, r.monitor.Acknowledge(ctx))
	assert.Equal(t, types.SafetyNormal, r.monitor.State())
}

func TestAcknowledgeRequiresCleanSample(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.panel.Set(func(i *hardware.Inputs) { i.DoorOpen = true })
	require.Equal(t, types.SafetyWarning, r.monitor.Sample(ctx))
	assert.False(t, r.monitor.IsSystemOperational())
	assert.ErrorIs(t, r.monitor.Acknowledge(ctx), ErrNotClean)

	r.panel.Set(func(i *hardware.Inputs) { i.DoorOpen = false })
	r.monitor.Sample(ctx)
	assert.Equal(t, types.SafetyWarning, r.monitor.State())
	require.NoError(t, r.monitor.Acknowledge(ctx))
	assert.Equal(t, types.SafetyNormal, r.monitor.State())
}

func TestFireTriggersImmediateStop(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.panel.Set(func(i *hardware.Inputs) { i.Fire = true })
	start := time.Now()
	assert.Equal(t, types.SafetyEmergencyStop, r.monitor.Sample(ctx))
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.True(t, r.arm.Stopped())
	assert.ErrorIs(t, r.monitor.Acknowledge(ctx), ErrInEmergency)
}

func TestResetRequiresAllChecks(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.panel.Set(func(i *hardware.Inputs) {
		i.EmergencyStop = true
		i.DoorOpen = true
	})
	r.monitor.Sample(ctx)
	require.True(t, r.monitor.Latch().Engaged())

	r.panel.Set(func(i *hardware.Inputs) { i.EmergencyStop = false })
	r.fryer.SetTemperature(245)

	err := r.monitor.ResetEmergencyStop(ctx)
	require.ErrorIs(t, err, ErrResetBlocked)
	var blocked *ResetBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Len(t, blocked.Failed, 2)
	assert.True(t, r.monitor.Latch().Engaged())

	r.panel.Set(func(i *hardware.Inputs) { i.DoorOpen = false })
	err = r.monitor.ResetEmergencyStop(ctx)
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.Failed, 1)
	assert.Contains(t, blocked.Failed[0], "temperature fryer")

	r.fryer.SetTemperature(120)
	require.NoError(t, r.monitor.ResetEmergencyStop(ctx))
	assert.False(t, r.monitor.Latch().Engaged())
	assert.Equal(t, types.SafetyNormal, r.monitor.State())
	assert.False(t, r.alarm.On())
	assert.Eventually(t, func() bool { return r.count(events.KindEmergencyReset) == 1 }, time.Second, 5*time.Millisecond)

	// Idempotent outside an emergency stop.
	require.NoError(t, r.monitor.ResetEmergencyStop(ctx))
}

func TestResetBlockedByEachInputAlone(t *testing.T) {
	tests := []struct {
		name  string
		set   func(*hardware.Inputs, bool)
		check string
	}{
		{"emergency stop input", func(i *hardware.Inputs, v bool) { i.EmergencyStop = v }, "emergency stop input engaged"},
		{"door", func(i *hardware.Inputs, v bool) { i.DoorOpen = v }, "door open"},
		{"fire", func(i *hardware.Inputs, v bool) { i.Fire = v }, "fire detected"},
		{"water leak", func(i *hardware.Inputs, v bool) { i.WaterLeak = v }, "water leak"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, nil)
			ctx := context.Background()

			r.monitor.EmergencyStop(ctx, "operator", "test")
			require.True(t, r.monitor.Latch().Engaged())

			r.panel.Set(func(i *hardware.Inputs) { tt.set(i, true) })
			err := r.monitor.ResetEmergencyStop(ctx)
			var blocked *ResetBlockedError
			require.ErrorAs(t, err, &blocked)
			assert.Equal(t, []string{tt.check}, blocked.Failed)
			assert.True(t, r.monitor.Latch().Engaged())
			assert.Equal(t, types.SafetyEmergencyStop, r.monitor.State())

			r.panel.Set(func(i *hardware.Inputs) { tt.set(i, false) })
			require.NoError(t, r.monitor.ResetEmergencyStop(ctx))
			assert.False(t, r.monitor.Latch().Engaged())
		})
	}
}

// stopDuringRead raises an emergency stop from inside its first Read.
type stopDuringRead struct {
	*sim.Sensor
	once sync.Once
	stop func()
}

func (s *stopDuringRead) Read(ctx context.Context) ([]hardware.Reading, error) {
	s.once.Do(s.stop)
	return s.Sensor.Read(ctx)
}

func TestStopDuringResetKeepsLatch(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	r.monitor.EmergencyStop(ctx, "operator", "first stop")
	require.True(t, r.monitor.Latch().Engaged())

	s := &stopDuringRead{Sensor: sim.NewSensor("steam_line")}
	s.Set(types.QuantityPressure, 2, "bar")
	s.stop = func() { r.monitor.EmergencyStop(ctx, "operator", "second stop") }
	require.NoError(t, r.monitor.registry.Register(s))

	err := r.monitor.ResetEmergencyStop(ctx)
	var blocked *ResetBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Len(t, blocked.Failed, 1)
	assert.Contains(t, blocked.Failed[0], "second stop")
	assert.True(t, r.monitor.Latch().Engaged())
	assert.Equal(t, types.SafetyEmergencyStop, r.monitor.State())
	assert.Zero(t, r.count(events.KindEmergencyReset))

	require.NoError(t, r.monitor.ResetEmergencyStop(ctx))
	assert.False(t, r.monitor.Latch().Engaged())
	assert.Equal(t, types.SafetyNormal, r.monitor.State())
}

func TestCriticalComponentDisabledAfterRetries(t *testing.T) {
	r := newRig(t, func(c *Config) { c.MaxRetryAttempts = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		r.monitor.RecordFailure(ctx, "robot_arm", "timeout")
	}
	c, err := r.monitor.Component("robot_arm")
	require.NoError(t, err)
	assert.True(t, c.Enabled)
	assert.True(t, c.Critical)
	assert.Equal(t, 2, c.ErrorCount)

	r.monitor.RecordFailure(ctx, "robot_arm", "timeout")
	c, _ = r.monitor.Component("robot_arm")
	assert.False(t, c.Enabled)
	assert.Equal(t, types.SafetyCritical, r.monitor.State())
	assert.False(t, r.monitor.IsSystemOperational())

	r.monitor.EmergencyStop(ctx, "operator", "test")
	err = r.monitor.ResetEmergencyStop(ctx)
	require.ErrorIs(t, err, ErrResetBlocked)

	require.NoError(t, r.monitor.EnableComponent(ctx, "robot_arm"))
	require.NoError(t, r.monitor.ResetEmergencyStop(ctx))
	assert.True(t, r.monitor.IsSystemOperational())

	assert.ErrorIs(t, r.monitor.EnableComponent(ctx, "nope"), ErrUnknownComponent)
}

func TestNonCriticalComponentFailureKeepsRunning(t *testing.T) {
	r := newRig(t, func(c *Config) { c.MaxRetryAttempts = 0 })
	r.monitor.RecordFailure(context.Background(), "mains", "no response")

	c, err := r.monitor.Component("mains")
	require.NoError(t, err)
	assert.False(t, c.Enabled)
	assert.Equal(t, types.SafetyNormal, r.monitor.State())
	assert.True(t, r.monitor.IsSystemOperational())
}

func TestPollFailureCountsAgainstComponent(t *testing.T) {
	r := newRig(t, nil)
	r.power.FailNext(1, nil)
	r.monitor.Sample(context.Background())

	c, err := r.monitor.Component("mains")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ErrorCount)
}

func TestMaintenanceMode(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()

	require.NoError(t, r.monitor.SetMaintenance(ctx, true))
	assert.Equal(t, types.SafetyMaintenance, r.monitor.State())
	assert.False(t, r.monitor.IsSystemOperational())

	r.panel.Set(func(i *hardware.Inputs) { i.WaterLeak = true })
	assert.Equal(t, types.SafetyMaintenance, r.monitor.Sample(ctx))

	require.NoError(t, r.monitor.SetMaintenance(ctx, false))
	assert.Equal(t, types.SafetyNormal, r.monitor.State())

	r.monitor.EmergencyStop(ctx, "operator", "test")
	assert.ErrorIs(t, r.monitor.SetMaintenance(ctx, true), ErrInEmergency)
}

func TestBusEventsDriveMonitor(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.monitor.Start(ctx)
	defer r.monitor.Stop()

	require.NoError(t, r.bus.Publish(ctx, events.New(events.KindTemperatureReading, "grill", events.TemperatureReading{Zone: "grill", Celsius: 181})))
	assert.Eventually(t, func() bool {
		return len(r.monitor.History("grill")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, r.bus.Publish(ctx, events.New(events.KindStopRequested, "machine", events.StopRequested{Source: "machine", Reason: "dispenser jammed"})))
	assert.Eventually(t, r.monitor.Latch().Engaged, time.Second, 5*time.Millisecond)
	assert.Equal(t, types.SafetyEmergencyStop, r.monitor.State())
	assert.Equal(t, "dispenser jammed", r.monitor.Status().Reason)
}

func TestCriticalTemperatureRequestsHeatReduction(t *testing.T) {
	r := newRig(t, func(c *Config) { c.EscalationSamples = 10 })
	ctx := context.Background()

	r.monitor.onTemperature(ctx, events.New(events.KindTemperatureReading, "grill", nil), events.TemperatureReading{Zone: "grill", Celsius: 260})

	assert.Equal(t, types.SafetyCritical, r.monitor.Sample(ctx))
	assert.Eventually(t, func() bool { return r.count(events.KindReduceHeating) == 1 }, time.Second, 5*time.Millisecond)
}
