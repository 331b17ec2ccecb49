package safety

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

var (
	ErrResetBlocked     = errors.New("emergency stop reset blocked")
	ErrNotClean         = errors.New("latest safety sample is not clean")
	ErrInEmergency      = errors.New("emergency stop active")
	ErrUnknownComponent = errors.New("unknown component")
)

type Config struct {
	MonitoringInterval time.Duration
	HardwareTimeout    time.Duration
	CascadeTimeout     time.Duration
	Thresholds         Thresholds
	// WarningBand is the fraction of a limit's span that counts as Warning
	// before the limit itself is breached.
	WarningBand        float64
	EscalationSamples  int
	ResetMargin        float64
	MaxRetryAttempts   int
	HistorySize        int
	CriticalComponents []string
	ReduceHeatingDelta float64
}

func DefaultConfig() Config {
	return Config{
		MonitoringInterval: 100 * time.Millisecond,
		HardwareTimeout:    50 * time.Millisecond,
		CascadeTimeout:     150 * time.Millisecond,
		Thresholds:         DefaultThresholds(),
		WarningBand:        0.05,
		EscalationSamples:  3,
		ResetMargin:        10,
		MaxRetryAttempts:   3,
		HistorySize:        1000,
		CriticalComponents: []string{"fryer", "grill", "robot_arm"},
		ReduceHeatingDelta: 10,
	}
}

// Recorder receives safety metrics. metrics.Collector implements it.
type Recorder interface {
	SafetyState(s types.SafetyState)
	EmergencyStop(source string)
	SafetyViolation(q types.Quantity)
	ComponentFailure(id string)
}

type nopRecorder struct{}

func (nopRecorder) SafetyState(types.SafetyState)  {}
func (nopRecorder) EmergencyStop(string)           {}
func (nopRecorder) SafetyViolation(types.Quantity) {}
func (nopRecorder) ComponentFailure(string)        {}

type reading struct {
	component string
	zone      string
	quantity  types.Quantity
	value     float64
	at        time.Time
}

type HistoryPoint struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

type Status struct {
	State        types.SafetyState          `json:"state"`
	Reason       string                     `json:"reason,omitempty"`
	Since        time.Time                  `json:"since"`
	LatchEngaged bool                       `json:"latch_engaged"`
	Operational  bool                       `json:"operational"`
	Inputs       hardware.Inputs            `json:"inputs"`
	Temperatures map[string]float64         `json:"temperatures"`
	Components   []hardware.ComponentStatus `json:"components"`
}

type violation struct {
	key       string
	component string
	zone      string
	quantity  types.Quantity
	value     float64
	limit     float64
}

func (v violation) String() string {
	return fmt.Sprintf("%s %s %.2f beyond %.2f", v.component, v.quantity, v.value, v.limit)
}

// Monitor samples sensors and safety inputs, classifies the result into a
// SafetyState and drives the emergency stop cascade.
type Monitor struct {
	cfg        Config
	logger     *zap.Logger
	bus        *events.Bus
	registry   *hardware.Registry
	latch      *Latch
	metrics    Recorder
	components *componentTable

	mu        sync.Mutex
	state     types.SafetyState
	reason    string
	since     time.Time
	streak    int
	lastClean bool
	breached  map[string]bool
	// stops counts every emergency stop request, including those that
	// arrive while the latch is already engaged.
	stops uint64

	dataMu   sync.Mutex
	readings map[string]reading
	inputs   map[string]hardware.Inputs
	history  map[string][]HistoryPoint

	subs   []events.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewMonitor(cfg Config, logger *zap.Logger, bus *events.Bus, registry *hardware.Registry, latch *Latch, metrics Recorder) (*Monitor, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if cfg.EscalationSamples < 1 {
		cfg.EscalationSamples = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}

	return &Monitor{
		cfg:        cfg,
		logger:     logger.Named("safety"),
		bus:        bus,
		registry:   registry,
		latch:      latch,
		metrics:    metrics,
		components: newComponentTable(cfg.MaxRetryAttempts, cfg.CriticalComponents, registry.All()),
		state:      types.SafetyNormal,
		since:      time.Now(),
		lastClean:  true,
		breached:   make(map[string]bool),
		readings:   make(map[string]reading),
		inputs:     make(map[string]hardware.Inputs),
		history:    make(map[string][]HistoryPoint),
		stopCh:     make(chan struct{}),
	}, nil
}

func (m *Monitor) Latch() *Latch { return m.latch }

// Start subscribes to the bus and starts the sampler.
func (m *Monitor) Start(ctx context.Context) {
	m.subs = append(m.subs,
		events.On(m.bus, events.KindTemperatureReading, m.onTemperature),
		events.On(m.bus, events.KindSensorReading, m.onSensorReading),
		events.On(m.bus, events.KindSafetyInputs, m.onSafetyInputs),
		events.On(m.bus, events.KindHardwareError, m.onHardwareError),
		events.On(m.bus, events.KindOverheat, m.onOverheat),
		events.On(m.bus, events.KindStopRequested, m.onStopRequested),
	)

	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info("Safety monitor started",
		zap.Duration("interval", m.cfg.MonitoringInterval),
		zap.Strings("critical_components", m.cfg.CriticalComponents))
}

func (m *Monitor) Stop() {
	for _, s := range m.subs {
		m.bus.Unsubscribe(s)
	}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.wg.Wait()
	m.logger.Info("Safety monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample polls every sensor and input bank, evaluates the cached readings and
// returns the resulting state.
func (m *Monitor) Sample(ctx context.Context) types.SafetyState {
	m.poll(ctx)
	m.evaluate(ctx)
	return m.State()
}

func (m *Monitor) poll(ctx context.Context) {
	var wg sync.WaitGroup

	for _, s := range m.registry.Sensors() {
		wg.Add(1)
		go func(s hardware.Sensor) {
			defer wg.Done()
			hwCtx, cancel := context.WithTimeout(ctx, m.cfg.HardwareTimeout)
			defer cancel()

			readings, err := s.Read(hwCtx)
			if err != nil {
				m.RecordFailure(ctx, s.ID(), err.Error())
				return
			}
			m.components.success(s.ID(), time.Now())
			for _, r := range readings {
				m.cache(reading{component: r.Component, quantity: r.Quantity, value: r.Value, at: r.At})
			}
		}(s)
	}

	for _, in := range m.registry.Inputs() {
		wg.Add(1)
		go func(in hardware.SafetyInputs) {
			defer wg.Done()
			hwCtx, cancel := context.WithTimeout(ctx, m.cfg.HardwareTimeout)
			defer cancel()

			inputs, err := in.ReadInputs(hwCtx)
			if err != nil {
				m.RecordFailure(ctx, in.ID(), err.Error())
				return
			}
			m.components.success(in.ID(), time.Now())
			m.dataMu.Lock()
			m.inputs[in.ID()] = inputs
			m.dataMu.Unlock()
		}(in)
	}

	wg.Wait()
}

func (m *Monitor) cache(r reading) {
	if r.at.IsZero() {
		r.at = time.Now()
	}

	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	if prev, ok := m.readings[r.component+"|"+string(r.quantity)]; ok && r.zone == "" {
		r.zone = prev.zone
	}
	m.readings[r.component+"|"+string(r.quantity)] = r

	if r.quantity == types.QuantityTemperature {
		h := append(m.history[r.component], HistoryPoint{Value: r.value, At: r.at})
		if len(h) > m.cfg.HistorySize {
			h = h[len(h)-m.cfg.HistorySize:]
		}
		m.history[r.component] = h
	}
}

func (m *Monitor) snapshot() ([]reading, hardware.Inputs) {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	readings := make([]reading, 0, len(m.readings))
	for _, r := range m.readings {
		readings = append(readings, r)
	}
	var merged hardware.Inputs
	for _, in := range m.inputs {
		merged.EmergencyStop = merged.EmergencyStop || in.EmergencyStop
		merged.DoorOpen = merged.DoorOpen || in.DoorOpen
		merged.Fire = merged.Fire || in.Fire
		merged.WaterLeak = merged.WaterLeak || in.WaterLeak
	}
	return readings, merged
}

func (m *Monitor) evaluate(ctx context.Context) {
	readings, inputs := m.snapshot()

	var (
		emergency  string
		violations []violation
		warnings   []string
	)

	switch {
	case inputs.Fire:
		emergency = "fire detected"
	case inputs.EmergencyStop:
		emergency = "emergency stop input engaged"
	}
	if inputs.DoorOpen {
		warnings = append(warnings, "door open")
	}
	if inputs.WaterLeak {
		warnings = append(warnings, "water leak")
	}

	for _, r := range readings {
		lvl, limit := m.cfg.Thresholds.evaluate(r.quantity, r.value, m.cfg.WarningBand)
		switch lvl {
		case levelCritical:
			violations = append(violations, violation{
				key:       r.component + "|" + string(r.quantity),
				component: r.component,
				zone:      r.zone,
				quantity:  r.quantity,
				value:     r.value,
				limit:     limit,
			})
		case levelWarning:
			warnings = append(warnings, fmt.Sprintf("%s %s %.2f near %.2f", r.component, r.quantity, r.value, limit))
		}
	}

	disabled := m.components.disabledCritical()

	m.mu.Lock()
	m.lastClean = emergency == "" && len(violations) == 0 && len(warnings) == 0 && len(disabled) == 0
	if len(violations) > 0 {
		m.streak++
	} else {
		m.streak = 0
	}
	escalate := len(violations) > 0 && m.streak >= m.cfg.EscalationSamples

	var fresh []violation
	current := make(map[string]bool, len(violations))
	for _, v := range violations {
		current[v.key] = true
		if !m.breached[v.key] {
			fresh = append(fresh, v)
		}
	}
	m.breached = current
	m.mu.Unlock()

	for _, v := range fresh {
		m.reportViolation(ctx, v)
	}

	switch {
	case emergency != "":
		m.triggerEmergency(ctx, "safety", emergency)
	case escalate:
		m.triggerEmergency(ctx, "safety", "critical limit breached for "+fmt.Sprint(m.cfg.EscalationSamples)+" samples: "+violations[0].String())
	case len(violations) > 0:
		m.raise(ctx, types.SafetyCritical, violations[0].String())
	case len(disabled) > 0:
		m.raise(ctx, types.SafetyCritical, "critical component disabled: "+strings.Join(disabled, ", "))
	case len(warnings) > 0:
		m.raise(ctx, types.SafetyWarning, strings.Join(warnings, "; "))
	}
}

func (m *Monitor) reportViolation(ctx context.Context, v violation) {
	m.logger.Warn("Safety limit breached",
		zap.String("component", v.component),
		zap.String("quantity", string(v.quantity)),
		zap.Float64("value", v.value),
		zap.Float64("limit", v.limit))
	m.metrics.SafetyViolation(v.quantity)

	m.publish(ctx, events.New(events.KindSafetyViolation, "safety", events.SafetyViolation{
		Component: v.component,
		Quantity:  v.quantity,
		Value:     v.value,
		Limit:     v.limit,
		Reason:    v.String(),
	}))

	if v.quantity == types.QuantityTemperature && v.value > v.limit {
		m.publish(ctx, events.New(events.KindReduceHeating, "safety", events.ReduceHeating{
			Zone:  v.zone,
			Delta: m.cfg.ReduceHeatingDelta,
		}))
	}
}

// raise moves the state up the ladder. It never lowers the state and never
// leaves EmergencyStop.
func (m *Monitor) raise(ctx context.Context, to types.SafetyState, reason string) bool {
	m.mu.Lock()
	from := m.state
	switch {
	case from == types.SafetyEmergencyStop:
		m.mu.Unlock()
		return false
	case from == types.SafetyMaintenance && to == types.SafetyWarning:
		m.mu.Unlock()
		return false
	case from != types.SafetyMaintenance && to.Severity() <= from.Severity():
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.reason = reason
	m.since = time.Now()
	m.mu.Unlock()

	m.announce(ctx, from, to, reason)
	return true
}

func (m *Monitor) announce(ctx context.Context, from, to types.SafetyState, reason string) {
	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
	}
	if to.Severity() > from.Severity() {
		m.logger.Warn("Safety state raised", fields...)
	} else {
		m.logger.Info("Safety state changed", fields...)
	}

	m.metrics.SafetyState(to)
	m.publish(ctx, events.New(events.KindSafetyStateChanged, "safety", events.SafetyStateChanged{
		From:   from,
		To:     to,
		Reason: reason,
	}))
}

// EmergencyStop triggers the stop cascade on operator request.
func (m *Monitor) EmergencyStop(ctx context.Context, source, reason string) {
	m.triggerEmergency(ctx, source, reason)
}

// triggerEmergency engages the latch and, if it was not engaged already,
// halts every actuator, publishes EmergencyStop and sounds the alarms, all
// within CascadeTimeout.
func (m *Monitor) triggerEmergency(ctx context.Context, source, reason string) {
	m.mu.Lock()
	m.stops++
	if !m.latch.engage() {
		m.reason = reason
		m.mu.Unlock()
		m.logger.Warn("Emergency stop requested while latched",
			zap.String("source", source), zap.String("reason", reason))
		return
	}
	from := m.state
	m.state = types.SafetyEmergencyStop
	m.reason = reason
	m.since = time.Now()
	m.streak = 0
	m.mu.Unlock()

	m.logger.Error("EMERGENCY STOP", zap.String("source", source), zap.String("reason", reason))
	m.metrics.EmergencyStop(source)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CascadeTimeout)
	defer cancel()

	halted := make(chan struct{})
	actuators := m.registry.Actuators()
	go func() {
		defer close(halted)
		var wg sync.WaitGroup
		for _, a := range actuators {
			wg.Add(1)
			go func(a hardware.Actuator) {
				defer wg.Done()
				if err := a.EmergencyStop(cctx); err != nil {
					m.logger.Error("Actuator emergency stop failed", zap.String("id", a.ID()), zap.Error(err))
				}
			}(a)
		}
		wg.Wait()
	}()

	m.publish(cctx, events.New(events.KindEmergencyStop, source, events.EmergencyStop{Source: source, Reason: reason}))
	m.announce(ctx, from, types.SafetyEmergencyStop, reason)

	select {
	case <-halted:
	case <-cctx.Done():
		m.logger.Error("Emergency stop cascade exceeded deadline",
			zap.Duration("timeout", m.cfg.CascadeTimeout),
			zap.Int("actuators", len(actuators)))
	}

	m.setAlarms(cctx, true, reason)
}

func (m *Monitor) setAlarms(ctx context.Context, active bool, reason string) {
	for _, a := range m.registry.Alarms() {
		if err := a.SetAlarm(ctx, active); err != nil {
			m.logger.Error("Alarm update failed", zap.String("id", a.ID()), zap.Bool("active", active), zap.Error(err))
		}
	}
	m.publish(ctx, events.New(events.KindAlarm, "safety", events.Alarm{Active: active, Reason: reason}))
}

// RecordFailure counts a hardware failure against a component. More than
// MaxRetryAttempts consecutive failures disable it.
func (m *Monitor) RecordFailure(ctx context.Context, id, msg string) {
	status, disabled := m.components.failure(id, msg, time.Now())
	m.metrics.ComponentFailure(id)

	m.logger.Warn("Component failure",
		zap.String("component", id),
		zap.Int("error_count", status.ErrorCount),
		zap.String("error", msg))

	m.publish(ctx, events.New(events.KindComponentStatus, "safety", events.ComponentStatus{
		Component:  id,
		Enabled:    status.Enabled,
		Critical:   status.Critical,
		ErrorCount: status.ErrorCount,
		LastError:  status.LastError,
	}))

	if !disabled {
		return
	}
	m.logger.Error("Component disabled", zap.String("component", id), zap.Bool("critical", status.Critical))
	if status.Critical {
		m.raise(ctx, types.SafetyCritical, "critical component disabled: "+id)
	}
}

// EnableComponent puts a disabled component back into service.
func (m *Monitor) EnableComponent(ctx context.Context, id string) error {
	status, ok := m.components.enable(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	m.logger.Info("Component enabled", zap.String("component", id))
	m.publish(ctx, events.New(events.KindComponentStatus, "safety", events.ComponentStatus{
		Component:  id,
		Enabled:    status.Enabled,
		Critical:   status.Critical,
		ErrorCount: status.ErrorCount,
		LastError:  status.LastError,
	}))
	return nil
}

// Acknowledge clears Warning or Critical once the latest sample is clean.
func (m *Monitor) Acknowledge(ctx context.Context) error {
	m.mu.Lock()
	from := m.state
	switch from {
	case types.SafetyEmergencyStop:
		m.mu.Unlock()
		return ErrInEmergency
	case types.SafetyWarning, types.SafetyCritical:
		if !m.lastClean {
			m.mu.Unlock()
			return ErrNotClean
		}
	default:
		m.mu.Unlock()
		return nil
	}
	m.state = types.SafetyNormal
	m.reason = ""
	m.since = time.Now()
	m.mu.Unlock()

	m.announce(ctx, from, types.SafetyNormal, "acknowledged")
	return nil
}

// SetMaintenance enters or leaves maintenance mode. It cannot be entered
// while the emergency stop is active.
func (m *Monitor) SetMaintenance(ctx context.Context, on bool) error {
	m.mu.Lock()
	from := m.state
	var to types.SafetyState
	switch {
	case from == types.SafetyEmergencyStop:
		m.mu.Unlock()
		return ErrInEmergency
	case on && from != types.SafetyMaintenance:
		to = types.SafetyMaintenance
	case !on && from == types.SafetyMaintenance:
		to = types.SafetyNormal
	default:
		m.mu.Unlock()
		return nil
	}
	m.state = to
	m.reason = "maintenance"
	m.since = time.Now()
	m.mu.Unlock()

	m.announce(ctx, from, to, "maintenance")
	return nil
}

func (m *Monitor) State() types.SafetyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsSystemOperational reports whether production may run: no emergency stop,
// state Normal or Warning, no disabled critical component and doors closed.
func (m *Monitor) IsSystemOperational() bool {
	if m.latch.Engaged() {
		return false
	}
	st := m.State()
	if st != types.SafetyNormal && st != types.SafetyWarning {
		return false
	}
	if len(m.components.disabledCritical()) > 0 {
		return false
	}
	_, inputs := m.snapshot()
	return !inputs.DoorOpen
}

func (m *Monitor) Status() Status {
	_, inputs := m.snapshot()
	temps := m.Temperatures()
	comps := m.components.list()
	operational := m.IsSystemOperational()

	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:        m.state,
		Reason:       m.reason,
		Since:        m.since,
		LatchEngaged: m.latch.Engaged(),
		Operational:  operational,
		Inputs:       inputs,
		Temperatures: temps,
		Components:   comps,
	}
}

// Temperatures returns the latest cached temperature per component.
func (m *Monitor) Temperatures() map[string]float64 {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()

	out := make(map[string]float64)
	for _, r := range m.readings {
		if r.quantity == types.QuantityTemperature {
			out[r.component] = r.value
		}
	}
	return out
}

func (m *Monitor) History(component string) []HistoryPoint {
	m.dataMu.Lock()
	defer m.dataMu.Unlock()
	return append([]HistoryPoint(nil), m.history[component]...)
}

func (m *Monitor) Components() []hardware.ComponentStatus {
	return m.components.list()
}

func (m *Monitor) Component(id string) (hardware.ComponentStatus, error) {
	c, ok := m.components.get(id)
	if !ok {
		return c, fmt.Errorf("%w: %s", ErrUnknownComponent, id)
	}
	return c, nil
}

func (m *Monitor) publish(ctx context.Context, e events.Event) {
	if err := m.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		m.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Zone readings are keyed by zone name, which is also the heater's component id.
func (m *Monitor) onTemperature(_ context.Context, e events.Event, p events.TemperatureReading) error {
	m.cache(reading{component: p.Zone, zone: p.Zone, quantity: types.QuantityTemperature, value: p.Celsius, at: e.Timestamp})
	return nil
}

func (m *Monitor) onSensorReading(_ context.Context, e events.Event, p events.SensorReading) error {
	m.cache(reading{component: p.Component, quantity: p.Quantity, value: p.Value, at: e.Timestamp})
	return nil
}

func (m *Monitor) onSafetyInputs(_ context.Context, _ events.Event, p events.SafetyInputs) error {
	m.dataMu.Lock()
	m.inputs[p.Source] = hardware.Inputs{
		EmergencyStop: p.EmergencyStop,
		DoorOpen:      p.DoorOpen,
		Fire:          p.Fire,
		WaterLeak:     p.WaterLeak,
	}
	m.dataMu.Unlock()
	return nil
}

func (m *Monitor) onHardwareError(ctx context.Context, _ events.Event, p events.HardwareError) error {
	m.RecordFailure(ctx, p.Component, p.Error)
	return nil
}

func (m *Monitor) onOverheat(ctx context.Context, e events.Event, p events.Overheat) error {
	m.triggerEmergency(ctx, e.Source, fmt.Sprintf("zone %s overheated at %.1f", p.Zone, p.Celsius))
	return nil
}

func (m *Monitor) onStopRequested(ctx context.Context, e events.Event, p events.StopRequested) error {
	m.triggerEmergency(ctx, p.Source, p.Reason)
	return nil
}
