package thermal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

var (
	ErrOverheated = errors.New("zone overheated")
	ErrNotReady   = errors.New("zone not at temperature")
	ErrHalted     = errors.New("emergency stop engaged")
	ErrTarget     = errors.New("target outside safe range")
)

type Config struct {
	Zone           string
	Target         float64
	Tolerance      float64
	Kp, Ki, Kd     float64
	MinSafe        float64
	MaxSafe        float64
	OverheatMargin float64
	IntegralLimit  float64
	// Smoothing is the weight of a new reading in the exponential filter
	// applied before the PID. 1 disables filtering.
	Smoothing       float64
	TickInterval    time.Duration
	HardwareTimeout time.Duration
}

// DefaultConfig returns fryer-style settings for zone.
func DefaultConfig(zone string) Config {
	return Config{
		Zone:            zone,
		Target:          175,
		Tolerance:       2,
		Kp:              2.5,
		Ki:              0.1,
		Kd:              0.5,
		MinSafe:         160,
		MaxSafe:         190,
		OverheatMargin:  10,
		IntegralLimit:   100,
		Smoothing:       0.3,
		TickInterval:    100 * time.Millisecond,
		HardwareTimeout: 50 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.Zone == "" {
		return fmt.Errorf("zone name required")
	}
	if c.MaxSafe <= c.MinSafe {
		return fmt.Errorf("zone %s: max_safe must exceed min_safe", c.Zone)
	}
	if c.Target < c.MinSafe || c.Target > c.MaxSafe {
		return fmt.Errorf("zone %s: %w", c.Zone, ErrTarget)
	}
	if c.Tolerance <= 0 {
		return fmt.Errorf("zone %s: tolerance must be positive", c.Zone)
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("zone %s: smoothing must be in (0,1]", c.Zone)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("zone %s: tick interval must be positive", c.Zone)
	}
	return nil
}

// Latch reports whether the machine-wide emergency stop is engaged.
type Latch interface {
	Engaged() bool
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

type Snapshot struct {
	Zone        string          `json:"zone"`
	State       types.ZoneState `json:"state"`
	Temperature float64         `json:"temperature"`
	Target      float64         `json:"target"`
	Duty        float64         `json:"duty"`
	Enabled     bool            `json:"enabled"`
}

// Loop regulates one heating zone. Tick is driven by Run or directly by
// tests.
type Loop struct {
	cfg    Config
	heater hardware.Heatable
	latch  Latch
	bus    Publisher
	logger *zap.Logger

	mu       sync.Mutex
	state    types.ZoneState
	enabled  bool
	target   float64
	raw      float64
	filtered float64
	primed   bool
	duty     float64
	batches  int
	pid      PID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewLoop(cfg Config, heater hardware.Heatable, latch Latch, bus Publisher, logger *zap.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HardwareTimeout <= 0 {
		cfg.HardwareTimeout = cfg.TickInterval / 2
	}
	return &Loop{
		cfg:    cfg,
		heater: heater,
		latch:  latch,
		bus:    bus,
		logger: logger.Named("thermal").With(zap.String("zone", cfg.Zone)),
		state:  types.ZoneIdle,
		target: cfg.Target,
		pid:    PID{Kp: cfg.Kp, Ki: cfg.Ki, Kd: cfg.Kd, IntegralLimit: cfg.IntegralLimit},
		stopCh: make(chan struct{}),
	}, nil
}

func (l *Loop) Zone() string { return l.cfg.Zone }

// Start runs the control loop on its own ticker until Stop or ctx is done.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)

	l.logger.Info("Temperature loop started",
		zap.Float64("target", l.cfg.Target),
		zap.Duration("interval", l.cfg.TickInterval))
}

func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	l.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HardwareTimeout)
	defer cancel()
	if err := l.heater.SetPower(ctx, 0); err != nil {
		l.logger.Warn("Failed to cut heater on stop", zap.Error(err))
	}
	l.logger.Info("Temperature loop stopped")
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := l.Tick(ctx, now.Sub(last)); err != nil {
				l.logger.Debug("Tick failed", zap.Error(err))
			}
			last = now
		}
	}
}

// Tick performs one control step covering dt of elapsed time. While the
// emergency latch is engaged the heater is held at zero duty and readings are
// still published.
func (l *Loop) Tick(ctx context.Context, dt time.Duration) error {
	halted := l.latch != nil && l.latch.Engaged()
	if halted {
		l.halt(ctx)
	}

	hwCtx, cancel := context.WithTimeout(ctx, l.cfg.HardwareTimeout)
	reading, err := l.heater.ReadTemperature(hwCtx)
	cancel()
	if err != nil {
		l.readFailed(ctx, err)
		if halted {
			return ErrHalted
		}
		return err
	}

	l.mu.Lock()
	l.raw = reading
	if l.primed {
		l.filtered = (1-l.cfg.Smoothing)*l.filtered + l.cfg.Smoothing*reading
	} else {
		l.filtered = reading
		l.primed = true
	}

	if reading > l.cfg.MaxSafe+l.cfg.OverheatMargin && l.state != types.ZoneOverheated {
		from := l.state
		l.state = types.ZoneOverheated
		l.duty = 0
		l.batches = 0
		l.pid.Reset()
		l.mu.Unlock()
		l.overheat(ctx, from, reading)
		return ErrOverheated
	}

	if halted {
		target := l.target
		l.mu.Unlock()
		l.publishReading(ctx, reading, target, 0)
		return ErrHalted
	}

	if l.state == types.ZoneOverheated || !l.enabled {
		from := l.state
		if l.state != types.ZoneOverheated {
			l.state = types.ZoneIdle
		}
		to := l.state
		duty := l.duty
		l.duty = 0
		target := l.target
		l.mu.Unlock()

		if duty > 0 {
			l.setPower(ctx, 0)
		}
		l.announceState(ctx, from, to)
		l.publishReading(ctx, reading, target, 0)
		return nil
	}

	e := l.target - l.filtered
	out := l.pid.Update(e, dt.Seconds())
	if l.filtered >= l.target+l.cfg.Tolerance || reading >= l.cfg.MaxSafe {
		out = 0
	}
	l.duty = out

	from := l.state
	inBand := math.Abs(e) <= l.cfg.Tolerance
	switch {
	case l.batches > 0 && inBand:
		l.state = types.ZoneActive
	case inBand:
		l.state = types.ZoneReady
	default:
		l.state = types.ZonePreheating
	}
	to := l.state
	target := l.target
	l.mu.Unlock()

	l.setPower(ctx, out)
	l.announceState(ctx, from, to)
	l.publishReading(ctx, reading, target, out)
	return nil
}

func (l *Loop) halt(ctx context.Context) {
	l.mu.Lock()
	from := l.state
	if l.state != types.ZoneOverheated {
		l.state = types.ZoneIdle
	}
	to := l.state
	l.duty = 0
	l.batches = 0
	l.pid.Reset()
	l.mu.Unlock()

	l.setPower(ctx, 0)
	l.announceState(ctx, from, to)
}

func (l *Loop) overheat(ctx context.Context, from types.ZoneState, reading float64) {
	limit := l.cfg.MaxSafe + l.cfg.OverheatMargin
	l.logger.Error("Zone overheated, stopping heater",
		zap.Float64("temperature", reading),
		zap.Float64("limit", limit))

	hwCtx, cancel := context.WithTimeout(ctx, l.cfg.HardwareTimeout)
	if err := l.heater.EmergencyStop(hwCtx); err != nil {
		l.logger.Error("Heater emergency stop failed", zap.Error(err))
	}
	cancel()

	l.announceState(ctx, from, types.ZoneOverheated)
	l.publish(ctx, events.New(events.KindOverheat, l.source(), events.Overheat{
		Zone:    l.cfg.Zone,
		Celsius: reading,
		Limit:   limit,
	}))
}

func (l *Loop) readFailed(ctx context.Context, err error) {
	l.mu.Lock()
	duty := l.duty
	l.duty = 0
	l.mu.Unlock()

	if duty > 0 {
		l.setPower(ctx, 0)
	}

	var the *types.TransientHardwareError
	l.publish(ctx, events.New(events.KindHardwareError, l.source(), events.HardwareError{
		Component: l.heater.ID(),
		Op:        "read_temperature",
		Error:     err.Error(),
		Transient: errors.As(err, &the),
	}))
}

func (l *Loop) setPower(ctx context.Context, percent float64) {
	hwCtx, cancel := context.WithTimeout(ctx, l.cfg.HardwareTimeout)
	defer cancel()
	if err := l.heater.SetPower(hwCtx, percent); err != nil {
		l.logger.Warn("Set heater power failed", zap.Float64("percent", percent), zap.Error(err))
	}
}

func (l *Loop) announceState(ctx context.Context, from, to types.ZoneState) {
	if from == to {
		return
	}
	l.logger.Info("Zone state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	l.publish(ctx, events.New(events.KindZoneStateChanged, l.source(), events.ZoneStateChanged{
		Zone: l.cfg.Zone,
		From: from,
		To:   to,
	}))
}

func (l *Loop) publishReading(ctx context.Context, reading, target, duty float64) {
	l.publish(ctx, events.New(events.KindTemperatureReading, l.heater.ID(), events.TemperatureReading{
		Zone:    l.cfg.Zone,
		Celsius: reading,
		Target:  target,
		Duty:    duty,
	}))
}

func (l *Loop) publish(ctx context.Context, e events.Event) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		l.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (l *Loop) source() string { return "thermal." + l.cfg.Zone }

// Enable starts heating towards the target on the next tick.
func (l *Loop) Enable(ctx context.Context) error {
	hwCtx, cancel := context.WithTimeout(ctx, l.cfg.HardwareTimeout)
	defer cancel()
	if err := l.heater.Activate(hwCtx); err != nil {
		return fmt.Errorf("activate heater %s: %w", l.heater.ID(), err)
	}

	l.mu.Lock()
	l.enabled = true
	l.mu.Unlock()
	return nil
}

// Disable cuts the heater; the zone returns to Idle on the next tick.
func (l *Loop) Disable(ctx context.Context) error {
	l.mu.Lock()
	l.enabled = false
	l.mu.Unlock()

	hwCtx, cancel := context.WithTimeout(ctx, l.cfg.HardwareTimeout)
	defer cancel()
	return l.heater.Deactivate(hwCtx)
}

func (l *Loop) SetTarget(target float64) error {
	if target < l.cfg.MinSafe || target > l.cfg.MaxSafe {
		return fmt.Errorf("%.1f: %w [%.1f, %.1f]", target, ErrTarget, l.cfg.MinSafe, l.cfg.MaxSafe)
	}
	l.mu.Lock()
	l.target = target
	l.mu.Unlock()

	l.logger.Info("Target changed", zap.Float64("target", target))
	return nil
}

// ReduceTarget lowers the target by delta, never below MinSafe.
func (l *Loop) ReduceTarget(delta float64) float64 {
	l.mu.Lock()
	l.target = math.Max(l.cfg.MinSafe, l.target-delta)
	target := l.target
	l.mu.Unlock()

	l.logger.Warn("Heating reduced", zap.Float64("delta", delta), zap.Float64("target", target))
	return target
}

// ClearOverheat leaves Overheated once the reading is back under max_safe.
func (l *Loop) ClearOverheat(ctx context.Context) error {
	l.mu.Lock()
	if l.state != types.ZoneOverheated {
		l.mu.Unlock()
		return nil
	}
	if l.primed && l.raw >= l.cfg.MaxSafe {
		l.mu.Unlock()
		return fmt.Errorf("zone %s still at %.1f: %w", l.cfg.Zone, l.raw, ErrOverheated)
	}
	l.state = types.ZoneIdle
	l.target = l.cfg.Target
	l.mu.Unlock()

	l.announceState(ctx, types.ZoneOverheated, types.ZoneIdle)
	return nil
}

// BeginBatch marks the zone Active. The zone must be at temperature.
func (l *Loop) BeginBatch() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case types.ZoneReady, types.ZoneActive:
		l.batches++
		l.state = types.ZoneActive
		return nil
	case types.ZoneOverheated:
		return ErrOverheated
	default:
		return ErrNotReady
	}
}

func (l *Loop) EndBatch() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.batches > 0 {
		l.batches--
	}
	if l.batches == 0 && l.state == types.ZoneActive {
		l.state = types.ZoneReady
	}
}

// WaitReady blocks until the zone reaches its target band.
func (l *Loop) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		switch l.State() {
		case types.ZoneReady, types.ZoneActive:
			return nil
		case types.ZoneOverheated:
			return ErrOverheated
		}
		if l.latch != nil && l.latch.Engaged() {
			return ErrHalted
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("zone %s: %w: %v", l.cfg.Zone, ErrNotReady, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *Loop) State() types.ZoneState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Zone:        l.cfg.Zone,
		State:       l.state,
		Temperature: l.raw,
		Target:      l.target,
		Duty:        l.duty,
		Enabled:     l.enabled,
	}
}
