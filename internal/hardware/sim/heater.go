package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type HeaterConfig struct {
	ID      string
	Zone    string
	Ambient float64
	Initial float64
	// HeatRate is the temperature rise per second at 100 % duty.
	HeatRate float64
	// LossRate is the fraction of the difference to ambient lost per second.
	LossRate float64
	// TimeScale > 0 advances the plant with wall-clock time on every read,
	// multiplied by TimeScale. Zero means the plant only moves via Advance.
	TimeScale float64
}

// Heater is a first-order thermal plant driven by a duty cycle.
type Heater struct {
	actuator
	zone string
	cfg  HeaterConfig

	temp     float64
	power    float64
	lastStep time.Time
}

func NewHeater(cfg HeaterConfig) *Heater {
	if cfg.Initial == 0 {
		cfg.Initial = cfg.Ambient
	}
	return &Heater{
		actuator: actuator{base{id: cfg.ID}},
		zone:     cfg.Zone,
		cfg:      cfg,
		temp:     cfg.Initial,
		lastStep: time.Now(),
	}
}

func (h *Heater) Zone() string { return h.zone }

func (h *Heater) ReadTemperature(ctx context.Context) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.checkRead(ctx, "read_temperature"); err != nil {
		return 0, err
	}
	if h.cfg.TimeScale > 0 {
		now := time.Now()
		h.advance(now.Sub(h.lastStep).Seconds() * h.cfg.TimeScale)
		h.lastStep = now
	}
	return h.temp, nil
}

func (h *Heater) Read(ctx context.Context) ([]hardware.Reading, error) {
	c, err := h.ReadTemperature(ctx)
	if err != nil {
		return nil, err
	}
	return []hardware.Reading{{
		Component: h.id,
		Quantity:  types.QuantityTemperature,
		Value:     c,
		Unit:      "C",
		At:        time.Now(),
	}}, nil
}

func (h *Heater) SetPower(ctx context.Context, percent float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if percent < 0 || percent > 100 {
		return fmt.Errorf("power %.1f out of range 0..100", percent)
	}
	if percent > 0 {
		if err := h.check(ctx, "set_power"); err != nil {
			return err
		}
	}
	h.power = percent
	return nil
}

func (h *Heater) EmergencyStop(ctx context.Context) error {
	h.mu.Lock()
	h.power = 0
	h.mu.Unlock()
	return h.actuator.EmergencyStop(ctx)
}

// Advance moves the plant forward by dt.
func (h *Heater) Advance(dt time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advance(dt.Seconds())
}

func (h *Heater) advance(seconds float64) {
	if seconds <= 0 {
		return
	}
	h.temp += h.power / 100 * h.cfg.HeatRate * seconds
	h.temp -= (h.temp - h.cfg.Ambient) * h.cfg.LossRate * seconds
}

func (h *Heater) Power() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.power
}

// SetTemperature forces the probe value.
func (h *Heater) SetTemperature(c float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.temp = c
}
