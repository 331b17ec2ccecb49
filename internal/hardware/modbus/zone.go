package modbus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type ZoneConfig struct {
	ID      string
	Zone    string
	Address string
	UnitID  uint8
	Timeout time.Duration

	// TemperatureRegister is an input register holding tenths of a degree,
	// signed.
	TemperatureRegister uint16
	// PowerRegister is a holding register taking tenths of a percent.
	PowerRegister uint16
	// EnableRegister is a holding register; 1 energizes the element.
	EnableRegister uint16
}

// Zone drives a heating zone controller over Modbus TCP.
type Zone struct {
	cfg    ZoneConfig
	client *Client

	mu      sync.Mutex
	lastErr error
}

func NewZone(cfg ZoneConfig) *Zone {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Zone{cfg: cfg, client: NewClient(cfg.Address, cfg.Timeout)}
}

func (z *Zone) ID() string   { return z.cfg.ID }
func (z *Zone) Zone() string { return z.cfg.Zone }

func (z *Zone) Status() hardware.Status {
	z.mu.Lock()
	defer z.mu.Unlock()

	st := hardware.Status{Online: z.client.Connected()}
	if z.lastErr != nil {
		st.Detail = z.lastErr.Error()
	}
	return st
}

func (z *Zone) Initialize(ctx context.Context) error {
	if err := z.client.Connect(ctx); err != nil {
		return z.fail("initialize", err)
	}
	return z.Deactivate(ctx)
}

func (z *Zone) ReadTemperature(ctx context.Context) (float64, error) {
	regs, err := z.client.ReadInputRegisters(ctx, z.cfg.UnitID, z.cfg.TemperatureRegister, 1)
	if err != nil {
		return 0, z.fail("read_temperature", err)
	}
	if len(regs) != 1 {
		return 0, z.fail("read_temperature", fmt.Errorf("expected 1 register, got %d", len(regs)))
	}
	z.ok()
	return float64(int16(regs[0])) / 10, nil
}

func (z *Zone) Read(ctx context.Context) ([]hardware.Reading, error) {
	c, err := z.ReadTemperature(ctx)
	if err != nil {
		return nil, err
	}
	return []hardware.Reading{{
		Component: z.cfg.ID,
		Quantity:  types.QuantityTemperature,
		Value:     c,
		Unit:      "C",
		At:        time.Now(),
	}}, nil
}

func (z *Zone) SetPower(ctx context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("power %.1f out of range 0..100", percent)
	}
	value := uint16(math.Round(percent * 10))
	if err := z.client.WriteSingleRegister(ctx, z.cfg.UnitID, z.cfg.PowerRegister, value); err != nil {
		return z.fail("set_power", err)
	}
	z.ok()
	return nil
}

func (z *Zone) Activate(ctx context.Context) error {
	if err := z.client.WriteSingleRegister(ctx, z.cfg.UnitID, z.cfg.EnableRegister, 1); err != nil {
		return z.fail("activate", err)
	}
	z.ok()
	return nil
}

func (z *Zone) Deactivate(ctx context.Context) error {
	errPower := z.SetPower(ctx, 0)
	if err := z.client.WriteSingleRegister(ctx, z.cfg.UnitID, z.cfg.EnableRegister, 0); err != nil {
		return errors.Join(errPower, z.fail("deactivate", err))
	}
	return errPower
}

// EmergencyStop zeroes the duty cycle and drops the enable register. Both
// writes are attempted even if the first fails.
func (z *Zone) EmergencyStop(ctx context.Context) error {
	return z.Deactivate(ctx)
}

func (z *Zone) fail(op string, err error) error {
	z.mu.Lock()
	z.lastErr = err
	z.mu.Unlock()
	return &types.TransientHardwareError{Component: z.cfg.ID, Op: op, Err: err}
}

func (z *Zone) ok() {
	z.mu.Lock()
	z.lastErr = nil
	z.mu.Unlock()
}

func (z *Zone) Close() error {
	return z.client.Close()
}
