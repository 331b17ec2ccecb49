package sim

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type Dispenser struct {
	actuator
	ingredient string
	delay      time.Duration
	dispensed  float64
}

func NewDispenser(id, ingredient string, delay time.Duration) *Dispenser {
	return &Dispenser{actuator: actuator{base{id: id}}, ingredient: ingredient, delay: delay}
}

func (d *Dispenser) Ingredient() string { return d.ingredient }

func (d *Dispenser) Dispense(ctx context.Context, amount float64) error {
	if err := wait(ctx, d.delay); err != nil {
		return &types.TransientHardwareError{Component: d.id, Op: "dispense", Err: err}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx, "dispense"); err != nil {
		return err
	}
	d.dispensed += amount
	return nil
}

func (d *Dispenser) Dispensed() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispensed
}

// Arm assembles layers and packages finished items.
type Arm struct {
	actuator
	delay     time.Duration
	assembled int
	packaged  int
}

func NewArm(id string, delay time.Duration) *Arm {
	return &Arm{actuator: actuator{base{id: id}}, delay: delay}
}

func (a *Arm) Assemble(ctx context.Context, layers []string) error {
	if err := wait(ctx, a.delay); err != nil {
		return &types.TransientHardwareError{Component: a.id, Op: "assemble", Err: err}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(ctx, "assemble"); err != nil {
		return err
	}
	a.assembled++
	return nil
}

func (a *Arm) Package(ctx context.Context, container string) error {
	if err := wait(ctx, a.delay); err != nil {
		return &types.TransientHardwareError{Component: a.id, Op: "package", Err: err}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.check(ctx, "package"); err != nil {
		return err
	}
	a.packaged++
	return nil
}

func (a *Arm) Counts() (assembled, packaged int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assembled, a.packaged
}

// Inputs is a settable bank of safety inputs.
type Inputs struct {
	base
	state hardware.Inputs
}

func NewInputs(id string) *Inputs {
	return &Inputs{base: base{id: id}}
}

func (i *Inputs) ReadInputs(ctx context.Context) (hardware.Inputs, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.checkRead(ctx, "read_inputs"); err != nil {
		return hardware.Inputs{}, err
	}
	return i.state, nil
}

func (i *Inputs) Set(fn func(*hardware.Inputs)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	fn(&i.state)
}

// Sensor reports settable values for a fixed set of quantities.
type Sensor struct {
	base
	values map[types.Quantity]float64
	units  map[types.Quantity]string
}

func NewSensor(id string) *Sensor {
	return &Sensor{
		base:   base{id: id},
		values: make(map[types.Quantity]float64),
		units:  make(map[types.Quantity]string),
	}
}

func (s *Sensor) Set(q types.Quantity, value float64, unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[q] = value
	s.units[q] = unit
}

func (s *Sensor) Read(ctx context.Context) ([]hardware.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRead(ctx, "read"); err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]hardware.Reading, 0, len(s.values))
	for q, v := range s.values {
		out = append(out, hardware.Reading{Component: s.id, Quantity: q, Value: v, Unit: s.units[q], At: now})
	}
	return out, nil
}

type Alarm struct {
	base
	on bool
}

func NewAlarm(id string) *Alarm {
	return &Alarm{base: base{id: id}}
}

func (a *Alarm) SetAlarm(ctx context.Context, active bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkRead(ctx, "set_alarm"); err != nil {
		return err
	}
	a.on = active
	return nil
}

func (a *Alarm) On() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.on
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("interrupted: %w", ctx.Err())
	}
}
