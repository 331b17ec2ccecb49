// Package hardware defines the capability interfaces the control core uses to
// talk to physical components. Drivers implement only the subsets they support.
package hardware

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type Status struct {
	Online bool   `json:"online"`
	Detail string `json:"detail,omitempty"`
}

type Device interface {
	ID() string
	Status() Status
}

type Reading struct {
	Component string         `json:"component"`
	Quantity  types.Quantity `json:"quantity"`
	Value     float64        `json:"value"`
	Unit      string         `json:"unit,omitempty"`
	At        time.Time      `json:"at"`
}

type Sensor interface {
	Device
	Read(ctx context.Context) ([]Reading, error)
}

type Actuator interface {
	Device
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	// EmergencyStop must bring the component to a safe, de-energized state.
	EmergencyStop(ctx context.Context) error
}

// Heatable is a heating zone with a temperature probe and a duty-cycle
// controlled element (0..100 percent).
type Heatable interface {
	Actuator
	Zone() string
	ReadTemperature(ctx context.Context) (float64, error)
	SetPower(ctx context.Context, percent float64) error
}

type Dispensable interface {
	Actuator
	Ingredient() string
	Dispense(ctx context.Context, amount float64) error
}

type Actuatable interface {
	Actuator
	Assemble(ctx context.Context, layers []string) error
	Package(ctx context.Context, container string) error
}

type Inputs struct {
	EmergencyStop bool `json:"emergency_stop"`
	DoorOpen      bool `json:"door_open"`
	Fire          bool `json:"fire"`
	WaterLeak     bool `json:"water_leak"`
}

// Clean reports whether no input demands a stop or blocks a reset.
func (i Inputs) Clean() bool {
	return !i.EmergencyStop && !i.DoorOpen && !i.Fire && !i.WaterLeak
}

type SafetyInputs interface {
	Device
	ReadInputs(ctx context.Context) (Inputs, error)
}

type Alarm interface {
	Device
	SetAlarm(ctx context.Context, active bool) error
}

// Initializer is implemented by components that need (re-)initialization at
// boot and during recovery.
type Initializer interface {
	Device
	Initialize(ctx context.Context) error
}

// ComponentStatus is the health record kept for every registered component.
type ComponentStatus struct {
	ID         string    `json:"id"`
	Enabled    bool      `json:"enabled"`
	Critical   bool      `json:"critical"`
	ErrorCount int       `json:"error_count"`
	LastError  string    `json:"last_error,omitempty"`
	LastCheck  time.Time `json:"last_check"`
}
