package events

import (
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
)

type SystemMessage struct {
	Message string `json:"message"`
}

type SystemError struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

type MachineStatusChanged struct {
	From   types.MachineStatus `json:"from"`
	To     types.MachineStatus `json:"to"`
	Reason string              `json:"reason,omitempty"`
}

type OrderReceived struct {
	OrderID  uuid.UUID           `json:"order_id"`
	Priority types.OrderPriority `json:"priority"`
	Items    []types.OrderItem   `json:"items"`
}

type OrderStatusChanged struct {
	OrderID uuid.UUID         `json:"order_id"`
	From    types.OrderStatus `json:"from"`
	To      types.OrderStatus `json:"to"`
	Error   string            `json:"error,omitempty"`
}

// StepRequested asks a station to execute one recipe step. The event's
// CorrelationID equals StepID; the station answers with StepCompleted or
// StepFailed carrying the same correlation id.
type StepRequested struct {
	StepID  string     `json:"step_id"`
	OrderID uuid.UUID  `json:"order_id"`
	Index   int        `json:"index"`
	Step    types.Step `json:"step"`
}

type StepCompleted struct {
	StepID  string    `json:"step_id"`
	OrderID uuid.UUID `json:"order_id"`
	Index   int       `json:"index"`
}

type StepFailed struct {
	StepID    string    `json:"step_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Index     int       `json:"index"`
	Component string    `json:"component,omitempty"`
	Error     string    `json:"error"`
	Hardware  bool      `json:"hardware"`
}

type TemperatureReading struct {
	Zone    string  `json:"zone"`
	Celsius float64 `json:"celsius"`
	Target  float64 `json:"target"`
	Duty    float64 `json:"duty"`
}

type ZoneStateChanged struct {
	Zone string          `json:"zone"`
	From types.ZoneState `json:"from"`
	To   types.ZoneState `json:"to"`
}

type Overheat struct {
	Zone    string  `json:"zone"`
	Celsius float64 `json:"celsius"`
	Limit   float64 `json:"limit"`
}

// ReduceHeating lowers a zone's target by Delta degrees.
type ReduceHeating struct {
	Zone  string  `json:"zone"`
	Delta float64 `json:"delta"`
}

type SensorReading struct {
	Component string         `json:"component"`
	Quantity  types.Quantity `json:"quantity"`
	Value     float64        `json:"value"`
	Unit      string         `json:"unit,omitempty"`
}

type SafetyInputs struct {
	Source        string `json:"source"`
	EmergencyStop bool   `json:"emergency_stop"`
	DoorOpen      bool   `json:"door_open"`
	Fire          bool   `json:"fire"`
	WaterLeak     bool   `json:"water_leak"`
}

type HardwareError struct {
	Component string `json:"component"`
	Op        string `json:"op"`
	Error     string `json:"error"`
	Transient bool   `json:"transient"`
}

type ComponentStatus struct {
	Component  string `json:"component"`
	Enabled    bool   `json:"enabled"`
	Critical   bool   `json:"critical"`
	ErrorCount int    `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

type SafetyStateChanged struct {
	From   types.SafetyState `json:"from"`
	To     types.SafetyState `json:"to"`
	Reason string            `json:"reason,omitempty"`
}

type SafetyViolation struct {
	Component string         `json:"component"`
	Quantity  types.Quantity `json:"quantity,omitempty"`
	Value     float64        `json:"value"`
	Limit     float64        `json:"limit"`
	Reason    string         `json:"reason"`
}

type StopRequested struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type EmergencyStop struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type EmergencyReset struct {
	Operator string `json:"operator,omitempty"`
}

type Alarm struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

type InventoryLow struct {
	Ingredient string  `json:"ingredient"`
	Remaining  float64 `json:"remaining"`
	Threshold  float64 `json:"threshold"`
}

type MaintenanceRequired struct {
	Component string `json:"component,omitempty"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts"`
}
