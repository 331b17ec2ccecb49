package types

type MachineStatus string

const (
	MachineBooting       MachineStatus = "booting"
	MachineReady         MachineStatus = "ready"
	MachineProcessing    MachineStatus = "processing"
	MachineMaintenance   MachineStatus = "maintenance"
	MachineError         MachineStatus = "error"
	MachineEmergencyStop MachineStatus = "emergency_stop"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPreparing OrderStatus = "preparing"
	OrderReady     OrderStatus = "ready"
	OrderCancelled OrderStatus = "cancelled"
	OrderFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderReady || s == OrderCancelled || s == OrderFailed
}

// SafetyState is ordered by severity; Maintenance sits outside the ladder.
type SafetyState int

const (
	SafetyNormal SafetyState = iota
	SafetyWarning
	SafetyCritical
	SafetyEmergencyStop
	SafetyMaintenance
)

func (s SafetyState) String() string {
	switch s {
	case SafetyNormal:
		return "normal"
	case SafetyWarning:
		return "warning"
	case SafetyCritical:
		return "critical"
	case SafetyEmergencyStop:
		return "emergency_stop"
	case SafetyMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func (s SafetyState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Severity ranks the state on the escalation ladder. Maintenance ranks as Normal.
func (s SafetyState) Severity() int {
	if s == SafetyMaintenance {
		return 0
	}
	return int(s)
}

type ZoneState string

const (
	ZoneIdle       ZoneState = "idle"
	ZonePreheating ZoneState = "preheating"
	ZoneReady      ZoneState = "ready"
	ZoneActive     ZoneState = "active"
	ZoneOverheated ZoneState = "overheated"
)

// Quantity names a measured physical value.
type Quantity string

const (
	QuantityTemperature Quantity = "temperature"
	QuantityCurrent     Quantity = "current"
	QuantityVoltage     Quantity = "voltage"
	QuantityPressure    Quantity = "pressure"
	QuantityVibration   Quantity = "vibration"
)
