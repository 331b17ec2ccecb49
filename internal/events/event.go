package events

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindSystemStarted Kind = "system.started"
	KindSystemStopped Kind = "system.stopped"
	KindSystemError   Kind = "system.error"

	KindMachineStatusChanged Kind = "machine.status_changed"

	KindOrderReceived      Kind = "order.received"
	KindOrderStatusChanged Kind = "order.status_changed"

	KindStepRequested Kind = "step.requested"
	KindStepCompleted Kind = "step.completed"
	KindStepFailed    Kind = "step.failed"

	KindTemperatureReading Kind = "temperature.reading"
	KindZoneStateChanged   Kind = "zone.state_changed"
	KindOverheat           Kind = "zone.overheat"
	KindReduceHeating      Kind = "zone.reduce_heating"

	KindSensorReading   Kind = "sensor.reading"
	KindSafetyInputs    Kind = "safety.inputs"
	KindHardwareError   Kind = "hardware.error"
	KindComponentStatus Kind = "component.status"

	KindSafetyStateChanged Kind = "safety.state_changed"
	KindSafetyViolation    Kind = "safety.violation"
	KindStopRequested      Kind = "safety.stop_requested"
	KindEmergencyStop      Kind = "safety.emergency_stop"
	KindEmergencyReset     Kind = "safety.emergency_reset"
	KindAlarm              Kind = "safety.alarm"

	KindInventoryLow        Kind = "inventory.low"
	KindMaintenanceRequired Kind = "maintenance.required"
)

type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// DefaultPriority is the priority New assigns to an event of the given kind.
func DefaultPriority(kind Kind) Priority {
	switch kind {
	case KindEmergencyStop, KindOverheat:
		return PriorityCritical
	case KindSafetyViolation, KindStopRequested, KindEmergencyReset, KindSafetyStateChanged,
		KindHardwareError, KindSystemError, KindAlarm, KindMaintenanceRequired, KindReduceHeating:
		return PriorityHigh
	case KindTemperatureReading, KindSensorReading, KindSafetyInputs, KindComponentStatus:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Event is a value; it is never mutated after Publish assigns its Sequence.
type Event struct {
	ID            uuid.UUID `json:"id"`
	Kind          Kind      `json:"kind"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Priority      Priority  `json:"priority"`
	Source        string    `json:"source"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Sequence      uint64    `json:"sequence"`
}

func New(kind Kind, source string, payload any) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
		Priority:  DefaultPriority(kind),
		Source:    source,
	}
}

func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}

func (e Event) WithPriority(p Priority) Event {
	e.Priority = p
	return e
}

func (e Event) Critical() bool {
	return e.Priority == PriorityCritical
}
