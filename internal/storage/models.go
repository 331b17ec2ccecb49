package storage

import (
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
)

// OrderRecord is one row of an order's status history.
type OrderRecord struct {
	OrderID   uuid.UUID         `json:"order_id"`
	Status    types.OrderStatus `json:"status"`
	Error     string            `json:"error,omitempty"`
	ChangedAt time.Time         `json:"changed_at"`
}

// EventRecord is an event as persisted, with the payload kept as raw JSON.
type EventRecord struct {
	ID            uuid.UUID `json:"id"`
	Sequence      uint64    `json:"sequence"`
	Kind          string    `json:"kind"`
	Source        string    `json:"source"`
	Priority      string    `json:"priority"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       []byte    `json:"payload"`
	OccurredAt    time.Time `json:"occurred_at"`
}
