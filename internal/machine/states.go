package machine

import (
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type Command string

const (
	CommandStop           Command = "stop"
	CommandReset          Command = "reset"
	CommandAcknowledge    Command = "acknowledge"
	CommandMaintenanceOn  Command = "maintenance_on"
	CommandMaintenanceOff Command = "maintenance_off"
)

// OrderRequest is what intake hands to Submit. Express and VIP orders are
// queued ahead of normal ones.
type OrderRequest struct {
	Items   []types.OrderItem `json:"items" binding:"required,min=1,dive"`
	Express bool              `json:"express"`
	VIP     bool              `json:"vip"`
}

type Metrics struct {
	OrdersProcessed int     `json:"orders_processed"`
	OrdersFailed    int     `json:"orders_failed"`
	AvgOrderTime    float64 `json:"avg_order_time_seconds"`
	Uptime          float64 `json:"uptime_seconds"`
}

type Status struct {
	MachineStatus types.MachineStatus `json:"machine_status"`
	Reason        string              `json:"reason,omitempty"`
	Since         time.Time           `json:"since"`
	SafetyState   types.SafetyState   `json:"safety_state"`
	IntakePaused  bool                `json:"intake_paused"`
	PauseReason   string              `json:"pause_reason,omitempty"`
	Recovering    bool                `json:"recovering"`
	QueueLength   int                 `json:"queue_length"`
	ActiveOrders  int                 `json:"active_orders"`
	Temperatures  map[string]float64  `json:"temperatures"`
	Metrics       Metrics             `json:"metrics"`
}
