package state

import (
	"errors"
	"fmt"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

var machineTransitions = map[types.MachineStatus][]types.MachineStatus{
	types.MachineBooting:     {types.MachineReady, types.MachineError},
	types.MachineReady:       {types.MachineProcessing, types.MachineMaintenance, types.MachineError},
	types.MachineProcessing:  {types.MachineReady, types.MachineError},
	types.MachineMaintenance: {types.MachineReady, types.MachineError},
	types.MachineError:       {types.MachineBooting, types.MachineReady, types.MachineMaintenance},
	// Leaving EmergencyStop goes through RecoverFromEmergency only.
	types.MachineEmergencyStop: {},
}

var orderTransitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderPending:   {types.OrderPreparing, types.OrderCancelled, types.OrderFailed},
	types.OrderPreparing: {types.OrderReady, types.OrderFailed},
	types.OrderReady:     {},
	types.OrderCancelled: {},
	types.OrderFailed:    {},
}

// NextMachineStatus validates current -> requested. EmergencyStop is
// reachable from every state.
func NextMachineStatus(current, requested types.MachineStatus) (types.MachineStatus, error) {
	allowed, ok := machineTransitions[current]
	if !ok {
		return current, &InvalidTransitionError{Entity: "machine", From: string(current), To: string(requested)}
	}
	if requested == types.MachineEmergencyStop && current != types.MachineEmergencyStop {
		return requested, nil
	}
	for _, s := range allowed {
		if s == requested {
			return requested, nil
		}
	}
	return current, &InvalidTransitionError{Entity: "machine", From: string(current), To: string(requested)}
}

func NextOrderStatus(current, requested types.OrderStatus) (types.OrderStatus, error) {
	allowed, ok := orderTransitions[current]
	if !ok {
		return current, &InvalidTransitionError{Entity: "order", From: string(current), To: string(requested)}
	}
	for _, s := range allowed {
		if s == requested {
			return requested, nil
		}
	}
	return current, &InvalidTransitionError{Entity: "order", From: string(current), To: string(requested)}
}
