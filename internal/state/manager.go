package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrNotInEmergency = errors.New("machine is not in emergency stop")
	ErrUnknownOrder   = errors.New("unknown order")
)

// ResetVerifier performs the safety checks that must pass before the machine
// may leave EmergencyStop.
type ResetVerifier interface {
	ResetEmergencyStop(ctx context.Context) error
}

type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Manager owns the machine status and the status of every tracked order.
type Manager struct {
	logger *zap.Logger
	bus    Publisher

	mu         sync.RWMutex
	machine    types.MachineStatus
	reason     string
	lastChange time.Time
	orders     map[uuid.UUID]types.OrderStatus
}

func NewManager(logger *zap.Logger, bus Publisher) *Manager {
	return &Manager{
		logger:     logger.Named("state"),
		bus:        bus,
		machine:    types.MachineBooting,
		lastChange: time.Now(),
		orders:     make(map[uuid.UUID]types.OrderStatus),
	}
}

func (m *Manager) Machine() types.MachineStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.machine
}

// MachineDetail returns the status together with the reason and time of the
// last change.
func (m *Manager) MachineDetail() (types.MachineStatus, string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.machine, m.reason, m.lastChange
}

// SetMachine moves the machine to requested. A request for the current status
// is a no-op.
func (m *Manager) SetMachine(ctx context.Context, requested types.MachineStatus, reason string) error {
	m.mu.Lock()
	from := m.machine
	if from == requested {
		m.mu.Unlock()
		return nil
	}
	to, err := NextMachineStatus(from, requested)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.machine = to
	m.reason = reason
	m.lastChange = time.Now()
	m.mu.Unlock()

	m.announceMachine(ctx, from, to, reason)
	return nil
}

// RecoverFromEmergency is the only way out of EmergencyStop: the verifier's
// checks must all pass before the machine returns to Ready.
func (m *Manager) RecoverFromEmergency(ctx context.Context, verifier ResetVerifier) error {
	if m.Machine() != types.MachineEmergencyStop {
		return ErrNotInEmergency
	}
	if err := verifier.ResetEmergencyStop(ctx); err != nil {
		return fmt.Errorf("recover from emergency stop: %w", err)
	}

	m.mu.Lock()
	if m.machine != types.MachineEmergencyStop {
		m.mu.Unlock()
		return ErrNotInEmergency
	}
	from := m.machine
	m.machine = types.MachineReady
	m.reason = "emergency stop reset"
	m.lastChange = time.Now()
	m.mu.Unlock()

	m.announceMachine(ctx, from, types.MachineReady, "emergency stop reset")
	return nil
}

func (m *Manager) announceMachine(ctx context.Context, from, to types.MachineStatus, reason string) {
	m.logger.Info("Machine status changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))

	e := events.New(events.KindMachineStatusChanged, "state", events.MachineStatusChanged{From: from, To: to, Reason: reason})
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn("Failed to publish machine status", zap.Error(err))
	}
}

// TrackOrder registers a new order as Pending.
func (m *Manager) TrackOrder(id uuid.UUID) {
	m.mu.Lock()
	m.orders[id] = types.OrderPending
	m.mu.Unlock()
}

func (m *Manager) Order(id uuid.UUID) (types.OrderStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.orders[id]
	return s, ok
}

// SetOrder validates and applies an order transition. Terminal orders are
// forgotten once announced.
func (m *Manager) SetOrder(ctx context.Context, id uuid.UUID, requested types.OrderStatus, errMsg string) error {
	m.mu.Lock()
	from, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, id)
	}
	to, err := NextOrderStatus(from, requested)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if to.Terminal() {
		delete(m.orders, id)
	} else {
		m.orders[id] = to
	}
	m.mu.Unlock()

	m.logger.Debug("Order status changed",
		zap.String("order_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	e := events.New(events.KindOrderStatusChanged, "state", events.OrderStatusChanged{OrderID: id, From: from, To: to, Error: errMsg}).
		WithCorrelation(id.String())
	if err := m.bus.Publish(ctx, e); err != nil {
		m.logger.Warn("Failed to publish order status", zap.Error(err))
	}
	return nil
}
