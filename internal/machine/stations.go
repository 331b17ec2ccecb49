package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

var ErrHalted = errors.New("station halted by emergency stop")

// Stations executes dispense, assemble and package steps on the registered
// hardware. Heat steps belong to the thermal service.
type Stations struct {
	logger   *zap.Logger
	bus      *events.Bus
	registry *hardware.Registry
	latch    Latch
	timeout  time.Duration

	sub    events.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewStations(logger *zap.Logger, bus *events.Bus, registry *hardware.Registry, latch Latch, timeout time.Duration) *Stations {
	return &Stations{
		logger:   logger.Named("stations"),
		bus:      bus,
		registry: registry,
		latch:    latch,
		timeout:  timeout,
	}
}

func (s *Stations) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.sub = events.On(s.bus, events.KindStepRequested, s.onStepRequested)
}

func (s *Stations) Stop() {
	s.bus.Unsubscribe(s.sub)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Stations) onStepRequested(_ context.Context, e events.Event, req events.StepRequested) error {
	switch req.Step.Type {
	case types.StepDispenseIngredient, types.StepAssemble, types.StepPackage:
	default:
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		component, err := s.execute(s.ctx, req.Step)
		if err != nil {
			s.fail(e, req, component, err)
			return
		}
		s.publish(events.New(events.KindStepCompleted, "stations", events.StepCompleted{
			StepID:  req.StepID,
			OrderID: req.OrderID,
			Index:   req.Index,
		}).WithCorrelation(e.CorrelationID))
	}()
	return nil
}

func (s *Stations) execute(ctx context.Context, step types.Step) (string, error) {
	if s.latch.Engaged() {
		return "", ErrHalted
	}

	hwCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch step.Type {
	case types.StepDispenseIngredient:
		d, err := s.registry.Dispenser(step.Ingredient)
		if err != nil {
			return "", err
		}
		return d.ID(), d.Dispense(hwCtx, step.Amount)
	case types.StepAssemble:
		m, err := s.registry.Manipulator()
		if err != nil {
			return "", err
		}
		return m.ID(), m.Assemble(hwCtx, step.Layers)
	case types.StepPackage:
		m, err := s.registry.Manipulator()
		if err != nil {
			return "", err
		}
		return m.ID(), m.Package(hwCtx, step.Container)
	}
	return "", fmt.Errorf("unsupported step %s", step.Type)
}

// fail reports a failed step. Hardware failures are also published as
// HardwareError so the safety monitor counts them against the component.
func (s *Stations) fail(e events.Event, req events.StepRequested, component string, err error) {
	var hwErr *types.TransientHardwareError
	hardwareFault := errors.As(err, &hwErr)

	s.logger.Warn("Step failed",
		zap.String("step", string(req.Step.Type)),
		zap.String("component", component),
		zap.String("order_id", req.OrderID.String()),
		zap.Error(err))

	if hardwareFault && component != "" {
		s.publish(events.New(events.KindHardwareError, "stations", events.HardwareError{
			Component: component,
			Op:        hwErr.Op,
			Error:     err.Error(),
			Transient: true,
		}))
	}
	s.publish(events.New(events.KindStepFailed, "stations", events.StepFailed{
		StepID:    req.StepID,
		OrderID:   req.OrderID,
		Index:     req.Index,
		Component: component,
		Error:     err.Error(),
		Hardware:  hardwareFault,
	}).WithCorrelation(e.CorrelationID))
}

func (s *Stations) publish(e events.Event) {
	if err := s.bus.Publish(s.ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		s.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
