package thermal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

// Service owns the zone loops and executes heat steps requested on the bus.
type Service struct {
	logger         *zap.Logger
	bus            *events.Bus
	latch          Latch
	loops          map[string]*Loop
	preheatTimeout time.Duration

	subs   []events.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(logger *zap.Logger, bus *events.Bus, latch Latch, preheatTimeout time.Duration, loops ...*Loop) *Service {
	byZone := make(map[string]*Loop, len(loops))
	for _, l := range loops {
		byZone[l.Zone()] = l
	}
	if preheatTimeout <= 0 {
		preheatTimeout = 5 * time.Minute
	}
	return &Service{
		logger:         logger.Named("thermal"),
		bus:            bus,
		latch:          latch,
		loops:          byZone,
		preheatTimeout: preheatTimeout,
	}
}

// Start subscribes to the bus, enables every zone and starts its loop.
func (s *Service) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.subs = append(s.subs,
		events.On(s.bus, events.KindStepRequested, s.onStepRequested),
		events.On(s.bus, events.KindReduceHeating, s.onReduceHeating),
		events.On(s.bus, events.KindEmergencyReset, s.onEmergencyReset),
	)

	for _, zone := range s.Zones() {
		l := s.loops[zone]
		if err := l.Enable(ctx); err != nil {
			return fmt.Errorf("enable zone %s: %w", zone, err)
		}
		l.Start(s.ctx)
	}
	return nil
}

func (s *Service) Stop() {
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	for _, l := range s.loops {
		l.Stop()
	}
}

func (s *Service) Loop(zone string) (*Loop, bool) {
	l, ok := s.loops[zone]
	return l, ok
}

func (s *Service) Zones() []string {
	zones := make([]string, 0, len(s.loops))
	for z := range s.loops {
		zones = append(zones, z)
	}
	sort.Strings(zones)
	return zones
}

func (s *Service) Snapshots() []Snapshot {
	out := make([]Snapshot, 0, len(s.loops))
	for _, z := range s.Zones() {
		out = append(out, s.loops[z].Snapshot())
	}
	return out
}

func (s *Service) onStepRequested(ctx context.Context, e events.Event, req events.StepRequested) error {
	if req.Step.Type != types.StepHeat {
		return nil
	}

	l, ok := s.loops[req.Step.Zone]
	if !ok {
		s.fail(ctx, e, req, "", fmt.Errorf("unknown zone %q", req.Step.Zone))
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.heat(s.ctx, l, req.Step.Duration); err != nil {
			s.fail(s.ctx, e, req, l.heater.ID(), err)
			return
		}
		s.publish(s.ctx, events.New(events.KindStepCompleted, l.source(), events.StepCompleted{
			StepID:  req.StepID,
			OrderID: req.OrderID,
			Index:   req.Index,
		}).WithCorrelation(e.CorrelationID))
	}()
	return nil
}

// heat waits for the zone to reach temperature, then holds a batch in it
// for d. The batch is aborted when the zone overheats or the latch engages.
func (s *Service) heat(ctx context.Context, l *Loop, d time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.preheatTimeout)
	err := l.WaitReady(waitCtx)
	cancel()
	if err != nil {
		return err
	}

	if err := l.BeginBatch(); err != nil {
		return err
	}
	defer l.EndBatch()

	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.latch != nil && s.latch.Engaged() {
				return ErrHalted
			}
			if l.State() == types.ZoneOverheated {
				return ErrOverheated
			}
		}
	}
}

func (s *Service) fail(ctx context.Context, e events.Event, req events.StepRequested, component string, err error) {
	s.logger.Warn("Heat step failed",
		zap.String("zone", req.Step.Zone),
		zap.String("order_id", req.OrderID.String()),
		zap.Error(err))

	var the *types.TransientHardwareError
	s.publish(ctx, events.New(events.KindStepFailed, "thermal", events.StepFailed{
		StepID:    req.StepID,
		OrderID:   req.OrderID,
		Index:     req.Index,
		Component: component,
		Error:     err.Error(),
		Hardware:  errors.As(err, &the),
	}).WithCorrelation(e.CorrelationID))
}

func (s *Service) onReduceHeating(_ context.Context, _ events.Event, p events.ReduceHeating) error {
	if p.Zone == "" {
		for _, l := range s.loops {
			l.ReduceTarget(p.Delta)
		}
		return nil
	}
	l, ok := s.loops[p.Zone]
	if !ok {
		return nil
	}
	l.ReduceTarget(p.Delta)
	return nil
}

func (s *Service) onEmergencyReset(ctx context.Context, _ events.Event, _ events.EmergencyReset) error {
	var errs []error
	for _, l := range s.loops {
		if err := l.ClearOverheat(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.bus.Publish(ctx, e); err != nil && !errors.Is(err, events.ErrClosed) {
		s.logger.Warn("Publish failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}
