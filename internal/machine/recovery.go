package machine

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

// startRecovery handles a critical component that the safety monitor gave up
// on. Only one recovery runs at a time.
func (c *Controller) startRecovery(component, reason string) {
	if !c.recovering.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.recovering.Store(false)
		if err := c.recoverFrom(c.ctx, component, reason); err != nil {
			c.logger.Warn("Recovery ended without reset",
				zap.String("component", component),
				zap.Error(err))
		}
	}()
}

// recoverFrom stops the machine through the safety monitor, then retries
// re-initialization and the verified reset with exponential backoff. When
// every attempt fails the machine needs maintenance.
func (c *Controller) recoverFrom(ctx context.Context, component, reason string) error {
	c.logger.Error("Critical component failed, stopping machine",
		zap.String("component", component),
		zap.String("error", reason))

	c.safety.EmergencyStop(ctx, "machine", fmt.Sprintf("component %s failed: %s", component, reason))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxRetryAttempts; attempt++ {
		backoff := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if lastErr = c.attemptRecovery(ctx, component); lastErr == nil {
			c.logger.Info("Recovered from hardware failure",
				zap.String("component", component),
				zap.Int("attempt", attempt))
			return nil
		}
		c.logger.Warn("Recovery attempt failed",
			zap.String("component", component),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}

	c.requireMaintenance(ctx, component, reason, lastErr)
	return lastErr
}

func (c *Controller) attemptRecovery(ctx context.Context, component string) error {
	if err := c.reinitialize(ctx); err != nil {
		return err
	}
	if err := c.safety.EnableComponent(ctx, component); err != nil {
		return err
	}
	return c.state.RecoverFromEmergency(ctx, c.safety)
}

// requireMaintenance parks the machine. A machine held in EmergencyStop stays
// there; it only leaves through the verified reset.
func (c *Controller) requireMaintenance(ctx context.Context, component, reason string, lastErr error) {
	msg := reason
	if lastErr != nil {
		msg = fmt.Sprintf("%s; last recovery error: %v", reason, lastErr)
	}

	if c.state.Machine() != types.MachineEmergencyStop {
		if err := c.state.SetMachine(ctx, types.MachineError, "maintenance required: "+component); err != nil {
			c.logger.Warn("Failed to set machine status", zap.Error(err))
		}
	}

	c.logger.Error("Maintenance required",
		zap.String("component", component),
		zap.Int("attempts", c.cfg.MaxRetryAttempts),
		zap.String("reason", msg))

	c.publish(ctx, events.New(events.KindMaintenanceRequired, "machine", events.MaintenanceRequired{
		Component: component,
		Reason:    msg,
		Attempts:  c.cfg.MaxRetryAttempts,
	}))
}
