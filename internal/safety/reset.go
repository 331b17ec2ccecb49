package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

// ResetBlockedError lists every check that prevented an emergency stop reset.
type ResetBlockedError struct {
	Failed []string
}

func (e *ResetBlockedError) Error() string {
	return "emergency stop reset blocked: " + strings.Join(e.Failed, "; ")
}

func (e *ResetBlockedError) Unwrap() error { return ErrResetBlocked }

// ResetEmergencyStop releases the latch after a fresh sample shows that all
// temperatures are below max minus the reset margin, every safety input is
// clear and no critical component is disabled. A stop requested while the
// checks run also blocks it. Calling it outside an emergency stop is a no-op.
func (m *Monitor) ResetEmergencyStop(ctx context.Context) error {
	if !m.latch.Engaged() && m.State() != types.SafetyEmergencyStop {
		return nil
	}

	m.mu.Lock()
	epoch := m.stops
	m.mu.Unlock()

	m.poll(ctx)
	if failed := m.resetChecks(); len(failed) > 0 {
		m.logger.Warn("Emergency stop reset refused", zap.Strings("failed_checks", failed))
		return &ResetBlockedError{Failed: failed}
	}

	m.mu.Lock()
	if m.stops != epoch {
		reason := m.reason
		m.mu.Unlock()
		failed := []string{"emergency stop raised during reset: " + reason}
		m.logger.Warn("Emergency stop reset refused", zap.Strings("failed_checks", failed))
		return &ResetBlockedError{Failed: failed}
	}
	from := m.state
	m.state = types.SafetyNormal
	m.reason = ""
	m.since = time.Now()
	m.streak = 0
	m.lastClean = true
	m.breached = make(map[string]bool)
	m.latch.release()
	m.mu.Unlock()

	m.logger.Info("Emergency stop reset")
	m.setAlarms(ctx, false, "reset")
	m.publish(ctx, events.New(events.KindEmergencyReset, "safety", events.EmergencyReset{}))
	m.announce(ctx, from, types.SafetyNormal, "emergency stop reset")
	return nil
}

func (m *Monitor) resetChecks() []string {
	var failed []string

	readings, inputs := m.snapshot()
	limit := m.cfg.Thresholds.Temperature.Max - m.cfg.ResetMargin
	for _, r := range readings {
		if r.quantity == types.QuantityTemperature && r.value > limit {
			failed = append(failed, fmt.Sprintf("temperature %s %.1f above %.1f", r.component, r.value, limit))
		}
	}

	if inputs.EmergencyStop {
		failed = append(failed, "emergency stop input engaged")
	}
	if inputs.DoorOpen {
		failed = append(failed, "door open")
	}
	if inputs.Fire {
		failed = append(failed, "fire detected")
	}
	if inputs.WaterLeak {
		failed = append(failed, "water leak")
	}

	for _, id := range m.components.disabledCritical() {
		failed = append(failed, "critical component disabled: "+id)
	}
	return failed
}
