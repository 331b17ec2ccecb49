// Package sim provides simulated components for development and tests. Every
// device supports fault injection through FailNext.
package sim

import (
	"context"
	"errors"
	"sync"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

var (
	ErrStopped  = errors.New("component emergency stopped")
	ErrInjected = errors.New("injected fault")
)

type base struct {
	id string

	mu        sync.Mutex
	active    bool
	stopped   bool
	failures  int
	failErr   error
	initCount int
	stopCount int
}

func (b *base) ID() string { return b.id }

func (b *base) Status() hardware.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return hardware.Status{Online: true, Detail: "emergency stopped"}
	}
	if b.active {
		return hardware.Status{Online: true, Detail: "active"}
	}
	return hardware.Status{Online: true, Detail: "idle"}
}

// actuator adds the Actuator methods to base.
type actuator struct {
	base
}

func (b *actuator) Activate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(ctx, "activate"); err != nil {
		return err
	}
	b.active = true
	return nil
}

func (b *actuator) Deactivate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	return nil
}

func (b *actuator) EmergencyStop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active = false
	b.stopped = true
	b.stopCount++
	return nil
}

// Initialize clears the emergency stop and pending faults.
func (b *base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = false
	b.failures = 0
	b.initCount++
	return nil
}

// FailNext makes the next n operations fail with err, or ErrInjected when
// err is nil.
func (b *base) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrInjected
	}
	b.failures = n
	b.failErr = err
}

func (b *actuator) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

func (b *actuator) StopCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopCount
}

func (b *base) InitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initCount
}

// check must be called with mu held.
func (b *base) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &types.TransientHardwareError{Component: b.id, Op: op, Err: err}
	}
	if b.failures > 0 {
		b.failures--
		return &types.TransientHardwareError{Component: b.id, Op: op, Err: b.failErr}
	}
	if b.stopped {
		return &types.TransientHardwareError{Component: b.id, Op: op, Err: ErrStopped}
	}
	return nil
}

// checkRead ignores the emergency stop; probes keep reporting while stopped.
func (b *base) checkRead(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &types.TransientHardwareError{Component: b.id, Op: op, Err: err}
	}
	if b.failures > 0 {
		b.failures--
		return &types.TransientHardwareError{Component: b.id, Op: op, Err: b.failErr}
	}
	return nil
}
