package safety

import "sync/atomic"

// Latch is the machine-wide emergency stop flag. Control loops poll it every
// tick; only the Monitor engages and releases it.
type Latch struct {
	engaged atomic.Bool
}

func NewLatch() *Latch { return &Latch{} }

func (l *Latch) Engaged() bool { return l.engaged.Load() }

// engage reports whether this call engaged the latch.
func (l *Latch) engage() bool { return l.engaged.CompareAndSwap(false, true) }

func (l *Latch) release() { l.engaged.Store(false) }
