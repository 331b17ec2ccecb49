package safety

import (
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
)

type componentEntry struct {
	status      hardware.ComponentStatus
	consecutive int
}

// componentTable is only mutated by the Monitor.
type componentTable struct {
	mu         sync.Mutex
	maxRetries int
	byID       map[string]*componentEntry
}

func newComponentTable(maxRetries int, critical []string, devices []hardware.Device) *componentTable {
	t := &componentTable{maxRetries: maxRetries, byID: make(map[string]*componentEntry)}
	for _, id := range critical {
		t.byID[id] = &componentEntry{status: hardware.ComponentStatus{ID: id, Enabled: true, Critical: true}}
	}
	for _, d := range devices {
		if _, ok := t.byID[d.ID()]; !ok {
			t.byID[d.ID()] = &componentEntry{status: hardware.ComponentStatus{ID: d.ID(), Enabled: true}}
		}
	}
	return t
}

func (t *componentTable) entry(id string) *componentEntry {
	c, ok := t.byID[id]
	if !ok {
		c = &componentEntry{status: hardware.ComponentStatus{ID: id, Enabled: true}}
		t.byID[id] = c
	}
	return c
}

// failure records an error and reports whether it disabled the component.
func (t *componentTable) failure(id, msg string, at time.Time) (hardware.ComponentStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.entry(id)
	c.status.ErrorCount++
	c.status.LastError = msg
	c.status.LastCheck = at
	c.consecutive++

	disabled := false
	if c.status.Enabled && c.consecutive > t.maxRetries {
		c.status.Enabled = false
		disabled = true
	}
	return c.status, disabled
}

func (t *componentTable) success(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := t.entry(id)
	c.consecutive = 0
	c.status.LastCheck = at
}

func (t *componentTable) enable(id string) (hardware.ComponentStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byID[id]
	if !ok {
		return hardware.ComponentStatus{}, false
	}
	c.status.Enabled = true
	c.consecutive = 0
	return c.status, true
}

func (t *componentTable) get(id string) (hardware.ComponentStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byID[id]
	if !ok {
		return hardware.ComponentStatus{}, false
	}
	return c.status, true
}

func (t *componentTable) list() []hardware.ComponentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]hardware.ComponentStatus, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// disabledCritical lists critical components that failed and were disabled.
func (t *componentTable) disabledCritical() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for _, c := range t.byID {
		if c.status.Critical && !c.status.Enabled && c.status.ErrorCount > 0 {
			ids = append(ids, c.status.ID)
		}
	}
	sort.Strings(ids)
	return ids
}
