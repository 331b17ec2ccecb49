package hardware

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var ErrNotFound = errors.New("component not found")

// Registry holds every registered component. Capability lookups type-assert
// the stored devices.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Device
	order   []string
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		devices: make(map[string]Device),
		logger:  logger.Named("hardware"),
	}
}

func (r *Registry) Register(d Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.devices[d.ID()]; exists {
		return fmt.Errorf("component %s already registered", d.ID())
	}
	r.devices[d.ID()] = d
	r.order = append(r.order, d.ID())

	r.logger.Info("Component registered", zap.String("id", d.ID()))
	return nil
}

func (r *Registry) Get(id string) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// All returns the components in registration order.
func (r *Registry) All() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

func collect[T any](r *Registry) []T {
	var out []T
	for _, d := range r.All() {
		if c, ok := d.(T); ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Actuators() []Actuator { return collect[Actuator](r) }
func (r *Registry) Sensors() []Sensor { return collect[Sensor](r) }
func (r *Registry) Heaters() []Heatable { return collect[Heatable](r) }
func (r *Registry) Dispensers() []Dispensable { return collect[Dispensable](r) }
func (r *Registry) Inputs() []SafetyInputs { return collect[SafetyInputs](r) }
func (r *Registry) Alarms() []Alarm { return collect[Alarm](r) }
func (r *Registry) Initializers() []Initializer { return collect[Initializer](r) }
func (r *Registry) Manipulators() []Actuatable { return collect[Actuatable](r) }

func (r *Registry) Heater(zone string) (Heatable, error) {
	for _, h := range r.Heaters() {
		if h.Zone() == zone {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: heater for zone %s", ErrNotFound, zone)
}

func (r *Registry) Dispenser(ingredient string) (Dispensable, error) {
	for _, d := range r.Dispensers() {
		if d.Ingredient() == ingredient {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: dispenser for %s", ErrNotFound, ingredient)
}

// Manipulator returns the first registered component able to assemble and
// package.
func (r *Registry) Manipulator() (Actuatable, error) {
	m := r.Manipulators()
	if len(m) == 0 {
		return nil, fmt.Errorf("%w: manipulator", ErrNotFound)
	}
	return m[0], nil
}

// InitializeAll runs Initialize on every Initializer and joins the failures.
func (r *Registry) InitializeAll(ctx context.Context) error {
	var errs []error
	for _, in := range r.Initializers() {
		if err := in.Initialize(ctx); err != nil {
			r.logger.Error("Component initialization failed",
				zap.String("id", in.ID()),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", in.ID(), err))
		}
	}
	return errors.Join(errs...)
}
