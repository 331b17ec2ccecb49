// Package metrics exposes the machine's Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "okc"

// Collector records order, safety, thermal and bus metrics. It implements
// the recorder interfaces of the machine and safety packages.
type Collector struct {
	registry *prometheus.Registry

	ordersFinished  *prometheus.CounterVec
	orderDuration   prometheus.Histogram
	ordersPending   prometheus.Gauge
	ordersActive    prometheus.Gauge
	safetyState     prometheus.Gauge
	emergencyStops  *prometheus.CounterVec
	violations      *prometheus.CounterVec
	componentErrors *prometheus.CounterVec
	temperature     *prometheus.GaugeVec
	duty            *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ordersFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_finished_total",
			Help:      "Orders that reached a terminal status.",
		}, []string{"status"}),
		orderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_duration_seconds",
			Help:      "Time from admission to completion of successful orders.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}),
		ordersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_pending",
			Help:      "Orders waiting in the queue.",
		}),
		ordersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_active",
			Help:      "Orders currently being prepared.",
		}),
		safetyState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safety_state",
			Help:      "Current safety state (0 normal, 1 warning, 2 critical, 3 emergency, 4 maintenance).",
		}),
		emergencyStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_stops_total",
			Help:      "Emergency stops executed.",
		}, []string{"source"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_violations_total",
			Help:      "Threshold violations by quantity.",
		}, []string{"quantity"}),
		componentErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "component_failures_total",
			Help:      "Recorded hardware failures by component.",
		}, []string{"component"}),
		temperature: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_temperature_celsius",
			Help:      "Last measured zone temperature.",
		}, []string{"zone"}),
		duty: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "zone_duty_percent",
			Help:      "Last heater duty cycle applied.",
		}, []string{"zone"}),
	}

	c.registry.MustRegister(
		c.ordersFinished, c.orderDuration, c.ordersPending, c.ordersActive,
		c.safetyState, c.emergencyStops, c.violations, c.componentErrors,
		c.temperature, c.duty,
		prometheus.NewGoCollector(),
	)
	return c
}

// WatchBus exports the bus counters and tracks zone temperatures.
func (c *Collector) WatchBus(bus *events.Bus) events.Subscription {
	counter := func(name, help string, get func(events.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(get(bus.Stats())) })
	}
	c.registry.MustRegister(
		counter("published_total", "Events published.", func(s events.Stats) uint64 { return s.Published }),
		counter("delivered_total", "Deliveries handled.", func(s events.Stats) uint64 { return s.Delivered }),
		counter("dropped_total", "Deliveries dropped on full queues.", func(s events.Stats) uint64 { return s.Dropped }),
		counter("handler_errors_total", "Handler errors and panics.", func(s events.Stats) uint64 { return s.HandlerErrors }),
	)

	return events.On(bus, events.KindTemperatureReading, func(_ context.Context, _ events.Event, p events.TemperatureReading) error {
		c.temperature.WithLabelValues(p.Zone).Set(p.Celsius)
		c.duty.WithLabelValues(p.Zone).Set(p.Duty)
		return nil
	})
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) OrderFinished(status types.OrderStatus, d time.Duration) {
	c.ordersFinished.WithLabelValues(string(status)).Inc()
	if status == types.OrderReady {
		c.orderDuration.Observe(d.Seconds())
	}
}

func (c *Collector) QueueDepth(pending, active int) {
	c.ordersPending.Set(float64(pending))
	c.ordersActive.Set(float64(active))
}

func (c *Collector) SafetyState(s types.SafetyState) {
	c.safetyState.Set(float64(s))
}

func (c *Collector) EmergencyStop(source string) {
	c.emergencyStops.WithLabelValues(source).Inc()
}

func (c *Collector) SafetyViolation(q types.Quantity) {
	c.violations.WithLabelValues(string(q)).Inc()
}

func (c *Collector) ComponentFailure(id string) {
	c.componentErrors.WithLabelValues(id).Inc()
}
