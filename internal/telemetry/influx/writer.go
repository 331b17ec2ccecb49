// Package influx writes zone temperature history to InfluxDB.
package influx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	measurementTemperature = "zone_temperature"
	measurementZoneState   = "zone_state"

	defaultPingTimeout = 5 * time.Second
)

var ErrDisabled = errors.New("influxdb disabled")

// PointWriter is the non-blocking subset of api.WriteAPI the writer uses.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer turns temperature and zone state events into points.
type Writer struct {
	logger *zap.Logger
	points PointWriter
	close  func()

	bus  *events.Bus
	subs []events.Subscription
}

// NewWriter wraps an existing point writer; Connect builds one from config.
func NewWriter(logger *zap.Logger, points PointWriter) *Writer {
	return &Writer{logger: logger.Named("influx"), points: points, close: func() {}}
}

func Connect(ctx context.Context, cfg config.InfluxDBConfig, logger *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(uint(cfg.FlushInterval.Milliseconds()))
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token(), opts)

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	w := NewWriter(logger, writeAPI)
	w.close = client.Close
	go w.drainErrors(writeAPI)
	return w, nil
}

func (w *Writer) drainErrors(writeAPI api.WriteAPI) {
	for err := range writeAPI.Errors() {
		w.logger.Warn("Write failed", zap.Error(err))
	}
}

func (w *Writer) Start(bus *events.Bus) {
	w.bus = bus
	w.subs = append(w.subs,
		events.On(bus, events.KindTemperatureReading, w.onTemperature),
		events.On(bus, events.KindZoneStateChanged, w.onZoneState),
	)
}

// Stop unsubscribes, flushes buffered points and closes the client.
func (w *Writer) Stop() {
	for _, s := range w.subs {
		w.bus.Unsubscribe(s)
	}
	w.subs = nil
	w.points.Flush()
	w.close()
}

func (w *Writer) onTemperature(_ context.Context, e events.Event, p events.TemperatureReading) error {
	w.points.WritePoint(write.NewPoint(
		measurementTemperature,
		map[string]string{"zone": p.Zone},
		map[string]interface{}{
			"celsius": p.Celsius,
			"target":  p.Target,
			"duty":    p.Duty,
		},
		e.Timestamp,
	))
	return nil
}

func (w *Writer) onZoneState(_ context.Context, e events.Event, p events.ZoneStateChanged) error {
	w.points.WritePoint(write.NewPoint(
		measurementZoneState,
		map[string]string{"zone": p.Zone},
		map[string]interface{}{
			"from": string(p.From),
			"to":   string(p.To),
		},
		e.Timestamp,
	))
	return nil
}
