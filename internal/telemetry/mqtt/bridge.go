package mqtt

import (
	"context"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"go.uber.org/zap"
)

// BridgedKinds are the events forwarded to the broker.
var BridgedKinds = []events.Kind{
	events.KindMachineStatusChanged,
	events.KindOrderReceived,
	events.KindOrderStatusChanged,
	events.KindSafetyStateChanged,
	events.KindSafetyViolation,
	events.KindEmergencyStop,
	events.KindEmergencyReset,
	events.KindTemperatureReading,
	events.KindZoneStateChanged,
	events.KindInventoryLow,
	events.KindMaintenanceRequired,
}

// retainedKinds describe current state; a late subscriber should see the
// last one.
var retainedKinds = map[events.Kind]bool{
	events.KindMachineStatusChanged: true,
	events.KindSafetyStateChanged:   true,
	events.KindZoneStateChanged:     true,
}

type Bridge struct {
	logger   *zap.Logger
	pub      Publisher
	prefix   string
	qos      byte
	retained bool
	bus      *events.Bus
	subs     []events.Subscription
}

func NewBridge(logger *zap.Logger, pub Publisher, prefix string, qos byte, retained bool) *Bridge {
	return &Bridge{
		logger:   logger.Named("mqtt"),
		pub:      pub,
		prefix:   prefix,
		qos:      qos,
		retained: retained,
	}
}

func (b *Bridge) Start(bus *events.Bus) {
	b.bus = bus
	for _, kind := range BridgedKinds {
		b.subs = append(b.subs, bus.Subscribe(kind, b))
	}
}

func (b *Bridge) Stop() error {
	for _, s := range b.subs {
		b.bus.Unsubscribe(s)
	}
	b.subs = nil
	return b.pub.Close()
}

// HandleEvent formats and hands the event to the publisher, which must not
// block on the network.
func (b *Bridge) HandleEvent(_ context.Context, e events.Event) error {
	if cs, ok := b.pub.(ConnectionStatus); ok && !cs.IsConnected() {
		b.logger.Debug("Broker offline, publishing to client buffer", zap.String("kind", string(e.Kind)))
	}

	payload, err := FormatPayload(e)
	if err != nil {
		return err
	}
	topic := Topic(b.prefix, e.Kind)
	if err := b.pub.Publish(topic, b.qos, b.retained && retainedKinds[e.Kind], payload); err != nil {
		b.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		return err
	}
	return nil
}
