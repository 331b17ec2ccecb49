package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTopic(t *testing.T) {
	assert.Equal(t, "kitchen/1/safety/emergency_stop", Topic("kitchen/1/", events.KindEmergencyStop))
	assert.Equal(t, "order/status_changed", Topic("", events.KindOrderStatusChanged))
}

func TestBridgeForwardsSelectedKinds(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Shutdown(context.Background())

	pub := NewFakePublisher()
	b := NewBridge(zap.NewNop(), pub, "okc", 1, true)
	b.Start(bus)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.New(events.KindMachineStatusChanged, "state",
		events.MachineStatusChanged{From: types.MachineBooting, To: types.MachineReady})))
	require.NoError(t, bus.Publish(ctx, events.New(events.KindStepRequested, "machine", events.StepRequested{})))
	require.NoError(t, bus.Publish(ctx, events.New(events.KindInventoryLow, "inventory",
		events.InventoryLow{Ingredient: "bun", Remaining: 2, Threshold: 5}).WithCorrelation("abc")))

	require.Eventually(t, func() bool { return len(pub.Sent()) == 2 }, time.Second, 5*time.Millisecond)

	sent := pub.Sent()
	byTopic := map[string]FakeMessage{}
	for _, m := range sent {
		byTopic[m.Topic] = m
	}

	status, ok := byTopic["okc/machine/status_changed"]
	require.True(t, ok)
	assert.True(t, status.Retained)
	assert.Equal(t, byte(1), status.QoS)

	low, ok := byTopic["okc/inventory/low"]
	require.True(t, ok)
	assert.False(t, low.Retained)

	var msg struct {
		Kind          string         `json:"kind"`
		CorrelationID string         `json:"correlation_id"`
		Payload       map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(low.Payload, &msg))
	assert.Equal(t, "inventory.low", msg.Kind)
	assert.Equal(t, "abc", msg.CorrelationID)
	assert.Equal(t, "bun", msg.Payload["ingredient"])

	require.NoError(t, b.Stop())
	assert.True(t, pub.Closed)
}

func TestBridgeReportsPublishErrors(t *testing.T) {
	pub := NewFakePublisher()
	pub.PublishError = errors.New("broker gone")
	b := NewBridge(zap.NewNop(), pub, "okc", 0, false)

	err := b.HandleEvent(context.Background(), events.New(events.KindEmergencyStop, "operator", events.EmergencyStop{}))
	assert.Error(t, err)
}
