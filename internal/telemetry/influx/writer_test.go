package influx

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/events"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWriterRecordsZoneHistory(t *testing.T) {
	bus := events.NewBus(zap.NewNop(), events.DefaultConfig())
	defer bus.Shutdown(context.Background())

	fake := &FakePointWriter{}
	w := NewWriter(zap.NewNop(), fake)
	w.Start(bus)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.New(events.KindTemperatureReading, "thermal.grill",
		events.TemperatureReading{Zone: "grill", Celsius: 198.25, Target: 200, Duty: 55})))
	require.NoError(t, bus.Publish(ctx, events.New(events.KindZoneStateChanged, "thermal.grill",
		events.ZoneStateChanged{Zone: "grill", From: types.ZonePreheating, To: types.ZoneReady})))

	require.Eventually(t, func() bool { return len(fake.Points()) == 2 }, time.Second, 5*time.Millisecond)

	lines := make([]string, 0, 2)
	for _, p := range fake.Points() {
		lines = append(lines, write.PointToLineProtocol(p, time.Nanosecond))
	}
	joined := strings.Join(lines, "")
	assert.Contains(t, joined, "zone_temperature,zone=grill celsius=198.25,duty=55,target=200")
	assert.Contains(t, joined, `zone_state,zone=grill from="preheating",to="ready"`)

	w.Stop()
	assert.Equal(t, 1, fake.Flushes())
}

func TestConnectDisabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrDisabled)
}
