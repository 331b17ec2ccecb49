package hardware_test

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRegistryCapabilityLookups(t *testing.T) {
	r := hardware.NewRegistry(zap.NewNop())

	fryer := sim.NewHeater(sim.HeaterConfig{ID: "fryer", Zone: "fryer", Ambient: 20})
	bun := sim.NewDispenser("bun-dispenser", "bun", 0)
	arm := sim.NewArm("robot_arm", 0)
	panel := sim.NewInputs("panel")

	for _, d := range []hardware.Device{fryer, bun, arm, panel} {
		require.NoError(t, r.Register(d))
	}
	assert.Error(t, r.Register(fryer))

	h, err := r.Heater("fryer")
	require.NoError(t, err)
	assert.Equal(t, "fryer", h.ID())

	d, err := r.Dispenser("bun")
	require.NoError(t, err)
	assert.Equal(t, "bun-dispenser", d.ID())

	_, err = r.Dispenser("pickles")
	assert.ErrorIs(t, err, hardware.ErrNotFound)

	m, err := r.Manipulator()
	require.NoError(t, err)
	assert.Equal(t, "robot_arm", m.ID())

	assert.Len(t, r.Actuators(), 3)
	assert.Len(t, r.Inputs(), 1)
	assert.Len(t, r.Sensors(), 1)
	assert.Equal(t, []string{"bun-dispenser", "fryer", "panel", "robot_arm"}, r.IDs())
}

func TestInitializeAllClearsEmergencyStop(t *testing.T) {
	ctx := context.Background()
	r := hardware.NewRegistry(zap.NewNop())
	arm := sim.NewArm("robot_arm", time.Millisecond)
	require.NoError(t, r.Register(arm))

	require.NoError(t, arm.EmergencyStop(ctx))
	assert.Error(t, arm.Assemble(ctx, []string{"bun"}))

	require.NoError(t, r.InitializeAll(ctx))
	require.NoError(t, arm.Assemble(ctx, []string{"bun"}))
}
