package system

import (
	"io"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/config"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/modbus"
	"github.com/KevinKickass/OpenKitchenCore/internal/hardware/sim"
	"github.com/KevinKickass/OpenKitchenCore/internal/machine"
	"github.com/KevinKickass/OpenKitchenCore/internal/safety"
	"github.com/KevinKickass/OpenKitchenCore/internal/thermal"
	"github.com/KevinKickass/OpenKitchenCore/internal/types"
	"go.uber.org/zap"
)

var sensorUnits = map[types.Quantity]string{
	types.QuantityTemperature: "C",
	types.QuantityCurrent:     "A",
	types.QuantityVoltage:     "V",
	types.QuantityPressure:    "bar",
	types.QuantityVibration:   "mm/s",
}

// zoneDevice builds the heater for one zone. The device ID is the zone name.
func zoneDevice(z config.ZoneConfig) (hardware.Heatable, io.Closer) {
	if z.Driver == "modbus" {
		zone := modbus.NewZone(modbus.ZoneConfig{
			ID:                  z.Name,
			Zone:                z.Name,
			Address:             z.Modbus.Address,
			UnitID:              z.Modbus.UnitID,
			Timeout:             z.Modbus.Timeout,
			TemperatureRegister: z.Modbus.TemperatureRegister,
			PowerRegister:       z.Modbus.PowerRegister,
			EnableRegister:      z.Modbus.EnableRegister,
		})
		return zone, zone
	}

	return sim.NewHeater(sim.HeaterConfig{
		ID:        z.Name,
		Zone:      z.Name,
		Ambient:   or(z.Sim.Ambient, 20),
		Initial:   z.Sim.Initial,
		HeatRate:  or(z.Sim.HeatRate, 5),
		LossRate:  or(z.Sim.LossRate, 0.01),
		TimeScale: or(z.Sim.TimeScale, 1),
	}), nil
}

func buildRegistry(cfg *config.Config, logger *zap.Logger) (*hardware.Registry, []io.Closer, error) {
	registry := hardware.NewRegistry(logger)
	var closers []io.Closer

	register := func(d hardware.Device) error {
		if err := registry.Register(d); err != nil {
			return fatal("hardware", err)
		}
		return nil
	}

	for _, z := range cfg.Zones {
		heater, closer := zoneDevice(z)
		if closer != nil {
			closers = append(closers, closer)
		}
		if err := register(heater); err != nil {
			return nil, closers, err
		}
	}

	comps := cfg.Components
	for _, d := range comps.Dispensers {
		if err := register(sim.NewDispenser(d.ID, d.Ingredient, d.Delay)); err != nil {
			return nil, closers, err
		}
	}
	if err := register(sim.NewArm(comps.Manipulator.ID, comps.Manipulator.Delay)); err != nil {
		return nil, closers, err
	}
	for _, id := range comps.Inputs {
		if err := register(sim.NewInputs(id)); err != nil {
			return nil, closers, err
		}
	}
	for _, s := range comps.Sensors {
		sensor := sim.NewSensor(s.ID)
		for name, value := range s.Readings {
			q := types.Quantity(name)
			sensor.Set(q, value, sensorUnits[q])
		}
		if err := register(sensor); err != nil {
			return nil, closers, err
		}
	}
	for _, id := range comps.Alarms {
		if err := register(sim.NewAlarm(id)); err != nil {
			return nil, closers, err
		}
	}
	return registry, closers, nil
}

// thermalConfig overlays the configured zone values on the fryer defaults.
func thermalConfig(z config.ZoneConfig, hardwareTimeout time.Duration) thermal.Config {
	c := thermal.DefaultConfig(z.Name)
	c.Target = or(z.Target, c.Target)
	c.Tolerance = or(z.Tolerance, c.Tolerance)
	c.Kp = or(z.Kp, c.Kp)
	c.Ki = or(z.Ki, c.Ki)
	c.Kd = or(z.Kd, c.Kd)
	c.MinSafe = or(z.MinSafe, c.MinSafe)
	c.MaxSafe = or(z.MaxSafe, c.MaxSafe)
	c.OverheatMargin = or(z.OverheatMargin, c.OverheatMargin)
	c.IntegralLimit = or(z.IntegralLimit, c.IntegralLimit)
	c.Smoothing = or(z.Smoothing, c.Smoothing)
	if z.TickInterval > 0 {
		c.TickInterval = z.TickInterval
	}
	if hardwareTimeout > 0 {
		c.HardwareTimeout = hardwareTimeout
	}
	return c
}

func safetyConfig(cfg config.SafetyConfig) safety.Config {
	return safety.Config{
		MonitoringInterval: cfg.MonitoringInterval,
		HardwareTimeout:    cfg.HardwareTimeout,
		CascadeTimeout:     cfg.CascadeTimeout,
		Thresholds:         cfg.Thresholds,
		WarningBand:        cfg.WarningBand,
		EscalationSamples:  cfg.EscalationSamples,
		ResetMargin:        cfg.ResetMargin,
		MaxRetryAttempts:   cfg.MaxRetryAttempts,
		HistorySize:        cfg.HistorySize,
		CriticalComponents: cfg.CriticalComponents,
		ReduceHeatingDelta: cfg.ReduceHeatingDelta,
	}
}

func machineConfig(cfg config.MachineConfig) machine.Config {
	return machine.Config{
		BatchSize:        cfg.BatchSize,
		TickInterval:     cfg.TickInterval,
		StepTimeout:      cfg.StepTimeout,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryBackoff:     cfg.RetryBackoff,
		HardwareTimeout:  cfg.HardwareTimeout,
		RetainFinished:   cfg.RetainFinished,
	}
}

func or(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

func zoneNames(zones []config.ZoneConfig) []string {
	names := make([]string, len(zones))
	for i, z := range zones {
		names[i] = z.Name
	}
	return names
}

func fatal(subsystem string, err error) error {
	return &types.FatalInitializationError{Subsystem: subsystem, Err: err}
}
