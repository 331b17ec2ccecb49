package safety

import (
	"fmt"

	"github.com/KevinKickass/OpenKitchenCore/internal/types"
)

type Range struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

type Ceiling struct {
	Max float64 `mapstructure:"max" json:"max"`
}

type Thresholds struct {
	Temperature Range   `mapstructure:"temperature" json:"temperature"`
	Current     Ceiling `mapstructure:"current" json:"current"`
	Voltage     Range   `mapstructure:"voltage" json:"voltage"`
	Pressure    Ceiling `mapstructure:"pressure" json:"pressure"`
	Vibration   Ceiling `mapstructure:"vibration" json:"vibration"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Temperature: Range{Min: -40, Max: 250},
		Current:     Ceiling{Max: 15},
		Voltage:     Range{Min: 200, Max: 250},
		Pressure:    Ceiling{Max: 10},
		Vibration:   Ceiling{Max: 5},
	}
}

func (t Thresholds) Validate() error {
	for name, r := range map[string]Range{"temperature": t.Temperature, "voltage": t.Voltage} {
		if r.Max <= r.Min {
			return fmt.Errorf("%s threshold: max must exceed min", name)
		}
	}
	for name, c := range map[string]Ceiling{"current": t.Current, "pressure": t.Pressure, "vibration": t.Vibration} {
		if c.Max <= 0 {
			return fmt.Errorf("%s threshold: max must be positive", name)
		}
	}
	return nil
}

type level int

const (
	levelOK level = iota
	levelWarning
	levelCritical
)

// evaluate classifies v. band is the fraction of the allowed span treated as
// the warning zone next to each limit.
func (t Thresholds) evaluate(q types.Quantity, v, band float64) (level, float64) {
	switch q {
	case types.QuantityTemperature:
		return t.Temperature.evaluate(v, band)
	case types.QuantityVoltage:
		return t.Voltage.evaluate(v, band)
	case types.QuantityCurrent:
		return t.Current.evaluate(v, band)
	case types.QuantityPressure:
		return t.Pressure.evaluate(v, band)
	case types.QuantityVibration:
		return t.Vibration.evaluate(v, band)
	default:
		return levelOK, 0
	}
}

func (r Range) evaluate(v, band float64) (level, float64) {
	margin := (r.Max - r.Min) * band
	switch {
	case v > r.Max:
		return levelCritical, r.Max
	case v < r.Min:
		return levelCritical, r.Min
	case v > r.Max-margin:
		return levelWarning, r.Max
	case v < r.Min+margin:
		return levelWarning, r.Min
	}
	return levelOK, 0
}

func (c Ceiling) evaluate(v, band float64) (level, float64) {
	switch {
	case v > c.Max:
		return levelCritical, c.Max
	case v > c.Max-c.Max*band:
		return levelWarning, c.Max
	}
	return levelOK, 0
}
