package thermal

import "math"

// PID is a positional PID controller producing a heater duty cycle in
// percent. It is not safe for concurrent use.
type PID struct {
	Kp, Ki, Kd float64
	// IntegralLimit bounds the accumulated error in both directions.
	IntegralLimit float64

	integral float64
	prevErr  float64
	primed   bool
}

// Update advances the controller by dt seconds and returns the duty cycle.
func (p *PID) Update(err, dt float64) float64 {
	if dt <= 0 {
		dt = 1e-3
	}

	p.integral += err * dt
	if p.IntegralLimit > 0 {
		p.integral = clamp(p.integral, -p.IntegralLimit, p.IntegralLimit)
	}

	derivative := 0.0
	if p.primed {
		derivative = (err - p.prevErr) / dt
	}
	p.prevErr = err
	p.primed = true

	out := p.Kp*err + p.Ki*p.integral + p.Kd*derivative
	return clamp(out, 0, 100)
}

func (p *PID) Integral() float64 { return p.integral }

func (p *PID) Reset() {
	p.integral = 0
	p.prevErr = 0
	p.primed = false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
